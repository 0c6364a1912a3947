package card

import "time"

// Status is the processing state of a work item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusCreating   Status = "creating"
	StatusExtracting Status = "extracting"
	StatusComplete   Status = "complete"
	StatusDuplicate  Status = "duplicate"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status can never change again on its own.
// Failed items can still be re-queued by an explicit manual retry.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusDuplicate || s == StatusFailed
}

// Processing reports whether a stage sequence is currently working on the item.
func (s Status) Processing() bool {
	return s == StatusUploading || s == StatusCreating || s == StatusExtracting
}

// CapturedImage holds one side of a scanned card. Data is the normalized
// raw payload and is never persisted across a restart; Preview is a small
// base64 PNG data URL safe to snapshot and serve.
type CapturedImage struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
	Preview     string `json:"preview,omitempty"`
}

// UploadResult is the durable reference to a stored image.
type UploadResult struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// BatchInfo identifies the sitting's batch, assigned by the backend on the
// first successful registration.
type BatchInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkItem tracks one physical card scan end-to-end through the pipeline.
type WorkItem struct {
	ID         string         `json:"id"`
	Front      *CapturedImage `json:"front"`
	Back       *CapturedImage `json:"back,omitempty"`
	Status     Status         `json:"status"`
	Progress   int            `json:"progress"` // advisory only, 0-100
	RecordID   string         `json:"record_id,omitempty"`
	BatchID    string         `json:"batch_id,omitempty"`
	BatchName  string         `json:"batch_name,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	RetryCount int            `json:"retry_count"`

	// Upload references survive on the item so a retry after a partially
	// successful attempt does not re-register an already-created record.
	FrontUpload *UploadResult `json:"front_upload,omitempty"`
	BackUpload  *UploadResult `json:"back_upload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the item safe to hand to readers. Image payloads
// are shared, never mutated after capture.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.Front != nil {
		front := *w.Front
		c.Front = &front
	}
	if w.Back != nil {
		back := *w.Back
		c.Back = &back
	}
	if w.FrontUpload != nil {
		up := *w.FrontUpload
		c.FrontUpload = &up
	}
	if w.BackUpload != nil {
		up := *w.BackUpload
		c.BackUpload = &up
	}
	return &c
}
