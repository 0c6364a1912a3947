package card

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zombor/card-intake/internal/extraction"
)

// RecordInfo is returned by the backend when a pending record is created.
type RecordInfo struct {
	RecordID  string `json:"recordId"`
	BatchID   string `json:"batchId"`
	BatchName string `json:"batchName"`
}

// ImageRef ties a stored image to its content hash for registration.
type ImageRef struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// Records is the registration/commit collaborator.
type Records interface {
	// CreatePendingRecord registers a placeholder record for the scan,
	// reusing or creating the sitting's batch. Returns a DuplicateError
	// when the backend already holds this content hash for the tenant.
	CreatePendingRecord(ctx context.Context, tenant string, front ImageRef, back *ImageRef, locationID string) (*RecordInfo, error)

	// UpdateRecordExtraction persists extracted fields against the
	// pending record.
	UpdateRecordExtraction(ctx context.Context, tenant, recordID string, fields *extraction.Fields) error
}

// HTTPRecords implements Records against the registration backend.
type HTTPRecords struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRecords creates a records client for the given backend.
func NewHTTPRecords(baseURL string) *HTTPRecords {
	return &HTTPRecords{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type createRecordRequest struct {
	Tenant     string    `json:"tenant"`
	LocationID string    `json:"locationId,omitempty"`
	Front      ImageRef  `json:"front"`
	Back       *ImageRef `json:"back,omitempty"`
}

type duplicateResponse struct {
	Duplicate        bool   `json:"duplicate"`
	ExistingRecordID string `json:"existingRecordId"`
	Error            string `json:"error"`
}

// CreatePendingRecord registers a placeholder record for the scan.
func (r *HTTPRecords) CreatePendingRecord(ctx context.Context, tenant string, front ImageRef, back *ImageRef, locationID string) (*RecordInfo, error) {
	body, err := json.Marshal(createRecordRequest{
		Tenant:     tenant,
		LocationID: locationID,
		Front:      front,
		Back:       back,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling record request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/records", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating record request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registering record: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Only a conflict that declares itself a duplicate is one; any
		// other conflict is a business-rule rejection.
		var dup duplicateResponse
		if err := json.NewDecoder(resp.Body).Decode(&dup); err == nil && dup.Duplicate {
			return nil, &DuplicateError{ExistingRecordID: dup.ExistingRecordID}
		}
		reason := "registration conflict"
		if dup.Error != "" {
			reason = dup.Error
		}
		return nil, &TerminalError{Reason: reason}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var body duplicateResponse
		reason := fmt.Sprintf("registration rejected with %d", resp.StatusCode)
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			reason = body.Error
		}
		return nil, &TerminalError{Reason: reason}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("record registration returned %d", resp.StatusCode)
	}

	var info RecordInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding record info: %w", err)
	}
	if info.RecordID == "" {
		return nil, fmt.Errorf("backend returned empty record id")
	}
	return &info, nil
}

// UpdateRecordExtraction persists extracted fields against the pending record.
func (r *HTTPRecords) UpdateRecordExtraction(ctx context.Context, tenant, recordID string, fields *extraction.Fields) error {
	body, err := json.Marshal(struct {
		Tenant string             `json:"tenant"`
		Fields *extraction.Fields `json:"fields"`
	}{Tenant: tenant, Fields: fields})
	if err != nil {
		return fmt.Errorf("marshaling extraction update: %w", err)
	}

	url := fmt.Sprintf("%s/api/records/%s/extraction", r.baseURL, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating extraction update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("committing extraction: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &TerminalError{Reason: fmt.Sprintf("record %s not found", recordID)}
	case resp.StatusCode == http.StatusConflict:
		return &TerminalError{Reason: fmt.Sprintf("record %s is not pending", recordID)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &TerminalError{Reason: fmt.Sprintf("extraction commit rejected with %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("extraction commit returned %d", resp.StatusCode)
	}
	return nil
}
