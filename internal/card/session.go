package card

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	sessionBucketName = "session"
	sessionSlotKey    = "current"
)

// InterruptedMessage is set on every non-terminal item recovered from a
// prior run. The raw image bytes are gone, so the stage sequence cannot be
// replayed automatically.
const InterruptedMessage = "session interrupted — please retry"

// SnapshotItem is the binary-free projection of a work item. Previews
// stand in for the raw payloads, which are never persisted.
type SnapshotItem struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	Progress   int    `json:"progress"`
	RecordID   string `json:"record_id,omitempty"`
	BatchID    string `json:"batch_id,omitempty"`
	BatchName  string `json:"batch_name,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	RetryCount int    `json:"retry_count"`

	FrontFileName    string `json:"front_file_name"`
	FrontContentType string `json:"front_content_type"`
	FrontPreview     string `json:"front_preview,omitempty"`
	BackFileName     string `json:"back_file_name,omitempty"`
	BackContentType  string `json:"back_content_type,omitempty"`
	BackPreview      string `json:"back_preview,omitempty"`
}

// Snapshot is the full session projection persisted after every mutation.
type Snapshot struct {
	Tenant     string         `json:"tenant"`
	LocationID string         `json:"location_id,omitempty"`
	Batch      *BatchInfo     `json:"batch,omitempty"`
	Items      []SnapshotItem `json:"items"`
	SavedAt    time.Time      `json:"saved_at"`
}

// Resumable reports whether the snapshot holds any item whose stage
// sequence was cut short.
func (s *Snapshot) Resumable() bool {
	if s == nil {
		return false
	}
	for _, item := range s.Items {
		if !item.Status.Terminal() {
			return true
		}
	}
	return false
}

// SnapshotStore persists the session projection to a process-external slot.
type SnapshotStore interface {
	// Save overwrites the session slot with the given snapshot
	Save(snap *Snapshot) error

	// Load returns the persisted snapshot, or nil if the slot is empty
	Load() (*Snapshot, error)

	// Clear empties the session slot
	Clear() error

	// Close closes the store
	Close() error
}

// BoltSnapshotStore implements SnapshotStore using BoltDB.
type BoltSnapshotStore struct {
	db *bbolt.DB
}

// NewBoltSnapshotStore opens (or creates) the session database at path.
func NewBoltSnapshotStore(path string) (*BoltSnapshotStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating session bucket: %w", err)
	}

	return &BoltSnapshotStore{db: db}, nil
}

// Save overwrites the session slot with the given snapshot.
func (b *BoltSnapshotStore) Save(snap *Snapshot) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucketName))
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshaling snapshot: %w", err)
		}
		return bucket.Put([]byte(sessionSlotKey), data)
	})
}

// Load returns the persisted snapshot, or nil if the slot is empty.
func (b *BoltSnapshotStore) Load() (*Snapshot, error) {
	var snap *Snapshot
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucketName))
		data := bucket.Get([]byte(sessionSlotKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return snap, nil
}

// Clear empties the session slot.
func (b *BoltSnapshotStore) Clear() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucketName))
		return bucket.Delete([]byte(sessionSlotKey))
	})
}

// Close closes the database.
func (b *BoltSnapshotStore) Close() error {
	return b.db.Close()
}
