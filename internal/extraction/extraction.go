package extraction

import "fmt"

// Fields contains the structured data extracted from an intake card.
type Fields struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	BirthDate      string `json:"birth_date"` // ISO 8601 format
	Address        string `json:"address"`
	City           string `json:"city"`
	PostalCode     string `json:"postal_code"`
	EmergencyName  string `json:"emergency_name"`
	EmergencyPhone string `json:"emergency_phone"`
	Notes          string `json:"notes"`
}

// Image is one card side handed to an extractor: raw bytes plus MIME type.
type Image struct {
	Data        []byte
	ContentType string
}

// Extractor defines the interface for vision extraction of card fields.
type Extractor interface {
	// Extract analyzes the card images and returns structured fields. A
	// DuplicateError means the service already knows this content hash
	// for the tenant; it is terminal, not a failure.
	Extract(tenant string, front Image, back *Image) (*Fields, error)

	// Close closes the extractor and releases resources
	Close() error
}

// DuplicateError is the extraction service's duplicate-content signal,
// mirroring the backend's server-side hash check.
type DuplicateError struct {
	ExistingRecordID string
}

func (e *DuplicateError) Error() string {
	if e.ExistingRecordID == "" {
		return "card content already extracted"
	}
	return fmt.Sprintf("card content already extracted for record %s", e.ExistingRecordID)
}

// DuplicateContent marks the error as a duplicate-content signal.
func (e *DuplicateError) DuplicateContent() string { return e.ExistingRecordID }
