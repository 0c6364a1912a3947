package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Remote implements the Extractor interface against the tenant's hosted
// vision-extraction service, which also runs the server-side content-hash
// check and answers with a duplicate signal when it has seen the card.
type Remote struct {
	baseURL string
	client  *http.Client
}

// NewRemote creates a new Remote Extractor instance
func NewRemote(baseURL string) (*Remote, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("extraction service url is required")
	}

	return &Remote{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 120 * time.Second, // vision extraction can be slow
		},
	}, nil
}

// RejectedError is a business-rule rejection from the extraction service,
// such as an unreadable payload. Retrying the same bytes cannot fix it.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// Terminal marks the error as non-retryable.
func (e *RejectedError) Terminal() bool { return true }

type extractImagePayload struct {
	Data        string `json:"data"` // base64
	ContentType string `json:"content_type"`
}

type extractRequest struct {
	Tenant string               `json:"tenant"`
	Front  extractImagePayload  `json:"front"`
	Back   *extractImagePayload `json:"back,omitempty"`
}

type extractErrorResponse struct {
	Duplicate        bool   `json:"duplicate"`
	ExistingRecordID string `json:"existingRecordId"`
	Error            string `json:"error"`
}

// Extract sends the raw card bytes to the extraction service.
func (r *Remote) Extract(tenant string, front Image, back *Image) (*Fields, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	reqBody := extractRequest{
		Tenant: tenant,
		Front: extractImagePayload{
			Data:        base64.StdEncoding.EncodeToString(front.Data),
			ContentType: front.ContentType,
		},
	}
	if back != nil {
		reqBody.Back = &extractImagePayload{
			Data:        base64.StdEncoding.EncodeToString(back.Data),
			ContentType: back.ContentType,
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling extraction service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Only a conflict that declares itself a duplicate is one; any
		// other conflict is a rejection like the rest of the 4xx range.
		var dup extractErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&dup); err == nil && dup.Duplicate {
			return nil, &DuplicateError{ExistingRecordID: dup.ExistingRecordID}
		}
		reason := "extraction conflict"
		if dup.Error != "" {
			reason = dup.Error
		}
		return nil, &RejectedError{Reason: reason}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var rej extractErrorResponse
		reason := fmt.Sprintf("extraction rejected with %d", resp.StatusCode)
		if err := json.NewDecoder(resp.Body).Decode(&rej); err == nil && rej.Error != "" {
			reason = rej.Error
		}
		return nil, &RejectedError{Reason: reason}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("extraction service returned %d", resp.StatusCode)
	}

	var fields Fields
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return nil, fmt.Errorf("decoding extracted fields: %w", err)
	}
	normalizeFields(&fields)
	return &fields, nil
}

// Close closes the extractor.
func (r *Remote) Close() error {
	return nil
}
