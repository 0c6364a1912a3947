package card

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ContentHash computes the SHA-256 digest of raw image bytes, hex encoded.
// It is pure: identical bytes always yield the identical hash, so duplicate
// detection stays stable across retries.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteCredential is a short-lived permission to upload one object.
type WriteCredential struct {
	WriteURL string `json:"writeUrl"`
	Key      string `json:"key"`
}

// ObjectStore is the object-storage collaborator: request a write
// credential, then push the bytes directly to the returned URL.
type ObjectStore interface {
	// RequestWriteCredential asks the backend for a signed upload slot
	RequestWriteCredential(ctx context.Context, fileName, contentType string, size int, tenant string) (*WriteCredential, error)

	// Upload writes the raw bytes to the credential's URL
	Upload(ctx context.Context, writeURL string, data []byte, contentType string) error
}

// HTTPObjectStore implements ObjectStore against the backend's upload API.
type HTTPObjectStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPObjectStore creates an object-store client for the given backend.
func NewHTTPObjectStore(baseURL string) *HTTPObjectStore {
	return &HTTPObjectStore{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type writeCredentialRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Tenant      string `json:"tenant"`
}

// RequestWriteCredential asks the backend for a signed upload slot.
func (o *HTTPObjectStore) RequestWriteCredential(ctx context.Context, fileName, contentType string, size int, tenant string) (*WriteCredential, error) {
	body, err := json.Marshal(writeCredentialRequest{
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		Tenant:      tenant,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/uploads", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting write credential: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("write credential request returned %d", resp.StatusCode)
	}

	var cred WriteCredential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return nil, fmt.Errorf("decoding write credential: %w", err)
	}
	if cred.WriteURL == "" || cred.Key == "" {
		return nil, fmt.Errorf("incomplete write credential")
	}
	return &cred, nil
}

// Upload writes the raw bytes to the credential's URL. Re-uploading
// identical bytes to a fresh credential is harmless, which keeps retries
// safe.
func (o *HTTPObjectStore) Upload(ctx context.Context, writeURL string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, writeURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading object: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("object upload returned %d", resp.StatusCode)
	}
	return nil
}
