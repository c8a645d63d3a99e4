// Package storage is the client for the external object store that
// holds chat attachments. Uploads happen out of band before the reply
// command; the resulting public URL is what travels with the message.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUploadFailed signals the attachment could not be stored. The
// caller must not send the reply that referenced it.
var ErrUploadFailed = errors.New("storage: upload failed")

// Client talks to the object storage service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a storage client for the given base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// UploadRequest describes one attachment upload.
type UploadRequest struct {
	// Data is the base64-encoded file content.
	Data string `json:"data"`
	// Dir is the target directory, normally "trades/<tradeID>".
	Dir string `json:"dir"`
	// Width and Height are the declared image dimensions; the store
	// may downscale to fit.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload stores an attachment and returns its public URL.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (string, error) {
	if req.Data == "" {
		return "", fmt.Errorf("%w: empty payload", ErrUploadFailed)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("%w: store returned no URL", ErrUploadFailed)
	}
	return out.URL, nil
}
