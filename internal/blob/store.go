// Package blob fronts the capacity-limited external object store.
// Callers ask for a write credential for a (filename, contentType) pair
// and receive a time-limited upload URL plus a stable public URL; the
// upload itself is performed directly against the signed URL.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrUploadFailed means the object-store write itself failed. Reported
// distinctly so callers can tell the user the image did not upload.
var ErrUploadFailed = errors.New("image upload failed")

// Upload is a write credential for one object
type Upload struct {
	Key       string `json:"key"`
	UploadURL string `json:"presigned_url"`
	PublicURL string `json:"public_url"`
}

// Store defines the interface for obtaining upload credentials
type Store interface {
	// PresignUpload returns a time-limited upload URL and the stable
	// public URL the object will be served from
	PresignUpload(ctx context.Context, filename, contentType string) (*Upload, error)
}

// Put performs the upload leg against a presigned URL. The signature is
// bound to the content type, so the header must match the presign call.
func Put(ctx context.Context, client *http.Client, upload *Upload, data []byte, contentType string) error {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, upload.UploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, string(body))
	}

	return nil
}
