// Package feedback collects user reports about bad extractions: a copy
// of the receipt image, the extraction result, and a free-text comment.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zombor/receipt-review/internal/blob"
	"github.com/zombor/receipt-review/internal/imaging"
)

// Row is one persisted feedback report
type Row struct {
	ImageURL      string
	OCRResult     string
	ProcessedData string
	UserComment   string
}

// RowStore defines the interface for the append-only feedback store
type RowStore interface {
	InsertRow(ctx context.Context, row Row) error
	Close()
}

// NopRowStore discards feedback rows. Used when no database is
// configured, so the image upload still happens.
type NopRowStore struct{}

// InsertRow logs and drops the row
func (NopRowStore) InsertRow(ctx context.Context, row Row) error {
	slog.Warn("Dropping feedback row, no store configured", "image_url", row.ImageURL)
	return nil
}

// Close is a no-op
func (NopRowStore) Close() {}

// Recorder persists feedback in two steps: upload the image to the
// object store, then insert a row referencing its public URL. If the
// upload fails the row is never written, and the error says
// specifically that the image failed to upload.
type Recorder struct {
	blobs  blob.Store
	rows   RowStore
	client *http.Client
}

// NewRecorder creates a new Recorder instance
func NewRecorder(blobs blob.Store, rows RowStore) *Recorder {
	return &Recorder{
		blobs:  blobs,
		rows:   rows,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Record uploads the image and persists the feedback row. Images are
// normalized to PNG first so the stored copies are uniform.
func (r *Recorder) Record(ctx context.Context, image []byte, contentType, ocrResult, processedData, comment string) (string, error) {
	pngData, _, err := imaging.ToPNG(image, contentType)
	if err != nil {
		return "", fmt.Errorf("converting feedback image: %w", err)
	}

	filename := fmt.Sprintf("feedback_%d.png", time.Now().Unix())
	upload, err := r.blobs.PresignUpload(ctx, filename, "image/png")
	if err != nil {
		return "", fmt.Errorf("%w: %v", blob.ErrUploadFailed, err)
	}

	if err := blob.Put(ctx, r.client, upload, pngData, "image/png"); err != nil {
		return "", fmt.Errorf("uploading feedback image: %w", err)
	}

	row := Row{
		ImageURL:      upload.PublicURL,
		OCRResult:     ocrResult,
		ProcessedData: processedData,
		UserComment:   comment,
	}
	if err := r.rows.InsertRow(ctx, row); err != nil {
		return "", fmt.Errorf("saving feedback row: %w", err)
	}

	return upload.PublicURL, nil
}
