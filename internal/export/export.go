// Package export maps a reviewed receipt onto row-create calls against
// the external database.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/zombor/receipt-review/internal/review"
)

// ErrMissingCredentials means an export was attempted without an API
// token or target database id. No network call is made in that case.
var ErrMissingCredentials = errors.New("missing export credentials")

// Credentials identify the user's target database. They are opaque
// secrets, validated only for non-emptiness.
type Credentials struct {
	APIToken   string
	DatabaseID string
}

// ItemResult is the outcome of one row-create call
type ItemResult struct {
	Index int    `json:"index"`
	Item  string `json:"item"`
	Error string `json:"error,omitempty"`
}

// Result aggregates the per-item outcomes of one export. Partial
// success is a valid terminal state: written rows are never rolled back.
type Result struct {
	Attempted int          `json:"attempted"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

// Dispatcher defines the interface for exporting selected items
type Dispatcher interface {
	// Export creates one row per mask-selected item, in item order. A
	// failed item does not stop the remaining ones; the error is
	// non-nil if any row failed, and the Result says which.
	Export(ctx context.Context, record review.Record, mask []bool, mapping review.FieldMapping, creds Credentials) (*Result, error)
}

// ServiceError carries the downstream service's failure message so it
// can be shown to the user
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("external service failure (status %d): %s", e.StatusCode, e.Message)
}
