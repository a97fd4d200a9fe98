package review

import "time"

// Item is a single line item on a receipt
type Item struct {
	Description    string    `json:"item"`
	UnitPrice      float64   `json:"price_eur"`
	OccurrenceDate time.Time `json:"date"`
}

// Record is the structured result of one extraction: a receipt date and
// the line items in the order they appeared on the receipt
type Record struct {
	ReceiptDate time.Time `json:"date"`
	Items       []Item    `json:"items"`
}

// Field identifies an editable receipt attribute
type Field string

const (
	FieldDescription Field = "description"
	FieldPrice       Field = "price"
	FieldDate        Field = "date"
)

// FieldMapping holds the user-renameable labels that decide which
// target-schema property each attribute is written to on export
type FieldMapping struct {
	DescriptionLabel string `json:"description_label"`
	PriceLabel       string `json:"price_label"`
	DateLabel        string `json:"date_label"`
}

// DefaultFieldMapping returns the labels used before any renames
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{
		DescriptionLabel: "Item",
		PriceLabel:       "Price (EUR)",
		DateLabel:        "Date",
	}
}

// Settings keys under which field labels are persisted across sessions
const (
	LabelKeyDescription = "label_description"
	LabelKeyPrice       = "label_price"
	LabelKeyDate        = "label_date"
)

// LabelStore persists field labels independently of any record's lifecycle.
// Implemented by the settings store; injected so it can be mocked in tests.
type LabelStore interface {
	Get(key string) (string, error)
	Put(key, value string) error
}
