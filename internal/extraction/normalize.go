package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zombor/receipt-review/internal/review"
)

// ErrMalformedPayload means the extraction response could not be parsed
// as a receipt record. Recoverable: the user retries the extraction.
var ErrMalformedPayload = errors.New("malformed extraction payload")

type wireItem struct {
	Item     string  `json:"item"`
	PriceEUR float64 `json:"price_eur"`
	Date     string  `json:"date"`
}

type wireRecord struct {
	Date  string     `json:"date"`
	Items []wireItem `json:"items"`
}

// dateFormats are tried in order when the primary ISO parse fails
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
}

// Normalize validates and repairs a raw extraction response before it
// enters review state. The response is a JSON object possibly wrapped in
// a markdown code fence; fences are stripped first. An unparseable
// record date is replaced with now and the substituted date propagated
// onto every item, so the output is always a structurally valid record.
// An absent price unmarshals to 0 and is kept as 0.
func Normalize(raw string, now time.Time) (*review.Record, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	endIdx := strings.LastIndex(text, "}")
	if startIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("%w: no JSON object found in response", ErrMalformedPayload)
	}
	text = text[startIdx : endIdx+1]

	var wire wireRecord
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	receiptDate, ok := parseDate(wire.Date)
	if !ok {
		// If we can't parse it, use today's date
		receiptDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	}

	record := &review.Record{
		ReceiptDate: receiptDate,
		Items:       make([]review.Item, 0, len(wire.Items)),
	}
	for _, item := range wire.Items {
		itemDate := receiptDate
		if d, ok := parseDate(item.Date); ok {
			itemDate = d
		}
		record.Items = append(record.Items, review.Item{
			Description:    item.Item,
			UnitPrice:      item.PriceEUR,
			OccurrenceDate: itemDate,
		})
	}

	return record, nil
}

// parseDate tries the ISO format first, then other common formats
func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, format := range dateFormats {
		if d, err := time.Parse(format, value); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
