package extraction

import (
	"context"

	"github.com/zombor/receipt-review/internal/review"
)

// Extractor defines the interface for turning raw OCR text into a
// structured receipt record via a hosted language model
type Extractor interface {
	// ExtractRecord sends the recognized text and returns the
	// normalized receipt record
	ExtractRecord(ctx context.Context, text string) (*review.Record, error)
	// Close closes the extractor and releases resources
	Close() error
}

// extractionPrompt is the shared prompt used by all LLM providers
const extractionPrompt = `Translate and organize Finnish receipt items into a structured table format.

# Constraints
- Translate items from Finnish to English, focusing on clarity.
- Avoid brand names; describe the type of item instead.
- Include discounts using "-" formatting.

# Output Format
Provide output in JSON format with the following structure:
` + "```json" + `
{
  "date": "YYYY-MM-DD",
  "items": [
    {
      "item": "Example Item",
      "price_eur": 5.95
    },
    {
      "item": "Another Item",
      "price_eur": 12.50
    }
  ]
}
` + "```" + `

# Notes
- Only translate receipt items and prices.
- Keep translations accurate and clear for non-Finnish speakers.
`
