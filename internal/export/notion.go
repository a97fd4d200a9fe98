package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zombor/receipt-review/internal/review"
)

const notionVersion = "2022-06-28"

// Notion implements the Dispatcher interface against the Notion pages API
type Notion struct {
	baseURL string
	client  *http.Client
}

// NewNotion creates a new Notion Dispatcher instance. baseURL overrides
// the production API endpoint, for testing.
func NewNotion(baseURL string) *Notion {
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	return &Notion{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// notionText is a rich-text fragment in a page property
type notionText struct {
	Type string `json:"type"`
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
}

func richText(content string) []notionText {
	var t notionText
	t.Type = "text"
	t.Text.Content = content
	return []notionText{t}
}

// pageRequest is the body of a page-create call. Properties are keyed
// by the user's field labels, so the map is built per item.
type pageRequest struct {
	Parent struct {
		Type       string `json:"type"`
		DatabaseID string `json:"database_id"`
	} `json:"parent"`
	Properties map[string]any `json:"properties"`
}

// Export creates one Notion page per selected item. Requests are
// independent: a downstream failure on one item does not stop the rest,
// and nothing already written is rolled back.
func (n *Notion) Export(ctx context.Context, record review.Record, mask []bool, mapping review.FieldMapping, creds Credentials) (*Result, error) {
	if creds.APIToken == "" || creds.DatabaseID == "" {
		return nil, ErrMissingCredentials
	}

	result := &Result{Items: []ItemResult{}}
	for i, item := range record.Items {
		if i >= len(mask) || !mask[i] {
			continue
		}
		result.Attempted++

		itemResult := ItemResult{Index: i, Item: item.Description}
		if err := n.createPage(ctx, item, mapping, creds); err != nil {
			itemResult.Error = err.Error()
			result.Failed++
		}
		result.Items = append(result.Items, itemResult)
	}

	if result.Failed > 0 {
		return result, fmt.Errorf("%d of %d rows failed", result.Failed, result.Attempted)
	}
	return result, nil
}

// createPage issues a single row-create call for one item
func (n *Notion) createPage(ctx context.Context, item review.Item, mapping review.FieldMapping, creds Credentials) error {
	var page pageRequest
	page.Parent.Type = "database_id"
	page.Parent.DatabaseID = creds.DatabaseID
	page.Properties = map[string]any{
		mapping.DescriptionLabel: map[string]any{
			"type":  "title",
			"title": richText(item.Description),
		},
		mapping.PriceLabel: map[string]any{
			"type":   "number",
			"number": item.UnitPrice,
		},
		mapping.DateLabel: map[string]any{
			"type": "date",
			"date": map[string]string{
				"start": item.OccurrenceDate.Format("2006-01-02"),
			},
		},
	}

	body, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshaling page: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v1/pages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", notionVersion)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling notion API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}

	return nil
}

// readErrorMessage extracts Notion's error message from a failure body
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "unreadable error response"
	}

	var notionErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &notionErr); err == nil && notionErr.Message != "" {
		return notionErr.Message
	}
	return string(data)
}
