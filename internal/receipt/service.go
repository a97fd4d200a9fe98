package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/receipt-review/internal/blob"
	"github.com/zombor/receipt-review/internal/export"
	"github.com/zombor/receipt-review/internal/extraction"
	"github.com/zombor/receipt-review/internal/review"
	"github.com/zombor/receipt-review/internal/settings"
)

// FeedbackRecorder defines the interface for persisting extraction
// feedback
type FeedbackRecorder interface {
	Record(ctx context.Context, image []byte, contentType, ocrResult, processedData, comment string) (string, error)
}

// Service handles review session operations. A failed external call
// leaves the session's review state exactly as it was.
type Service struct {
	sessions   *review.Sessions
	extractor  extraction.Extractor
	dispatcher export.Dispatcher
	recorder   FeedbackRecorder
	blobs      blob.Store
	settings   settings.Store
}

// NewService creates a new Service
func NewService(sessions *review.Sessions, extractor extraction.Extractor, dispatcher export.Dispatcher, recorder FeedbackRecorder, blobs blob.Store, settingsStore settings.Store) *Service {
	return &Service{
		sessions:   sessions,
		extractor:  extractor,
		dispatcher: dispatcher,
		recorder:   recorder,
		blobs:      blobs,
		settings:   settingsStore,
	}
}

// CreateSession starts a new empty review session
func (s *Service) CreateSession() (string, review.View) {
	session := s.sessions.Create()
	session.Lock()
	defer session.Unlock()
	return session.ID, session.State.View()
}

// View returns the current state of a session
func (s *Service) View(sessionID string) (review.View, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return review.View{}, err
	}
	session.Lock()
	defer session.Unlock()
	return session.State.View(), nil
}

// LoadRecord runs the extraction pipeline on recognized text and loads
// the normalized record into the session. Extraction happens outside
// the session lock since it is a slow network call.
func (s *Service) LoadRecord(ctx context.Context, sessionID, text string) (review.View, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return review.View{}, err
	}

	record, err := s.extractor.ExtractRecord(ctx, text)
	if err != nil {
		slog.Error("Failed to extract record",
			"session", sessionID,
			"text_length", len(text),
			"error", err,
		)
		return review.View{}, fmt.Errorf("extracting record: %w", err)
	}

	session.Lock()
	defer session.Unlock()
	session.State.SetRecord(*record)
	return session.State.View(), nil
}

// SetReviewDate parses an ISO date and cascades it onto every item
func (s *Service) SetReviewDate(sessionID, date string) (review.View, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return review.View{}, err
	}

	parsed, err := time.Parse("2006-01-02", date)
	if err != nil {
		return review.View{}, fmt.Errorf("parsing review date: %w", err)
	}

	session.Lock()
	defer session.Unlock()
	if err := session.State.SetReviewDate(parsed); err != nil {
		return review.View{}, err
	}
	return session.State.View(), nil
}

// ToggleAll flips the whole selection mask
func (s *Service) ToggleAll(sessionID string) (review.View, error) {
	return s.mutate(sessionID, func(state *review.State) error {
		return state.ToggleAll()
	})
}

// ToggleItem flips one item's selection
func (s *Service) ToggleItem(sessionID string, index int) (review.View, error) {
	return s.mutate(sessionID, func(state *review.State) error {
		return state.ToggleItem(index)
	})
}

// EditItem updates one field of one item
func (s *Service) EditItem(sessionID string, index int, field review.Field, value string) (review.View, error) {
	return s.mutate(sessionID, func(state *review.State) error {
		return state.EditItemField(index, field, value)
	})
}

// AddItem appends a blank item to the record
func (s *Service) AddItem(sessionID string) (review.View, error) {
	return s.mutate(sessionID, func(state *review.State) error {
		return state.AddItem()
	})
}

// RenameField renames an export column label, persisting it for future
// sessions
func (s *Service) RenameField(sessionID string, field review.Field, label string) (review.View, error) {
	return s.mutate(sessionID, func(state *review.State) error {
		return state.RenameField(field, label)
	})
}

func (s *Service) mutate(sessionID string, op func(*review.State) error) (review.View, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return review.View{}, err
	}
	session.Lock()
	defer session.Unlock()
	if err := op(session.State); err != nil {
		return review.View{}, err
	}
	return session.State.View(), nil
}

// Export dispatches the selected items to the external database using
// the stored credentials. Exports are single-flight per session; the
// snapshot is taken under the lock so edits made while the export is
// running cannot leak into it.
func (s *Service) Export(ctx context.Context, sessionID string) (*export.Result, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if !session.BeginExport() {
		return nil, review.ErrExportInFlight
	}
	defer session.EndExport()

	token, err := s.settings.Get(settings.KeyNotionToken)
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	databaseID, err := s.settings.Get(settings.KeyNotionDatabaseID)
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	session.Lock()
	record, mask, loaded := session.State.Snapshot()
	mapping := session.State.Mapping()
	session.Unlock()
	if !loaded {
		return nil, review.ErrNoRecord
	}

	result, err := s.dispatcher.Export(ctx, record, mask, mapping, export.Credentials{
		APIToken:   token,
		DatabaseID: databaseID,
	})
	if err != nil {
		slog.Error("Export failed", "session", sessionID, "error", err)
	}
	return result, err
}

// PresignUpload requests a write credential from the object store
func (s *Service) PresignUpload(ctx context.Context, filename, contentType string) (*blob.Upload, error) {
	upload, err := s.blobs.PresignUpload(ctx, filename, contentType)
	if err != nil {
		slog.Error("Failed to presign upload", "filename", filename, "error", err)
		return nil, fmt.Errorf("presigning upload: %w", err)
	}
	return upload, nil
}

// RecordFeedback persists a feedback report carrying the session's
// current extraction result alongside the receipt image
func (s *Service) RecordFeedback(ctx context.Context, sessionID string, image []byte, contentType, ocrText, comment string) (string, error) {
	view, err := s.View(sessionID)
	if err != nil {
		return "", err
	}

	processed, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("marshaling extraction result: %w", err)
	}

	ocrResult, err := json.Marshal(ocrText)
	if err != nil {
		return "", fmt.Errorf("marshaling recognized text: %w", err)
	}

	url, err := s.recorder.Record(ctx, image, contentType, string(ocrResult), string(processed), comment)
	if err != nil {
		slog.Error("Failed to record feedback", "session", sessionID, "error", err)
		return "", err
	}
	return url, nil
}

// SaveLabel persists one field label rename. With a session id the
// rename also applies to that live session's mapping; without one it
// only takes effect for sessions created later.
func (s *Service) SaveLabel(sessionID string, field review.Field, label string) error {
	if sessionID != "" {
		_, err := s.RenameField(sessionID, field, label)
		return err
	}

	var key string
	switch field {
	case review.FieldDescription:
		key = review.LabelKeyDescription
	case review.FieldPrice:
		key = review.LabelKeyPrice
	case review.FieldDate:
		key = review.LabelKeyDate
	default:
		return fmt.Errorf("unknown field: %s", field)
	}
	if err := s.settings.Put(key, label); err != nil {
		return fmt.Errorf("saving field label: %w", err)
	}
	return nil
}

// FieldLabels returns the persisted export labels, with defaults for
// any label never renamed
func (s *Service) FieldLabels() (review.FieldMapping, error) {
	mapping := review.DefaultFieldMapping()
	for key, target := range map[string]*string{
		review.LabelKeyDescription: &mapping.DescriptionLabel,
		review.LabelKeyPrice:       &mapping.PriceLabel,
		review.LabelKeyDate:        &mapping.DateLabel,
	} {
		value, err := s.settings.Get(key)
		if err != nil {
			return mapping, fmt.Errorf("reading field labels: %w", err)
		}
		if value != "" {
			*target = value
		}
	}
	return mapping, nil
}

// Credentials reports the stored export credentials. The token is
// reported by presence only, never echoed back.
func (s *Service) Credentials() (hasToken bool, databaseID string, err error) {
	token, err := s.settings.Get(settings.KeyNotionToken)
	if err != nil {
		return false, "", fmt.Errorf("reading credentials: %w", err)
	}
	databaseID, err = s.settings.Get(settings.KeyNotionDatabaseID)
	if err != nil {
		return false, "", fmt.Errorf("reading credentials: %w", err)
	}
	return token != "", databaseID, nil
}

// SaveCredentials overwrites the stored export credentials. Empty
// fields leave the stored value alone.
func (s *Service) SaveCredentials(token, databaseID string) error {
	if token != "" {
		if err := s.settings.Put(settings.KeyNotionToken, token); err != nil {
			return fmt.Errorf("saving credentials: %w", err)
		}
	}
	if databaseID != "" {
		if err := s.settings.Put(settings.KeyNotionDatabaseID, databaseID); err != nil {
			return fmt.Errorf("saving credentials: %w", err)
		}
	}
	return nil
}
