package review

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoRecord is returned by mutating operations while no record is loaded
	ErrNoRecord = errors.New("no record loaded")

	// ErrIndexOutOfRange is returned when an item index does not exist.
	// This indicates a caller bug; the UI never produces stale indices.
	ErrIndexOutOfRange = errors.New("item index out of range")
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// State owns the editable representation of one receipt under review.
// It has two meaningful states: Empty (no record loaded, every mutator
// except SetRecord fails with ErrNoRecord) and Loaded. The transition
// Empty->Loaded happens only through SetRecord; a later SetRecord
// replaces the record in place.
//
// The selection mask is index-aligned with the items at all times; every
// operation that grows the item list grows the mask in the same step.
type State struct {
	record     *Record
	mask       []bool
	mapping    FieldMapping
	reviewDate time.Time

	labels     LabelStore
	timeSource TimeSource
}

// NewState creates a State in the Empty state. Field labels are loaded
// from the given store so renames survive across sessions.
func NewState(labels LabelStore) *State {
	return NewStateWithDeps(labels, &defaultTimeSource{})
}

// NewStateWithDeps creates a State with a custom time source for testing
func NewStateWithDeps(labels LabelStore, timeSource TimeSource) *State {
	s := &State{
		mapping:    DefaultFieldMapping(),
		labels:     labels,
		timeSource: timeSource,
	}
	s.loadLabels()
	return s
}

func (s *State) loadLabels() {
	if s.labels == nil {
		return
	}
	for key, dst := range map[string]*string{
		LabelKeyDescription: &s.mapping.DescriptionLabel,
		LabelKeyPrice:       &s.mapping.PriceLabel,
		LabelKeyDate:        &s.mapping.DateLabel,
	} {
		value, err := s.labels.Get(key)
		if err != nil {
			slog.Warn("Failed to load field label", "key", key, "error", err)
			continue
		}
		if value != "" {
			*dst = value
		}
	}
}

// Loaded reports whether a record is present
func (s *State) Loaded() bool {
	return s.record != nil
}

// SetRecord replaces the held record, resets the mask to all-true sized
// to the new item count and resets the review date to the record's date.
// This is the only entry point from the extraction pipeline.
func (s *State) SetRecord(record Record) {
	items := make([]Item, len(record.Items))
	copy(items, record.Items)
	record.Items = items

	s.record = &record
	s.mask = make([]bool, len(items))
	for i := range s.mask {
		s.mask[i] = true
	}
	s.reviewDate = record.ReceiptDate
}

// SetReviewDate updates the review date and propagates it onto every
// item. Editing the header date re-dates all line items, not only the
// unset ones; export relies on this cascade.
func (s *State) SetReviewDate(date time.Time) error {
	if s.record == nil {
		return ErrNoRecord
	}
	s.reviewDate = date
	s.record.ReceiptDate = date
	for i := range s.record.Items {
		s.record.Items[i].OccurrenceDate = date
	}
	return nil
}

// ToggleAll flips the whole mask based on the aggregate state: if every
// item is currently selected it deselects all, otherwise it selects all
func (s *State) ToggleAll() error {
	if s.record == nil {
		return ErrNoRecord
	}
	all := true
	for _, selected := range s.mask {
		if !selected {
			all = false
			break
		}
	}
	for i := range s.mask {
		s.mask[i] = !all
	}
	return nil
}

// ToggleItem flips the selection of a single item
func (s *State) ToggleItem(index int) error {
	if s.record == nil {
		return ErrNoRecord
	}
	if index < 0 || index >= len(s.mask) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	s.mask[index] = !s.mask[index]
	return nil
}

// EditItemField updates one field of one item. Descriptions are stored
// verbatim. Prices go through parsePrice: a value that does not parse is
// silently discarded and the prior value retained, with no error signal.
// The input widgets rely on that no-op to avoid flicker while typing.
func (s *State) EditItemField(index int, field Field, rawValue string) error {
	if s.record == nil {
		return ErrNoRecord
	}
	if index < 0 || index >= len(s.record.Items) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	switch field {
	case FieldDescription:
		s.record.Items[index].Description = rawValue
	case FieldPrice:
		if price, ok := parsePrice(rawValue); ok {
			s.record.Items[index].UnitPrice = price
		}
	default:
		return fmt.Errorf("unknown field: %s", field)
	}
	return nil
}

// parsePrice validates a raw price edit. The ok result is false for
// anything that is not a plain decimal number.
func parsePrice(raw string) (float64, bool) {
	price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, false
	}
	return price, true
}

// AddItem appends a blank item dated to the current review date (or
// today if unset) and selects it
func (s *State) AddItem() error {
	if s.record == nil {
		return ErrNoRecord
	}
	date := s.reviewDate
	if date.IsZero() {
		date = s.timeSource.Now()
	}
	s.record.Items = append(s.record.Items, Item{
		Description:    "",
		UnitPrice:      0,
		OccurrenceDate: date,
	})
	s.mask = append(s.mask, true)
	return nil
}

// RenameField updates the export label for a receipt attribute and
// persists it so the rename survives across sessions
func (s *State) RenameField(field Field, newLabel string) error {
	var key string
	switch field {
	case FieldDescription:
		key = LabelKeyDescription
		s.mapping.DescriptionLabel = newLabel
	case FieldPrice:
		key = LabelKeyPrice
		s.mapping.PriceLabel = newLabel
	case FieldDate:
		key = LabelKeyDate
		s.mapping.DateLabel = newLabel
	default:
		return fmt.Errorf("unknown field: %s", field)
	}

	if s.labels == nil {
		return nil
	}
	if err := s.labels.Put(key, newLabel); err != nil {
		return fmt.Errorf("persisting field label: %w", err)
	}
	return nil
}

// SelectedTotal returns the sum of unit prices over the selected items,
// rounded to two decimals for display. It never mutates state and is
// recomputed on every read.
func (s *State) SelectedTotal() float64 {
	if s.record == nil {
		return 0
	}
	var total float64
	for i, item := range s.record.Items {
		if s.mask[i] {
			total += item.UnitPrice
		}
	}
	return math.Round(total*100) / 100
}

// Mapping returns the current field mapping
func (s *State) Mapping() FieldMapping {
	return s.mapping
}

// ReviewDate returns the currently picked review date
func (s *State) ReviewDate() time.Time {
	return s.reviewDate
}

// Snapshot returns copies of the record and mask for export, so a
// pending export cannot observe later edits
func (s *State) Snapshot() (Record, []bool, bool) {
	if s.record == nil {
		return Record{}, nil, false
	}
	record := *s.record
	record.Items = make([]Item, len(s.record.Items))
	copy(record.Items, s.record.Items)
	mask := make([]bool, len(s.mask))
	copy(mask, s.mask)
	return record, mask, true
}

// ItemView is the JSON shape of one item in a state view
type ItemView struct {
	Description string  `json:"item"`
	UnitPrice   float64 `json:"price_eur"`
	Date        string  `json:"date"`
	Selected    bool    `json:"selected"`
}

// View is the JSON shape of the whole review state
type View struct {
	Loaded        bool         `json:"loaded"`
	ReceiptDate   string       `json:"date,omitempty"`
	Items         []ItemView   `json:"items"`
	Mapping       FieldMapping `json:"field_mapping"`
	SelectedTotal float64      `json:"selected_total"`
}

// View renders the state for API responses
func (s *State) View() View {
	view := View{
		Loaded:  s.record != nil,
		Items:   []ItemView{},
		Mapping: s.mapping,
	}
	if s.record == nil {
		return view
	}

	view.ReceiptDate = s.reviewDate.Format("2006-01-02")
	view.SelectedTotal = s.SelectedTotal()
	for i, item := range s.record.Items {
		view.Items = append(view.Items, ItemView{
			Description: item.Description,
			UnitPrice:   item.UnitPrice,
			Date:        item.OccurrenceDate.Format("2006-01-02"),
			Selected:    s.mask[i],
		})
	}
	return view
}
