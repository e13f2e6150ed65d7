package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ChangeKind discriminates row-level change events.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Collections that publish change events.
const (
	CollectionTickets  = "tickets"
	CollectionMessages = "ticket_messages"
	CollectionHeroes   = "heroes"
	CollectionMissions = "missions"
)

// ErrMalformedEvent marks an event that cannot be decoded.
var ErrMalformedEvent = errors.New("malformed change event")

// ChangeEvent is one row-level change pushed by the backing store. New is
// set for INSERT and UPDATE, Old for UPDATE and DELETE.
type ChangeEvent struct {
	ID         string          `json:"id,omitempty"`
	Kind       ChangeKind      `json:"type"`
	Collection string          `json:"table"`
	New        json.RawMessage `json:"record,omitempty"`
	Old        json.RawMessage `json:"old_record,omitempty"`
	Timestamp  time.Time       `json:"commit_timestamp"`
}

// NewChangeEvent marshals the given rows into an event. Either row may be nil.
func NewChangeEvent(kind ChangeKind, collection string, newRow, oldRow any) (ChangeEvent, error) {
	event := ChangeEvent{Kind: kind, Collection: collection, Timestamp: time.Now().UTC()}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("marshal new row: %w", err)
		}
		event.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("marshal old row: %w", err)
		}
		event.Old = raw
	}
	return event, nil
}

// Validate checks the envelope carries the rows its kind requires.
func (e ChangeEvent) Validate() error {
	switch e.Kind {
	case ChangeInsert:
		if len(e.New) == 0 {
			return fmt.Errorf("%w: insert without record", ErrMalformedEvent)
		}
	case ChangeUpdate:
		if len(e.New) == 0 {
			return fmt.Errorf("%w: update without record", ErrMalformedEvent)
		}
	case ChangeDelete:
		if len(e.Old) == 0 {
			return fmt.Errorf("%w: delete without old record", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// DecodeNew unmarshals the new row into v.
func (e ChangeEvent) DecodeNew(v any) error {
	if len(e.New) == 0 {
		return fmt.Errorf("%w: no record", ErrMalformedEvent)
	}
	if err := json.Unmarshal(e.New, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// DecodeOld unmarshals the old row into v.
func (e ChangeEvent) DecodeOld(v any) error {
	if len(e.Old) == 0 {
		return fmt.Errorf("%w: no old record", ErrMalformedEvent)
	}
	if err := json.Unmarshal(e.Old, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// RowID extracts the "id" column from whichever row is present.
func (e ChangeEvent) RowID() (string, error) {
	var row struct {
		ID string `json:"id"`
	}
	raw := e.New
	if len(raw) == 0 {
		raw = e.Old
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: no rows", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if row.ID == "" {
		return "", fmt.Errorf("%w: row without id", ErrMalformedEvent)
	}
	return row.ID, nil
}

// Filter narrows a subscription to rows whose Field equals Value.
type Filter struct {
	Field string
	Value string
}

// Matches reports whether the event passes the filter. Either row may match.
func (f *Filter) Matches(e ChangeEvent) bool {
	if f == nil || f.Field == "" {
		return true
	}
	for _, raw := range []json.RawMessage{e.New, e.Old} {
		if len(raw) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if v, ok := row[f.Field]; ok && fmt.Sprint(v) == f.Value {
			return true
		}
	}
	return false
}
