package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the persisted task type.
type Kind string

const (
	KindNewsletter Kind = "newsletter"
	KindReminder   Kind = "rsvp_reminder"
	KindQueueFlush Kind = "flush_message_queue"
)

// Kinds lists every kind a Payload variant exists for.
var Kinds = []Kind{KindNewsletter, KindReminder, KindQueueFlush}

// Payload is a closed set of variants; only this package can add one.
type Payload interface {
	Kind() Kind
	Validate() error
	sealed()
}

// SyncPayload drives the weekly catalog sync and digest broadcast.
type SyncPayload struct {
	DaysAhead int `json:"daysAhead,omitempty"`
}

func (SyncPayload) Kind() Kind { return KindNewsletter }
func (SyncPayload) sealed()    {}

func (p SyncPayload) Validate() error {
	if p.DaysAhead < 0 {
		return errors.New("daysAhead must be >= 0")
	}
	return nil
}

// ReminderPayload notifies one user shortly before one event.
type ReminderPayload struct {
	EventID     int   `json:"eventID"`
	UserID      int64 `json:"userID"`
	LeadMinutes int   `json:"minutesBeforeStart"`
}

func (ReminderPayload) Kind() Kind { return KindReminder }
func (ReminderPayload) sealed()    {}

func (p ReminderPayload) Validate() error {
	switch {
	case p.EventID <= 0:
		return errors.New("eventID must be positive")
	case p.UserID == 0:
		return errors.New("userID is required")
	case p.LeadMinutes < 0:
		return errors.New("minutesBeforeStart must be >= 0")
	}
	return nil
}

// FlushPayload drains part of the outgoing message queue.
type FlushPayload struct {
	Max int `json:"max,omitempty"`
}

func (FlushPayload) Kind() Kind { return KindQueueFlush }
func (FlushPayload) sealed()    {}

func (p FlushPayload) Validate() error {
	if p.Max < 0 {
		return errors.New("max must be >= 0")
	}
	return nil
}

// ErrUnknownKind is returned when decoding a kind with no payload variant.
var ErrUnknownKind = errors.New("task: unknown kind")

// EncodePayload returns the kind and JSON form of p.
func EncodePayload(p Payload) (Kind, json.RawMessage, error) {
	if p == nil {
		return "", nil, errors.New("task: nil payload")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	return p.Kind(), b, nil
}

// DecodePayload rebuilds the variant for kind and validates it.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch kind {
	case KindNewsletter:
		var v SyncPayload
		err = decodeStrict(raw, &v)
		p = v
	case KindReminder:
		var v ReminderPayload
		err = decodeStrict(raw, &v)
		p = v
	case KindQueueFlush:
		var v FlushPayload
		err = decodeStrict(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s payload: %w", kind, err)
	}
	return p, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
