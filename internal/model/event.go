package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harborview/backoffice/pkg/clock"
)

// EventStatus represents an outbox lifecycle state.
type EventStatus string

const (
	EventStatusPending    EventStatus = "PENDING"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusCompleted  EventStatus = "COMPLETED"
)

// DefaultMaxRetries is the retry budget applied when a publisher does not
// specify one.
const DefaultMaxRetries = 3

// EventRecord is the single durable entity of the delivery core. Once
// appended, ID, EventType, Data, Metadata, PublishedAt and MaxRetries are
// immutable.
type EventRecord struct {
	ID                  string          `db:"id" json:"id"`
	EventType           string          `db:"event_type" json:"event_type"`
	Data                json.RawMessage `db:"data" json:"data"`
	Metadata            json.RawMessage `db:"metadata" json:"metadata"`
	Status              EventStatus     `db:"status" json:"status"`
	PublishedAt         time.Time       `db:"published_at" json:"published_at"`
	ProcessingStartedAt *time.Time      `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	RetryCount          int             `db:"retry_count" json:"retry_count"`
	MaxRetries          int             `db:"max_retries" json:"max_retries"`
	LastError           *string         `db:"last_error" json:"last_error,omitempty"`
	LastRetryAt         *time.Time      `db:"last_retry_at" json:"last_retry_at,omitempty"`
}

// DLQRecord is a terminal copy of an event that exhausted its retry budget.
// Immutable after insert.
type DLQRecord struct {
	EventRecord
	MovedToDLQAt time.Time `db:"moved_to_dlq_at" json:"moved_to_dlq_at"`
	FinalError   string    `db:"final_error" json:"final_error"`
}

// Defaults carries publisher-side defaults applied by the record factory.
type Defaults struct {
	MaxRetries int
}

// NewEventRecord builds a fully populated PENDING record. It has no side
// effects and fails only on invalid input.
func NewEventRecord(clk clock.Clock, eventType string, data, metadata interface{}, defaults Defaults) (*EventRecord, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("event type cannot be empty")
	}

	dataJSON, err := marshalPayload(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	metaJSON, err := marshalPayload(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	maxRetries := defaults.MaxRetries
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}

	return &EventRecord{
		ID:          clk.NewID(),
		EventType:   eventType,
		Data:        dataJSON,
		Metadata:    metaJSON,
		Status:      EventStatusPending,
		PublishedAt: clk.Now(),
		RetryCount:  0,
		MaxRetries:  maxRetries,
	}, nil
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return raw, nil
	}
	return json.Marshal(v)
}

// Snapshot returns a deep copy of the record, used when promoting to DLQ so
// the copy cannot alias the live outbox row.
func (r *EventRecord) Snapshot() *EventRecord {
	cp := *r
	cp.Data = append(json.RawMessage(nil), r.Data...)
	cp.Metadata = append(json.RawMessage(nil), r.Metadata...)
	if r.ProcessingStartedAt != nil {
		t := *r.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.LastError != nil {
		s := *r.LastError
		cp.LastError = &s
	}
	if r.LastRetryAt != nil {
		t := *r.LastRetryAt
		cp.LastRetryAt = &t
	}
	return &cp
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (s EventStatus) IsValid() bool {
	switch s {
	case EventStatusPending, EventStatusProcessing, EventStatusCompleted:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// COMPLETED is terminal; DLQ promotion is modeled as removal from the
// outbox, not as a status.
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	switch s {
	case EventStatusPending:
		return next == EventStatusProcessing
	case EventStatusProcessing:
		return next == EventStatusCompleted || next == EventStatusPending
	case EventStatusCompleted:
		return next == EventStatusCompleted
	default:
		return false
	}
}

// ValidateTransition validates a status transition.
func ValidateTransition(from, to EventStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("invalid status %q", from)
	}
	if !to.IsValid() {
		return fmt.Errorf("invalid status %q", to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	return nil
}

func (s EventStatus) String() string {
	return string(s)
}
