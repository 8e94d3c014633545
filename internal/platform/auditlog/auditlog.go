package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Actions recorded by the engine.
const (
	ActionVersionCreated      = "workflow_version.created"
	ActionVersionTransitioned = "workflow_version.transitioned"
	ActionVersionStaged       = "workflow_version.staged"
	ActionReferenceFlagged    = "container_reference.unresolved"
	ActionRunStarted          = "run.started"
	ActionRunDiagnosed        = "run.diagnosed"
	ActionAuthDenied          = "auth.denied"
)

type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	Payload      any
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("ResourceType is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("ResourceID is required")
	}
	return nil
}

// Appender persists audit events.
type Appender interface {
	Append(ctx context.Context, event Event) error
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLAppender writes events to the audit_events table.
type SQLAppender struct {
	DB QueryRower
}

func (a SQLAppender) Append(ctx context.Context, event Event) error {
	_, err := Insert(ctx, a.DB, event)
	return err
}

const insertEventQuery = `INSERT INTO audit_events (
	occurred_at,
	actor,
	action,
	resource_type,
	resource_id,
	request_id,
	payload,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING event_id`

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	event, payloadJSON, integrity, err := prepare(event)
	if err != nil {
		return 0, err
	}

	var requestID sql.NullString
	if event.RequestID != "" {
		requestID = sql.NullString{String: event.RequestID, Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertEventQuery,
		event.OccurredAt,
		event.Actor,
		event.Action,
		event.ResourceType,
		event.ResourceID,
		requestID,
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

// prepare normalizes an event and computes its payload and integrity hash.
func prepare(event Event) (Event, []byte, string, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.Actor = strings.TrimSpace(event.Actor)
	event.Action = strings.TrimSpace(event.Action)
	event.ResourceType = strings.TrimSpace(event.ResourceType)
	event.ResourceID = strings.TrimSpace(event.ResourceID)
	event.RequestID = strings.TrimSpace(event.RequestID)
	if err := event.Validate(); err != nil {
		return Event{}, nil, "", err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Event{}, nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return Event{}, nil, "", err
	}
	return event, payloadJSON, integrity, nil
}

// ComputeIntegritySHA256 hashes the canonical JSON form of an event so
// tampering with a stored row is detectable.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}

	blob, err := json.Marshal(integrityInput{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		Payload:      payloadJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Record is an event as kept by Recorder.
type Record struct {
	Event
	PayloadJSON []byte
	Integrity   string
}

// Recorder keeps events in memory. It backs the deployer when no database
// is configured.
type Recorder struct {
	mu     sync.Mutex
	events []Record
}

func (r *Recorder) Append(ctx context.Context, event Event) error {
	event, payloadJSON, integrity, err := prepare(event)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, Record{Event: event, PayloadJSON: payloadJSON, Integrity: integrity})
	r.mu.Unlock()
	return nil
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.events...)
}

// Actions lists the recorded actions in order.
func (r *Recorder) Actions() []string {
	events := r.Events()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}
