package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Filter selects stored events. Zero fields match everything. BeforeID pages
// backwards through event ids.
type Filter struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	BeforeID     int64
	Limit        int
}

func (f Filter) normalized() Filter {
	f.Actor = strings.TrimSpace(f.Actor)
	f.Action = strings.TrimSpace(f.Action)
	f.ResourceType = strings.TrimSpace(f.ResourceType)
	f.ResourceID = strings.TrimSpace(f.ResourceID)
	f.RequestID = strings.TrimSpace(f.RequestID)
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return f
}

func (f Filter) matches(id int64, e Event) bool {
	if f.BeforeID > 0 && id >= f.BeforeID {
		return false
	}
	return (f.Actor == "" || f.Actor == e.Actor) &&
		(f.Action == "" || f.Action == e.Action) &&
		(f.ResourceType == "" || f.ResourceType == e.ResourceType) &&
		(f.ResourceID == "" || f.ResourceID == e.ResourceID) &&
		(f.RequestID == "" || f.RequestID == e.RequestID)
}

// StoredEvent is an event as read back, newest first.
type StoredEvent struct {
	EventID         int64           `json:"event_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Actor           string          `json:"actor"`
	Action          string          `json:"action"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id"`
	RequestID       string          `json:"request_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

// Reader lists stored events.
type Reader interface {
	List(ctx context.Context, filter Filter) ([]StoredEvent, error)
}

type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLReader reads the audit_events table.
type SQLReader struct {
	DB Querier
}

func (r SQLReader) List(ctx context.Context, filter Filter) ([]StoredEvent, error) {
	if r.DB == nil {
		return nil, errors.New("queryer is required")
	}
	query, args := buildListQuery(filter.normalized())
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			ev         StoredEvent
			reqID      sql.NullString
			payloadRaw []byte
		)
		if err := rows.Scan(&ev.EventID, &ev.OccurredAt, &ev.Actor, &ev.Action, &ev.ResourceType, &ev.ResourceID, &reqID, &payloadRaw, &ev.IntegritySHA256); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.RequestID = strings.TrimSpace(reqID.String)
		ev.Payload = normalizeJSON(payloadRaw)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return out, nil
}

func buildListQuery(f Filter) (string, []any) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 7)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, clause+" $"+strconv.Itoa(len(args)))
	}
	if f.BeforeID > 0 {
		add("event_id <", f.BeforeID)
	}
	if f.Actor != "" {
		add("actor =", f.Actor)
	}
	if f.Action != "" {
		add("action =", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type =", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id =", f.ResourceID)
	}
	if f.RequestID != "" {
		add("request_id =", f.RequestID)
	}

	query := `SELECT event_id, occurred_at, actor, action, resource_type, resource_id, request_id, payload, integrity_sha256
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += " ORDER BY event_id DESC LIMIT $" + strconv.Itoa(len(args))
	return query, args
}

// List returns recorded events newest first. Event ids are 1-based positions
// in the recording order.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter = filter.normalized()
	events := r.Events()
	var out []StoredEvent
	for i := len(events) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		id := int64(i + 1)
		rec := events[i]
		if !filter.matches(id, rec.Event) {
			continue
		}
		out = append(out, StoredEvent{
			EventID:         id,
			OccurredAt:      rec.OccurredAt,
			Actor:           rec.Actor,
			Action:          rec.Action,
			ResourceType:    rec.ResourceType,
			ResourceID:      rec.ResourceID,
			RequestID:       rec.RequestID,
			Payload:         normalizeJSON(rec.PayloadJSON),
			IntegritySHA256: rec.Integrity,
		})
	}
	return out, nil
}

// WriteNDJSON writes one event per line.
func WriteNDJSON(w io.Writer, events []StoredEvent) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode audit event %d: %w", ev.EventID, err)
		}
	}
	return nil
}

func normalizeJSON(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}
