package auditlog

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/omicsflow/internal/platform/auth"
)

func TestComputeIntegritySHA256_IsStable(t *testing.T) {
	event := Event{
		OccurredAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Actor:        "alice",
		Action:       ActionVersionCreated,
		ResourceType: "workflow_version",
		ResourceID:   "wf-1@1.0.0",
	}
	payload := []byte(`{"bundle_digest":"sha256:abc"}`)
	first, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	second, _ := ComputeIntegritySHA256(event, payload)
	if first != second || len(first) != 64 {
		t.Fatalf("expected stable sha256 hex, got %q and %q", first, second)
	}
	event.Actor = "mallory"
	tampered, _ := ComputeIntegritySHA256(event, payload)
	if tampered == first {
		t.Fatalf("expected integrity to change with the actor")
	}
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	if err := rec.Append(context.Background(), Event{Actor: "alice", Action: ActionRunStarted, ResourceType: "run", ResourceID: "r-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := rec.Append(context.Background(), Event{Actor: "alice", Action: ActionRunStarted}); err == nil {
		t.Fatalf("expected validation error for missing resource")
	}
	events := rec.Events()
	if len(events) != 1 || events[0].Integrity == "" || events[0].OccurredAt.IsZero() || string(events[0].PayloadJSON) != "{}" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestAuthDenyFunc(t *testing.T) {
	rec := &Recorder{}
	hook := AuthDenyFunc(rec, "deployer")
	err := hook(context.Background(), auth.DenyEvent{Time: time.Now(), Status: 403, Reason: "forbidden", Method: "POST", Path: "/runs"})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	events := rec.Events()
	if len(events) != 1 || events[0].Actor != "anonymous" || events[0].ResourceID != "POST /runs" || events[0].Action != ActionAuthDenied {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRecorderList(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	for _, e := range []Event{
		{Actor: "alice", Action: ActionVersionCreated, ResourceType: "workflow_version", ResourceID: "wf-1@1.0.0"},
		{Actor: "system", Action: ActionVersionTransitioned, ResourceType: "workflow_version", ResourceID: "wf-1@1.0.0", Payload: map[string]any{"to": "ACTIVE"}},
		{Actor: "bob", Action: ActionRunStarted, ResourceType: "run", ResourceID: "r-1", RequestID: "req-9"},
	} {
		if err := rec.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := rec.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].EventID != 3 || all[2].EventID != 1 {
		t.Fatalf("expected newest first, got %+v", all)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []int64
	}{
		{name: "resource", filter: Filter{ResourceType: "workflow_version", ResourceID: "wf-1@1.0.0"}, want: []int64{2, 1}},
		{name: "action", filter: Filter{Action: ActionRunStarted}, want: []int64{3}},
		{name: "request id", filter: Filter{RequestID: " req-9 "}, want: []int64{3}},
		{name: "before id", filter: Filter{BeforeID: 3}, want: []int64{2, 1}},
		{name: "limit", filter: Filter{Limit: 1}, want: []int64{3}},
		{name: "no match", filter: Filter{Actor: "carol"}, want: nil},
	}
	for _, tt := range tests {
		got, err := rec.List(ctx, tt.filter)
		if err != nil {
			t.Fatalf("%s: list: %v", tt.name, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: expected %v, got %+v", tt.name, tt.want, got)
		}
		for i := range got {
			if got[i].EventID != tt.want[i] {
				t.Fatalf("%s: expected %v, got %+v", tt.name, tt.want, got)
			}
		}
	}

	var buf bytes.Buffer
	if err := WriteNDJSON(&buf, all); err != nil {
		t.Fatalf("ndjson: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.Contains(lines[1], `"to":"ACTIVE"`) {
		t.Fatalf("unexpected ndjson %q", buf.String())
	}
}

func TestBuildListQuery(t *testing.T) {
	query, args := buildListQuery(Filter{Action: ActionRunStarted, BeforeID: 10, Limit: 5}.normalized())
	if !strings.Contains(query, "WHERE event_id < $1 AND action = $2") || !strings.HasSuffix(query, "LIMIT $3") {
		t.Fatalf("unexpected query %q", query)
	}
	if len(args) != 3 || args[0] != int64(10) || args[1] != ActionRunStarted || args[2] != 5 {
		t.Fatalf("unexpected args %v", args)
	}

	query, args = buildListQuery(Filter{Limit: 10000}.normalized())
	if strings.Contains(query, "WHERE") || len(args) != 1 || args[0] != MaxListLimit {
		t.Fatalf("unexpected unfiltered query %q %v", query, args)
	}
}
