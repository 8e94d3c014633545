package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/omicsflow/internal/platform/auditlog"
	"github.com/animus-labs/omicsflow/internal/platform/httpserver"
)

const contentTypeNDJSON = "application/x-ndjson"

// handleListAuditEvents pages through the audit trail newest first. With
// format=ndjson the page is written one event per line for export.
func (api *deployerAPI) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if api.audit == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "audit_not_configured", "")
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	var beforeID int64
	if raw := strings.TrimSpace(q.Get("before_event_id")); raw != "" {
		beforeID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || beforeID <= 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_before_event_id", "before_event_id must be a positive integer")
			return
		}
	}
	format := strings.ToLower(strings.TrimSpace(q.Get("format")))
	if format != "" && format != "json" && format != "ndjson" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_format", "format must be json or ndjson")
		return
	}

	events, err := api.audit.List(r.Context(), auditlog.Filter{
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		RequestID:    q.Get("request_id"),
		BeforeID:     beforeID,
		Limit:        limit,
	})
	if err != nil {
		api.logger.Error("list audit events failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}

	if format == "ndjson" {
		w.Header().Set("Content-Type", contentTypeNDJSON)
		w.WriteHeader(http.StatusOK)
		if err := auditlog.WriteNDJSON(w, events); err != nil {
			api.logger.Warn("audit export interrupted", "error", err)
		}
		return
	}

	if events == nil {
		events = []auditlog.StoredEvent{}
	}
	resp := map[string]any{"events": events}
	if len(events) > 0 {
		resp["next_before_event_id"] = events[len(events)-1].EventID
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}
