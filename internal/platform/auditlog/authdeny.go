package auditlog

import (
	"context"
	"strings"

	"github.com/animus-labs/omicsflow/internal/platform/auth"
)

// AuthDenyFunc adapts an Appender to the auth middleware audit hook.
func AuthDenyFunc(appender Appender, service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		actor := "anonymous"
		if strings.TrimSpace(event.Subject) != "" {
			actor = strings.TrimSpace(event.Subject)
		}
		return appender.Append(ctx, Event{
			OccurredAt:   event.Time,
			Actor:        actor,
			Action:       ActionAuthDenied,
			ResourceType: "http",
			ResourceID:   event.Method + " " + event.Path,
			RequestID:    event.RequestID,
			Payload: map[string]any{
				"service":     service,
				"status":      event.Status,
				"reason":      event.Reason,
				"error":       event.Error,
				"roles":       event.Roles,
				"remote_addr": event.RemoteAddr,
				"user_agent":  event.UserAgent,
			},
		})
	}
}
