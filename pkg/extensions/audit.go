// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// AuditEvent records one operator action.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "rollout.hold",
//	    UserID:       info.UserID,
//	    Action:       "control",
//	    ResourceType: "rollout",
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"reason": "incident"},
//	}
type AuditEvent struct {
	// EventType is "category.action", e.g. "rollout.advance" or "authz.denied".
	EventType string

	// Timestamp is when the event occurred. Zero is replaced with
	// time.Now().UTC() by the loggers in this package.
	Timestamp time.Time

	// UserID identifies who performed the action.
	UserID string

	// Action is the authorization action (read, control).
	Action string

	// ResourceType is the component involved: rollout, experiment, shadow.
	ResourceType string

	// Outcome is success, denied or failure.
	Outcome string

	// Metadata holds event-specific details such as the reason.
	Metadata map[string]any
}

// AuditFilter selects events from AuditLogger.Query. Zero fields match
// everything.
type AuditFilter struct {
	EventTypes []string
	UserID     string
	StartTime  time.Time

	// Limit caps the result. Zero returns every match.
	Limit int
}

func (f AuditFilter) matches(e AuditEvent) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.UserID != "" && f.UserID != e.UserID {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	return true
}

// AuditLogger records operator actions.
//
// Log must return quickly; it runs on the request path.
type AuditLogger interface {
	// Log records an event.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first. Loggers that do not
	// retain events return an empty slice.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists buffered events.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
//
// Thread-safe: This implementation has no mutable state.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Query returns an empty slice.
func (l *NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes each event as an info record and keeps the most
// recent events in memory for Query.
//
// Thread-safe: Safe for concurrent use.
type SlogAuditLogger struct {
	logger *slog.Logger
	limit  int

	mu     sync.Mutex
	events []AuditEvent
}

// defaultAuditRetention is the number of events kept for Query.
const defaultAuditRetention = 1000

// NewSlogAuditLogger creates a logger writing to logger. Nil uses
// slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With(slog.String("component", "audit")), limit: defaultAuditRetention}
}

// Log writes the event and retains it.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []slog.Attr{
		slog.String("event_type", event.EventType),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)

	l.mu.Lock()
	l.events = append(l.events, event)
	if over := len(l.events) - l.limit; over > 0 {
		l.events = slices.Delete(l.events, 0, over)
	}
	l.mu.Unlock()
	return nil
}

// Query returns retained events matching filter, newest first.
func (l *SlogAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []AuditEvent{}
	for i := len(l.events) - 1; i >= 0; i-- {
		if !filter.matches(l.events[i]) {
			continue
		}
		out = append(out, l.events[i])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Flush is a no-op; records are written synchronously.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
