// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and executor contracts shared by the
// router components.
package datatypes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Arm Names
// =============================================================================

// Arm names used by the default configuration.
const (
	ArmFast      = "fast"
	ArmAugmented = "augmented"
	ArmFallback  = "fallback"
	ArmHybrid    = "hybrid"
)

// =============================================================================
// Request
// =============================================================================

// Request is the snapshot of one inbound call.
//
// Description:
//
//	A Request is captured once per call and handed to every executor that
//	serves or shadows it. Executors must treat it as read-only.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type Request struct {
	// ID uniquely identifies the request.
	ID string `json:"id"`

	// UserID is the caller identity used for sticky assignment. May be empty.
	UserID string `json:"user_id,omitempty"`

	// SessionID groups requests of one conversation. May be empty.
	SessionID string `json:"session_id,omitempty"`

	// Query is the request text.
	Query string `json:"query"`

	// Context carries caller-provided attributes (locale, channel, ...).
	Context map[string]any `json:"context,omitempty"`

	// ReceivedAt is when the request entered the router.
	ReceivedAt time.Time `json:"received_at"`
}

// NewRequest creates a Request with a fresh UUID and the current time.
func NewRequest(userID, sessionID, query string) *Request {
	return &Request{
		ID:         uuid.NewString(),
		UserID:     userID,
		SessionID:  sessionID,
		Query:      query,
		Context:    map[string]any{},
		ReceivedAt: time.Now(),
	}
}

// =============================================================================
// Executor
// =============================================================================

// Executor performs the work of one arm.
//
// Description:
//
//	One Executor exists per arm name. The router never inspects the
//	returned payload beyond the optional CostReporter interface.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Executor interface {
	// Execute serves the request. Implementations must honor ctx
	// cancellation so shadow timeouts release their resources.
	Execute(ctx context.Context, req *Request) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (any, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// CostReporter is implemented by result payloads that know their cost in USD.
type CostReporter interface {
	Cost() float64
}

// CostOf returns the cost reported by payload, or 0 when it reports none.
func CostOf(payload any) float64 {
	if reporter, ok := payload.(CostReporter); ok {
		return reporter.Cost()
	}
	return 0
}

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies a failed execution for metrics and rewards.
type ErrorKind string

const (
	// ErrorKindNone marks a successful execution.
	ErrorKindNone ErrorKind = ""

	// ErrorKindTimeout marks an execution that exceeded its deadline.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindCanceled marks an execution whose context was canceled.
	ErrorKindCanceled ErrorKind = "canceled"

	// ErrorKindPanic marks an executor that panicked.
	ErrorKindPanic ErrorKind = "panic"
)

// ClassifyError maps an execution error to an ErrorKind.
//
// Deadline and cancellation errors get their own kinds; anything else is
// classified by its dynamic type name (for example "*net.OpError").
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCanceled
	default:
		return ErrorKind(fmt.Sprintf("%T", err))
	}
}
