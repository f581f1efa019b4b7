// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRouter/pkg/random"
)

var (
	// ErrFaultActive indicates a fault is already active.
	ErrFaultActive = errors.New("fault is already active")

	// ErrFaultInactive indicates a fault is not active.
	ErrFaultInactive = errors.New("fault is not active")

	// ErrInjected is the error returned by ErrorFault.
	ErrInjected = errors.New("simulate: injected error")
)

// Fault kinds accepted by NewFault.
const (
	FaultLatency = "latency"
	FaultError   = "error"
	FaultTimeout = "timeout"
	FaultPanic   = "panic"
)

// Fault alters an arm's executions while active.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Fault interface {
	// Name identifies the fault.
	Name() string

	// Inject activates the fault.
	Inject() error

	// Revert deactivates the fault.
	Revert() error

	// IsActive reports whether the fault is active.
	IsActive() bool

	// Apply applies the fault to one execution and returns the
	// (possibly replaced) execution error. It may block or panic.
	Apply(ctx context.Context, err error) error
}

// toggle is the shared activation state of every fault.
type toggle struct {
	active atomic.Bool
}

func (t *toggle) Inject() error {
	if !t.active.CompareAndSwap(false, true) {
		return ErrFaultActive
	}
	return nil
}

func (t *toggle) Revert() error {
	if !t.active.CompareAndSwap(true, false) {
		return ErrFaultInactive
	}
	return nil
}

func (t *toggle) IsActive() bool { return t.active.Load() }

// -----------------------------------------------------------------------------
// Latency
// -----------------------------------------------------------------------------

// LatencyFault delays every execution by a uniform draw in [min, max].
type LatencyFault struct {
	toggle
	minDelay, maxDelay time.Duration
	src                random.Source
}

// NewLatencyFault creates a LatencyFault. Swapped bounds are reordered.
func NewLatencyFault(minDelay, maxDelay time.Duration, src random.Source) *LatencyFault {
	if minDelay > maxDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	return &LatencyFault{minDelay: minDelay, maxDelay: maxDelay, src: orGlobal(src)}
}

func (f *LatencyFault) Name() string { return FaultLatency }

func (f *LatencyFault) Apply(ctx context.Context, err error) error {
	if !f.IsActive() {
		return err
	}
	delay := f.minDelay + time.Duration(f.src.Float64()*float64(f.maxDelay-f.minDelay))
	if sleepErr := sleep(ctx, delay); sleepErr != nil {
		return sleepErr
	}
	return err
}

// -----------------------------------------------------------------------------
// Error
// -----------------------------------------------------------------------------

// ErrorFault fails executions with probability rate.
type ErrorFault struct {
	toggle
	rate     float64
	err      error
	src      random.Source
	injected atomic.Int64
	total    atomic.Int64
}

// NewErrorFault creates an ErrorFault. Nil err uses ErrInjected.
func NewErrorFault(rate float64, err error, src random.Source) *ErrorFault {
	if err == nil {
		err = ErrInjected
	}
	return &ErrorFault{rate: clampRate(rate), err: err, src: orGlobal(src)}
}

func (f *ErrorFault) Name() string { return FaultError }

func (f *ErrorFault) Apply(_ context.Context, err error) error {
	if !f.IsActive() {
		return err
	}
	f.total.Add(1)
	if f.src.Float64() < f.rate {
		f.injected.Add(1)
		return f.err
	}
	return err
}

// Stats returns injected and total applications.
func (f *ErrorFault) Stats() (injected, total int64) {
	return f.injected.Load(), f.total.Load()
}

// -----------------------------------------------------------------------------
// Timeout
// -----------------------------------------------------------------------------

// TimeoutFault makes executions hang with probability rate until ctx ends
// or the hang duration passes.
type TimeoutFault struct {
	toggle
	rate float64
	hang time.Duration
	src  random.Source
}

// NewTimeoutFault creates a TimeoutFault that hangs for up to hang.
func NewTimeoutFault(rate float64, hang time.Duration, src random.Source) *TimeoutFault {
	return &TimeoutFault{rate: clampRate(rate), hang: hang, src: orGlobal(src)}
}

func (f *TimeoutFault) Name() string { return FaultTimeout }

func (f *TimeoutFault) Apply(ctx context.Context, err error) error {
	if !f.IsActive() || f.src.Float64() >= f.rate {
		return err
	}
	if sleepErr := sleep(ctx, f.hang); sleepErr != nil {
		return sleepErr
	}
	return context.DeadlineExceeded
}

// -----------------------------------------------------------------------------
// Panic
// -----------------------------------------------------------------------------

// PanicFault panics with probability rate.
type PanicFault struct {
	toggle
	rate    float64
	message string
	src     random.Source
}

// NewPanicFault creates a PanicFault.
func NewPanicFault(rate float64, message string, src random.Source) *PanicFault {
	if message == "" {
		message = "simulate: injected panic"
	}
	return &PanicFault{rate: clampRate(rate), message: message, src: orGlobal(src)}
}

func (f *PanicFault) Name() string { return FaultPanic }

func (f *PanicFault) Apply(_ context.Context, err error) error {
	if f.IsActive() && f.src.Float64() < f.rate {
		panic(f.message)
	}
	return err
}

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

// FaultSpec declares a fault and the window of the run it is active in.
type FaultSpec struct {
	// Arm is the arm the fault attaches to.
	Arm string `yaml:"arm" json:"arm" validate:"armid"`

	// Kind is latency, error, timeout or panic.
	Kind string `yaml:"kind" json:"kind" validate:"oneof=latency error timeout panic"`

	// Rate is the per-execution probability (error, timeout, panic).
	Rate float64 `yaml:"rate" json:"rate" validate:"unit"`

	// Delay is the latency bound (latency) or the hang time (timeout).
	Delay time.Duration `yaml:"delay" json:"delay" validate:"gte=0"`

	// From and Until bound the active window as fractions of the run.
	// Until zero means the end of the run.
	From  float64 `yaml:"from" json:"from" validate:"unit"`
	Until float64 `yaml:"until" json:"until" validate:"unit"`
}

// NewFault builds the fault described by spec.
func NewFault(spec FaultSpec, src random.Source) (Fault, error) {
	switch spec.Kind {
	case FaultLatency:
		return NewLatencyFault(spec.Delay/2, spec.Delay, src), nil
	case FaultError:
		return NewErrorFault(spec.Rate, nil, src), nil
	case FaultTimeout:
		return NewTimeoutFault(spec.Rate, spec.Delay, src), nil
	case FaultPanic:
		return NewPanicFault(spec.Rate, "", src), nil
	default:
		return nil, fmt.Errorf("simulate: unknown fault kind %q", spec.Kind)
	}
}

func clampRate(rate float64) float64 {
	return max(0, min(1, rate))
}

func orGlobal(src random.Source) random.Source {
	if src == nil {
		return random.New(0)
	}
	return src
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
