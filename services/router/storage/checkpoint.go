// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stateful is a component whose state can be checkpointed.
type Stateful interface {
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// finalSaveTimeout bounds the save performed by Stop.
const finalSaveTimeout = 10 * time.Second

// Checkpointer saves registered components to a Store under
// "<prefix>state:<name>" and restores them at startup.
//
// Description:
//
//	Register every component before Start. Start saves on a ticker until
//	Stop, which performs one final save. Save failures are logged and the
//	next tick retries.
//
// Thread Safety: Safe for concurrent use.
type Checkpointer struct {
	store    Store
	prefix   string
	interval time.Duration
	logger   *slog.Logger

	mu         sync.RWMutex
	components map[string]Stateful

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
}

// NewCheckpointer creates a Checkpointer.
//
// Inputs:
//   - store: Destination store. Must not be nil.
//   - prefix: Key namespace, typically Config.KeyPrefix.
//   - interval: Period between saves. Zero disables the ticker.
//   - logger: Nil uses slog.Default().
func NewCheckpointer(store Store, prefix string, interval time.Duration, logger *slog.Logger) (*Checkpointer, error) {
	if store == nil {
		return nil, errors.New("storage: checkpoint store must not be nil")
	}
	if interval < 0 {
		return nil, errors.New("storage: checkpoint interval must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		store:      store,
		prefix:     prefix,
		interval:   interval,
		logger:     logger,
		components: make(map[string]Stateful),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Register adds a component under name.
func (c *Checkpointer) Register(name string, s Stateful) error {
	if name == "" || s == nil {
		return errors.New("storage: checkpoint component needs a name and a value")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.components[name]; dup {
		return fmt.Errorf("storage: checkpoint component %q already registered", name)
	}
	c.components[name] = s
	return nil
}

// Key returns the store key used for a component.
func (c *Checkpointer) Key(name string) string {
	return c.prefix + "state:" + name
}

// Names returns the registered component names in sorted order.
func (c *Checkpointer) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Checkpointer) snapshot() map[string]Stateful {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Stateful, len(c.components))
	for k, v := range c.components {
		out[k] = v
	}
	return out
}

// SaveAll writes every component's state.
//
// Outputs:
//   - error: The first failure. Other components are still attempted.
func (c *Checkpointer) SaveAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, comp := range c.snapshot() {
		g.Go(func() error {
			data, err := comp.SaveState()
			if err != nil {
				return fmt.Errorf("checkpoint %s: save state: %w", name, err)
			}
			if err := c.store.Set(ctx, c.Key(name), data); err != nil {
				return fmt.Errorf("checkpoint %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RestoreAll loads every component that has a checkpoint. Components
// without one keep their current state.
//
// Outputs:
//   - []string: Names of the restored components, sorted.
//   - error: The first load or read failure.
func (c *Checkpointer) RestoreAll(ctx context.Context) ([]string, error) {
	var (
		mu       sync.Mutex
		restored []string
	)
	g, ctx := errgroup.WithContext(ctx)
	for name, comp := range c.snapshot() {
		g.Go(func() error {
			data, err := c.store.Get(ctx, c.Key(name))
			if errors.Is(err, ErrNotFound) {
				c.logger.Debug("no checkpoint", slog.String("component", name))
				return nil
			}
			if err != nil {
				return fmt.Errorf("checkpoint %s: %w", name, err)
			}
			if err := comp.LoadState(data); err != nil {
				return fmt.Errorf("checkpoint %s: load state: %w", name, err)
			}
			mu.Lock()
			restored = append(restored, name)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	sort.Strings(restored)
	if len(restored) > 0 {
		c.logger.Info("checkpoints restored", slog.Any("components", restored))
	}
	return restored, err
}

// Start begins periodic saves. A zero interval makes Start a no-op.
// Subsequent calls are no-ops.
func (c *Checkpointer) Start(ctx context.Context) {
	if c.interval == 0 {
		return
	}
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.run(ctx)
	})
}

func (c *Checkpointer) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.SaveAll(ctx); err != nil {
				c.logger.Warn("checkpoint failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop halts periodic saves and performs a final save. Only the first
// call saves.
func (c *Checkpointer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.RLock()
		started := c.started
		c.mu.RUnlock()
		if started {
			<-c.doneCh
		}
		ctx, cancel := context.WithTimeout(context.Background(), finalSaveTimeout)
		defer cancel()
		err = c.SaveAll(ctx)
		if err != nil {
			c.logger.Error("final checkpoint failed", slog.String("error", err.Error()))
		}
	})
	return err
}
