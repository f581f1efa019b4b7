// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists router state.
//
// Three backends share the Store interface:
//
//	memory  - process-local map, used by tests and single-shot simulations
//	badger  - embedded BadgerDB with value-log GC, for a single instance
//	redis   - shared store for several router instances
//
// The Checkpointer saves and restores the learned state of the bandit,
// rollout and experiment through any Store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Backend names accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Store is a byte-oriented key/value store.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the backend.
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	// Backend is one of memory, badger, redis. Default: memory
	Backend string `yaml:"backend" validate:"oneof=memory badger redis"`

	// KeyPrefix namespaces every key written by the router. Default: "router:"
	KeyPrefix string `yaml:"key_prefix"`

	// CheckpointInterval is how often the Checkpointer saves state.
	// Zero disables periodic saves. Default: 1m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" validate:"gte=0"`

	Badger BadgerConfig `yaml:"badger"`
	Redis  RedisConfig  `yaml:"redis"`
}

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:            BackendMemory,
		KeyPrefix:          "router:",
		CheckpointInterval: time.Minute,
		Badger:             DefaultBadgerConfig(),
		Redis:              DefaultRedisConfig(),
	}
}

// Open creates the Store selected by cfg.Backend.
//
// Inputs:
//   - ctx: Bounds the connectivity check for remote backends.
//   - cfg: Store configuration.
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - Store: The opened store. Caller must Close it.
//   - error: Non-nil for an unknown backend or when the backend cannot open.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return OpenBadger(cfg.Badger, logger)
	case BackendRedis:
		return OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

var errClosed = errors.New("storage: store closed")

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	delete(s.data, key)
	return nil
}

// Close implements Store. Further calls fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
