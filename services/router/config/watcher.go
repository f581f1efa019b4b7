// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(Config)

// defaultDebounce coalesces the burst of events editors emit on save.
const defaultDebounce = 100 * time.Millisecond

// Watcher reloads the config file when it changes.
//
// Description:
//
//	The parent directory is watched rather than the file itself so that
//	atomic saves (write to temp, rename over) keep being observed. Events
//	for other files are ignored. A file that fails to parse or validate is
//	logged and the previous configuration stays in effect.
//
// Thread Safety: Start runs the loop on the caller's goroutine. Stop may be
// called from any goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	logger   *slog.Logger
	debounce time.Duration

	stopOnce sync.Once
	stopErr  error
}

// NewWatcher creates a Watcher for path.
//
// Inputs:
//   - path: The config file. Its directory must exist.
//   - onReload: Called with each valid reloaded Config. Must not be nil.
//   - logger: Nil uses slog.Default().
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("config watcher: reload callback must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		onReload: onReload,
		logger:   logger,
		debounce: defaultDebounce,
	}, nil
}

// Start processes file events until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Debug("watching config file", slog.String("path", w.path))

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			w.logger.Debug("config watcher stopping")
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous config",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.onReload(cfg)
}

// Stop closes the underlying watcher, which ends Start.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		w.stopErr = w.watcher.Close()
	})
	return w.stopErr
}
