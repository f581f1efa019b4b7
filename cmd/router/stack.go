// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/AleutianRouter/services/router/bandit"
	"github.com/AleutianAI/AleutianRouter/services/router/config"
	"github.com/AleutianAI/AleutianRouter/services/router/experiment"
	"github.com/AleutianAI/AleutianRouter/services/router/orchestrator"
	"github.com/AleutianAI/AleutianRouter/services/router/reward"
	"github.com/AleutianAI/AleutianRouter/services/router/rollout"
	"github.com/AleutianAI/AleutianRouter/services/router/shadow"
	"github.com/AleutianAI/AleutianRouter/services/router/simulate"
	"github.com/AleutianAI/AleutianRouter/services/router/storage"
	"github.com/AleutianAI/AleutianRouter/services/router/telemetry"
)

// Checkpoint component names.
const (
	checkpointBandit     = "bandit"
	checkpointRollout    = "rollout"
	checkpointExperiment = "experiment"
)

// stack holds every router component built from one Config.
type stack struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	store        storage.Store
	checkpointer *storage.Checkpointer
	bandit       *bandit.Bandit
	scorer       reward.Scorer
	shadow       *shadow.Router
	rollout      *rollout.Manager
	monitor      *rollout.Monitor
	experiment   *experiment.Manager
	sink         telemetry.Sink
	sim          *simulate.Simulator
	orch         *orchestrator.Orchestrator
}

// buildStack constructs the components in dependency order. The
// simulator's synthetic arms serve as executors. On failure everything
// already opened is closed.
//
// Inputs:
//   - ctx: Bounds remote store connectivity checks.
//   - cfg: A validated configuration.
//   - logger: Shared by every component.
//   - reg: Receives the router's Prometheus collectors. Nil creates one.
func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (_ *stack, err error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &stack{cfg: cfg, logger: logger, registry: reg}
	defer func() {
		if err != nil {
			_ = s.close(context.Background())
		}
	}()

	if s.store, err = storage.Open(ctx, cfg.Storage, logger); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if s.bandit, err = bandit.New(cfg.Bandit, bandit.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("create bandit: %w", err)
	}

	calc, err := reward.NewCalculator(cfg.Reward, logger)
	if err != nil {
		return nil, fmt.Errorf("create reward calculator: %w", err)
	}
	s.scorer = calc
	if cfg.Budget.Enabled {
		if s.scorer, err = reward.NewBudgetAwareCalculator(calc, cfg.Budget); err != nil {
			return nil, fmt.Errorf("create budget calculator: %w", err)
		}
	}

	if s.shadow, err = shadow.NewRouter(cfg.Shadow, s.bandit, s.scorer, shadow.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("create shadow router: %w", err)
	}

	if s.rollout, err = rollout.NewManager(cfg.Rollout, rollout.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("create rollout manager: %w", err)
	}

	if cfg.Experiment.Enabled {
		assignments := experiment.NewStoreAssignments(s.store, cfg.Storage.KeyPrefix, cfg.Experiment.AssignmentTTL)
		s.experiment, err = experiment.New(cfg.Experiment.Config,
			experiment.WithLogger(logger),
			experiment.WithAssignmentStore(assignments),
		)
		if err != nil {
			return nil, fmt.Errorf("create experiment: %w", err)
		}
	}

	if s.sink, err = telemetry.New(cfg.Telemetry, reg, logger); err != nil {
		return nil, fmt.Errorf("create telemetry sink: %w", err)
	}

	if s.sim, err = simulate.New(cfg.Simulation.Arms, cfg.Simulation.Scenario.Seed, logger); err != nil {
		return nil, fmt.Errorf("create simulated arms: %w", err)
	}

	s.orch, err = orchestrator.New(cfg.Orchestrator, orchestrator.Components{
		Bandit:     s.bandit,
		Scorer:     s.scorer,
		Shadow:     s.shadow,
		Rollout:    s.rollout,
		Experiment: s.experiment,
		Sink:       s.sink,
		Executors:  s.sim.Executors(),
	}, orchestrator.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	if s.monitor, err = rollout.NewMonitor(s.rollout, cfg.Monitor, s.onAlert, logger); err != nil {
		return nil, fmt.Errorf("create rollout monitor: %w", err)
	}

	s.checkpointer, err = storage.NewCheckpointer(s.store, cfg.Storage.KeyPrefix, cfg.Storage.CheckpointInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("create checkpointer: %w", err)
	}
	components := map[string]storage.Stateful{
		checkpointBandit:  s.bandit,
		checkpointRollout: s.rollout,
	}
	if s.experiment != nil {
		components[checkpointExperiment] = s.experiment
	}
	for name, comp := range components {
		if err = s.checkpointer.Register(name, comp); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// onAlert logs a monitor alert and records it as a rollout transition.
func (s *stack) onAlert(alert rollout.Alert) {
	level := slog.LevelWarn
	if alert.Level == rollout.AlertCritical {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "rollout alert",
		slog.String("signal", alert.Signal),
		slog.String("stage", alert.Stage.String()),
		slog.String("reason", alert.Reason),
	)
	err := s.sink.RecordTransition(context.Background(), &telemetry.TransitionEvent{
		Timestamp: alert.At,
		Component: "rollout",
		Kind:      "alert:" + alert.Signal,
		From:      alert.Stage.String(),
		To:        alert.Stage.String(),
		Reason:    alert.Reason,
	})
	if err != nil {
		s.logger.Debug("alert telemetry failed", slog.String("error", err.Error()))
	}
}

// applyReload pushes live-tunable options from a reloaded config. Other
// sections take effect on restart.
func (s *stack) applyReload(cfg config.Config) {
	if cfg.Shadow.ShadowRate != s.shadow.Stats().ShadowRate {
		if err := s.shadow.SetShadowRate(cfg.Shadow.ShadowRate); err != nil {
			s.logger.Warn("shadow rate not applied", slog.String("error", err.Error()))
			return
		}
		s.logger.Info("shadow rate updated", slog.Float64("shadow_rate", cfg.Shadow.ShadowRate))
	}
}

// close shuts down the orchestrator, sink and store. It does not save a
// checkpoint; callers that own the checkpointer stop it first.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// registerRuntimeCollectors adds Go runtime and process metrics.
func registerRuntimeCollectors(reg *prometheus.Registry) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
