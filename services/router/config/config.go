// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the router's file configuration.
//
// One YAML file carries a section per component. Each section is the
// owning component's Config struct, so defaults and validation live next
// to the code that consumes them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianRouter/pkg/logging"
	"github.com/AleutianAI/AleutianRouter/pkg/validation"
	"github.com/AleutianAI/AleutianRouter/services/router/bandit"
	"github.com/AleutianAI/AleutianRouter/services/router/experiment"
	"github.com/AleutianAI/AleutianRouter/services/router/observability"
	"github.com/AleutianAI/AleutianRouter/services/router/orchestrator"
	"github.com/AleutianAI/AleutianRouter/services/router/reward"
	"github.com/AleutianAI/AleutianRouter/services/router/rollout"
	"github.com/AleutianAI/AleutianRouter/services/router/shadow"
	"github.com/AleutianAI/AleutianRouter/services/router/simulate"
	"github.com/AleutianAI/AleutianRouter/services/router/storage"
	"github.com/AleutianAI/AleutianRouter/services/router/telemetry"
)

// ErrInvalidConfig wraps every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid router config")

// Config is the root of the router configuration file.
type Config struct {
	Logging       logging.Config        `yaml:"logging"`
	Bandit        bandit.Config         `yaml:"bandit"`
	Reward        reward.Config         `yaml:"reward"`
	Budget        reward.BudgetConfig   `yaml:"budget"`
	Shadow        shadow.Config         `yaml:"shadow"`
	Rollout       rollout.Config        `yaml:"rollout"`
	Monitor       rollout.MonitorConfig `yaml:"monitor"`
	Experiment    ExperimentConfig      `yaml:"experiment"`
	Storage       storage.Config        `yaml:"storage"`
	Telemetry     telemetry.Config      `yaml:"telemetry"`
	Orchestrator  orchestrator.Config   `yaml:"orchestrator"`
	Server        ServerConfig          `yaml:"server"`
	Observability observability.Config  `yaml:"observability"`
	Simulation    SimulationConfig      `yaml:"simulation"`
}

// SimulationConfig describes the synthetic arms the CLI serves and the
// default traffic scenario. Embedders that bring their own executors
// ignore it.
type SimulationConfig struct {
	Arms     []simulate.ArmSpec `yaml:"arms" validate:"min=1,dive"`
	Scenario simulate.Scenario  `yaml:"scenario"`
}

// ExperimentConfig enables the optional A/B experiment.
type ExperimentConfig struct {
	// Enabled starts an experiment at boot. Default: false
	Enabled bool `yaml:"enabled"`

	experiment.Config `yaml:",inline"`
}

// ServerConfig configures the operator API.
type ServerConfig struct {
	// Addr is the listen address. Default: ":8090"
	Addr string `yaml:"addr" validate:"required"`

	// ReadHeaderTimeout bounds request header reads. Default: 10s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// OperatorToken guards /v1/router with bearer auth. Empty leaves the
	// API open. Usually supplied through ROUTER_OPERATOR_TOKEN.
	OperatorToken string `yaml:"operator_token"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Logging:      logging.Config{Level: "info", Service: "router"},
		Bandit:       bandit.DefaultConfig(),
		Reward:       reward.DefaultConfig(),
		Budget:       reward.DefaultBudgetConfig(),
		Shadow:       shadow.DefaultConfig(),
		Rollout:      rollout.DefaultConfig(),
		Monitor:      rollout.DefaultMonitorConfig(),
		Experiment:   ExperimentConfig{Config: experiment.DefaultConfig()},
		Storage:      storage.DefaultConfig(),
		Telemetry:    telemetry.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Server: ServerConfig{
			Addr:              ":8090",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Observability: observability.DefaultConfig(),
		Simulation: SimulationConfig{
			Arms:     simulate.DefaultArms(),
			Scenario: simulate.DefaultScenario(),
		},
	}
}

// Validate runs the struct tags and every component's cross-field checks.
//
// Outputs:
//   - error: Wraps ErrInvalidConfig and names every failing section.
func (c Config) Validate() error {
	var errs []error
	if err := validation.Struct(c); err != nil {
		errs = append(errs, err)
	}

	checks := []struct {
		section string
		fn      func() error
	}{
		{"bandit", c.Bandit.Validate},
		{"reward", c.Reward.Validate},
		{"budget", c.Budget.Validate},
		{"shadow", c.Shadow.Validate},
		{"rollout", c.Rollout.Validate},
		{"orchestrator", c.Orchestrator.Validate},
		{"telemetry.prometheus", c.Telemetry.Prometheus.Validate},
		{"simulation.scenario", c.Simulation.Scenario.Validate},
	}
	if c.Experiment.Enabled {
		checks = append(checks, struct {
			section string
			fn      func() error
		}{"experiment", c.Experiment.Config.Validate})
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", check.section, err))
		}
	}

	if inf := c.Telemetry.Influx; inf.Enabled && (inf.URL == "" || inf.Org == "" || inf.Bucket == "") {
		errs = append(errs, errors.New("telemetry.influx: url, org and bucket are required when enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
