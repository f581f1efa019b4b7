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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRouter/pkg/logging"
	"github.com/AleutianAI/AleutianRouter/services/router/orchestrator"
	"github.com/AleutianAI/AleutianRouter/services/router/simulate"
	"github.com/AleutianAI/AleutianRouter/services/router/storage"
)

type simulateOptions struct {
	requests    int
	users       int
	concurrency int
	seed        uint64
	asJSON      bool
}

// simulationReport is the --json output.
type simulationReport struct {
	Summary *simulate.Summary   `json:"summary"`
	Status  orchestrator.Status `json:"status"`
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run synthetic traffic through an in-memory router",
		Long: `simulate builds the router with an in-memory store, sends the configured
scenario through it and prints what the bandit, rollout and experiment learned.
Flags override the scenario in the configuration file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runSimulate(ctx, cmd, root, opts)
		},
	}
	cmd.Flags().IntVar(&opts.requests, "requests", 0, "Number of requests (0 keeps the configured value)")
	cmd.Flags().IntVar(&opts.users, "users", -1, "User population size (-1 keeps the configured value)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Requests in flight (0 keeps the configured value)")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "Seed for reproducible runs (0 keeps the configured value)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the summary and final status as JSON")
	return cmd
}

func runSimulate(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *simulateOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	cfg.Storage.Backend = storage.BackendMemory
	sc := cfg.Simulation.Scenario
	if opts.requests > 0 {
		sc.Requests = opts.requests
	}
	if opts.users >= 0 {
		sc.Users = opts.users
	}
	if opts.concurrency > 0 {
		sc.Concurrency = opts.concurrency
	}
	if opts.seed != 0 {
		sc.Seed = opts.seed
		cfg.Bandit.Seed = opts.seed
		cfg.Shadow.Seed = opts.seed
		cfg.Rollout.Seed = opts.seed
		cfg.Experiment.Seed = opts.seed
	}
	cfg.Simulation.Scenario = sc

	logs, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logs.Close()

	st, err := buildStack(ctx, cfg, logs.Slog(), nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = st.close(closeCtx)
	}()

	sum, err := st.sim.Run(ctx, st.orch, sc)
	if sum == nil {
		return err
	}
	status := st.orch.Status()

	if opts.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(simulationReport{Summary: sum, Status: status}); encErr != nil {
			return encErr
		}
		return err
	}

	p := root.printer(cmd)
	renderSummary(p, sum)
	renderBandit(p, status.Bandit)
	renderRollout(p, status.Rollout)
	renderExperiment(p, status.Experiment)
	if err != nil {
		p.Warning("simulation interrupted: " + err.Error())
	}
	return err
}
