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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRouter/pkg/logging"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the checkpointed router state",
		Long: `inspect opens the configured store, restores the bandit, rollout and
experiment checkpoints into fresh components and prints them. Nothing is
written back.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInspect(cmd.Context(), cmd, root, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the state as JSON")
	return cmd
}

func runInspect(ctx context.Context, cmd *cobra.Command, root *rootOptions, asJSON bool) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	cfg.Telemetry.Influx.Enabled = false

	st, err := buildStack(ctx, cfg, logging.Discard(), nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = st.close(closeCtx)
	}()

	restored, err := st.checkpointer.RestoreAll(ctx)
	if err != nil {
		return err
	}
	status := st.orch.Status()

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Restored []string `json:"restored"`
			Status   any      `json:"status"`
		}{restored, status})
	}

	p := root.printer(cmd)
	if len(restored) == 0 {
		p.Warning("no checkpoints found in the " + cfg.Storage.Backend + " store")
		return nil
	}
	p.Success("restored " + strings.Join(restored, ", "))
	renderBandit(p, status.Bandit)
	renderRollout(p, status.Rollout)
	renderExperiment(p, status.Experiment)
	return nil
}
