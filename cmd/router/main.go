// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command router runs the adaptive arm router.
//
// # Commands
//
//	router serve     --config router.yaml [--simulate]
//	router simulate  --requests 5000 --users 500
//	router inspect   --config router.yaml
//	router config init [path]
//	router config validate router.yaml
//
// # Environment Variables
//
//   - ROUTER_LOG_LEVEL: Overrides logging.level
//   - ROUTER_ADDR: Overrides server.addr
//   - ROUTER_INFLUX_TOKEN: InfluxDB token
//   - ROUTER_REDIS_PASSWORD: Redis password
//   - ROUTER_OPERATOR_TOKEN: Bearer token required by /v1/router
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRouter/pkg/logging"
	"github.com/AleutianAI/AleutianRouter/pkg/ux"
	"github.com/AleutianAI/AleutianRouter/services/router/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	plain      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Adaptive arm router with Thompson sampling, shadow testing and staged rollout",
		Long: `router selects a processing strategy per request with a Thompson sampling
bandit, validates candidates in shadow, ramps bandit traffic through staged
rollout and compares strategies with an optional A/B experiment.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the router YAML config (defaults apply when empty)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.plain, "plain", false, "Plain tab-separated output for scripts")

	cmd.AddCommand(
		newServeCmd(opts),
		newSimulateCmd(opts),
		newInspectCmd(opts),
		newConfigCmd(),
	)
	return cmd
}

// loadConfig reads --config, or the defaults plus environment overrides
// when no file is given, then applies --log-level.
func (o *rootOptions) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(o.configPath)
	}
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		if _, err := logging.ParseLevel(o.logLevel); err != nil {
			return config.Config{}, fmt.Errorf("--log-level: %w", err)
		}
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

func (o *rootOptions) printer(cmd *cobra.Command) *ux.Printer {
	return ux.NewPrinter(cmd.OutOrStdout(), o.plain)
}
