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
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRouter/pkg/extensions"
	"github.com/AleutianAI/AleutianRouter/pkg/logging"
	"github.com/AleutianAI/AleutianRouter/services/router/config"
	"github.com/AleutianAI/AleutianRouter/services/router/handlers"
	"github.com/AleutianAI/AleutianRouter/services/router/observability"
)

type serveOptions struct {
	simulate bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router and its operator API",
		Long: `serve builds the router from the configuration, restores checkpoints,
starts the rollout monitor, the checkpointer and the config watcher, and serves
the operator API until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "Drive the configured simulation scenario against the running router")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	logs, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	registerRuntimeCollectors(reg)

	shutdownOTel, err := observability.Init(ctx, cfg.Observability, observability.Options{Registerer: reg})
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}

	st, err := buildStack(ctx, cfg, logger, reg)
	if err != nil {
		_ = shutdownOTel(context.Background())
		return err
	}

	restored, err := st.checkpointer.RestoreAll(ctx)
	if err != nil {
		logger.Warn("checkpoint restore incomplete", slog.String("error", err.Error()))
	}
	logger.Info("router starting",
		slog.String("addr", cfg.Server.Addr),
		slog.String("store", cfg.Storage.Backend),
		slog.Any("restored", restored),
		slog.Bool("experiment", st.experiment != nil),
	)

	st.monitor.Start(ctx)
	st.checkpointer.Start(ctx)

	var watcher *config.Watcher
	if root.configPath != "" {
		watcher, err = config.NewWatcher(root.configPath, st.applyReload, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewEngine(st.orch, reg, cfg.Observability.ServiceName, operatorOptions(cfg, logger)),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operator API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if watcher != nil {
		g.Go(func() error {
			watcher.Start(gctx)
			return nil
		})
	}
	if opts.simulate {
		g.Go(func() error {
			sum, err := st.sim.Run(gctx, st.orch, cfg.Simulation.Scenario)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("simulation: %w", err)
			}
			logger.Info("simulation finished",
				slog.Int64("requests", sum.Requests),
				slog.Float64("success_rate", sum.SuccessRate()),
				slog.Duration("elapsed", sum.Elapsed),
			)
			return nil
		})
	}

	runErr := g.Wait()
	logger.Info("router shutting down")

	if watcher != nil {
		_ = watcher.Stop()
	}
	st.monitor.Stop()
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := st.checkpointer.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := st.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// operatorOptions guards the operator API with the configured bearer token
// and audits every control action to the log. Without a token the API is
// open and every caller acts as the local operator.
func operatorOptions(cfg config.Config, logger *slog.Logger) extensions.ServiceOptions {
	opts := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(logger))
	if cfg.Server.OperatorToken == "" {
		logger.Warn("operator API is unauthenticated; set ROUTER_OPERATOR_TOKEN to require a bearer token")
		return opts
	}
	return opts.
		WithAuth(extensions.NewTokenAuthProvider(cfg.Server.OperatorToken)).
		WithAuthz(&extensions.RoleAuthzProvider{})
}
