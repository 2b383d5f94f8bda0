// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command glsd runs the language-server scope core standalone, with stub
// compiler and importer collaborators, for soak testing the lifecycle
// machinery (pools, eviction, scan sharing) without an editor attached.
//
// Usage:
//
//	go run ./cmd/glsd --workspace /path/to/workspace
//	go run ./cmd/glsd --config ~/.glsd/glsd.yaml --metrics-addr :9090
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tomaszrup/groovy-language-server-sub001/pkg/logging"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/compile"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/config"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/scancache"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		workspace   string
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:           "glsd",
		Short:         "Standalone language-server scope core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if workspace == "" {
				workspace, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("resolving workspace root: %w", err)
				}
			}
			return run(cmd.Context(), cfg, workspace)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace root (defaults to the working directory)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	return cmd
}

func run(ctx context.Context, cfg config.Config, workspace string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "glsd",
	})
	defer logger.Close()

	registry := prometheus.NewRegistry()

	svc, err := langserver.New(cfg, workspace, langserver.Collaborators{
		Compiler:    stubCompiler{},
		Importer:    stubImporter{},
		Files:       emptyFiles{},
		ScanBuilder: stubScanBuilder,
	}, logger.Logger, registry)
	if err != nil {
		return err
	}
	svc.Start()
	svc.OpenProject(ctx, workspace)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return svc.ShutdownAll(shutdownCtx)
}

// =============================================================================
// STUB COLLABORATORS
// =============================================================================

// stubUnit is a compiled artifact with nothing to release.
type stubUnit struct{}

func (stubUnit) Close() error { return nil }

// stubAST carries no reference index.
type stubAST struct{}

func (stubAST) HasReferenceIndex() bool                 { return false }
func (stubAST) WithoutReferenceIndex() compile.ASTModel { return stubAST{} }

// stubCompiler simulates a short compile producing no diagnostics.
type stubCompiler struct{}

func (stubCompiler) Compile(ctx context.Context, req compile.Request) (*compile.Output, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return &compile.Output{
		Unit:     stubUnit{},
		AST:      stubAST{},
		Full:     req.Full(),
		Duration: 50 * time.Millisecond,
	}, nil
}

// stubImporter resolves an empty classpath.
type stubImporter struct{}

func (stubImporter) ResolveClasspath(ctx context.Context, root string) ([]string, error) {
	return nil, nil
}

// emptyFiles reports no open documents.
type emptyFiles struct{}

func (emptyFiles) OpenURIs() []string             { return nil }
func (emptyFiles) Contents(string) (string, bool) { return "", false }

// stubScan is a classpath scan with nothing to release.
type stubScan struct{}

func (stubScan) Close() error { return nil }

func stubScanBuilder(ctx context.Context, key scancache.Key) (scancache.ScanResult, error) {
	return stubScan{}, nil
}
