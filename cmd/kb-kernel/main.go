package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/quickloan-kb/internal/app"
	appconfig "github.com/manthysbr/quickloan-kb/internal/config"
	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/telemetry"
	"github.com/manthysbr/quickloan-kb/pkg/kernel"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "kb-kernel",
		Short:         "Serves the Quick Loan knowledge base agent over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Resolve(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)
			logger.Info("starting quickloan-kb kernel", "version", version)
			return run(logger, cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default $"+appconfig.EnvConfigPath+")")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg domain.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(logger *slog.Logger, cfg *domain.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := app.New(ctx, logger, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	apiServer, err := kernel.NewServer(logger, kernel.Deps{
		Agent:       a.Agent,
		EventBus:    a.EventBus,
		Tracer:      a.Tracer,
		Traces:      a.Repo,
		Settings:    a.Settings,
		ToolTimeout: a.Config.Agent.ToolTimeout,
		Metrics:     a.Config.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   a.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           c.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting api server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
