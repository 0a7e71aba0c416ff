// Package app assembles the knowledge-base agent from configuration. Both the
// kernel server and the CLI start from New.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/manthysbr/quickloan-kb/internal/adapters/docker"
	"github.com/manthysbr/quickloan-kb/internal/adapters/duckdb"
	"github.com/manthysbr/quickloan-kb/internal/adapters/llm"
	"github.com/manthysbr/quickloan-kb/internal/adapters/providers"
	appconfig "github.com/manthysbr/quickloan-kb/internal/config"
	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
	"github.com/manthysbr/quickloan-kb/internal/core/services"
)

const sessionCacheSize = 256

// Options are the per-binary parts of the wiring.
type Options struct {
	// UserIn and UserOut enable the interactive user tool.
	UserIn  services.LineSource
	UserOut io.Writer
	// SecretDir holds the generated encryption key; empty means ~/.quickloan-kb.
	SecretDir string
}

// App holds the wired services.
type App struct {
	Config    *domain.AppConfig
	Repo      *duckdb.Repository
	Loans     *duckdb.LoanDB
	Settings  *appconfig.SettingsStore
	Knowledge *services.KnowledgeBase
	Tools     *domain.ToolRegistry
	EventBus  *services.EventBus
	Tracer    *services.TraceCollector
	Agent     *services.AgentService
	LLM       *llm.Swappable
}

// New opens storage, loads the knowledge base, registers the tools and builds
// the agent loop described by cfg.
func New(ctx context.Context, logger *slog.Logger, cfg *domain.AppConfig, opts Options) (*App, error) {
	repo, err := duckdb.NewRepository(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init repository: %w", err)
	}
	a := &App{Repo: repo}

	if err := a.build(ctx, logger, cfg, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, logger *slog.Logger, base *domain.AppConfig, opts Options) error {
	var err error
	a.Loans, err = duckdb.OpenLoanDB(ctx)
	if err != nil {
		return fmt.Errorf("failed to open loan data: %w", err)
	}
	logger.Debug("loan data set loaded", "tables", duckdb.LoanTables)

	keys, err := appconfig.LoadKeyring(opts.SecretDir)
	if err != nil {
		return fmt.Errorf("failed to load keyring: %w", err)
	}
	a.Settings = appconfig.NewSettingsStore(ctx, logger, a.Repo, keys, base, os.Getenv)
	cfg := a.Settings.GetConfig()
	if err := appconfig.Validate(cfg); err != nil {
		return err
	}
	a.Config = cfg

	a.Knowledge, err = services.LoadKnowledgeBase(ctx, logger, cfg.Knowledge)
	if err != nil {
		return fmt.Errorf("failed to load knowledge base: %w", err)
	}

	var platform ports.PlatformInspector
	if cfg.Platform.Docker {
		mgr, err := docker.NewManager(cfg.Platform.ComposeProject)
		if err != nil {
			logger.Warn("platform_status tool disabled", "error", err)
		} else {
			platform = mgr
		}
	}

	a.Tools, err = services.BuildToolRegistry(services.ToolDeps{
		Store:      a.Loans,
		SchemaPath: cfg.Knowledge.SchemaPath,
		Code:       a.Knowledge.Code,
		CodeRoot:   cfg.Knowledge.SourcesDir,
		Documents:  a.Knowledge.Documents,
		Platform:   platform,
		TopK:       cfg.Knowledge.TopK,
		UserIn:     opts.UserIn,
		UserOut:    opts.UserOut,
	})
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}
	logger.Info("tools registered", "tools", a.Tools.Names())

	a.EventBus = services.NewEventBus(logger)
	a.Tracer = services.NewTraceCollector(logger, a.EventBus, a.Repo)

	analyzer, answerer, err := a.buildReasoners(logger, cfg)
	if err != nil {
		return err
	}

	controller := services.NewController(
		logger,
		analyzer,
		answerer,
		a.Tools,
		services.NewDecomposer(logger, answerer, cfg.Agent.MaxSubQueries),
		a.Tracer,
		a.EventBus,
		services.ControllerConfigFrom(cfg.Agent),
	)
	sessions := services.NewSessionStore(a.Repo, sessionCacheSize)
	a.Agent = services.NewAgentService(logger, sessions, a.Repo, controller, a.Knowledge.Overview).
		WithScheduler(services.NewRunScheduler(logger, int64(cfg.Agent.MaxConcurrentRuns)))
	return nil
}

// buildReasoners picks the analyzer/answerer pair. The llm pair talks to the
// configured provider, hot-swapped on settings changes.
func (a *App) buildReasoners(logger *slog.Logger, cfg *domain.AppConfig) (ports.Analyzer, ports.Answerer, error) {
	switch cfg.Agent.Analyzer {
	case "keyword":
		logger.Info("using the keyword analyzer; no model calls will be made")
		return services.NewKeywordAnalyzer(cfg.Knowledge.Subject, a.Tools),
			services.NewExtractiveAnswerer(cfg.Knowledge.Subject, cfg.Agent.MaxSubQueries), nil
	case "llm", "":
	default:
		return nil, nil, fmt.Errorf("%w: unknown analyzer %q", appconfig.ErrInvalidConfig, cfg.Agent.Analyzer)
	}

	provider, err := providers.Build(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build llm provider: %w", err)
	}
	a.LLM = llm.NewSwappable(provider)
	a.Settings.OnChange(func(next *domain.AppConfig) {
		p, err := providers.Build(next)
		if err != nil {
			logger.Error("failed to rebuild llm provider on settings change", "error", err)
			return
		}
		a.LLM.Swap(p)
		logger.Info("llm provider hot-reloaded", "mode", next.Providers.LLM.Mode, "model", next.Providers.LLM.DefaultModel)
	})

	prompts := services.NewPromptBuilder(cfg.Knowledge.Subject, a.Tools, cfg.Agent.MaxContextChars)
	return services.NewLLMAnalyzer(logger, a.LLM, prompts, cfg.Agent.ModelTimeout),
		services.NewLLMAnswerer(logger, a.LLM, prompts, cfg.Agent.ModelTimeout, cfg.Agent.MaxSubQueries), nil
}

// Close releases storage.
func (a *App) Close() error {
	var errs []error
	if a.Loans != nil {
		errs = append(errs, a.Loans.Close())
	}
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}
	return errors.Join(errs...)
}
