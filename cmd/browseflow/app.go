package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/rendis/browseflow/internal/agent"
	"github.com/rendis/browseflow/internal/browser"
	"github.com/rendis/browseflow/internal/engine"
	"github.com/rendis/browseflow/internal/extraction"
	"github.com/rendis/browseflow/internal/llm"
	"github.com/rendis/browseflow/internal/logging"
	"github.com/rendis/browseflow/internal/store"
	"github.com/rendis/browseflow/internal/streaming"
	"github.com/rendis/browseflow/internal/validation"
)

// app bundles the long-lived components a command needs.
type app struct {
	cfg       Config
	logger    *slog.Logger
	validator *validation.WorkflowValidator
	launcher  *browser.RodLauncher
	hub       *streaming.MemoryHub
	store     store.Store
	manager   *engine.TaskManager
}

func newLogger(level string) *slog.Logger {
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(level)})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// newApp wires the engine. st may be nil for one-shot runs that need no
// persistence.
func newApp(cfg Config, st store.Store) (*app, error) {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	v, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	provider, err := llm.NewProvider(cfg.Provider, cfg.Model, "")
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}
	extractor := extraction.NewLLMExtractor(provider)

	launcher := browser.NewRodLauncher(browser.RodConfig{
		BinPath:        cfg.BrowserBin,
		Headless:       cfg.Headless,
		ElementTimeout: cfg.ElementTimeout,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
	})

	hub := streaming.NewMemoryHub()
	deps := engine.Deps{
		Launcher:  launcher,
		Agent:     agent.New(provider, extractor),
		Extractor: extractor,
		Validator: v,
		Hub:       hub,
		Logger:    logger,
	}
	if st != nil {
		deps.Definitions = st
		deps.Archive = st
	}

	mgr, err := engine.NewTaskManager(deps, engine.Config{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		DefaultMaxSteps:   cfg.DefaultMaxSteps,
		FallbackMaxSteps:  cfg.FallbackMaxSteps,
		AllowFallback:     cfg.AllowFallback,
	})
	if err != nil {
		_ = launcher.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		validator: v,
		launcher:  launcher,
		hub:       hub,
		store:     st,
		manager:   mgr,
	}, nil
}

// close stops the engine before the browser and the store it writes to.
func (a *app) close() {
	a.manager.Shutdown()
	if err := a.launcher.Close(); err != nil {
		a.logger.Warn("close browser", slog.String("error", err.Error()))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}

func openStore(ctx context.Context, path string) (store.Store, error) {
	st, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// parseInputs turns repeated key=value flags into a run input map. Values
// stay strings; the validator coerces them to the declared input types.
func parseInputs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
