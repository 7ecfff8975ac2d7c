package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/laju/internal/config"
	"github.com/harun/laju/internal/logger"
	"github.com/harun/laju/pkg/agent"
	"github.com/harun/laju/pkg/dispatch"
	"github.com/harun/laju/pkg/risk"
	"github.com/harun/laju/pkg/salience"
	"github.com/harun/laju/pkg/session"
	"github.com/harun/laju/pkg/toolexec"
	"github.com/harun/laju/pkg/tools"
)

// engine is the fully wired stack behind every command that needs more than
// the session store
type engine struct {
	cfg      *config.Config
	store    *session.Store
	archiver *session.Archiver
	cleaner  *session.Cleaner
	health   *dispatch.HealthTracker
	orch     *agent.Orchestrator
}

// buildEngine wires the store, dispatcher, tools, and orchestrator from the
// configuration. workspaceDir confines the built-in tools.
func buildEngine(cfg *config.Config, workspaceDir string) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := session.NewStore(
		filepath.Join(cfg.DataDir, "sessions"),
		cfg.Session.LockRetryBackoff,
		cfg.Session.LockTimeout,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	archiver, err := session.NewArchiver(store)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive index: %w", err)
	}
	cleaner := session.NewCleaner(store, archiver, cfg.Session.ArchiveAfter, cfg.Session.Retention)

	health, err := dispatch.NewHealthTracker(filepath.Join(cfg.DataDir, "model_health.json"))
	if err != nil {
		archiver.Close()
		return nil, fmt.Errorf("failed to open health tracker: %w", err)
	}

	providers := make(map[string]dispatch.Provider, len(cfg.Models.Rotation))
	for _, model := range cfg.Models.Rotation {
		name, err := providerForModel(model)
		if err != nil {
			health.Close()
			archiver.Close()
			return nil, err
		}
		provider, err := dispatch.NewProvider(name, apiKeyFor(name))
		if err != nil {
			health.Close()
			archiver.Close()
			return nil, err
		}
		providers[model] = provider
	}
	dispatcher := dispatch.NewDispatcher(providers, health)

	counter, err := salience.NewTokenCounter()
	if err != nil {
		health.Close()
		archiver.Close()
		return nil, fmt.Errorf("failed to load token encoder: %w", err)
	}
	summarizer := agent.NewModelSummarizer(dispatcher, cfg.Models.Rotation, 0)
	contextMgr := salience.NewManager(counter, summarizer)

	classifier := risk.NewClassifier()
	registry := toolexec.NewRegistry()
	workspace, err := tools.NewWorkspace(workspaceDir)
	if err != nil {
		health.Close()
		archiver.Close()
		return nil, err
	}
	if err := tools.Register(registry, workspace); err != nil {
		health.Close()
		archiver.Close()
		return nil, err
	}
	executor := toolexec.NewExecutor(registry, classifier, cfg.Tools.Timeout, cfg.Tools.MaxCallsPerTurn)

	orch, err := agent.NewOrchestrator(agent.Deps{
		Config:     cfg,
		Store:      store,
		Dispatcher: dispatcher,
		Context:    contextMgr,
		Registry:   registry,
		Executor:   executor,
		Classifier: classifier,
		Sanity:     agent.NewModelSanityChecker(dispatcher, cfg.Models.Rotation),
	})
	if err != nil {
		health.Close()
		archiver.Close()
		return nil, err
	}

	return &engine{
		cfg:      cfg,
		store:    store,
		archiver: archiver,
		cleaner:  cleaner,
		health:   health,
		orch:     orch,
	}, nil
}

// Close releases the archive index and health tracker
func (e *engine) Close() {
	e.cleaner.Stop()
	e.health.Close()
	e.archiver.Close()
}

// providerForModel maps a model ID onto its provider
func providerForModel(model string) (string, error) {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic", nil
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4"):
		return "openai", nil
	default:
		return "", fmt.Errorf("cannot infer provider for model %q", model)
	}
}

func apiKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

// loadConfig layers the CLI flags over the config file
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// initLogging builds the process logger from the configuration
func initLogging(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
}
