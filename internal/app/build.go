package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/backend"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/engine"
	"github.com/ent0n29/voicebridge/internal/history"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	History      history.Store
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown, after sessions were stopped.
	Cleanup func() error
}

// Build wires the service from cfg. metrics may be nil, in which case a
// registry under cfg.Metrics.Namespace is created.
func Build(ctx context.Context, cfg config.Config, base *zap.Logger, metrics *observability.Metrics) (*BuildResult, error) {
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}
	log := logging.Component(base, "app")

	settings, err := cfg.EngineSettings()
	if err != nil {
		return nil, fmt.Errorf("engine settings: %w", err)
	}

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	recorder := newHistoryRecorder(store, logging.Component(base, "history"), 512)

	sessions := session.NewManager(cfg.Session.InactivityTimeout, cfg.Session.Retention)
	sessions.SetTransitionHook(func(t session.Transition) {
		cause := string(t.Cause)
		metrics.ObserveTransition(string(t.To), cause)
		metrics.SetActiveSessions(sessions.ActiveCount())
		recorder.record(t)
	})

	orchestrator := voice.NewOrchestrator(
		sessions,
		buildConnector(cfg, logging.Component(base, "engine")),
		buildBackends(cfg, logging.Component(base, "backend")),
		metrics,
		logging.Component(base, "voice"),
		voice.Config{
			Settings:       settings,
			ConnectTimeout: cfg.Session.ConnectTimeout,
		},
	)

	api := httpapi.New(cfg, sessions, orchestrator, store, metrics, logging.Component(base, "httpapi"))

	log.Infow("service wired",
		"engine_mode", cfg.Engine.Mode,
		"backend_mode", cfg.Backend.Mode,
		"history", historyMode(cfg.DatabaseURL),
	)

	cleanup := func() error {
		var errs []string
		recorder.close()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		History:      store,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

func buildConnector(cfg config.Config, log *zap.SugaredLogger) engine.Connector {
	if cfg.Engine.Mode == config.EngineModeMock {
		return engine.Mock{}
	}
	return &engine.Dialer{
		URL:    cfg.Engine.URL,
		APIKey: cfg.Engine.APIKey,
		Log:    log,
	}
}

// buildBackends returns one client per session token in http mode, or a
// shared in-process backend in mock mode.
func buildBackends(cfg config.Config, log *zap.SugaredLogger) voice.BackendFactory {
	if cfg.Backend.Mode == config.BackendModeMock {
		mock := backend.NewMock()
		if cfg.Backend.MockStepDelay > 0 {
			mock.StepDelay = cfg.Backend.MockStepDelay
		}
		return voice.StaticBackend(mock)
	}
	return func(authToken string) backend.Backend {
		return backend.NewClient(backend.Config{
			BaseURL:       cfg.Backend.URL,
			AuthToken:     authToken,
			Timeout:       cfg.Backend.Timeout,
			ReconnectBase: cfg.Backend.ReconnectBase,
			ReconnectCap:  cfg.Backend.ReconnectCap,
		}, log)
	}
}

func historyMode(databaseURL string) string {
	switch {
	case strings.TrimSpace(databaseURL) == "":
		return "in-memory"
	case strings.HasPrefix(databaseURL, "sqlite:"), strings.HasPrefix(databaseURL, "file:"):
		return "sqlite"
	default:
		return "postgres"
	}
}
