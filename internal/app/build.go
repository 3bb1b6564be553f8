package app

import (
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/livegate/internal/capture"
	"github.com/ent0n29/livegate/internal/config"
	"github.com/ent0n29/livegate/internal/httpapi"
	"github.com/ent0n29/livegate/internal/liveness"
	"github.com/ent0n29/livegate/internal/observability"
	"github.com/ent0n29/livegate/internal/session"
	"github.com/ent0n29/livegate/internal/verify"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Logger   *zap.Logger

	// VerifierDetail names the resolved verification backend for logs and
	// readiness output.
	VerifierDetail string

	// Cleanup should be called on shutdown to release resources.
	Cleanup func() error
}

// Build wires the full service from configuration.
func Build(cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	verifier, resolved, detail := resolveVerifier(cfg, logger)
	// Ensure handlers report which backend is active.
	cfg.VerifierProvider = resolved

	sessions := session.NewManager(cfg.SessionInactivityTimeout, session.Deps{
		Verifier:        verifier,
		Catalog:         liveness.DefaultCatalog(),
		EngagementDelay: cfg.EngagementDelay,
		FrameLimits: capture.Limits{
			MaxBytes:  cfg.MaxFrameBytes,
			MaxWidth:  cfg.MaxFrameWidth,
			MaxHeight: cfg.MaxFrameHeight,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	sessions.SetExpireHook(func(_ *session.Entry) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, metrics, logger)

	return &BuildResult{
		Config:         cfg,
		API:            api,
		Sessions:       sessions,
		Metrics:        metrics,
		Logger:         logger,
		VerifierDetail: detail,
		Cleanup:        func() error { return logger.Sync() },
	}, nil
}

// resolveVerifier picks the verification backend: the OpenAI-compatible
// client when a key is configured, the scripted mock otherwise (auto mode).
func resolveVerifier(cfg config.Config, logger *zap.Logger) (liveness.VerificationClient, string, string) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VerifierProvider))
	hasKey := strings.TrimSpace(cfg.OpenAIAPIKey) != ""

	useOpenAI := func() (liveness.VerificationClient, string, string) {
		client := verify.NewOpenAIClient(verify.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, logger)
		return client, "openai", "openai-compatible (" + cfg.OpenAIModel + ")"
	}
	useMock := func() (liveness.VerificationClient, string, string) {
		mock := liveness.NewMockVerifier(liveness.Verdict{
			IsLive:     true,
			Confidence: 0.5,
			Reasoning:  "mock verifier: no verification backend configured",
		})
		return mock, "mock", "mock (scripted verdict)"
	}

	switch mode {
	case "openai":
		return useOpenAI()
	case "mock":
		return useMock()
	default: // auto
		if hasKey {
			return useOpenAI()
		}
		return useMock()
	}
}
