package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/agent"
	"github.com/ent0n29/callrelay/internal/call"
	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/httpapi"
	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/loop"
	"github.com/ent0n29/callrelay/internal/memory"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/profile"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/tracking"
)

type ProviderInfo struct {
	Provider        string
	Model           string
	ExtractionModel string
	Tracking        string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *call.Orchestrator
	Schemas      *memory.Registry
	Profiles     profile.Store
	Metrics      *observability.Metrics
	Provider     ProviderInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*BuildResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	manifest, err := agent.LoadManifest(cfg.ToolManifestFile)
	if err != nil {
		return nil, fmt.Errorf("tool manifest load failed: %w", err)
	}
	seed, err := memory.LoadSchemaFile(cfg.MemorySchemaFile)
	if err != nil {
		return nil, fmt.Errorf("memory schema load failed: %w", err)
	}

	profiles, err := profile.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("profile store init failed: %w", err)
	}

	info := ProviderInfo{Model: cfg.LLMModel, ExtractionModel: cfg.MemoryExtractionModel, Tracking: "profile-store"}
	var (
		provider  llm.Provider
		completer llm.ChatCompleter
	)
	if cfg.MockProvider() {
		mock := llm.NewMockProvider()
		provider, completer = mock, mock
		info.Provider = "mock"
		log.Warn("OPENAI_API_KEY not set, serving completions from the mock provider")
	} else {
		client := llm.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, log)
		provider, completer = client, client
		info.Provider = "openai"
	}

	var tracker tracking.Client = tracking.NewStoreClient(profiles)
	if cfg.SegmentWriteKey != "" {
		tracker = tracking.NewTee(log, tracker, tracking.NewSegmentClient(cfg.SegmentWriteKey, log))
		info.Tracking = "profile-store+segment"
	}

	schemas := memory.NewRegistry(cfg.MemorySchemaCacheTTL, log)
	schemas.Seed(seed)
	unwatchSchemas := schemas.Subscribe(func(c memory.Change) {
		metrics.ObserveSchemaChange(string(c.Kind))
	})

	var fallback agent.Handler
	if cfg.ToolWebhookURL != "" {
		fallback = agent.NewWebhookHandler(cfg.ToolWebhookURL, cfg.ToolWebhookTimeout)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)
	orchestrator := call.NewOrchestrator(call.Options{
		Sessions:     sessions,
		Provider:     provider,
		Completer:    completer,
		Profiles:     profiles,
		Tracker:      tracker,
		Schemas:      schemas,
		Manifest:     manifest,
		ToolFallback: fallback,
		Model:        cfg.LLMModel,
		CompanyName:  cfg.CompanyName,
		Loop: loop.Config{
			RetryBackoff:  cfg.LLMRetryBackoff,
			MaxRetries:    cfg.LLMMaxRetries,
			MaxToolRounds: cfg.LLMMaxToolRounds,
		},
		ExtractionModel:    cfg.MemoryExtractionModel,
		ExtractionInterval: cfg.MemoryExtractionInterval,
		Policy:             memory.Policy{Floor: cfg.MemoryConfidenceFloor, Delta: cfg.MemoryConfidenceDelta},
		Logger:             log,
		Metrics:            metrics,
	})
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		if orchestrator.Terminate(s.ID) {
			log.Info("terminated inactive call", zap.String("call_sid", s.ID))
		}
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Schemas:      schemas,
		Profiles:     profiles,
		Metrics:      metrics,
		Logger:       log,
	})

	cleanup := func() error {
		unwatchSchemas()
		var errs []string
		if err := profiles.Close(); err != nil {
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
		Schemas:      schemas,
		Profiles:     profiles,
		Metrics:      metrics,
		Provider:     info,
		Cleanup:      cleanup,
	}, nil
}
