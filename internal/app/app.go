// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when needed)
//  2. initProviders — LLM provider clients
//  3. initServices  — cache, pricing, routing, stats, audit, metrics registry
//  4. initGateway   — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relayhq/llm-gateway/internal/audit"
	gwcache "github.com/relayhq/llm-gateway/internal/cache"
	"github.com/relayhq/llm-gateway/internal/config"
	"github.com/relayhq/llm-gateway/internal/metrics"
	"github.com/relayhq/llm-gateway/internal/pricing"
	"github.com/relayhq/llm-gateway/internal/providers"
	anthropicprov "github.com/relayhq/llm-gateway/internal/providers/anthropic"
	geminiprov "github.com/relayhq/llm-gateway/internal/providers/gemini"
	openaiprov "github.com/relayhq/llm-gateway/internal/providers/openai"
	openaicompatprov "github.com/relayhq/llm-gateway/internal/providers/openaicompat"
	"github.com/relayhq/llm-gateway/internal/proxy"
	"github.com/relayhq/llm-gateway/internal/routing"
	"github.com/relayhq/llm-gateway/internal/stats"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb     *redis.Client
	chStore *audit.ClickHouseStore

	memCache *gwcache.MemoryCache

	prices *pricing.Table
	routes *routing.Table
	agg    *stats.Aggregator

	auditStore  audit.Store
	auditWriter *audit.Writer

	prom *metrics.Registry

	provs map[string]providers.Provider
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("audit_mode", a.cfg.Audit.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. The audit writer is
// closed before its store so the final drain can still flush. Safe to call
// multiple times.
func (a *App) Close() {
	if a.auditWriter != nil {
		if err := a.auditWriter.Close(); err != nil {
			a.log.Error("audit writer close error", slog.String("error", err.Error()))
		}
		a.auditWriter = nil
	}
	if a.auditStore != nil {
		if err := a.auditStore.Close(); err != nil {
			a.log.Error("audit store close error", slog.String("error", err.Error()))
		}
		a.auditStore = nil
		a.chStore = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// clickhousePinger returns a readiness probe backed by the store's Ping.
func clickhousePinger(ctx context.Context, store *audit.ClickHouseStore) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return store.Ping(pingCtx) == nil
	}
}

// buildProviders creates a provider map from non-empty API keys / credentials.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var openaiOpts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, openaiOpts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var anthropicOpts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, anthropicOpts...)
	}
	if cfg.Gemini.APIKey != "" {
		var geminiOpts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		provs["gemini"] = geminiprov.New(ctx, cfg.Gemini.APIKey, geminiOpts...)
	}

	// OpenAI-compatible endpoints: self-hosted vLLM/Ollama and any
	// commercial backend speaking the OpenAI wire format.
	for _, entry := range cfg.Compat {
		provs[entry.Name] = openaicompatprov.New(entry.Name, entry.APIKey, entry.BaseURL)
	}

	return provs
}
