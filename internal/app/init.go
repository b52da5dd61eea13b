package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayhq/llm-gateway/internal/audit"
	gwcache "github.com/relayhq/llm-gateway/internal/cache"
	"github.com/relayhq/llm-gateway/internal/metrics"
	"github.com/relayhq/llm-gateway/internal/pricing"
	"github.com/relayhq/llm-gateway/internal/proxy"
	"github.com/relayhq/llm-gateway/internal/ratelimit"
	"github.com/relayhq/llm-gateway/internal/routing"
	"github.com/relayhq/llm-gateway/internal/stats"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis; ClickHouse only when
// AUDIT_MODE=clickhouse.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Audit.Mode == "clickhouse" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.Audit.DSN)))

		store, err := audit.NewClickHouseStore(ctx, a.cfg.Audit.DSN, a.cfg.Audit.RetentionDays)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chStore = store
		a.auditStore = store
		a.log.Info("clickhouse connected",
			slog.Int("retention_days", a.cfg.Audit.RetentionDays))
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by config.Validate() before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, the pricing and routing tables,
// the stats aggregator, the audit writer, and the Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = gwcache.NewMemoryCache(ctx, a.cfg.Cache.Capacity)
		a.log.Info("cache backend: memory (in-process)",
			slog.Int("capacity", a.cfg.Cache.Capacity))

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	// Pricing table: builtin rates shadowed by config overrides.
	overrides, err := a.cfg.PricingOverrides()
	if err != nil {
		return err
	}
	a.prices = pricing.NewTable(overrides)
	if len(overrides) > 0 {
		a.log.Info("pricing overrides loaded", slog.Int("models", len(overrides)))
	}

	// Routing table: agent rules > tier rules > model aliases > default.
	rules, err := a.cfg.RoutingRules()
	if err != nil {
		return err
	}
	a.routes, err = routing.NewTable(rules,
		a.cfg.Routing.DefaultProvider, a.cfg.Routing.FallbackOrder)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	a.log.Info("routing table compiled",
		slog.Int("rules", len(rules)),
		slog.String("default_provider", a.cfg.Routing.DefaultProvider))

	a.agg = stats.NewAggregator(nil)

	// Audit sink. The ClickHouse store was already connected in initInfra;
	// "memory" builds an in-process store here.
	if a.cfg.Audit.Mode == "memory" {
		a.auditStore = audit.NewMemoryStore()
		a.log.Info("audit store: memory (non-durable)")
	}
	if a.auditStore != nil {
		w, err := audit.NewWriter(ctx, a.auditStore, audit.WriterOptions{
			QueueSize:     a.cfg.Audit.QueueCapacity,
			BatchSize:     a.cfg.Audit.BatchSize,
			FlushInterval: a.cfg.Audit.FlushInterval,
			Logger:        a.log,
		})
		if err != nil {
			return fmt.Errorf("audit writer: %w", err)
		}
		a.auditWriter = w
		a.log.Info("audit writer started",
			slog.Int("batch_size", a.cfg.Audit.BatchSize),
			slog.Duration("flush_interval", a.cfg.Audit.FlushInterval))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	if a.auditWriter != nil {
		a.prom.RegisterAuditStats(
			func() float64 { return float64(a.auditWriter.Written()) },
			func() float64 { return float64(a.auditWriter.Dropped()) },
			func() float64 { return float64(a.auditWriter.Flushes()) },
		)
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl gwcache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = gwcache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl,
		a.routes, a.prices, a.agg, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Audit — async writer for every call event plus the reconciliation
	// endpoint's store; readiness tracks the durable backend.
	if a.auditWriter != nil {
		gw.SetAudit(a.auditWriter, a.auditStore)
		if a.chStore != nil {
			gw.SetAuditReady(clickhousePinger(a.baseCtx, a.chStore))
		}
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := gwcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
