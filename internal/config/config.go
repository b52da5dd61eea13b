// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis and ClickHouse are optional — set CACHE_MODE=memory and
// AUDIT_MODE=memory to run with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/relayhq/llm-gateway/internal/pricing"
	"github.com/relayhq/llm-gateway/internal/routing"
)

// Config is the top-level configuration container. It is immutable after
// Load() and consumed read-only by the rest of the gateway.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider credentials — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Compat lists OpenAI-compatible endpoints (self-hosted vLLM, Ollama,
	// commercial OpenAI-wire backends). Each entry becomes a provider that
	// routing rules can target by name.
	Compat []CompatProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// Routing controls rule-based provider selection and the fallback order.
	Routing RoutingConfig

	// Pricing holds per-model rate overrides applied on top of the builtin
	// price table.
	Pricing PricingConfig

	// Audit controls the durable call-record store and its batch writer.
	Audit AuditConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization
	// headers directly to the upstream provider. When false (default) the
	// gateway only uses the API keys configured in this file/.env.
	AllowClientAPIKeys bool
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// CompatProviderConfig describes one OpenAI-compatible endpoint.
type CompatProviderConfig struct {
	// Name is the provider name routing rules refer to, e.g. "vllm-local".
	Name string
	// BaseURL is the endpoint root, e.g. "http://vllm:8000/v1".
	BaseURL string
	// APIKey is optional; many self-hosted backends ignore it.
	APIKey string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process LRU cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// Capacity bounds the in-memory cache entry count (LRU eviction).
	// 0 uses the builtin default. Ignored for the Redis backend.
	Capacity int

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// RoutingConfig controls rule-based provider selection.
type RoutingConfig struct {
	// AgentRules maps agent types to providers, each entry "agent=provider",
	// e.g. ["build=openai", "chat=anthropic"]. Earlier entries win.
	AgentRules []string

	// TierRules maps pricing tiers to providers, each entry "tier=provider",
	// e.g. ["cheap=vllm-local", "premium=anthropic"].
	TierRules []string

	// DefaultProvider answers when no rule and no model alias matches.
	// Default: "openai".
	DefaultProvider string

	// FallbackOrder is the provider sequence appended to the matched target
	// to build each request's failover chain.
	// Default: ["openai", "anthropic", "gemini"].
	FallbackOrder []string
}

// PricingConfig holds model rate overrides.
type PricingConfig struct {
	// Overrides maps model name to "input:output[:tier]" in USD per million
	// tokens, e.g. {"llama-3-70b": "0:0:cheap"}. Overrides shadow the builtin
	// table; a zero rate means intentionally free (self-hosted).
	Overrides map[string]string
}

// AuditConfig controls the durable call-record store.
type AuditConfig struct {
	// Mode selects the audit sink:
	//   "clickhouse" — durable ClickHouse store (requires CLICKHOUSE_DSN).
	//   "memory"     — in-process store, lost on restart. Useful for local runs.
	//   "none"       — audit persistence disabled.
	// Default: "none".
	Mode string

	// DSN is the ClickHouse connection string,
	// e.g. "clickhouse://default:@localhost:9000/llm_gateway".
	DSN string

	// BatchSize is the number of records per bulk write. Default: 100.
	BatchSize int

	// FlushInterval is the maximum time a record waits before being written
	// even when the batch is not full. Default: 5s.
	FlushInterval time.Duration

	// QueueCapacity bounds the in-flight record queue. Default: 10000.
	QueueCapacity int

	// RetentionDays is the ClickHouse TTL for audit rows. Default: 90.
	RetentionDays int
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trip the
	// breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis; CLICKHOUSE_DSN only when
// AUDIT_MODE=clickhouse.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_CAPACITY", 0)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Routing defaults.
	v.SetDefault("DEFAULT_PROVIDER", "openai")
	v.SetDefault("FALLBACK_ORDER", []string{"openai", "anthropic", "gemini"})

	// Audit defaults.
	v.SetDefault("AUDIT_MODE", "none")
	v.SetDefault("AUDIT_BATCH_SIZE", 100)
	v.SetDefault("AUDIT_FLUSH_INTERVAL", "5s")
	v.SetDefault("AUDIT_QUEUE_CAPACITY", 10000)
	v.SetDefault("AUDIT_RETENTION_DAYS", 90)

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Client API key mode disabled by default.
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Compat: parseCompatProviders(getEntries(v, "COMPAT_PROVIDERS")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			Capacity:        v.GetInt("CACHE_CAPACITY"),
			ExcludeExact:    getList(v, "CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: getList(v, "CACHE_EXCLUDE_PATTERNS"),
		},

		Routing: RoutingConfig{
			AgentRules:      getList(v, "AGENT_RULES"),
			TierRules:       getList(v, "TIER_RULES"),
			DefaultProvider: strings.ToLower(v.GetString("DEFAULT_PROVIDER")),
			FallbackOrder:   lowerAll(getList(v, "FALLBACK_ORDER")),
		},

		Pricing: PricingConfig{
			Overrides: getMap(v, "PRICING_OVERRIDES"),
		},

		Audit: AuditConfig{
			Mode:          strings.ToLower(v.GetString("AUDIT_MODE")),
			DSN:           v.GetString("CLICKHOUSE_DSN"),
			BatchSize:     v.GetInt("AUDIT_BATCH_SIZE"),
			FlushInterval: v.GetDuration("AUDIT_FLUSH_INTERVAL"),
			QueueCapacity: v.GetInt("AUDIT_QUEUE_CAPACITY"),
			RetentionDays: v.GetInt("AUDIT_RETENTION_DAYS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		CORSOrigins: getList(v, "CORS_ORIGINS"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RoutingRules compiles the configured agent and tier rules. Agent rules are
// listed first so they take precedence when priorities tie.
func (c *Config) RoutingRules() ([]routing.Rule, error) {
	agent, err := routing.ParseRules(routing.KindAgent, c.Routing.AgentRules)
	if err != nil {
		return nil, fmt.Errorf("config: AGENT_RULES: %w", err)
	}
	tier, err := routing.ParseRules(routing.KindTier, c.Routing.TierRules)
	if err != nil {
		return nil, fmt.Errorf("config: TIER_RULES: %w", err)
	}
	return append(agent, tier...), nil
}

// PricingOverrides parses the configured rate overrides into pricing rates.
func (c *Config) PricingOverrides() (map[string]pricing.Rate, error) {
	if len(c.Pricing.Overrides) == 0 {
		return nil, nil
	}
	out := make(map[string]pricing.Rate, len(c.Pricing.Overrides))
	for model, raw := range c.Pricing.Overrides {
		r, err := pricing.ParseRate(raw)
		if err != nil {
			return nil, fmt.Errorf("config: PRICING_OVERRIDES[%s]: %w", model, err)
		}
		out[strings.ToLower(model)] = r
	}
	return out, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless client-supplied keys
	// are enabled.
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, or a " +
				"COMPAT_PROVIDERS entry). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("config: CACHE_CAPACITY must be ≥ 0, got %d", c.Cache.Capacity)
	}

	switch c.Audit.Mode {
	case "clickhouse", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid AUDIT_MODE %q; must be one of: clickhouse, memory, none",
			c.Audit.Mode,
		)
	}
	if c.Audit.Mode == "clickhouse" && c.Audit.DSN == "" {
		return fmt.Errorf(
			"config: CLICKHOUSE_DSN is required when AUDIT_MODE=clickhouse; " +
				"set AUDIT_MODE=memory for a non-durable local store",
		)
	}
	if c.Audit.Mode != "none" {
		if c.Audit.BatchSize < 1 {
			return fmt.Errorf("config: AUDIT_BATCH_SIZE must be ≥ 1, got %d", c.Audit.BatchSize)
		}
		if c.Audit.FlushInterval <= 0 {
			return fmt.Errorf("config: AUDIT_FLUSH_INTERVAL must be a positive duration")
		}
		if c.Audit.QueueCapacity < 1 {
			return fmt.Errorf("config: AUDIT_QUEUE_CAPACITY must be ≥ 1, got %d", c.Audit.QueueCapacity)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Routing.DefaultProvider == "" {
		return fmt.Errorf("config: DEFAULT_PROVIDER must not be empty")
	}
	for _, entry := range c.Compat {
		if entry.Name == "" || entry.BaseURL == "" {
			return fmt.Errorf(
				"config: invalid COMPAT_PROVIDERS entry; want name=baseURL[,apiKey]",
			)
		}
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		len(c.Compat) > 0
}

// parseCompatProviders parses COMPAT_PROVIDERS entries of the form
// "name=baseURL" or "name=baseURL,apiKey". Malformed entries are kept with
// empty fields so validate() can report them.
func parseCompatProviders(entries []string) []CompatProviderConfig {
	out := make([]CompatProviderConfig, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		var p CompatProviderConfig
		if name, rest, ok := strings.Cut(e, "="); ok {
			p.Name = strings.ToLower(strings.TrimSpace(name))
			base, key, _ := strings.Cut(rest, ",")
			p.BaseURL = strings.TrimSpace(base)
			p.APIKey = strings.TrimSpace(key)
		}
		out = append(out, p)
	}
	return out
}

// getList returns a list-valued key. The YAML file supplies real lists;
// env vars supply a single string with entries separated by ';' or ','.
func getList(v *viper.Viper, key string) []string {
	switch raw := v.Get(key).(type) {
	case nil:
		return nil
	case string:
		sep := ","
		if strings.Contains(raw, ";") {
			sep = ";"
		}
		return splitTrim(raw, sep)
	default:
		return v.GetStringSlice(key)
	}
}

// getEntries is getList for keys whose entries may themselves contain
// commas (e.g. COMPAT_PROVIDERS "name=baseURL,apiKey"); env strings are
// split on ';' only.
func getEntries(v *viper.Viper, key string) []string {
	switch raw := v.Get(key).(type) {
	case nil:
		return nil
	case string:
		return splitTrim(raw, ";")
	default:
		return v.GetStringSlice(key)
	}
}

// getMap returns a map-valued key. The YAML file supplies a real map; env
// vars supply "key=value" entries separated by ';'.
func getMap(v *viper.Viper, key string) map[string]string {
	switch raw := v.Get(key).(type) {
	case nil:
		return nil
	case string:
		entries := splitTrim(raw, ";")
		if len(entries) == 0 {
			return nil
		}
		out := make(map[string]string, len(entries))
		for _, e := range entries {
			if k, val, ok := strings.Cut(e, "="); ok {
				out[strings.TrimSpace(k)] = strings.TrimSpace(val)
			}
		}
		return out
	default:
		return v.GetStringMapString(key)
	}
}

func splitTrim(raw, sep string) []string {
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
