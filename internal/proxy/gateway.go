// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming chat request, computes its deterministic
// cache key, and either replays the cached response or resolves a provider
// chain via the routing table and walks it with failover. Every terminal
// outcome produces exactly one CallEvent: recorded synchronously in the
// stats aggregator and enqueued asynchronously for the audit store.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the provider call itself.
//   - Cache, rate limiter, metrics and audit writer are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/relayhq/llm-gateway/internal/audit"
	"github.com/relayhq/llm-gateway/internal/cache"
	"github.com/relayhq/llm-gateway/internal/metrics"
	"github.com/relayhq/llm-gateway/internal/pricing"
	"github.com/relayhq/llm-gateway/internal/providers"
	"github.com/relayhq/llm-gateway/internal/ratelimit"
	"github.com/relayhq/llm-gateway/internal/routing"
	"github.com/relayhq/llm-gateway/internal/stats"
	"github.com/relayhq/llm-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// agentTypeHeader carries the caller's agent classification used by
	// agent-type routing rules. Absent header means no agent rule matches.
	agentTypeHeader = "X-Agent-Type"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-provider request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// AllowClientAPIKeys enables forwarding Authorization headers from clients
	// directly to upstream providers. When false, client headers are ignored
	// and only configured keys are used.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses. Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	cache     cache.Cache
	routes    *routing.Table
	prices    *pricing.Table
	agg       *stats.Aggregator
	cb        *CircuitBreaker
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	maxRetries      int
	providerTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	auditWriter     *audit.Writer
	auditStore      audit.Store
	queryCache      *stats.QueryCache
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string

	allowClientAPIKeys bool
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(
	ctx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	routes *routing.Table,
	prices *pricing.Table,
	agg *stats.Aggregator,
) *Gateway {
	return NewGatewayWithOptions(ctx, provs, c, routes, prices, agg, nil, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. cacheReady is an
// optional readiness probe for the cache backend (used by GET /readiness).
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	routes *routing.Table,
	prices *pricing.Table,
	agg *stats.Aggregator,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	if prices == nil {
		prices = pricing.NewTable(nil)
	}
	if agg == nil {
		agg = stats.NewAggregator(nil)
	}

	gw := &Gateway{
		providers:          provs,
		cache:              c,
		routes:             routes,
		prices:             prices,
		agg:                agg,
		cb:                 NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:            baseCtx,
		log:                log,
		maxRetries:         maxRetries,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		metrics:            opts.Metrics,
		queryCache:         stats.NewQueryCache(agg, 0),
		allowClientAPIKeys: opts.AllowClientAPIKeys,
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
	}

	return gw
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetAudit injects the async audit writer and the durable store backing
// the reconciliation endpoint. Either may be nil.
func (g *Gateway) SetAudit(w *audit.Writer, store audit.Store) {
	g.auditWriter = w
	g.auditStore = store
}

// SetAuditReady forwards a readiness probe for the durable audit store to
// the health checker. No-op when no health checker is running.
func (g *Gateway) SetAuditReady(probe func() bool) {
	if g.health != nil {
		g.health.SetAuditReady(probe)
	}
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// extractClientAPIKey returns the Authorization bearer token (if allowed and
// present) and a deterministic SHA-256 hash suitable for log correlation.
// Neither value ever participates in the cache key.
func (g *Gateway) extractClientAPIKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	if !g.allowClientAPIKeys {
		return "", ""
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", ""
	}
	token = parseBearerToken(raw)
	if token == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	outboundResponse struct {
		ID       string        `json:"id"`
		Model    string        `json:"model"`
		Content  string        `json:"content"`
		Usage    outboundUsage `json:"usage"`
		CacheHit bool          `json:"cache_hit"`
	}

	// storedResponse is the cache entry payload. The provider that produced
	// the original response is kept so replays attribute savings correctly.
	storedResponse struct {
		ID       string        `json:"id"`
		Model    string        `json:"model"`
		Provider string        `json:"provider"`
		Content  string        `json:"content"`
		Usage    outboundUsage `json:"usage"`
	}
)

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	agentType := strings.TrimSpace(string(ctx.Request.Header.Peek(agentTypeHeader)))
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	// 1. Parse and validate request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	tier := g.prices.TierOf(req.Model)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("tier", tier),
		slog.String("agent_type", agentType),
		slog.Bool("stream", req.Stream),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 2. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 3. Build the normalized ProxyRequest.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		AgentType:   agentType,
		RequestID:   reqID,
		APIKey:      clientKey,
		APIKeyID:    clientKeyID,
	}

	// 4. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}

	var cacheKey string
	if cacheEligible {
		cacheKey = cache.Key(proxyReq)
		if stored, ok := g.getCached(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			inputTokens = stored.Usage.InputTokens
			outputTokens = stored.Usage.OutputTokens
			servedProvider = stored.Provider
			respBytes = g.writeHit(ctx, stored)

			g.recordEvent(stats.CallEvent{
				Provider:     stored.Provider,
				Model:        stored.Model,
				Tier:         tier,
				AgentType:    agentType,
				InputTokens:  stored.Usage.InputTokens,
				OutputTokens: stored.Usage.OutputTokens,
				CacheHit:     true,
				LatencyMs:    time.Since(start).Milliseconds(),
				Status:       fasthttp.StatusOK,
			})
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 5. Resolve the provider chain and walk it with failover.
	chain := g.routes.Resolve(agentType, req.Model, tier)

	// Not deferred: fasthttp runs the body stream writer after this handler
	// returns, and the provider's stream goroutine is bound to provCtx, so
	// for streams cancellation must wait until the stream drains.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)

	resp, usedProvider, err := g.requestWithFailover(provCtx, proxyReq, chain, route)
	if err != nil {
		cancel()
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("chain", strings.Join(chain, ",")),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		// A failed call consumed nothing: its cost is a known zero, not an
		// unpriced model.
		g.recordEvent(stats.CallEvent{
			Provider:  lastAttempted(err, chain),
			Model:     req.Model,
			Tier:      tier,
			AgentType: agentType,
			CostKnown: true,
			LatencyMs: time.Since(start).Milliseconds(),
			Status:    ctx.Response.StatusCode(),
		})
		return
	}
	servedProvider = usedProvider

	// 6a. Streaming — SSE pass-through. Responses are never cached for streams.
	if req.Stream && resp.Stream != nil {
		streaming = true
		streamModel := resp.Model
		if streamModel == "" {
			streamModel = req.Model
		}
		g.streamResponse(ctx, resp, streamMeta{
			start:       start,
			reqBytes:    reqBytes,
			route:       route,
			provider:    usedProvider,
			model:       streamModel,
			tier:        tier,
			agentType:   agentType,
			reqMessages: proxyReq.Messages,
			done:        cancel,
		})
		return
	}
	cancel()

	// 6b. Non-streaming — price, cache, account, respond.
	respModel := resp.Model
	if respModel == "" {
		respModel = req.Model
	}
	cost := g.prices.Price(respModel, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	stored := storedResponse{
		ID:       resp.ID,
		Model:    respModel,
		Provider: usedProvider,
		Content:  resp.Content,
		Usage: outboundUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	// 7. Populate cache for future identical requests. Storage errors are
	// logged and treated as a miss next time — never surfaced to the client.
	if cacheEligible {
		if payload, merr := json.Marshal(stored); merr == nil {
			if err := g.cache.Set(ctx, cacheKey, payload, g.cacheTTL); err != nil {
				if g.metrics != nil {
					g.metrics.CacheSetError()
				}
				g.log.WarnContext(ctx, "cache_set_failed",
					slog.String("request_id", reqID),
					slog.String("error", err.Error()),
				)
			} else if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		}
	}

	// 8. Account the live call, attributed to the provider that answered.
	g.recordEvent(stats.CallEvent{
		Provider:     usedProvider,
		Model:        respModel,
		Tier:         tier,
		AgentType:    agentType,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost.USD,
		CostKnown:    cost.Known,
		LatencyMs:    time.Since(start).Milliseconds(),
		Status:       fasthttp.StatusOK,
	})
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", usedProvider),
		slog.String("model", respModel),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Float64("cost_usd", cost.USD),
		slog.Duration("elapsed", time.Since(start)),
	)

	out := outboundResponse{
		ID:       stored.ID,
		Model:    stored.Model,
		Content:  stored.Content,
		Usage:    stored.Usage,
		CacheHit: false,
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// getCached fetches and decodes a cache entry. A corrupt entry is treated
// as a miss.
func (g *Gateway) getCached(ctx *fasthttp.RequestCtx, key string) (storedResponse, bool) {
	var stored storedResponse
	payload, ok := g.cache.Get(ctx, key)
	if !ok {
		return stored, false
	}
	if err := json.Unmarshal(payload, &stored); err != nil {
		return stored, false
	}
	if g.metrics != nil {
		g.metrics.CacheGetHit()
	}
	return stored, true
}

// writeHit replays a cached response with cache_hit set. Returns the body
// size for metrics.
func (g *Gateway) writeHit(ctx *fasthttp.RequestCtx, stored storedResponse) int {
	out := outboundResponse{
		ID:       stored.ID,
		Model:    stored.Model,
		Content:  stored.Content,
		Usage:    stored.Usage,
		CacheHit: true,
	}
	body, _ := json.Marshal(out)
	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
	return len(body)
}

// recordEvent finalises a CallEvent and fans it out: synchronously into the
// aggregator, asynchronously into the audit writer, and into Prometheus.
//
// A cache hit never charges: CostUSD is forced to zero and the would-be
// price of the same call is reported as SavedUSD. An unknown model yields
// CostKnown=false and an unpriced-call count — never a fabricated $0.00.
func (g *Gateway) recordEvent(ev stats.CallEvent) {
	ev.EventID = uuid.New()
	ev.Time = time.Now()

	if ev.CacheHit {
		wouldBe := g.prices.Price(ev.Model, ev.InputTokens, ev.OutputTokens)
		ev.CostUSD = 0
		ev.CostKnown = wouldBe.Known
		ev.SavedUSD = wouldBe.USD
	}

	g.agg.Record(ev)

	if g.metrics != nil {
		if ev.CacheHit {
			g.metrics.AddSavings(ev.Tier, ev.SavedUSD)
		} else if ev.CostKnown {
			g.metrics.AddCost(ev.Provider, ev.Tier, ev.CostUSD)
		}
		if !ev.CostKnown {
			g.metrics.RecordUnpriced(ev.Model)
		}
	}

	if g.auditWriter != nil {
		g.auditWriter.Enqueue(audit.FromEvent(ev))
	}
}

// lastAttempted extracts the provider a failed chain walk stopped on, for
// failure attribution. Falls back to the primary when nothing was attempted.
func lastAttempted(err error, chain []string) string {
	var ce *chainError
	if errors.As(err, &ce) && len(ce.attempted) > 0 {
		return ce.attempted[len(ce.attempted)-1]
	}
	if len(chain) > 0 {
		return chain[0]
	}
	return "unknown"
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	terminal chainError (walk aborted)      → provider's own status/detail
//	chainError ending in 429                → 429 + Retry-After
//	chainError (every provider failed)      → 502 naming the whole chain
//	StatusCoder (providers with codes)      → passed through with remapping
//	context.DeadlineExceeded                → 504 Gateway Timeout
//	all other errors                        → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	var ce *chainError
	if errors.As(err, &ce) {
		if errors.Is(ce.last, context.DeadlineExceeded) {
			apierr.WriteTimeout(ctx)
			return
		}
		var sc providers.StatusCoder
		if errors.As(ce.last, &sc) {
			// Terminal rejections keep the provider's error detail; a chain
			// that ends rate-limited everywhere passes the 429 through so
			// the client backs off instead of retrying a 502.
			if ce.terminal || sc.HTTPStatus() == fasthttp.StatusTooManyRequests {
				apierr.WriteProviderError(ctx, sc.HTTPStatus(), ce.last.Error())
				return
			}
		}
		apierr.WriteChainExhausted(ctx, ce.attempted, ce.last)
		return
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// streamMeta carries the fields needed to finalise accounting once an SSE
// stream drains.
type streamMeta struct {
	start       time.Time
	reqBytes    int
	route       string
	provider    string
	model       string
	tier        string
	agentType   string
	reqMessages []providers.Message

	// done releases the provider context once the stream has drained.
	done func()
}

// streamResponse forwards provider chunks to the client as Server-Sent
// Events, chunk by chunk, without buffering the full response. If the
// client goes away mid-stream the provider channel is still drained so the
// final CallEvent carries the real token estimate.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse, meta streamMeta) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		if meta.done != nil {
			defer meta.done()
		}

		var contentLen int
		clientGone := false

		for chunk := range resp.Stream {
			contentLen += len(chunk.Content)
			if clientGone {
				continue // keep draining for accounting
			}

			delta := map[string]any{
				"id":      resp.ID,
				"content": chunk.Content,
				"finish_reason": func() any {
					if chunk.FinishReason != "" {
						return chunk.FinishReason
					}
					return nil
				}(),
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				clientGone = true
			}
		}

		if !clientGone {
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		// Token counts for streams are estimated: ~4 characters per token.
		outTokens := contentLen / 4
		if outTokens == 0 {
			outTokens = 1
		}
		var inChars int
		for _, m := range meta.reqMessages {
			inChars += len(m.Content)
		}
		inTokens := inChars / 4

		cost := g.prices.Price(meta.model, inTokens, outTokens)
		g.recordEvent(stats.CallEvent{
			Provider:     meta.provider,
			Model:        meta.model,
			Tier:         meta.tier,
			AgentType:    meta.agentType,
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			CostUSD:      cost.USD,
			CostKnown:    cost.Known,
			LatencyMs:    time.Since(meta.start).Milliseconds(),
			Status:       fasthttp.StatusOK,
		})

		if g.metrics != nil {
			dur := time.Since(meta.start)
			g.metrics.ObserveHTTP(meta.route, fasthttp.StatusOK, dur, meta.reqBytes, -1)
			g.metrics.RecordRequest(meta.provider, fasthttp.StatusOK, dur.Milliseconds())
			g.metrics.ObserveGatewayRequest(meta.provider, meta.route, "bypass", dur)
			g.metrics.AddTokens(meta.provider, meta.route, inTokens, outTokens, false)
			g.metrics.DecInFlight()
		}
	})
}
