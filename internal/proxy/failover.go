package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relayhq/llm-gateway/internal/providers"
)

// chainError is returned when a fallback chain walk ends without a
// response. It names the attempted providers in order so the client sees
// the whole chain, not just the final failure.
//
// terminal marks a walk aborted by a non-retryable provider error (bad
// request, auth). Those surface to the client with the provider's own
// error detail instead of the aggregated chain-exhausted shape.
type chainError struct {
	attempted []string
	last      error
	terminal  bool
}

func (e *chainError) Error() string {
	if e.terminal && len(e.attempted) > 0 {
		return fmt.Sprintf("provider %s rejected the request: %v",
			e.attempted[len(e.attempted)-1], e.last)
	}
	return fmt.Sprintf("all providers failed (%s): %v",
		strings.Join(e.attempted, ", "), e.last)
}

func (e *chainError) Unwrap() error { return e.last }

// requestWithFailover walks the resolved provider chain until one provider
// succeeds, the retry budget runs out, or a terminal error aborts the walk.
//
// Providers whose circuit breaker is Open are skipped without consuming an
// attempt. The returned provider name is the one that actually answered —
// cost attribution downstream relies on that, never on the primary.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	chain []string,
	route string,
) (*providers.ProxyResponse, string, error) {

	if len(chain) == 0 {
		return nil, "", &chainError{last: fmt.Errorf("no providers resolved")}
	}
	primary := chain[0]

	var (
		lastErr   error
		attempted []string
	)

	prevProvider := ""
	prevReason := ""
	attempts := 0

	for _, name := range chain {
		if attempts >= g.maxRetries {
			break
		}

		prov, ok := g.providers[name]
		if !ok {
			continue // resolved but not configured, skip
		}

		if g.cb != nil && !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			}
			continue
		}

		// Switching to a different provider after a failure is a failover.
		if prevProvider != "" && prevProvider != name && g.metrics != nil {
			g.metrics.RecordFailover(primary, prevProvider, name, prevReason)
		}

		start := time.Now()
		resp, err := prov.Request(ctx, req)
		dur := time.Since(start)
		attempts++
		attempted = append(attempted, name)

		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, route, "success", dur)
			}
			if g.cb != nil {
				g.cb.RecordSuccess(name)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				}
			}
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return resp, name, nil
		}

		if g.cb != nil {
			g.cb.RecordFailure(name)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			}
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, route, reason, dur)
			g.metrics.RecordError(name, reason)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", name),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider = name
		prevReason = reason

		// Terminal errors abort the walk — the next provider would fail
		// the same way for the same request parameters.
		if !isRetryable(err) {
			return nil, "", &chainError{attempted: attempted, last: err, terminal: true}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, "", &chainError{attempted: attempted, last: lastErr}
}

// isRetryable reports whether an error should trigger failover to the next
// provider in the chain.
//
//   - timeouts                  → retryable (another provider may be faster)
//   - 429 Too Many Requests     → retryable (another provider has capacity)
//   - 5xx provider errors       → retryable (infrastructure failure)
//   - other 4xx provider errors → terminal (bad request / auth — won't change)
//   - unknown errors            → retryable (conservative default)
func isRetryable(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		if status == fasthttp.StatusTooManyRequests {
			return true
		}
		return status >= 500 && status < 600
	}
	return true
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
