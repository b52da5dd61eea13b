package proxy

import (
	"context"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relayhq/llm-gateway/internal/audit"
	"github.com/relayhq/llm-gateway/pkg/apierr"
)

// The read-only stats API. Aggregate endpoints serve from the 1-second
// query cache, so dashboard polling never recomputes window percentiles
// per request; the max-age header tells well-behaved clients the same.

func setStatsCacheControl(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "max-age=1")
}

// handleStats serves GET /v1/stats — overall totals since startup.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	setStatsCacheControl(ctx)
	writeJSON(ctx, g.queryCache.Overview().Totals)
}

// handleStatsWindows serves GET /v1/stats/windows — one snapshot per
// rolling window, shortest span first.
func (g *Gateway) handleStatsWindows(ctx *fasthttp.RequestCtx) {
	setStatsCacheControl(ctx)
	writeJSON(ctx, g.queryCache.Overview().Windows)
}

// handleStatsTiers serves GET /v1/stats/tiers — per-tier running totals.
func (g *Gateway) handleStatsTiers(ctx *fasthttp.RequestCtx) {
	setStatsCacheControl(ctx)
	writeJSON(ctx, g.queryCache.Overview().Tiers)
}

// handleStatsRecent serves GET /v1/stats/recent?limit=N, newest first.
func (g *Gateway) handleStatsRecent(ctx *fasthttp.RequestCtx) {
	limit := 0
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"'limit' must be a non-negative integer",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		limit = n
	}
	setStatsCacheControl(ctx)
	writeJSON(ctx, g.agg.Recent(limit))
}

// handleStatsAudit serves GET /v1/stats/audit?from=&to=&tier=&limit= — a
// reconciliation view read from the durable store, not the aggregator.
// Timestamps are RFC 3339.
func (g *Gateway) handleStatsAudit(ctx *fasthttp.RequestCtx) {
	if g.auditStore == nil {
		apierr.Write(ctx, fasthttp.StatusNotImplemented,
			"audit store not configured",
			apierr.TypeInvalidRequest, apierr.CodeNotImplemented)
		return
	}

	var q audit.Query
	if raw := string(ctx.QueryArgs().Peek("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"'from' must be an RFC 3339 timestamp",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		q.From = t
	}
	if raw := string(ctx.QueryArgs().Peek("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"'to' must be an RFC 3339 timestamp",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		q.To = t
	}
	q.Tier = string(ctx.QueryArgs().Peek("tier"))
	q.Limit = 1000
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"'limit' must be a positive integer",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		q.Limit = n
	}

	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	records, err := g.auditStore.QueryRange(qctx, q)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"audit store query failed: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(ctx, records)
}
