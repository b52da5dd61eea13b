// Package stats is the in-memory aggregation pipeline for finished calls.
//
// Every completed request — cache hit or live — produces exactly one
// CallEvent. The Aggregator folds each event into several rolling time
// windows, a per-tier totals map, overall counters, and a recent-calls
// ring, all in one logical operation. Reads take per-structure locks held
// for bounded critical sections; there is no global aggregator lock.
//
// The aggregator is the authoritative real-time view of usage and cost.
// The durable audit store (internal/audit) trails it asynchronously and is
// reconciled against it, never the other way around.
package stats

import (
	"time"

	"github.com/google/uuid"
)

// CallEvent describes one finished request. Events are immutable once
// created and are consumed by both the Aggregator and the audit writer.
type CallEvent struct {
	// EventID uniquely identifies the event so duplicate durable writes
	// collapse idempotently.
	EventID uuid.UUID `json:"event_id"`

	Time      time.Time `json:"time"`
	Provider  string    `json:"provider"` // the provider that actually answered, not the first requested
	Model     string    `json:"model"`
	Tier      string    `json:"tier"`
	AgentType string    `json:"agent_type,omitempty"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// CostUSD is the billed cost of this call. Zero for cache hits.
	// CostKnown is false when no pricing exists for the model — reported
	// as "unavailable", never as a fabricated zero.
	CostUSD   float64 `json:"cost_usd"`
	CostKnown bool    `json:"cost_known"`

	// SavedUSD is what the call would have cost live. Non-zero only for
	// cache hits, priced with the same per-model rates as a live call.
	SavedUSD float64 `json:"saved_usd"`

	LatencyMs int64 `json:"latency_ms"`
	CacheHit  bool  `json:"cache_hit"`
	Status    int   `json:"status"`
}

// Succeeded reports whether the call completed with a 2xx status. Failed
// calls still count as calls but are excluded from cache hit/miss rates.
func (ev CallEvent) Succeeded() bool {
	return ev.Status >= 200 && ev.Status < 300
}
