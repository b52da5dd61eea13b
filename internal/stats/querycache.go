package stats

import (
	"sync"
	"time"
)

const defaultQueryTTL = time.Second

// Overview bundles everything the stats API serves in one computation.
type Overview struct {
	Totals     TotalsSnapshot   `json:"totals"`
	Windows    []WindowSnapshot `json:"windows"`
	Tiers      []TierSnapshot   `json:"tiers"`
	ComputedAt time.Time        `json:"computed_at"`
}

// QueryCache memoizes aggregate snapshots for a short TTL so that
// dashboard polling at sub-second intervals does not recompute window
// percentiles on every request. Writers are unaffected — the memo only
// shields the read side.
type QueryCache struct {
	agg *Aggregator
	ttl time.Duration

	mu         sync.Mutex
	cached     Overview
	computedAt time.Time
}

// NewQueryCache wraps agg with a memo of the given TTL (≤ 0 uses 1s).
func NewQueryCache(agg *Aggregator, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = defaultQueryTTL
	}
	return &QueryCache{agg: agg, ttl: ttl}
}

// Overview returns the memoized aggregate view, recomputing it at most
// once per TTL. Concurrent callers inside the TTL share one computation.
func (q *QueryCache) Overview() Overview {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.computedAt.IsZero() && now.Sub(q.computedAt) < q.ttl {
		return q.cached
	}

	q.cached = Overview{
		Totals:     q.agg.Totals(),
		Windows:    q.agg.Snapshots(),
		Tiers:      q.agg.TierTotals(),
		ComputedAt: now,
	}
	q.computedAt = now
	return q.cached
}

// Invalidate discards the memo so the next Overview recomputes. Used by
// Reset paths and tests.
func (q *QueryCache) Invalidate() {
	q.mu.Lock()
	q.computedAt = time.Time{}
	q.mu.Unlock()
}
