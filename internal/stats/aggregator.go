package stats

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindows are the rolling spans maintained by NewAggregator.
var DefaultWindows = []time.Duration{time.Minute, 5 * time.Minute, 10 * time.Minute}

const defaultRecentSize = 100

// WindowSnapshot is a point-in-time view of one rolling window.
type WindowSnapshot struct {
	Span         time.Duration `json:"-"`
	SpanSeconds  int64         `json:"span_seconds"`
	Calls        int64         `json:"calls"`
	CacheHits    int64         `json:"cache_hits"`
	CacheHitRate float64       `json:"cache_hit_rate"`
	CostUSD      float64       `json:"cost_usd"`
	SavedUSD     float64       `json:"saved_usd"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	AvgLatencyMs float64       `json:"avg_latency_ms"`
	P95LatencyMs int64         `json:"p95_latency_ms"`
	RatePerMin   float64       `json:"rate_per_min"`
}

// TierSnapshot is a point-in-time copy of one tier's running totals.
type TierSnapshot struct {
	Tier          string  `json:"tier"`
	Calls         int64   `json:"calls"`
	CacheHits     int64   `json:"cache_hits"`
	CostUSD       float64 `json:"cost_usd"`
	SavedUSD      float64 `json:"saved_usd"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	UnpricedCalls int64   `json:"unpriced_calls"`
}

// TotalsSnapshot holds overall counters since startup or the last Reset.
type TotalsSnapshot struct {
	Calls         int64   `json:"calls"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	CostUSD       float64 `json:"cost_usd"`
	SavedUSD      float64 `json:"saved_usd"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	UnpricedCalls int64   `json:"unpriced_calls"`
}

// window is one rolling span. Events older than the span are pruned on
// every touch, so maintenance cost tracks recent volume, not history.
type window struct {
	mu     sync.Mutex
	span   time.Duration
	events []CallEvent
}

func (w *window) add(ev CallEvent) {
	w.mu.Lock()
	w.prune(ev.Time)
	w.events = append(w.events, ev)
	w.mu.Unlock()
}

// prune drops events older than the span. Must be called with w.mu held.
// Events arrive in near-chronological order, so scanning from the front
// until the first in-window event is sufficient.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && w.events[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		remaining := len(w.events) - i
		copy(w.events, w.events[i:])
		w.events = w.events[:remaining]
	}
}

func (w *window) snapshot(now time.Time) WindowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)

	snap := WindowSnapshot{
		Span:        w.span,
		SpanSeconds: int64(w.span.Seconds()),
	}
	if len(w.events) == 0 {
		return snap
	}

	latencies := make([]int64, 0, len(w.events))
	var latencySum, misses int64
	for _, ev := range w.events {
		snap.Calls++
		if ev.CacheHit {
			snap.CacheHits++
		} else if ev.Succeeded() {
			misses++
		}
		snap.CostUSD += ev.CostUSD
		snap.SavedUSD += ev.SavedUSD
		snap.InputTokens += int64(ev.InputTokens)
		snap.OutputTokens += int64(ev.OutputTokens)
		latencySum += ev.LatencyMs
		latencies = append(latencies, ev.LatencyMs)
	}

	snap.CacheHitRate = hitRate(snap.CacheHits, misses)
	snap.AvgLatencyMs = float64(latencySum) / float64(snap.Calls)
	snap.P95LatencyMs = percentile(latencies, 95)
	snap.RatePerMin = float64(snap.Calls) / w.span.Minutes()

	return snap
}

// tierCounters holds one tier's running totals behind its own lock, so
// concurrent events for different tiers never contend with each other.
type tierCounters struct {
	mu            sync.Mutex
	calls         int64
	cacheHits     int64
	costUSD       float64
	savedUSD      float64
	inputTokens   int64
	outputTokens  int64
	unpricedCalls int64
}

// recentRing keeps the last N events for the "recent calls" endpoint.
type recentRing struct {
	mu    sync.Mutex
	buf   []CallEvent
	next  int
	count int
}

func (r *recentRing) add(ev CallEvent) {
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// last returns up to n events, newest first.
func (r *recentRing) last(n int) []CallEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]CallEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Aggregator folds CallEvents into rolling windows, tier totals, overall
// counters, and a recent-calls ring. Safe for concurrent use; contention
// is scoped to the specific window or tier being touched.
type Aggregator struct {
	windows []*window

	tierMu sync.RWMutex
	tiers  map[string]*tierCounters

	recent *recentRing

	// Overall counters. Money is accumulated in integer nano-dollars so
	// concurrent adds stay atomic without a lock.
	calls         atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	costNano      atomic.Int64
	savedNano     atomic.Int64
	inputTokens   atomic.Int64
	outputTokens  atomic.Int64
	unpricedCalls atomic.Int64
}

// NewAggregator creates an Aggregator with the given window spans (pass
// nil for DefaultWindows — 1, 5 and 10 minutes).
func NewAggregator(spans []time.Duration) *Aggregator {
	if len(spans) == 0 {
		spans = DefaultWindows
	}
	a := &Aggregator{
		tiers:  make(map[string]*tierCounters),
		recent: &recentRing{buf: make([]CallEvent, defaultRecentSize)},
	}
	for _, span := range spans {
		a.windows = append(a.windows, &window{span: span})
	}
	return a
}

// Record accounts ev in every rolling window, its tier's totals, the
// overall counters, and the recent ring. Each event is counted exactly
// once everywhere; concurrent calls never lose an increment.
func (a *Aggregator) Record(ev CallEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Tier == "" {
		ev.Tier = "unknown"
	}

	for _, w := range a.windows {
		w.add(ev)
	}

	tc := a.tier(ev.Tier)
	tc.mu.Lock()
	tc.calls++
	if ev.CacheHit {
		tc.cacheHits++
	}
	tc.costUSD += ev.CostUSD
	tc.savedUSD += ev.SavedUSD
	tc.inputTokens += int64(ev.InputTokens)
	tc.outputTokens += int64(ev.OutputTokens)
	if !ev.CostKnown {
		tc.unpricedCalls++
	}
	tc.mu.Unlock()

	a.calls.Add(1)
	if ev.CacheHit {
		a.cacheHits.Add(1)
	} else if ev.Succeeded() {
		// Failed calls are neither hits nor misses — they must not skew
		// the hit rate.
		a.cacheMisses.Add(1)
	}
	a.costNano.Add(toNano(ev.CostUSD))
	a.savedNano.Add(toNano(ev.SavedUSD))
	a.inputTokens.Add(int64(ev.InputTokens))
	a.outputTokens.Add(int64(ev.OutputTokens))
	if !ev.CostKnown {
		a.unpricedCalls.Add(1)
	}

	a.recent.add(ev)
}

// Snapshot returns the current view of the window with the given span.
// Returns a zero snapshot for an unknown span.
func (a *Aggregator) Snapshot(span time.Duration) WindowSnapshot {
	now := time.Now()
	for _, w := range a.windows {
		if w.span == span {
			return w.snapshot(now)
		}
	}
	return WindowSnapshot{Span: span, SpanSeconds: int64(span.Seconds())}
}

// Snapshots returns one snapshot per configured window, shortest first.
func (a *Aggregator) Snapshots() []WindowSnapshot {
	now := time.Now()
	out := make([]WindowSnapshot, 0, len(a.windows))
	for _, w := range a.windows {
		out = append(out, w.snapshot(now))
	}
	return out
}

// TierTotals returns a copy of every tier's running totals, sorted by
// tier name for stable output.
func (a *Aggregator) TierTotals() []TierSnapshot {
	a.tierMu.RLock()
	names := make([]string, 0, len(a.tiers))
	for name := range a.tiers {
		names = append(names, name)
	}
	a.tierMu.RUnlock()
	sort.Strings(names)

	out := make([]TierSnapshot, 0, len(names))
	for _, name := range names {
		tc := a.tier(name)
		tc.mu.Lock()
		out = append(out, TierSnapshot{
			Tier:          name,
			Calls:         tc.calls,
			CacheHits:     tc.cacheHits,
			CostUSD:       tc.costUSD,
			SavedUSD:      tc.savedUSD,
			InputTokens:   tc.inputTokens,
			OutputTokens:  tc.outputTokens,
			UnpricedCalls: tc.unpricedCalls,
		})
		tc.mu.Unlock()
	}
	return out
}

// Totals returns the overall counters.
func (a *Aggregator) Totals() TotalsSnapshot {
	hits := a.cacheHits.Load()
	misses := a.cacheMisses.Load()
	return TotalsSnapshot{
		Calls:         a.calls.Load(),
		CacheHits:     hits,
		CacheMisses:   misses,
		CacheHitRate:  hitRate(hits, misses),
		CostUSD:       fromNano(a.costNano.Load()),
		SavedUSD:      fromNano(a.savedNano.Load()),
		InputTokens:   a.inputTokens.Load(),
		OutputTokens:  a.outputTokens.Load(),
		UnpricedCalls: a.unpricedCalls.Load(),
	}
}

// Recent returns up to n of the most recent events, newest first.
func (a *Aggregator) Recent(n int) []CallEvent {
	return a.recent.last(n)
}

// Reset clears every window, tier, overall counter and the recent ring.
// Tier totals only ever reset through this explicit call.
func (a *Aggregator) Reset() {
	for _, w := range a.windows {
		w.mu.Lock()
		w.events = nil
		w.mu.Unlock()
	}

	a.tierMu.Lock()
	a.tiers = make(map[string]*tierCounters)
	a.tierMu.Unlock()

	a.calls.Store(0)
	a.cacheHits.Store(0)
	a.cacheMisses.Store(0)
	a.costNano.Store(0)
	a.savedNano.Store(0)
	a.inputTokens.Store(0)
	a.outputTokens.Store(0)
	a.unpricedCalls.Store(0)

	a.recent.mu.Lock()
	a.recent.buf = make([]CallEvent, len(a.recent.buf))
	a.recent.next = 0
	a.recent.count = 0
	a.recent.mu.Unlock()
}

func (a *Aggregator) tier(name string) *tierCounters {
	a.tierMu.RLock()
	tc, ok := a.tiers[name]
	a.tierMu.RUnlock()
	if ok {
		return tc
	}

	a.tierMu.Lock()
	defer a.tierMu.Unlock()
	if tc, ok = a.tiers[name]; ok {
		return tc
	}
	tc = &tierCounters{}
	a.tiers[name] = tc
	return tc
}

// hitRate returns H/(H+M)*100, guarding the zero-call case.
func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// percentile returns the p-th percentile (nearest-rank) of values.
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	rank := (len(values)*p + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return values[rank-1]
}

func toNano(usd float64) int64 { return int64(math.Round(usd * 1e9)) }
func fromNano(n int64) float64 { return float64(n) / 1e9 }
