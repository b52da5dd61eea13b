// Package pricing computes the monetary cost of a completed LLM call.
//
// Pricing is a pure lookup: (model, input tokens, output tokens) → USD.
// The built-in table covers the commercial models the gateway routes by
// default; deployments extend or override it via configuration (useful for
// self-hosted models, which are typically priced at zero — intentionally
// free, which is distinct from "unknown").
//
// Unknown models never resolve to a fabricated zero cost. Price returns a
// Cost with Known=false so callers can report spend as "unavailable"
// instead of silently understating it.
package pricing

import (
	"fmt"
	"strings"
)

// Tier labels group models into coarse cost/capability buckets for
// aggregate reporting.
const (
	TierCheap   = "cheap"
	TierMid     = "mid"
	TierPremium = "premium"
	TierUnknown = "unknown"
)

// Rate holds per-million-token pricing for one model, plus its tier.
// An empty Tier is derived from the output rate (see tierFromRate).
type Rate struct {
	InputPerMTok  float64 // USD per million input tokens
	OutputPerMTok float64 // USD per million output tokens
	Tier          string
}

// Cost is the priced result of one call.
type Cost struct {
	USD   float64
	Known bool // false when no pricing is available for the model
}

// builtinRates maps exact model names to pricing.
var builtinRates = map[string]Rate{
	// Anthropic
	"claude-3-opus":              {InputPerMTok: 15, OutputPerMTok: 75, Tier: TierPremium},
	"claude-opus-4":              {InputPerMTok: 15, OutputPerMTok: 75, Tier: TierPremium},
	"claude-opus-4-5":            {InputPerMTok: 5, OutputPerMTok: 25, Tier: TierPremium},
	"claude-sonnet-4":            {InputPerMTok: 3, OutputPerMTok: 15, Tier: TierMid},
	"claude-sonnet-4-5":          {InputPerMTok: 3, OutputPerMTok: 15, Tier: TierMid},
	"claude-3-5-sonnet":          {InputPerMTok: 3, OutputPerMTok: 15, Tier: TierMid},
	"claude-3-5-sonnet-20241022": {InputPerMTok: 3, OutputPerMTok: 15, Tier: TierMid},
	"claude-haiku-4":             {InputPerMTok: 1, OutputPerMTok: 5, Tier: TierCheap},
	"claude-haiku-4-5":           {InputPerMTok: 1, OutputPerMTok: 5, Tier: TierCheap},
	"claude-3-5-haiku":           {InputPerMTok: 1, OutputPerMTok: 5, Tier: TierCheap},
	"claude-3-5-haiku-20241022":  {InputPerMTok: 1, OutputPerMTok: 5, Tier: TierCheap},
	"claude-3-haiku":             {InputPerMTok: 0.25, OutputPerMTok: 1.25, Tier: TierCheap},

	// OpenAI
	"gpt-4":         {InputPerMTok: 30, OutputPerMTok: 60, Tier: TierPremium},
	"gpt-4-turbo":   {InputPerMTok: 10, OutputPerMTok: 30, Tier: TierPremium},
	"gpt-4o":        {InputPerMTok: 2.5, OutputPerMTok: 10, Tier: TierMid},
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60, Tier: TierCheap},
	"gpt-4.1":       {InputPerMTok: 2, OutputPerMTok: 8, Tier: TierMid},
	"gpt-4.1-mini":  {InputPerMTok: 0.4, OutputPerMTok: 1.6, Tier: TierCheap},
	"gpt-4.1-nano":  {InputPerMTok: 0.1, OutputPerMTok: 0.4, Tier: TierCheap},
	"gpt-3.5-turbo": {InputPerMTok: 0.5, OutputPerMTok: 1.5, Tier: TierCheap},
	"o1":            {InputPerMTok: 15, OutputPerMTok: 60, Tier: TierPremium},
	"o1-mini":       {InputPerMTok: 1.1, OutputPerMTok: 4.4, Tier: TierMid},
	"o3":            {InputPerMTok: 10, OutputPerMTok: 40, Tier: TierPremium},
	"o3-mini":       {InputPerMTok: 1.1, OutputPerMTok: 4.4, Tier: TierMid},
	"o4-mini":       {InputPerMTok: 1.1, OutputPerMTok: 4.4, Tier: TierMid},

	// Google
	"gemini-1.5-pro":        {InputPerMTok: 1.25, OutputPerMTok: 5, Tier: TierMid},
	"gemini-1.5-flash":      {InputPerMTok: 0.075, OutputPerMTok: 0.30, Tier: TierCheap},
	"gemini-2.0-flash":      {InputPerMTok: 0.10, OutputPerMTok: 0.40, Tier: TierCheap},
	"gemini-2.0-flash-lite": {InputPerMTok: 0.075, OutputPerMTok: 0.30, Tier: TierCheap},
	"gemini-2.5-pro":        {InputPerMTok: 1.25, OutputPerMTok: 10, Tier: TierMid},
	"gemini-2.5-flash":      {InputPerMTok: 0.30, OutputPerMTok: 2.5, Tier: TierCheap},
}

// familyRates maps model-family prefixes to pricing. Lookup picks the
// longest matching prefix so "claude-opus-4-5" ($5/$25) wins over
// "claude-opus" ($15/$75) for dated release names.
var familyRates = map[string]Rate{
	"claude-opus-4-5":   {InputPerMTok: 5, OutputPerMTok: 25, Tier: TierPremium},
	"claude-opus":       {InputPerMTok: 15, OutputPerMTok: 75, Tier: TierPremium},
	"claude-sonnet":     {InputPerMTok: 3, OutputPerMTok: 15, Tier: TierMid},
	"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15, Tier: TierMid},
	"claude-3-5-haiku":  {InputPerMTok: 1, OutputPerMTok: 5, Tier: TierCheap},
	"claude-haiku":      {InputPerMTok: 1, OutputPerMTok: 5, Tier: TierCheap},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60, Tier: TierCheap},
	"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10, Tier: TierMid},
	"gpt-4.1-mini":      {InputPerMTok: 0.4, OutputPerMTok: 1.6, Tier: TierCheap},
	"gpt-4.1":           {InputPerMTok: 2, OutputPerMTok: 8, Tier: TierMid},
	"gemini-1.5-flash":  {InputPerMTok: 0.075, OutputPerMTok: 0.30, Tier: TierCheap},
	"gemini":            {InputPerMTok: 1.25, OutputPerMTok: 5, Tier: TierMid},
}

// Table resolves model → Rate. It is immutable after construction, so
// concurrent Price/TierOf calls are lock-free reads.
type Table struct {
	exact  map[string]Rate
	family map[string]Rate
}

// NewTable builds a pricing table from the built-in rates plus overrides.
// Override keys are exact model names; an override replaces the built-in
// entry entirely (including its tier).
func NewTable(overrides map[string]Rate) *Table {
	exact := make(map[string]Rate, len(builtinRates)+len(overrides))
	for m, r := range builtinRates {
		exact[m] = r
	}
	for m, r := range overrides {
		exact[m] = r
	}
	return &Table{exact: exact, family: familyRates}
}

// Lookup returns the Rate for model and whether one was found.
// Exact match first, then longest family prefix.
func (t *Table) Lookup(model string) (Rate, bool) {
	if r, ok := t.exact[model]; ok {
		return r, true
	}

	bestLen := 0
	var best Rate
	for prefix, r := range t.family {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = r
		}
	}
	if bestLen > 0 {
		return best, true
	}

	return Rate{}, false
}

// Price computes the USD cost of a call:
//
//	inputTokens/1e6 * input rate + outputTokens/1e6 * output rate
//
// For unknown models it returns Cost{Known: false}. A zero-rate entry
// (self-hosted model) prices to a known $0.00 — that distinction is what
// keeps "free" and "unpriced" from being conflated in reports.
func (t *Table) Price(model string, inputTokens, outputTokens int) Cost {
	r, ok := t.Lookup(model)
	if !ok {
		return Cost{Known: false}
	}

	usd := float64(inputTokens)/1_000_000*r.InputPerMTok +
		float64(outputTokens)/1_000_000*r.OutputPerMTok
	return Cost{USD: usd, Known: true}
}

// TierOf returns the tier label for model. An explicit tier on the rate
// wins; otherwise the tier is derived from the output rate. Unknown models
// report TierUnknown.
func (t *Table) TierOf(model string) string {
	r, ok := t.Lookup(model)
	if !ok {
		return TierUnknown
	}
	if r.Tier != "" {
		return r.Tier
	}
	return tierFromRate(r)
}

// tierFromRate buckets a rate by its output price:
// ≤ $2/MTok cheap, ≤ $20/MTok mid, above that premium.
func tierFromRate(r Rate) string {
	switch {
	case r.OutputPerMTok <= 2:
		return TierCheap
	case r.OutputPerMTok <= 20:
		return TierMid
	default:
		return TierPremium
	}
}

// ParseRate parses a "input:output[:tier]" override value, e.g. "3:15" or
// "0:0:cheap" for a free self-hosted model.
func ParseRate(s string) (Rate, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return Rate{}, fmt.Errorf("pricing: invalid rate %q, want input:output[:tier]", s)
	}

	var in, out float64
	if _, err := fmt.Sscanf(parts[0], "%f", &in); err != nil {
		return Rate{}, fmt.Errorf("pricing: invalid input rate %q: %w", parts[0], err)
	}
	if _, err := fmt.Sscanf(parts[1], "%f", &out); err != nil {
		return Rate{}, fmt.Errorf("pricing: invalid output rate %q: %w", parts[1], err)
	}
	if in < 0 || out < 0 {
		return Rate{}, fmt.Errorf("pricing: negative rate in %q", s)
	}

	r := Rate{InputPerMTok: in, OutputPerMTok: out}
	if len(parts) == 3 {
		switch parts[2] {
		case TierCheap, TierMid, TierPremium:
			r.Tier = parts[2]
		default:
			return Rate{}, fmt.Errorf("pricing: invalid tier %q, want cheap|mid|premium", parts[2])
		}
	}
	return r, nil
}
