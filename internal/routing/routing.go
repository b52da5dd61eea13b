// Package routing resolves an inbound request to an ordered provider
// fallback chain.
//
// Rules are loaded once at startup into an immutable Table; resolution is
// a pure lock-free read on the request path. Precedence:
//
//  1. an explicit agent-type rule ("build" → "openai"),
//  2. a model-tier rule ("premium" → "anthropic"),
//  3. the model→provider alias table,
//  4. the configured default provider.
//
// The result is always a chain, not a single choice: the matched provider
// first, then the remaining fallback order, deduped. The proxy layer walks
// the chain on retryable failures.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/relayhq/llm-gateway/internal/providers"
)

// Rule kinds.
const (
	KindAgent = "agent"
	KindTier  = "tier"
)

// Rule maps a request property to a provider.
type Rule struct {
	Kind     string // KindAgent or KindTier
	Match    string // agent type or tier label, case-insensitive
	Provider string
	Priority int // lower value wins among rules of the same kind
}

// Table is an immutable routing snapshot. Safe for concurrent use without
// locking — construct once, never mutate.
type Table struct {
	agentRules    map[string]string
	tierRules     map[string]string
	defaultTarget string
	fallbackOrder []string
}

// NewTable compiles rules into a Table.
//
// defaultProvider must be non-empty; fallbackOrder is the provider
// sequence tried after the matched target (pass nil to fall back to the
// default provider only).
func NewTable(rules []Rule, defaultProvider string, fallbackOrder []string) (*Table, error) {
	if defaultProvider == "" {
		return nil, fmt.Errorf("routing: default provider is required")
	}

	// Stable rule precedence: sort by priority so the lowest wins when two
	// rules share a match key.
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	t := &Table{
		agentRules:    make(map[string]string),
		tierRules:     make(map[string]string),
		defaultTarget: defaultProvider,
		fallbackOrder: append([]string(nil), fallbackOrder...),
	}

	for _, r := range sorted {
		match := strings.ToLower(strings.TrimSpace(r.Match))
		if match == "" || r.Provider == "" {
			return nil, fmt.Errorf("routing: rule %+v has empty match or provider", r)
		}
		switch r.Kind {
		case KindAgent:
			if _, dup := t.agentRules[match]; !dup {
				t.agentRules[match] = r.Provider
			}
		case KindTier:
			if _, dup := t.tierRules[match]; !dup {
				t.tierRules[match] = r.Provider
			}
		default:
			return nil, fmt.Errorf("routing: unknown rule kind %q", r.Kind)
		}
	}

	return t, nil
}

// Resolve returns the fallback chain for a request: the matched provider
// first, then the fallback order with duplicates removed. The chain is
// never empty — the default provider is the floor.
func (t *Table) Resolve(agentType, model, tier string) []string {
	primary := t.primary(agentType, model, tier)

	seen := map[string]bool{primary: true}
	chain := []string{primary}
	for _, name := range t.fallbackOrder {
		if !seen[name] {
			seen[name] = true
			chain = append(chain, name)
		}
	}
	return chain
}

// Primary returns only the first-choice provider for a request. Used for
// log attribution of the originally requested target.
func (t *Table) Primary(agentType, model, tier string) string {
	return t.primary(agentType, model, tier)
}

func (t *Table) primary(agentType, model, tier string) string {
	if agentType != "" {
		if p, ok := t.agentRules[strings.ToLower(agentType)]; ok {
			return p
		}
	}
	if tier != "" {
		if p, ok := t.tierRules[strings.ToLower(tier)]; ok {
			return p
		}
	}
	if p, ok := providers.ModelAliases[model]; ok {
		return p
	}
	return t.defaultTarget
}

// ParseRules parses "match=provider" pairs into rules of the given kind,
// preserving list order as priority.
func ParseRules(kind string, pairs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(pairs))
	for i, pair := range pairs {
		match, provider, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(match) == "" || strings.TrimSpace(provider) == "" {
			return nil, fmt.Errorf("routing: invalid rule %q, want match=provider", pair)
		}
		rules = append(rules, Rule{
			Kind:     kind,
			Match:    strings.TrimSpace(match),
			Provider: strings.TrimSpace(provider),
			Priority: i,
		})
	}
	return rules, nil
}
