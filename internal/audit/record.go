// Package audit persists per-request call records to a durable store.
//
// Records are enqueued by the proxy hot path and flushed in batches by a
// background writer, so persistence latency never shows up in request
// latency. The in-memory aggregator remains the authoritative real-time
// view; the audit trail exists for history and offline analysis.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/llm-gateway/internal/stats"
)

// Record is one persisted call. It carries everything the aggregator sees
// plus the time the record was accepted for writing.
type Record struct {
	EventID      uuid.UUID `json:"event_id"`
	Time         time.Time `json:"time"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Tier         string    `json:"tier"`
	AgentType    string    `json:"agent_type,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CostKnown    bool      `json:"cost_known"`
	SavedUSD     float64   `json:"saved_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	CacheHit     bool      `json:"cache_hit"`
	Status       int       `json:"status"`
	WrittenAt    time.Time `json:"written_at"`
}

// FromEvent converts an aggregator event into a persistable record.
func FromEvent(ev stats.CallEvent) Record {
	return Record{
		EventID:      ev.EventID,
		Time:         ev.Time,
		Provider:     ev.Provider,
		Model:        ev.Model,
		Tier:         ev.Tier,
		AgentType:    ev.AgentType,
		InputTokens:  ev.InputTokens,
		OutputTokens: ev.OutputTokens,
		CostUSD:      ev.CostUSD,
		CostKnown:    ev.CostKnown,
		SavedUSD:     ev.SavedUSD,
		LatencyMs:    ev.LatencyMs,
		CacheHit:     ev.CacheHit,
		Status:       ev.Status,
		WrittenAt:    time.Now().UTC(),
	}
}
