package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Query filters QueryRange. Zero From/To mean unbounded on that side; an
// empty Tier matches every tier.
type Query struct {
	From  time.Time
	To    time.Time
	Tier  string
	Limit int
}

// Store is a durable sink for call records. Implementations must be safe
// for concurrent use and must tolerate the same record being written more
// than once (the writer retries whole batches, so duplicates can reach the
// store after a partial failure).
type Store interface {
	WriteBatch(ctx context.Context, records []Record) error
	QueryRange(ctx context.Context, q Query) ([]Record, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	Close() error
}

// MemoryStore keeps records in memory, deduplicated by event ID. It backs
// tests and the AUDIT_MODE=memory configuration.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]Record)}
}

// WriteBatch stores every record. A record whose event ID is already
// present overwrites the earlier copy, so retried batches do not inflate
// counts.
func (s *MemoryStore) WriteBatch(_ context.Context, records []Record) error {
	s.mu.Lock()
	for _, r := range records {
		s.records[r.EventID] = r
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) QueryRange(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if !q.From.IsZero() && r.Time.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.Time.After(q.To) {
			continue
		}
		if q.Tier != "" && r.Tier != q.Tier {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.records {
		if !r.Time.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of distinct records stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
