package proxy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/relayhq/llm-gateway/internal/pricing"
	"github.com/relayhq/llm-gateway/internal/providers"
	"github.com/relayhq/llm-gateway/internal/routing"
	"github.com/relayhq/llm-gateway/internal/stats"
)

// mockProvider is a zero-latency in-process provider for benchmarking.
type mockProvider struct {
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Request(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{
		ID:      "bench-" + req.RequestID,
		Model:   req.Model,
		Content: "pong",
		Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (m *mockProvider) HealthCheck(_ context.Context) error { return nil }

// newBenchGateway builds a Gateway with a single mock provider and no cache.
func newBenchGateway() *Gateway {
	provs := map[string]providers.Provider{
		"openai": &mockProvider{name: "openai"},
	}
	routes, err := routing.NewTable(nil, "openai", []string{"openai"})
	if err != nil {
		panic(err)
	}
	return NewGateway(context.Background(), provs, nil,
		routes, pricing.NewTable(nil), stats.NewAggregator(nil))
}

// BenchmarkProxy measures the overhead added by the dispatch loop when the
// provider responds instantly.
//
// Run: go test -bench=BenchmarkProxy -benchtime=30s -benchmem ./internal/proxy/
func BenchmarkProxy(b *testing.B) {
	gw := newBenchGateway()

	b.Run("failover/sequential", func(b *testing.B) {
		benchFailover(b, gw, 1)
	})

	b.Run("failover/parallel_100", func(b *testing.B) {
		benchFailover(b, gw, 100)
	})
}

func benchFailover(b *testing.B, gw *Gateway, concurrency int) {
	b.Helper()

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)

	b.ResetTimer()
	b.SetParallelism(concurrency)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req := &providers.ProxyRequest{
				Model:     "gpt-4o",
				Messages:  []providers.Message{{Role: "user", Content: "hello"}},
				RequestID: "bench",
			}
			start := time.Now()
			resp, _, err := gw.requestWithFailover(context.Background(), req,
				[]string{"openai"}, "chat_completions")
			elapsed := time.Since(start)

			if err != nil {
				b.Errorf("unexpected error: %v", err)
				return
			}
			if resp == nil {
				b.Error("nil response")
				return
			}

			mu.Lock()
			latencies = append(latencies, elapsed)
			mu.Unlock()
		}
	})
	b.StopTimer()

	if len(latencies) == 0 {
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[len(latencies)*50/100]
	p99 := latencies[int(math.Min(float64(len(latencies)-1), float64(len(latencies)*99/100)))]

	b.ReportMetric(float64(p50.Microseconds()), "p50_µs")
	b.ReportMetric(float64(p99.Microseconds()), "p99_µs")

	if p50 > 2*time.Millisecond {
		b.Errorf("P50 latency %v exceeds 2ms SLA", p50)
	}
	if p99 > 10*time.Millisecond {
		b.Errorf("P99 latency %v exceeds 10ms target", p99)
	}
}

// TestProxyOverheadSLA is a fast (~1s) version of the benchmark suitable for CI.
// It runs 1000 requests sequentially and asserts the P50 < 2ms gate.
func TestProxyOverheadSLA(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency SLA test in short mode")
	}

	gw := newBenchGateway()

	const n = 1000
	latencies := make([]time.Duration, 0, n)

	for i := 0; i < n; i++ {
		req := &providers.ProxyRequest{
			Model:     "gpt-4o",
			Messages:  []providers.Message{{Role: "user", Content: "hi"}},
			RequestID: fmt.Sprintf("sla-%d", i),
		}
		start := time.Now()
		_, _, err := gw.requestWithFailover(context.Background(), req,
			[]string{"openai"}, "chat_completions")
		elapsed := time.Since(start)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		latencies = append(latencies, elapsed)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[n*50/100]
	p99 := latencies[n*99/100]

	t.Logf("P50=%v P99=%v (n=%d)", p50, p99, n)

	if p50 > 2*time.Millisecond {
		t.Errorf("P50=%v exceeds 2ms overhead SLA", p50)
	}
	if p99 > 15*time.Millisecond {
		t.Errorf("P99=%v exceeds 15ms overhead SLA", p99)
	}
}

// TestCircuitBreakerIntegration tests that 5 failures open the breaker.
func TestCircuitBreakerIntegration(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < 5; i++ {
		if !cb.Allow("openai") {
			t.Fatalf("expected Allow=true before threshold, iteration %d", i)
		}
		cb.RecordFailure("openai")
	}

	if cb.Allow("openai") {
		t.Error("expected Allow=false after 5 failures (circuit should be open)")
	}
	if cb.StateLabel("openai") != "open" {
		t.Errorf("expected state=open, got=%s", cb.StateLabel("openai"))
	}
}
