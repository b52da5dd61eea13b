package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/relayhq/llm-gateway/internal/pricing"
	"github.com/relayhq/llm-gateway/internal/providers"
	"github.com/relayhq/llm-gateway/internal/stats"
)

// funcProvider is a minimal Provider whose Request behavior is supplied by the
// test.
type funcProvider struct {
	name      string
	requestFn func(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error)
}

func (p *funcProvider) Name() string { return p.name }

func (p *funcProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return p.requestFn(ctx, req)
}

func (p *funcProvider) HealthCheck(_ context.Context) error { return nil }

// providerError implements providers.StatusCoder for simulating upstream
// HTTP failures.
type providerError struct {
	status int
	msg    string
}

func (e *providerError) Error() string   { return e.msg }
func (e *providerError) HTTPStatus() int { return e.status }

func failingProvider(name string, err error) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, err
		},
	}
}

func testChainGateway(t *testing.T, provs map[string]providers.Provider) *Gateway {
	t.Helper()
	return NewGateway(context.Background(), provs, nil,
		testRoutes(t), pricing.NewTable(nil), stats.NewAggregator(nil))
}

func chatReq() *providers.ProxyRequest {
	return &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "fo-test",
	}
}

// --- requestWithFailover ----------------------------------------------------

func TestFailover_EmptyChain(t *testing.T) {
	gw := testChainGateway(t, nil)

	_, _, err := gw.requestWithFailover(context.Background(), chatReq(), nil, "chat")
	if err == nil {
		t.Fatal("expected error for empty chain")
	}

	var ce *chainError
	if !errors.As(err, &ce) {
		t.Fatalf("expected chainError, got %T", err)
	}
	if len(ce.attempted) != 0 {
		t.Errorf("no providers should have been attempted, got %v", ce.attempted)
	}
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	gw := testChainGateway(t, map[string]providers.Provider{
		"openai":    okProvider("openai"),
		"anthropic": okProvider("anthropic"),
	})

	resp, name, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai", "anthropic"}, "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "openai" {
		t.Errorf("primary should have answered, got %q", name)
	}
	if resp.Content != "hello from openai" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
}

func TestFailover_FallsThroughOn5xx(t *testing.T) {
	gw := testChainGateway(t, map[string]providers.Provider{
		"openai":    failingProvider("openai", &providerError{status: 503, msg: "down"}),
		"anthropic": okProvider("anthropic"),
	})

	resp, name, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai", "anthropic"}, "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "anthropic" {
		t.Errorf("expected anthropic to answer, got %q", name)
	}
	if resp.Content != "hello from anthropic" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
}

func TestFailover_FallsThroughOn429(t *testing.T) {
	gw := testChainGateway(t, map[string]providers.Provider{
		"openai":    failingProvider("openai", &providerError{status: 429, msg: "rate limited"}),
		"anthropic": okProvider("anthropic"),
	})

	_, name, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai", "anthropic"}, "chat")
	if err != nil {
		t.Fatalf("429 must trigger failover, got error: %v", err)
	}
	if name != "anthropic" {
		t.Errorf("expected anthropic to answer after 429, got %q", name)
	}
}

func TestFailover_TerminalClientErrorAborts(t *testing.T) {
	anthropicCalled := false
	gw := testChainGateway(t, map[string]providers.Provider{
		"openai": failingProvider("openai", &providerError{status: 401, msg: "bad key"}),
		"anthropic": &funcProvider{
			name: "anthropic",
			requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
				anthropicCalled = true
				return &providers.ProxyResponse{Content: "should not happen"}, nil
			},
		},
	})

	_, _, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai", "anthropic"}, "chat")
	if err == nil {
		t.Fatal("expected error after terminal 401")
	}
	if anthropicCalled {
		t.Error("terminal 4xx must not fail over to the next provider")
	}

	var ce *chainError
	if !errors.As(err, &ce) {
		t.Fatalf("expected chainError, got %T", err)
	}
	if len(ce.attempted) != 1 || ce.attempted[0] != "openai" {
		t.Errorf("attempted = %v, want [openai]", ce.attempted)
	}
	if !ce.terminal {
		t.Error("a 4xx abort must mark the chain error terminal")
	}
	if msg := ce.Error(); contains(msg, "all providers failed") {
		t.Errorf("terminal abort must not read as exhaustion: %q", msg)
	}
}

func TestFailover_AllProvidersDown(t *testing.T) {
	gw := testChainGateway(t, map[string]providers.Provider{
		"openai":    failingProvider("openai", &providerError{status: 500, msg: "a"}),
		"anthropic": failingProvider("anthropic", &providerError{status: 502, msg: "b"}),
		"gemini":    failingProvider("gemini", &providerError{status: 503, msg: "c"}),
	})

	_, _, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai", "anthropic", "gemini"}, "chat")

	var ce *chainError
	if !errors.As(err, &ce) {
		t.Fatalf("expected chainError, got %T (%v)", err, err)
	}
	if len(ce.attempted) != 3 {
		t.Errorf("attempted = %v, want all three", ce.attempted)
	}

	var pe *providerError
	if !errors.As(ce.last, &pe) || pe.status != 503 {
		t.Errorf("last error should be gemini's 503, got %v", ce.last)
	}
}

func TestFailover_SkipsUnconfiguredProvider(t *testing.T) {
	gw := testChainGateway(t, map[string]providers.Provider{
		"gemini": okProvider("gemini"),
	})

	_, name, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai", "anthropic", "gemini"}, "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "gemini" {
		t.Errorf("expected gemini (only configured provider), got %q", name)
	}
}

func TestFailover_RetryBudget(t *testing.T) {
	calls := 0
	counting := func(name string) *funcProvider {
		return &funcProvider{
			name: name,
			requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
				calls++
				return nil, &providerError{status: 503, msg: "down"}
			},
		}
	}

	gw := NewGatewayWithOptions(context.Background(), map[string]providers.Provider{
		"openai":    counting("openai"),
		"anthropic": counting("anthropic"),
		"gemini":    counting("gemini"),
	}, nil, testRoutes(t), pricing.NewTable(nil), stats.NewAggregator(nil), nil,
		GatewayOptions{MaxRetries: 2})

	_, _, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai", "anthropic", "gemini"}, "chat")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("retry budget of 2 must cap attempts, got %d calls", calls)
	}
}

func TestFailover_OpenBreakerSkipsProvider(t *testing.T) {
	gw := testChainGateway(t, map[string]providers.Provider{
		"openai":    okProvider("openai"),
		"anthropic": okProvider("anthropic"),
	})

	// Trip the breaker for openai.
	for i := 0; i < providers.CBErrorThreshold; i++ {
		gw.cb.RecordFailure("openai")
	}
	if gw.cb.Allow("openai") {
		t.Fatal("breaker should be open after threshold failures")
	}

	_, name, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai", "anthropic"}, "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "anthropic" {
		t.Errorf("open breaker should route past openai, got %q", name)
	}
}

func TestFailover_SuccessResetsBreaker(t *testing.T) {
	gw := testChainGateway(t, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})

	gw.cb.RecordFailure("openai")
	gw.cb.RecordFailure("openai")

	_, _, err := gw.requestWithFailover(context.Background(), chatReq(),
		[]string{"openai"}, "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The success must have cleared the accumulated error count.
	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		gw.cb.RecordFailure("openai")
	}
	if !gw.cb.Allow("openai") {
		t.Error("breaker error count should have been reset by success")
	}
}

// --- chainError -------------------------------------------------------------

func TestChainError_NamesAllAttempted(t *testing.T) {
	err := &chainError{
		attempted: []string{"openai", "anthropic"},
		last:      fmt.Errorf("upstream boom"),
	}
	msg := err.Error()
	for _, want := range []string{"openai", "anthropic", "upstream boom"} {
		if !contains(msg, want) {
			t.Errorf("chain error %q should mention %q", msg, want)
		}
	}
}

func TestChainError_Unwrap(t *testing.T) {
	inner := &providerError{status: 500, msg: "boom"}
	err := &chainError{attempted: []string{"openai"}, last: inner}

	var pe *providerError
	if !errors.As(err, &pe) {
		t.Fatal("chainError must unwrap to the last provider error")
	}
	if pe.status != 500 {
		t.Errorf("unwrapped status = %d, want 500", pe.status)
	}
}

// --- error classification ---------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"429 rate limit", &providerError{status: 429}, true},
		{"500 internal", &providerError{status: 500}, true},
		{"502 bad gateway", &providerError{status: 502}, true},
		{"503 unavailable", &providerError{status: 503}, true},
		{"400 bad request", &providerError{status: 400}, false},
		{"401 unauthorized", &providerError{status: 401}, false},
		{"404 not found", &providerError{status: 404}, false},
		{"unknown error", fmt.Errorf("something odd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"http 429", &providerError{status: 429}, "http_429"},
		{"http 503", &providerError{status: 503}, "http_503"},
		{"unknown", fmt.Errorf("weird"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
