// Package providers defines the common interfaces and types used by all LLM
// backend implementations (OpenAI, Anthropic, Gemini, and any
// OpenAI-compatible endpoint, including self-hosted models).
//
// Each backend lives in its own sub-package and implements the Provider
// interface. The proxy layer treats providers as interchangeable targets of
// a fallback chain; which provider actually answered a request is recorded
// in the call event so cost attribution always reflects reality.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request.
	//
	// Model, Messages, Temperature and MaxTokens are the fields that define
	// request identity for caching. RequestID, AgentType and the API key
	// fields are transport metadata and must never leak into a cache key.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		AgentType   string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// ModelAliases maps model names to provider names. This is the last routing
// resort: explicit agent-type and tier rules (internal/routing) are consulted
// first, then this table, then the configured default provider.
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":                  "openai",
	"gpt-4o":                 "openai",
	"gpt-4o-2024-11-20":      "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4o-mini-2024-07-18": "openai",
	"gpt-4-turbo":            "openai",
	"gpt-3.5-turbo":          "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o3":                     "openai",
	"o3-mini":                "openai",
	"o4-mini":                "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",
	"claude-opus-4-5":            "anthropic",
	"claude-sonnet-4-5":          "anthropic",
	"claude-haiku-4-5":           "anthropic",

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-flash":      "gemini",
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",
}

// Default failover constants.
const (
	MaxRetries      = 3
	ProviderTimeout = 30 * time.Second

	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
)

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status. The failover layer uses it to classify errors as retryable.
type StatusCoder interface {
	HTTPStatus() int
}
