package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/relayhq/llm-gateway/internal/providers"
)

// Key returns the deterministic cache key for a request.
//
// The key is a SHA-256 digest of the request's canonical byte form: fields
// serialized in a fixed order, messages in their original sequence, and
// the temperature rendered with a fixed precision so that 0.7 and 0.70
// collide. Only the fields that define request identity participate —
// model, messages, temperature, max_tokens. Request IDs, agent type, API
// keys and the stream flag must never influence the key: a streamed and a
// buffered call for the same prompt are the same logical request.
func Key(req *providers.ProxyRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}

	data, _ := json.Marshal(struct {
		Model       string `json:"model"`
		Temperature string `json:"temperature"`
		MaxTokens   int    `json:"max_tokens"`
		Messages    []msg  `json:"messages"`
	}{
		Model:       req.Model,
		Temperature: canonicalFloat(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Messages:    msgs,
	})

	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// canonicalFloat formats a sampling parameter with fixed precision so
// incidental formatting differences do not change the digest.
func canonicalFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
