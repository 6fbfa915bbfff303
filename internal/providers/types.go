// Package providers wraps text-generation providers behind a single
// Generator interface. The engine only ever needs "persona + prompt → text";
// tool calling and streaming are deliberately not part of this surface.
package providers

import "context"

// GenerateRequest is one AI generation call.
type GenerateRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string // empty = provider default
	Temperature  float64
	MaxTokens    int // 0 = provider default
}

// Usage tracks token consumption of one call, for the usage ledger.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// GenerateResult carries the generated text plus usage accounting.
type GenerateResult struct {
	Text  string
	Usage Usage
}

// Generator is the interface all text-generation providers implement.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}
