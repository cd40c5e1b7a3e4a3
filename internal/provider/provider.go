package provider

import (
	"context"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Metadata for routing decisions
	UserID    string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Usage is reported by the upstream on the final stream chunk, when it
// reports usage at all.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

type Chunk struct {
	Delta string
	Done  bool
	Usage *Usage
	Err   error
}

type Provider interface {
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	// PricingID keys the provider in the pricing table.
	PricingID() string
	DefaultModel() string
	SupportedModels() []string
}
