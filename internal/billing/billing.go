// Package billing records what each search cost and grants credits.
package billing

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidGrant = errors.New("credit grant must be positive")

type UsageLog struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	RequestID      string    `json:"request_id"`
	Mode           string    `json:"mode"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Cached         bool      `json:"cached"`
	CostUSD        float64   `json:"cost_usd"`
	CreditsCharged int       `json:"credits_charged"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
	// GrantCredits adds credits to the user's balance and returns the new balance.
	GrantCredits(ctx context.Context, userID string, credits int) (int, error)
}
