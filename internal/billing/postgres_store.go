package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO usage_logs (user_id, request_id, mode, provider, model, input_tokens, output_tokens, cached, cost_usd, credits_charged, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.UserID, log.RequestID, log.Mode, log.Provider, log.Model,
		log.InputTokens, log.OutputTokens, log.Cached, log.CostUSD, log.CreditsCharged, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, user_id, request_id, mode, provider, model, input_tokens, output_tokens, cached, cost_usd, credits_charged, latency_ms, created_at
		FROM usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	logs := []*UsageLog{}
	for rows.Next() {
		var l UsageLog
		err := rows.Scan(
			&l.ID, &l.UserID, &l.RequestID, &l.Mode, &l.Provider, &l.Model,
			&l.InputTokens, &l.OutputTokens, &l.Cached, &l.CostUSD, &l.CreditsCharged, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}

func (s *PostgresStore) GrantCredits(ctx context.Context, userID string, credits int) (int, error) {
	if credits <= 0 {
		return 0, ErrInvalidGrant
	}

	query := `
		INSERT INTO user_credits (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = user_credits.balance + EXCLUDED.balance
		RETURNING balance
	`
	var balance int
	if err := s.db.QueryRow(ctx, query, userID, credits).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to grant credits: %w", err)
	}

	return balance, nil
}
