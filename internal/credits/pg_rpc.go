package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRPC calls SQL functions with named-argument notation and returns their
// result as JSON.
type PgRPC struct {
	db DB
}

func NewPgRPC(db DB) *PgRPC {
	return &PgRPC{db: db}
}

func (p *PgRPC) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	query, values := buildCall(fn, args)

	var raw []byte
	if err := p.db.QueryRow(ctx, query, values...).Scan(&raw); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42883" {
			return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, fn)
		}
		return nil, err
	}
	return raw, nil
}

// buildCall renders SELECT to_jsonb(fn(a => $1, b => $2)) with arguments in
// name order.
func buildCall(fn string, args map[string]any) (string, []any) {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	values := make([]any, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s => $%d", pgx.Identifier{name}.Sanitize(), i+1)
		values[i] = args[name]
	}

	query := fmt.Sprintf("SELECT to_jsonb(%s(%s))", pgx.Identifier{fn}.Sanitize(), strings.Join(parts, ", "))
	return query, values
}
