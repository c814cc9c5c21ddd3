package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"online-test-service/internal/domain"
)

// TestLoader loads test content JSONB from Postgres.
type TestLoader struct {
	pool *pgxpool.Pool
}

func NewTestLoader(pool *pgxpool.Pool) *TestLoader {
	return &TestLoader{pool: pool}
}

func (l *TestLoader) LoadTest(ctx context.Context, testID string) (*domain.TestDefinition, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM tests WHERE id=$1`, testID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTestNotFound
	}
	if err != nil {
		return nil, domain.TransientError("load test", err)
	}
	var test domain.TestDefinition
	if err := json.Unmarshal(raw, &test); err != nil {
		return nil, domain.TransientError("unmarshal test", err)
	}
	return &test, nil
}
