package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/x402labs/agentpay/types"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS payment_history (
	id            BIGSERIAL PRIMARY KEY,
	ts            TIMESTAMPTZ NOT NULL,
	signature     TEXT NOT NULL,
	url           TEXT NOT NULL,
	amount        TEXT NOT NULL,
	asset         TEXT NOT NULL DEFAULT '',
	pay_to        TEXT NOT NULL,
	network       TEXT NOT NULL DEFAULT '',
	facilitator   TEXT NOT NULL DEFAULT '',
	http_method   TEXT NOT NULL DEFAULT ''
)`

const historyIndex = `
CREATE INDEX IF NOT EXISTS payment_history_ts_idx ON payment_history (ts DESC)`

// PostgresStore keeps records in a Postgres table for deployments that
// already run a database. Rows are insert-only.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore ensures the schema exists and wraps the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, historySchema); err != nil {
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	if _, err := pool.Exec(ctx, historyIndex); err != nil {
		return nil, fmt.Errorf("ensure history index: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, record types.TransactionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_history
			(ts, signature, url, amount, asset, pay_to, network, facilitator, http_method)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		parseTimestamp(record.Timestamp), record.Signature, record.URL,
		record.Amount, record.Asset, record.PayTo, record.Network,
		record.FacilitatorID, record.HTTPMethod,
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]types.TransactionRecord, error) {
	// Rows come back newest-first; cursor and substring filters run through
	// the shared in-memory filter so all backends agree exactly.
	rows, err := s.pool.Query(ctx,
		`SELECT ts, signature, url, amount, asset, pay_to, network, facilitator, http_method
		 FROM payment_history ORDER BY ts DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var records []types.TransactionRecord
	for rows.Next() {
		var rec types.TransactionRecord
		var ts time.Time
		if err := rows.Scan(&ts, &rec.Signature, &rec.URL, &rec.Amount, &rec.Asset,
			&rec.PayTo, &rec.Network, &rec.FacilitatorID, &rec.HTTPMethod); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = ts.UTC().Format(time.RFC3339)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return applyFilter(records, f), nil
}
