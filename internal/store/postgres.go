package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/tokenflow/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id          TEXT PRIMARY KEY,
	service_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	metadata    JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_records_service_idx ON usage_records (service_id, recorded_at);

CREATE TABLE IF NOT EXISTS streams (
	id                TEXT PRIMARY KEY,
	payer             TEXT NOT NULL,
	recipient         TEXT NOT NULL,
	rate_per_second   BIGINT NOT NULL,
	total_amount      BIGINT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	start_time        TIMESTAMPTZ NOT NULL,
	end_time          TIMESTAMPTZ NOT NULL,
	stopped_at        TIMESTAMPTZ,
	amount_paid       BIGINT NOT NULL DEFAULT 0,
	last_payment_time TIMESTAMPTZ NOT NULL,
	final_amount      BIGINT NOT NULL DEFAULT 0,
	refund_amount     BIGINT NOT NULL DEFAULT 0,
	active            BOOLEAN NOT NULL DEFAULT false
);

ALTER TABLE streams ADD COLUMN IF NOT EXISTS refund_signature TEXT NOT NULL DEFAULT '';
`

// Store is the Postgres backing for the usage ledger and the stream table.
type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// EnsureSchema creates the usage and stream tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create store schema: %w", err)
	}
	return nil
}

func (s *Store) Usage() *PostgresUsage {
	return &PostgresUsage{db: s.Db}
}

func (s *Store) Streams() *PostgresStreams {
	return &PostgresStreams{db: s.Db}
}

// PostgresUsage is a UsageStore backed by the usage_records table.
type PostgresUsage struct {
	db *pgxpool.Pool
}

var _ UsageStore = (*PostgresUsage)(nil)

func (p *PostgresUsage) Append(ctx context.Context, rec domain.UsageRecord) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO usage_records (id, service_id, user_id, amount, metadata, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.ServiceID, rec.UserID, rec.Amount, rec.Metadata, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (p *PostgresUsage) List(ctx context.Context, serviceID string, from time.Time) ([]domain.UsageRecord, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, service_id, user_id, amount, metadata, recorded_at
		   FROM usage_records
		  WHERE service_id = $1 AND recorded_at >= $2
		  ORDER BY recorded_at, id`,
		serviceID, from)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		if err := rows.Scan(&rec.ID, &rec.ServiceID, &rec.UserID, &rec.Amount, &rec.Metadata, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresUsage) Remove(ctx context.Context, serviceID string, ids []string) (int, error) {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM usage_records WHERE service_id = $1 AND id = ANY($2)`, serviceID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete usage records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresUsage) DeleteAll(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM usage_records`); err != nil {
		return fmt.Errorf("delete usage records: %w", err)
	}
	return nil
}

// PostgresStreams is a StreamStore backed by the streams table.
type PostgresStreams struct {
	db *pgxpool.Pool
}

var _ StreamStore = (*PostgresStreams)(nil)

const streamColumns = `id, payer, recipient, rate_per_second, total_amount, created_at, start_time,
	end_time, stopped_at, amount_paid, last_payment_time, final_amount, refund_amount, refund_signature, active`

func scanStream(row pgx.Row) (*domain.StreamState, error) {
	var s domain.StreamState
	err := row.Scan(&s.ID, &s.Payer, &s.Recipient, &s.RatePerSecond, &s.TotalAmount, &s.CreatedAt,
		&s.StartTime, &s.EndTime, &s.StoppedAt, &s.AmountPaid, &s.LastPaymentTime, &s.FinalAmount,
		&s.RefundAmount, &s.RefundSignature, &s.Active)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStreams) Get(ctx context.Context, id string) (*domain.StreamState, error) {
	s, err := scanStream(p.db.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", id, err)
	}
	return s, nil
}

func (p *PostgresStreams) Put(ctx context.Context, s *domain.StreamState) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO streams (`+streamColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			stopped_at = EXCLUDED.stopped_at,
			amount_paid = EXCLUDED.amount_paid,
			last_payment_time = EXCLUDED.last_payment_time,
			final_amount = EXCLUDED.final_amount,
			refund_amount = EXCLUDED.refund_amount,
			refund_signature = EXCLUDED.refund_signature,
			active = EXCLUDED.active`,
		s.ID, string(s.Payer), string(s.Recipient), s.RatePerSecond, s.TotalAmount, s.CreatedAt,
		s.StartTime, s.EndTime, s.StoppedAt, s.AmountPaid, s.LastPaymentTime, s.FinalAmount,
		s.RefundAmount, s.RefundSignature, s.Active)
	if err != nil {
		return fmt.Errorf("upsert stream %s: %w", s.ID, err)
	}
	return nil
}

func (p *PostgresStreams) Delete(ctx context.Context, id string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete stream %s: %w", id, err)
	}
	return nil
}

func (p *PostgresStreams) List(ctx context.Context) ([]*domain.StreamState, error) {
	rows, err := p.db.Query(ctx, `SELECT `+streamColumns+` FROM streams ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []*domain.StreamState
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
