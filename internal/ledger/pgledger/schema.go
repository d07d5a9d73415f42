package pgledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const schema = `
CREATE TABLE IF NOT EXISTS token_accounts (
	address    TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	mint       TEXT NOT NULL,
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_head (
	id   SMALLINT PRIMARY KEY CHECK (id = 1),
	slot BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_checkpoints (
	slot       BIGINT PRIMARY KEY,
	hash       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
	signature  TEXT PRIMARY KEY,
	slot       BIGINT NOT NULL UNIQUE,
	fee_payer  TEXT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         BIGSERIAL PRIMARY KEY,
	signature  TEXT NOT NULL REFERENCES ledger_transactions (signature),
	account    TEXT NOT NULL REFERENCES token_accounts (address),
	delta      BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account, created_at DESC);

INSERT INTO ledger_head (id, slot) VALUES (1, 0) ON CONFLICT DO NOTHING;
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the ledger tables and the genesis checkpoint if missing.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	_, err := db.Exec(ctx,
		"INSERT INTO ledger_checkpoints (slot, hash) VALUES (0, $1) ON CONFLICT DO NOTHING",
		checkpointHash("genesis", 0),
	)
	if err != nil {
		return fmt.Errorf("insert genesis checkpoint: %w", err)
	}
	return nil
}
