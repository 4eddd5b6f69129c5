package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema statements are idempotent and run on every startup.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS billing_accounts (
		user_id                  TEXT PRIMARY KEY,
		plan                     TEXT NOT NULL DEFAULT 'free',
		credits_available        INTEGER NOT NULL DEFAULT 0 CHECK (credits_available >= 0),
		credits_refresh_at       TIMESTAMPTZ,
		trial_used               BOOLEAN NOT NULL DEFAULT FALSE,
		is_frozen                BOOLEAN NOT NULL DEFAULT FALSE,
		payment_customer_ref     TEXT,
		payment_subscription_ref TEXT,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_accounts_customer_ref ON billing_accounts (payment_customer_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_accounts_refresh ON billing_accounts (credits_refresh_at)`,
	`CREATE TABLE IF NOT EXISTS credit_holds (
		request_id   TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES billing_accounts (user_id),
		amount       INTEGER NOT NULL CHECK (amount > 0),
		reason       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'held',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		finalized_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_holds_user ON credit_holds (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS credit_ledger_entries (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL REFERENCES billing_accounts (user_id),
		kind            TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		amount_delta    INTEGER NOT NULL,
		source          TEXT NOT NULL DEFAULT '',
		reason          TEXT NOT NULL DEFAULT '',
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (kind, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_ledger_entries_user ON credit_ledger_entries (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payment_webhook_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// SQLite needs TIMESTAMP declarations so the driver hands back time.Time values.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS billing_accounts (
		user_id                  TEXT PRIMARY KEY,
		plan                     TEXT NOT NULL DEFAULT 'free',
		credits_available        INTEGER NOT NULL DEFAULT 0 CHECK (credits_available >= 0),
		credits_refresh_at       TIMESTAMP,
		trial_used               BOOLEAN NOT NULL DEFAULT 0,
		is_frozen                BOOLEAN NOT NULL DEFAULT 0,
		payment_customer_ref     TEXT,
		payment_subscription_ref TEXT,
		created_at               TIMESTAMP NOT NULL,
		updated_at               TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_accounts_customer_ref ON billing_accounts (payment_customer_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_accounts_refresh ON billing_accounts (credits_refresh_at)`,
	`CREATE TABLE IF NOT EXISTS credit_holds (
		request_id   TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES billing_accounts (user_id),
		amount       INTEGER NOT NULL CHECK (amount > 0),
		reason       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'held',
		created_at   TIMESTAMP NOT NULL,
		finalized_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_holds_user ON credit_holds (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS credit_ledger_entries (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL REFERENCES billing_accounts (user_id),
		kind            TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		amount_delta    INTEGER NOT NULL,
		source          TEXT NOT NULL DEFAULT '',
		reason          TEXT NOT NULL DEFAULT '',
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      TIMESTAMP NOT NULL,
		UNIQUE (kind, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_ledger_entries_user ON credit_ledger_entries (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payment_webhook_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the ledger tables for the connection's dialect.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	statements := postgresSchema
	if db.DriverName() == DriverSQLite {
		statements = sqliteSchema
	}

	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
