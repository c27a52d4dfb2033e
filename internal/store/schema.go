package store

import (
	"context"
	"fmt"
)

// Migrate bootstraps the schema. Statements are idempotent so the
// command binaries can run it unconditionally on startup.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			kyc_status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			id UUID PRIMARY KEY,
			account_id UUID UNIQUE NOT NULL REFERENCES accounts(id),
			currency CHAR(3) NOT NULL,
			balance NUMERIC(15, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			reference_id VARCHAR(100) NOT NULL,
			from_account_id UUID REFERENCES accounts(id),
			to_account_id UUID NOT NULL REFERENCES accounts(id),
			amount NUMERIC(15, 2) NOT NULL CHECK (amount > 0),
			currency CHAR(3) NOT NULL,
			type VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_from_created
			ON transactions (from_account_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_to_created
			ON transactions (to_account_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id UUID PRIMARY KEY,
			transaction_id UUID NOT NULL REFERENCES transactions(id),
			wallet_id UUID NOT NULL REFERENCES wallets(id),
			entry_type VARCHAR(10) NOT NULL,
			amount NUMERIC(15, 2) NOT NULL CHECK (amount > 0),
			balance_after NUMERIC(15, 2) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction
			ON ledger_entries (transaction_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			account_id UUID NOT NULL REFERENCES accounts(id),
			key VARCHAR(100) NOT NULL,
			transaction_id UUID NOT NULL REFERENCES transactions(id),
			status VARCHAR(20) NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS payment_intents (
			id UUID PRIMARY KEY,
			gateway_payment_id VARCHAR(100) UNIQUE NOT NULL,
			account_id UUID NOT NULL REFERENCES accounts(id),
			amount NUMERIC(15, 2) NOT NULL CHECK (amount > 0),
			currency CHAR(3) NOT NULL,
			status VARCHAR(20) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			succeeded_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id UUID PRIMARY KEY,
			event_id VARCHAR(100) UNIQUE NOT NULL,
			event_type VARCHAR(100) NOT NULL,
			payload JSONB NOT NULL,
			status VARCHAR(20) NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
