package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS wallet_types (
	id UUID PRIMARY KEY,
	name VARCHAR(100) NOT NULL UNIQUE,
	currency VARCHAR(3) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS wallets (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	tenant_id VARCHAR(100) NOT NULL DEFAULT 'default',
	wallet_type_id UUID NOT NULL REFERENCES wallet_types(id),
	balance NUMERIC(20, 4) NOT NULL DEFAULT 0,
	is_locked BOOLEAN NOT NULL DEFAULT FALSE,
	lock_reason TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT ux_wallets_user_type UNIQUE (user_id, wallet_type_id)
);

CREATE TABLE IF NOT EXISTS transaction_types (
	id UUID PRIMARY KEY,
	code VARCHAR(50) NOT NULL UNIQUE,
	name VARCHAR(100) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	wallet_id UUID NOT NULL REFERENCES wallets(id),
	transaction_type_id UUID NOT NULL REFERENCES transaction_types(id),
	amount NUMERIC(20, 4) NOT NULL CHECK (amount <> 0),
	balance_after NUMERIC(20, 4) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	reference VARCHAR(255),
	idempotency_key VARCHAR(255),
	correlation_id UUID,
	related_transaction_id UUID REFERENCES transactions(id) DEFERRABLE INITIALLY DEFERRED,
	status VARCHAR(16) NOT NULL CHECK (status IN ('PENDING', 'COMPLETED')),
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_idempotency_key
	ON transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transactions_wallet_created
	ON transactions(wallet_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_transactions_pending
	ON transactions(transaction_type_id, created_at) WHERE status = 'PENDING';
`

// Seed ids are fixed so that every environment shares them.
const (
	TypeIDDeposit     = "11111111-1111-1111-1111-111111111111"
	TypeIDWithdraw    = "22222222-2222-2222-2222-222222222222"
	TypeIDTransferOut = "44444444-4444-4444-4444-444444444444"
	TypeIDTransferIn  = "55555555-5555-5555-5555-555555555555"
	TypeIDCommission  = "66666666-6666-6666-6666-666666666666"

	WalletTypeIDMain       = "aaaaaaaa-0000-0000-0000-000000000001"
	WalletTypeIDCommission = "aaaaaaaa-0000-0000-0000-000000000002"
)

const Seed = `
INSERT INTO transaction_types (id, code, name, description) VALUES
	('` + TypeIDDeposit + `', 'DEPOSIT', 'Deposit', 'Funds added to a wallet'),
	('` + TypeIDWithdraw + `', 'WITHDRAW', 'Withdraw', 'Funds removed from a wallet'),
	('` + TypeIDTransferOut + `', 'TRANSFER_OUT', 'Transfer out', 'Debit leg of a wallet transfer'),
	('` + TypeIDTransferIn + `', 'TRANSFER_IN', 'Transfer in', 'Credit leg of a wallet transfer'),
	('` + TypeIDCommission + `', 'COMMISSION', 'Commission', 'Commission credit settled by the sweeper')
ON CONFLICT (code) DO NOTHING;

INSERT INTO wallet_types (id, name, currency) VALUES
	('` + WalletTypeIDMain + `', 'Main', 'USD'),
	('` + WalletTypeIDCommission + `', 'Commission', 'USD')
ON CONFLICT (name) DO NOTHING;
`

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := pool.Exec(ctx, Seed); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	return nil
}
