package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nakulbh/walletcore/internal/domain"
	"github.com/nakulbh/walletcore/internal/engine"
)

// Store is the pgx-backed persistence layer. It implements the engine's
// Store/Tx contracts and the payment reconciler's intent store.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// New connects a pool and verifies connectivity. lockTimeout bounds how
// long a unit of work may wait on a wallet row lock.
func New(ctx context.Context, connString string, lockTimeout time.Duration) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Store{pool: pool, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// translateErr maps driver failures onto the shared taxonomy: lock
// timeouts and serialization failures are retryable conflicts, a unique
// violation on the idempotency table is a lost insert race.
func translateErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01":
			return domain.ErrConcurrencyConflict
		case "23505":
			if pgErr.TableName == "idempotency_keys" {
				return domain.ErrDuplicateIdempotencyKey
			}
		}
	}
	return err
}

// CreateAccount provisions an account and its wallet in one transaction.
// Wallet creation is explicit and synchronous: there is no wallet-less
// account state observable to the engine.
func (s *Store) CreateAccount(ctx context.Context, email string, kyc domain.KYCStatus, currency string, initialBalance decimal.Decimal) (*domain.Account, *domain.Wallet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin provisioning: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	account := &domain.Account{
		ID:        uuid.New(),
		Email:     email,
		KYCStatus: kyc,
		CreatedAt: now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, email, kyc_status, created_at) VALUES ($1, $2, $3, $4)`,
		account.ID, account.Email, string(account.KYCStatus), account.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert account: %w", err)
	}

	wallet := &domain.Wallet{
		ID:        uuid.New(),
		AccountID: account.ID,
		Currency:  currency,
		Balance:   initialBalance,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO wallets (id, account_id, currency, balance, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		wallet.ID, wallet.AccountID, wallet.Currency, wallet.Balance, wallet.Version,
		wallet.CreatedAt, wallet.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit provisioning: %w", err)
	}
	return account, wallet, nil
}

const accountColumns = `id, email, kyc_status, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var status string
	if err := row.Scan(&a.ID, &a.Email, &status, &a.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	a.KYCStatus = domain.KYCStatus(status)
	return &a, nil
}

func (s *Store) AccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// AccountByIdentifier resolves a recipient by account id or email.
func (s *Store) AccountByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		return s.AccountByID(ctx, id)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, identifier)
	return scanAccount(row)
}

// VerificationStatus implements the engine's verifier collaborator.
func (s *Store) VerificationStatus(ctx context.Context, accountID uuid.UUID) (domain.KYCStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT kyc_status FROM accounts WHERE id = $1`, accountID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", domain.ErrAccountNotFound
		}
		return "", err
	}
	return domain.KYCStatus(status), nil
}

const walletColumns = `id, account_id, currency, balance, version, created_at, updated_at`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.AccountID, &w.Currency, &w.Balance, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrWalletNotFound
		}
		return nil, translateErr(err)
	}
	return &w, nil
}

func (s *Store) WalletByAccount(ctx context.Context, accountID uuid.UUID) (*domain.Wallet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE account_id = $1`, accountID)
	return scanWallet(row)
}

const transactionColumns = `id, reference_id, from_account_id, to_account_id, amount, currency,
	type, status, description, failure_reason, created_at, completed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var typ, status string
	err := row.Scan(&t.ID, &t.ReferenceID, &t.FromAccountID, &t.ToAccountID, &t.Amount,
		&t.Currency, &typ, &status, &t.Description, &t.FailureReason, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Type = domain.TransactionType(typ)
	t.Status = domain.TransactionStatus(status)
	return &t, nil
}

func (s *Store) TransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (s *Store) EntriesByTransaction(ctx context.Context, txID uuid.UUID) ([]domain.LedgerEntry, error) {
	return queryEntries(ctx, s.pool, txID)
}

func (s *Store) FindIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	return queryIdempotencyRecord(ctx, s.pool, accountID, key)
}

// TransactionsByAccount pages an account's history newest first using a
// restartable (created_at, id) keyset cursor.
func (s *Store) TransactionsByAccount(ctx context.Context, accountID uuid.UUID, cursor domain.HistoryCursor, limit int) ([]domain.Transaction, domain.HistoryCursor, error) {
	var cursorTime, cursorID any
	if !cursor.IsZero() {
		cursorTime = cursor.CreatedAt
		cursorID = cursor.ID
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+transactionColumns+`
FROM transactions
WHERE (from_account_id = $1 OR to_account_id = $1)
  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3::uuid))
ORDER BY created_at DESC, id DESC
LIMIT $4`, accountID, cursorTime, cursorID, limit)
	if err != nil {
		return nil, domain.HistoryCursor{}, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, domain.HistoryCursor{}, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.HistoryCursor{}, err
	}

	var next domain.HistoryCursor
	if len(out) == limit {
		last := out[len(out)-1]
		next = domain.HistoryCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

// Begin opens a unit of work with the bounded lock timeout applied, so a
// blocked WalletForUpdate surfaces as a retryable conflict instead of
// waiting indefinitely.
func (s *Store) Begin(ctx context.Context) (engine.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	return &storeTx{tx: tx}, nil
}

// storeTx is the explicit unit-of-work handle passed through the engine.
type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) Commit(ctx context.Context) error {
	return translateErr(t.tx.Commit(ctx))
}

func (t *storeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == pgx.ErrTxClosed {
		return nil
	}
	return err
}

// WalletForUpdate acquires an exclusive row lock on the account's
// wallet. A missing wallet is a provisioning bug, not user input.
func (t *storeTx) WalletForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Wallet, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE account_id = $1 FOR UPDATE`, accountID)
	return scanWallet(row)
}

// SaveWallet writes balance and bumps the version. Valid only while the
// row lock from WalletForUpdate is held.
func (t *storeTx) SaveWallet(ctx context.Context, w *domain.Wallet) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $1, version = version + 1, updated_at = NOW() WHERE id = $2`,
		w.Balance, w.ID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() != 1 {
		return domain.ErrWalletNotFound
	}
	w.Version++
	return nil
}

func (t *storeTx) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO transactions
  (id, reference_id, from_account_id, to_account_id, amount, currency, type, status,
   description, failure_reason, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		txn.ID, txn.ReferenceID, txn.FromAccountID, txn.ToAccountID, txn.Amount, txn.Currency,
		string(txn.Type), string(txn.Status), txn.Description, txn.FailureReason,
		txn.CreatedAt, txn.CompletedAt)
	return translateErr(err)
}

// RecordEntries appends ledger legs. The ledger has no update or delete
// path; corrections are new opposite-direction transactions.
func (t *storeTx) RecordEntries(ctx context.Context, entries ...domain.LedgerEntry) error {
	for _, e := range entries {
		_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_entries (id, transaction_id, wallet_id, entry_type, amount, balance_after, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.TransactionID, e.WalletID, string(e.Type), e.Amount, e.BalanceAfter, e.CreatedAt)
		if err != nil {
			return translateErr(err)
		}
	}
	return nil
}

func (t *storeTx) FindIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	return queryIdempotencyRecord(ctx, t.tx, accountID, key)
}

func (t *storeTx) SaveIdempotencyRecord(ctx context.Context, r *domain.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO idempotency_keys (account_id, key, transaction_id, status, failure_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		r.AccountID, r.Key, r.TransactionID, string(r.Status), r.FailureReason, r.CreatedAt)
	return translateErr(err)
}

func (t *storeTx) TransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (t *storeTx) EntriesByTransaction(ctx context.Context, txID uuid.UUID) ([]domain.LedgerEntry, error) {
	return queryEntries(ctx, t.tx, txID)
}

// querier is satisfied by both the pool and an open pgx transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryEntries(ctx context.Context, q querier, txID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := q.Query(ctx, `
SELECT id, transaction_id, wallet_id, entry_type, amount, balance_after, created_at
FROM ledger_entries
WHERE transaction_id = $1
ORDER BY entry_type ASC`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var typ string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.WalletID, &typ, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryIdempotencyRecord(ctx context.Context, q querier, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	var r domain.IdempotencyRecord
	var status string
	err := q.QueryRow(ctx, `
SELECT account_id, key, transaction_id, status, failure_reason, created_at
FROM idempotency_keys
WHERE account_id = $1 AND key = $2`, accountID, key).
		Scan(&r.AccountID, &r.Key, &r.TransactionID, &status, &r.FailureReason, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	r.Status = domain.TransactionStatus(status)
	return &r, nil
}
