package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/nakulbh/walletcore/internal/domain"
)

var transferOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "walletcore_engine_outcomes_total",
	Help: "Engine outcomes by operation and result",
}, []string{"operation", "outcome"})

// Store is the relational persistence surface the engine runs against.
// Reads outside a unit of work always see the latest committed value.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	AccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	AccountByIdentifier(ctx context.Context, identifier string) (*domain.Account, error)
	WalletByAccount(ctx context.Context, accountID uuid.UUID) (*domain.Wallet, error)
	TransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	EntriesByTransaction(ctx context.Context, txID uuid.UUID) ([]domain.LedgerEntry, error)
	FindIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error)
	TransactionsByAccount(ctx context.Context, accountID uuid.UUID, cursor domain.HistoryCursor, limit int) ([]domain.Transaction, domain.HistoryCursor, error)
}

// Tx is one unit of work. Every exit path must end in Commit or
// Rollback; Rollback after Commit is a no-op. WalletForUpdate blocks
// until the row lock is acquired or the store's lock timeout elapses,
// which surfaces as domain.ErrConcurrencyConflict.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	WalletForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Wallet, error)
	SaveWallet(ctx context.Context, w *domain.Wallet) error
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	RecordEntries(ctx context.Context, entries ...domain.LedgerEntry) error
	FindIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, r *domain.IdempotencyRecord) error
	TransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	EntriesByTransaction(ctx context.Context, txID uuid.UUID) ([]domain.LedgerEntry, error)
}

// txnReader is the read subset shared by Store and Tx, used to rebuild
// a previously committed outcome for idempotent replays.
type txnReader interface {
	TransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	EntriesByTransaction(ctx context.Context, txID uuid.UUID) ([]domain.LedgerEntry, error)
}

// Verifier looks up the KYC state of an account. It is an outbound
// collaborator; the engine only consumes the status.
type Verifier interface {
	VerificationStatus(ctx context.Context, accountID uuid.UUID) (domain.KYCStatus, error)
}

// Notifier is invoked after commit, outside the unit of work. Failures
// are logged and never affect the committed transfer.
type Notifier interface {
	Notify(ctx context.Context, txn domain.Transaction)
}

// Cache is an optional fast path for idempotent replays. It carries no
// correctness weight: a miss or error falls through to the store.
type Cache interface {
	GetTransactionID(ctx context.Context, accountID uuid.UUID, key string) (uuid.UUID, bool)
	SetTransactionID(ctx context.Context, accountID uuid.UUID, key string, txID uuid.UUID)
}

// Config is the engine's explicit configuration. No ambient globals.
type Config struct {
	Currency            string
	Precision           int32 // minor-unit fractional digits
	RequireVerification bool
}

// Outcome is the result of a transfer or credit. Replayed marks an
// idempotent replay of a previously committed attempt.
type Outcome struct {
	Transaction domain.Transaction   `json:"transaction"`
	Entries     []domain.LedgerEntry `json:"entries"`
	Replayed    bool                 `json:"replayed"`
}

// Engine owns all writes to wallets, transactions, ledger entries and
// idempotency records. Each operation runs as one unit of work against
// the store: idempotency check, deterministic lock order, balance
// validation, mutation, double-entry write, single commit point.
type Engine struct {
	store    Store
	verifier Verifier
	notifier Notifier
	cache    Cache
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New builds an Engine. notifier and cache may be nil.
func New(store Store, verifier Verifier, notifier Notifier, cache Cache, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		verifier: verifier,
		notifier: notifier,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the engine's clock. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Transfer moves amount from the initiator's wallet to the wallet of the
// account resolved from toIdentifier (email or account id). Retries with
// the same idempotency key replay the recorded outcome without touching
// balances.
func (e *Engine) Transfer(ctx context.Context, initiatorID uuid.UUID, toIdentifier string, amount decimal.Decimal, description, idempotencyKey string) (*Outcome, error) {
	if idempotencyKey == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	if err := e.validateAmount(amount); err != nil {
		return nil, err
	}

	if out, ok := e.cachedOutcome(ctx, initiatorID, idempotencyKey); ok {
		transferOutcomes.WithLabelValues("transfer", "replayed").Inc()
		return out, replayErr(out)
	}

	recipient, err := e.store.AccountByIdentifier(ctx, toIdentifier)
	if err != nil {
		if err == domain.ErrAccountNotFound {
			return nil, domain.ErrRecipientNotFound
		}
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if recipient.ID == initiatorID {
		return nil, domain.ErrSelfTransfer
	}
	if err := e.checkVerified(ctx, initiatorID, recipient.ID); err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	if rec, err := tx.FindIdempotencyRecord(ctx, initiatorID, idempotencyKey); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if rec != nil {
		out, err := e.replayOutcome(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		transferOutcomes.WithLabelValues("transfer", "replayed").Inc()
		return out, replayErr(out)
	}

	// Exclusive row locks in a fixed global order (ascending account id),
	// never in request order, so A->B and B->A cannot circular-wait.
	first, second := initiatorID, recipient.ID
	if bytes.Compare(second[:], first[:]) < 0 {
		first, second = second, first
	}
	firstWallet, err := tx.WalletForUpdate(ctx, first)
	if err != nil {
		return nil, err
	}
	secondWallet, err := tx.WalletForUpdate(ctx, second)
	if err != nil {
		return nil, err
	}
	source, dest := firstWallet, secondWallet
	if first != initiatorID {
		source, dest = secondWallet, firstWallet
	}

	now := e.now().UTC()
	txn := domain.Transaction{
		ID:            uuid.New(),
		ReferenceID:   idempotencyKey,
		FromAccountID: &initiatorID,
		ToAccountID:   recipient.ID,
		Amount:        amount,
		Currency:      e.cfg.Currency,
		Type:          domain.TypeTransfer,
		Status:        domain.StatusPending,
		Description:   description,
		CreatedAt:     now,
	}

	// Balance check under the lock. The failure is recorded under the
	// idempotency key so a retry replays it instead of re-validating
	// against a possibly different balance.
	if !source.CanDebit(amount) {
		if err := txn.MarkFailed(domain.ErrInsufficientFunds.Error(), now); err != nil {
			return nil, err
		}
		out, err := e.commitRecorded(ctx, tx, initiatorID, idempotencyKey, &txn, nil)
		if err != nil {
			return nil, err
		}
		e.logger.Warn("transfer failed: insufficient balance",
			"reference", idempotencyKey, "from", initiatorID, "amount", amount)
		transferOutcomes.WithLabelValues("transfer", "insufficient_funds").Inc()
		return out, domain.ErrInsufficientFunds
	}

	if err := source.Debit(amount); err != nil {
		return nil, err
	}
	if err := dest.Credit(amount); err != nil {
		return nil, err
	}
	if err := tx.SaveWallet(ctx, source); err != nil {
		return nil, fmt.Errorf("save source wallet: %w", err)
	}
	if err := tx.SaveWallet(ctx, dest); err != nil {
		return nil, fmt.Errorf("save destination wallet: %w", err)
	}

	entries := []domain.LedgerEntry{
		{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			WalletID:      source.ID,
			Type:          domain.EntryDebit,
			Amount:        amount,
			BalanceAfter:  source.Balance,
			CreatedAt:     now,
		},
		{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			WalletID:      dest.ID,
			Type:          domain.EntryCredit,
			Amount:        amount,
			BalanceAfter:  dest.Balance,
			CreatedAt:     now,
		},
	}
	if err := txn.MarkCompleted(now); err != nil {
		return nil, err
	}
	out, err := e.commitRecorded(ctx, tx, initiatorID, idempotencyKey, &txn, entries)
	if err != nil {
		return nil, err
	}

	e.afterCommit(ctx, initiatorID, idempotencyKey, txn)
	e.logger.Info("transfer completed",
		"reference", txn.ReferenceID, "from", initiatorID, "to", recipient.ID, "amount", amount)
	transferOutcomes.WithLabelValues("transfer", "completed").Inc()
	return out, nil
}

// Credit applies an externally confirmed payment as a one-sided credit.
// The source leg is the external gateway, so only a credit entry is
// written. sourceReference doubles as the idempotency key.
func (e *Engine) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, sourceReference string) (*Outcome, error) {
	if sourceReference == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	if err := e.validateAmount(amount); err != nil {
		return nil, err
	}

	if out, ok := e.cachedOutcome(ctx, accountID, sourceReference); ok {
		transferOutcomes.WithLabelValues("credit", "replayed").Inc()
		return out, nil
	}

	if _, err := e.store.AccountByID(ctx, accountID); err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

	if rec, err := tx.FindIdempotencyRecord(ctx, accountID, sourceReference); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if rec != nil {
		out, err := e.replayOutcome(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		transferOutcomes.WithLabelValues("credit", "replayed").Inc()
		return out, nil
	}

	wallet, err := tx.WalletForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := wallet.Credit(amount); err != nil {
		return nil, err
	}
	if err := tx.SaveWallet(ctx, wallet); err != nil {
		return nil, fmt.Errorf("save wallet: %w", err)
	}

	now := e.now().UTC()
	txn := domain.Transaction{
		ID:          uuid.New(),
		ReferenceID: sourceReference,
		ToAccountID: accountID,
		Amount:      amount,
		Currency:    e.cfg.Currency,
		Type:        domain.TypeDeposit,
		Status:      domain.StatusPending,
		Description: "External payment credit",
		CreatedAt:   now,
	}
	entry := domain.LedgerEntry{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		WalletID:      wallet.ID,
		Type:          domain.EntryCredit,
		Amount:        amount,
		BalanceAfter:  wallet.Balance,
		CreatedAt:     now,
	}
	if err := txn.MarkCompleted(now); err != nil {
		return nil, err
	}
	out, err := e.commitRecorded(ctx, tx, accountID, sourceReference, &txn, []domain.LedgerEntry{entry})
	if err != nil {
		return nil, err
	}

	e.afterCommit(ctx, accountID, sourceReference, txn)
	e.logger.Info("credit completed",
		"reference", sourceReference, "account", accountID, "amount", amount)
	transferOutcomes.WithLabelValues("credit", "completed").Inc()
	return out, nil
}

// GetBalance returns the current committed balance of the account's wallet.
func (e *Engine) GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	wallet, err := e.store.WalletByAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return wallet.Balance, nil
}

// GetHistory returns the account's transactions, newest first, resuming
// from the supplied cursor.
func (e *Engine) GetHistory(ctx context.Context, accountID uuid.UUID, cursor domain.HistoryCursor, limit int) ([]domain.Transaction, domain.HistoryCursor, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return e.store.TransactionsByAccount(ctx, accountID, cursor, limit)
}

func (e *Engine) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if -amount.Exponent() > e.cfg.Precision {
		return domain.ErrInvalidAmount
	}
	return nil
}

func (e *Engine) checkVerified(ctx context.Context, accountIDs ...uuid.UUID) error {
	if !e.cfg.RequireVerification {
		return nil
	}
	for _, id := range accountIDs {
		status, err := e.verifier.VerificationStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("verification lookup: %w", err)
		}
		if status != domain.KYCVerified {
			return domain.ErrVerificationRequired
		}
	}
	return nil
}

// commitRecorded persists the transaction, its ledger legs and the
// idempotency record, then commits. A duplicate-key loss on the record
// means a concurrent request with the same key committed first; the
// caller's work is rolled back and the winner's outcome is replayed.
func (e *Engine) commitRecorded(ctx context.Context, tx Tx, accountID uuid.UUID, key string, txn *domain.Transaction, entries []domain.LedgerEntry) (*Outcome, error) {
	if err := tx.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	if len(entries) > 0 {
		if err := tx.RecordEntries(ctx, entries...); err != nil {
			return nil, fmt.Errorf("record ledger entries: %w", err)
		}
	}
	rec := domain.IdempotencyRecord{
		Key:           key,
		AccountID:     accountID,
		TransactionID: txn.ID,
		Status:        txn.Status,
		FailureReason: txn.FailureReason,
		CreatedAt:     txn.CreatedAt,
	}
	if err := tx.SaveIdempotencyRecord(ctx, &rec); err != nil {
		if err == domain.ErrDuplicateIdempotencyKey {
			return e.resolveRace(ctx, tx, accountID, key)
		}
		return nil, fmt.Errorf("record idempotency key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if err == domain.ErrDuplicateIdempotencyKey {
			return e.resolveRace(ctx, tx, accountID, key)
		}
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &Outcome{Transaction: *txn, Entries: entries}, nil
}

func (e *Engine) resolveRace(ctx context.Context, tx Tx, accountID uuid.UUID, key string) (*Outcome, error) {
	_ = tx.Rollback(ctx)
	rec, err := e.store.FindIdempotencyRecord(ctx, accountID, key)
	if err != nil || rec == nil {
		return nil, domain.ErrConcurrencyConflict
	}
	out, err := e.replayOutcome(ctx, e.store, rec)
	if err != nil {
		return nil, err
	}
	return out, replayErr(out)
}

// replayOutcome rebuilds the committed outcome an idempotency record
// points at, without touching balances.
func (e *Engine) replayOutcome(ctx context.Context, r txnReader, rec *domain.IdempotencyRecord) (*Outcome, error) {
	txn, err := r.TransactionByID(ctx, rec.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load recorded transaction: %w", err)
	}
	entries, err := r.EntriesByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("load recorded entries: %w", err)
	}
	e.logger.Info("idempotent replay", "reference", rec.Key, "transaction", txn.ID)
	return &Outcome{Transaction: *txn, Entries: entries, Replayed: true}, nil
}

func (e *Engine) cachedOutcome(ctx context.Context, accountID uuid.UUID, key string) (*Outcome, bool) {
	if e.cache == nil {
		return nil, false
	}
	txID, ok := e.cache.GetTransactionID(ctx, accountID, key)
	if !ok {
		return nil, false
	}
	txn, err := e.store.TransactionByID(ctx, txID)
	if err != nil {
		// Stale cache entry; the relational record is the system of record.
		return nil, false
	}
	entries, err := e.store.EntriesByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, false
	}
	return &Outcome{Transaction: *txn, Entries: entries, Replayed: true}, true
}

// afterCommit runs the side effects that must never hold wallet locks:
// cache write and notification dispatch, both best effort.
func (e *Engine) afterCommit(ctx context.Context, accountID uuid.UUID, key string, txn domain.Transaction) {
	if e.cache != nil {
		e.cache.SetTransactionID(ctx, accountID, key, txn.ID)
	}
	if e.notifier != nil {
		go e.notifier.Notify(context.WithoutCancel(ctx), txn)
	}
}

// replayErr maps a replayed outcome back to the error the original
// attempt returned, so retries observe identical results. The recorded
// failure reason decides the error kind.
func replayErr(out *Outcome) error {
	if out.Transaction.Status != domain.StatusFailed {
		return nil
	}
	if out.Transaction.FailureReason == domain.ErrInsufficientFunds.Error() {
		return domain.ErrInsufficientFunds
	}
	return fmt.Errorf("transfer failed: %s", out.Transaction.FailureReason)
}
