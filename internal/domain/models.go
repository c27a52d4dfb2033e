package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// KYCStatus is the verification state of an account holder.
type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCInReview KYCStatus = "IN_REVIEW"
	KYCVerified KYCStatus = "VERIFIED"
	KYCRejected KYCStatus = "REJECTED"
)

// Valid reports whether s is one of the known verification states.
func (s KYCStatus) Valid() bool {
	switch s {
	case KYCPending, KYCInReview, KYCVerified, KYCRejected:
		return true
	}
	return false
}

// Account identifies a wallet owner. Identity and KYC management live
// outside the core; the engine only reads the verification state.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	KYCStatus KYCStatus `json:"kyc_status"`
	CreatedAt time.Time `json:"created_at"`
}

// CanTransact reports whether the account may send or receive transfers.
func (a *Account) CanTransact() bool {
	return a.KYCStatus == KYCVerified
}

// Wallet holds an account's balance. One wallet per account, created in
// the same transaction as the account. Balances are mutated only by the
// transfer engine while the row is locked.
type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	AccountID uuid.UUID       `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CanDebit reports whether the wallet covers the given amount.
func (w *Wallet) CanDebit(amount decimal.Decimal) bool {
	return w.Balance.GreaterThanOrEqual(amount)
}

// Debit subtracts amount from the balance. The caller must hold the row
// lock. Fails with ErrInsufficientFunds rather than going negative.
func (w *Wallet) Debit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !w.CanDebit(amount) {
		return ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(amount)
	return nil
}

// Credit adds amount to the balance. The caller must hold the row lock.
func (w *Wallet) Credit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}

// TransactionType distinguishes internal transfers from gateway deposits.
type TransactionType string

const (
	TypeTransfer TransactionType = "TRANSFER"
	TypeDeposit  TransactionType = "DEPOSIT"
)

// TransactionStatus transitions are monotonic: pending may become
// completed or failed, and terminal states never change.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// CanTransitionTo enforces the one-directional status machine.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Terminal reports whether the status is final.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is the immutable record of intent for a money movement.
// ReferenceID carries the caller-supplied idempotency key. FromAccountID
// is nil for deposits, where the debit side is the external gateway.
type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	ReferenceID   string            `json:"reference_id"`
	FromAccountID *uuid.UUID        `json:"from_account_id,omitempty"`
	ToAccountID   uuid.UUID         `json:"to_account_id"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	Description   string            `json:"description,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// MarkCompleted moves the transaction to its terminal success state.
func (t *Transaction) MarkCompleted(now time.Time) error {
	if !t.Status.CanTransitionTo(StatusCompleted) {
		return ErrInvalidStatusTransition
	}
	t.Status = StatusCompleted
	t.CompletedAt = &now
	return nil
}

// MarkFailed moves the transaction to its terminal failure state.
func (t *Transaction) MarkFailed(reason string, now time.Time) error {
	if !t.Status.CanTransitionTo(StatusFailed) {
		return ErrInvalidStatusTransition
	}
	t.Status = StatusFailed
	t.FailureReason = reason
	t.CompletedAt = &now
	return nil
}

// EntryType is the side of a double-entry leg.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// LedgerEntry is one leg of a transaction. Entries are written once,
// atomically with transaction completion, and never updated or deleted.
// A completed transfer has exactly one debit and one credit leg of equal
// amount; a completed deposit has a single credit leg.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	WalletID      uuid.UUID       `json:"wallet_id"`
	Type          EntryType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SignedAmount is the balance effect of the leg: negative for debits.
func (e *LedgerEntry) SignedAmount() decimal.Decimal {
	if e.Type == EntryDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// IdempotencyRecord maps (initiating account, key) to the transaction it
// produced. Written inside the same unit of work as the transfer and
// never updated afterwards.
type IdempotencyRecord struct {
	Key           string            `json:"key"`
	AccountID     uuid.UUID         `json:"account_id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// IntentStatus is the payment intent state machine:
// created -> pending -> succeeded | failed | expired.
type IntentStatus string

const (
	IntentCreated   IntentStatus = "CREATED"
	IntentPending   IntentStatus = "PENDING"
	IntentSucceeded IntentStatus = "SUCCEEDED"
	IntentFailed    IntentStatus = "FAILED"
	IntentExpired   IntentStatus = "EXPIRED"
)

// CanTransitionTo enforces forward-only intent transitions.
func (s IntentStatus) CanTransitionTo(next IntentStatus) bool {
	switch s {
	case IntentCreated:
		return next == IntentPending || next == IntentSucceeded || next == IntentFailed || next == IntentExpired
	case IntentPending:
		return next == IntentSucceeded || next == IntentFailed || next == IntentExpired
	default:
		return false
	}
}

// PaymentIntent tracks an externally processed payment. Only a succeeded
// intent ever reaches the ledger, via a single idempotent credit keyed by
// the gateway payment id.
type PaymentIntent struct {
	ID               uuid.UUID       `json:"id"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	AccountID        uuid.UUID       `json:"account_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           IntentStatus    `json:"status"`
	Description      string          `json:"description,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	SucceededAt      *time.Time      `json:"succeeded_at,omitempty"`
}

// WebhookStatus tracks processing of a gateway delivery.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "PENDING"
	WebhookProcessing WebhookStatus = "PROCESSING"
	WebhookProcessed  WebhookStatus = "PROCESSED"
	WebhookFailed     WebhookStatus = "FAILED"
)

// WebhookEvent records one gateway delivery, keyed by the gateway's
// event id so replayed deliveries are absorbed.
type WebhookEvent struct {
	ID           uuid.UUID     `json:"id"`
	EventID      string        `json:"event_id"`
	EventType    string        `json:"event_type"`
	Payload      []byte        `json:"payload"`
	Status       WebhookStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	RetryCount   int           `json:"retry_count"`
	CreatedAt    time.Time     `json:"created_at"`
	ProcessedAt  *time.Time    `json:"processed_at,omitempty"`
}
