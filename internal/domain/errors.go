package domain

import "errors"

// Failure taxonomy surfaced by the engine. Every kind maps to a stable,
// distinguishable outcome so a retrying client can tell "definitely did
// not happen" from "may have happened, check the idempotency key".
var (
	// Validation failures: caller mistake, no state change.
	ErrInvalidAmount         = errors.New("amount must be a positive decimal within currency precision")
	ErrSelfTransfer          = errors.New("cannot transfer to yourself")
	ErrRecipientNotFound     = errors.New("recipient not found")
	ErrVerificationRequired  = errors.New("account is not verified to transact")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")

	// Conflict failures: terminal, recorded under the idempotency key.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// Transient: safe to retry with the same idempotency key.
	ErrConcurrencyConflict = errors.New("concurrent modification, retry with the same idempotency key")

	// A concurrent request with the same key won the insert race; the
	// loser resolves it by replaying the winner's committed outcome.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")

	ErrAccountNotFound = errors.New("account not found")
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrIntentNotFound  = errors.New("payment intent not found")

	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidSignature        = errors.New("webhook signature verification failed")
)
