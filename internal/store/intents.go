package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nakulbh/walletcore/internal/domain"
)

// Payment intent and webhook event persistence, consumed by the
// reconciler. Intents never touch wallet rows; only the engine's Credit
// path does, under its own unit of work.

const intentColumns = `id, gateway_payment_id, account_id, amount, currency, status,
	description, error_message, created_at, updated_at, succeeded_at`

func scanIntent(row pgx.Row) (*domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	var status string
	err := row.Scan(&p.ID, &p.GatewayPaymentID, &p.AccountID, &p.Amount, &p.Currency, &status,
		&p.Description, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt, &p.SucceededAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrIntentNotFound
		}
		return nil, err
	}
	p.Status = domain.IntentStatus(status)
	return &p, nil
}

func (s *Store) CreateIntent(ctx context.Context, p *domain.PaymentIntent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO payment_intents
  (id, gateway_payment_id, account_id, amount, currency, status, description,
   error_message, created_at, updated_at, succeeded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.GatewayPaymentID, p.AccountID, p.Amount, p.Currency, string(p.Status),
		p.Description, p.ErrorMessage, p.CreatedAt, p.UpdatedAt, p.SucceededAt)
	return translateErr(err)
}

func (s *Store) IntentByGatewayID(ctx context.Context, gatewayPaymentID string) (*domain.PaymentIntent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE gateway_payment_id = $1`, gatewayPaymentID)
	return scanIntent(row)
}

func (s *Store) SaveIntent(ctx context.Context, p *domain.PaymentIntent) error {
	_, err := s.pool.Exec(ctx, `
UPDATE payment_intents
SET status = $1, error_message = $2, updated_at = $3, succeeded_at = $4
WHERE id = $5`,
		string(p.Status), p.ErrorMessage, p.UpdatedAt, p.SucceededAt, p.ID)
	return translateErr(err)
}

func (s *Store) WebhookEventByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var status string
	err := s.pool.QueryRow(ctx, `
SELECT id, event_id, event_type, payload, status, error_message, retry_count, created_at, processed_at
FROM webhook_events
WHERE event_id = $1`, eventID).
		Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &status, &e.ErrorMessage,
			&e.RetryCount, &e.CreatedAt, &e.ProcessedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Status = domain.WebhookStatus(status)
	return &e, nil
}

func (s *Store) CreateWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO webhook_events
  (id, event_id, event_type, payload, status, error_message, retry_count, created_at, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.EventID, e.EventType, e.Payload, string(e.Status), e.ErrorMessage,
		e.RetryCount, e.CreatedAt, e.ProcessedAt)
	return translateErr(err)
}

func (s *Store) SaveWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
UPDATE webhook_events
SET status = $1, error_message = $2, retry_count = $3, processed_at = $4
WHERE id = $5`,
		string(e.Status), e.ErrorMessage, e.RetryCount, e.ProcessedAt, e.ID)
	return translateErr(err)
}
