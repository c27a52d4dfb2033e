package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nakulbh/walletcore/internal/domain"
	"github.com/nakulbh/walletcore/internal/engine"
)

// Store is the intent/event persistence the reconciler needs.
type Store interface {
	CreateIntent(ctx context.Context, p *domain.PaymentIntent) error
	IntentByGatewayID(ctx context.Context, gatewayPaymentID string) (*domain.PaymentIntent, error)
	SaveIntent(ctx context.Context, p *domain.PaymentIntent) error
	WebhookEventByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	CreateWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error
	SaveWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error
}

// CreditEngine is the slice of the transfer engine the reconciler uses.
type CreditEngine interface {
	Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, sourceReference string) (*engine.Outcome, error)
}

// WebhookPayload is the gateway's delivery body.
type WebhookPayload struct {
	Event        string          `json:"event"`
	PaymentID    string          `json:"payment_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Reconciler applies externally confirmed payments into the ledger.
// Each intent is credited at most once: the gateway payment id is the
// idempotency key, so replayed webhook deliveries are absorbed both here
// (processed-event check) and in the engine.
type Reconciler struct {
	store  Store
	engine CreditEngine
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(store Store, creditEngine CreditEngine, webhookSecret string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		engine: creditEngine,
		secret: []byte(webhookSecret),
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the reconciler's clock. Intended for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// GeneratePaymentID mints a gateway-style payment reference.
func GeneratePaymentID() string {
	return "PAY-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// CreateIntent registers a new payment intent in its initial state.
func (r *Reconciler) CreateIntent(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, currency, description string) (*domain.PaymentIntent, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	now := r.now().UTC()
	intent := &domain.PaymentIntent{
		ID:               uuid.New(),
		GatewayPaymentID: GeneratePaymentID(),
		AccountID:        accountID,
		Amount:           amount,
		Currency:         currency,
		Status:           domain.IntentCreated,
		Description:      description,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	r.logger.Info("payment intent created",
		"gateway_payment_id", intent.GatewayPaymentID, "account", accountID, "amount", amount)
	return intent, nil
}

// VerifySignature checks the gateway's HMAC-SHA256 hex signature over
// the raw body, in constant time.
func (r *Reconciler) VerifySignature(payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleWebhook processes one gateway delivery. Succeeded intents are
// credited exactly once; failed or expired intents never touch the
// ledger; replays of an already processed event return the recorded
// event without re-executing anything.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (*domain.WebhookEvent, error) {
	if !r.VerifySignature(payload, signature) {
		return nil, domain.ErrInvalidSignature
	}

	var body WebhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if body.PaymentID == "" {
		return nil, fmt.Errorf("webhook payload missing payment_id")
	}

	now := r.now().UTC()

	existing, err := r.store.WebhookEventByEventID(ctx, body.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("webhook event lookup: %w", err)
	}
	if existing != nil && existing.Status == domain.WebhookProcessed {
		r.logger.Info("webhook already processed", "event_id", body.PaymentID)
		return existing, nil
	}

	event := existing
	if event == nil {
		event = &domain.WebhookEvent{
			ID:        uuid.New(),
			EventID:   body.PaymentID,
			EventType: body.Event,
			Payload:   payload,
			Status:    domain.WebhookProcessing,
			CreatedAt: now,
		}
		if err := r.store.CreateWebhookEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("record webhook event: %w", err)
		}
	} else {
		event.Status = domain.WebhookProcessing
		if err := r.store.SaveWebhookEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("update webhook event: %w", err)
		}
	}

	if err := r.applyEvent(ctx, &body, now); err != nil {
		event.Status = domain.WebhookFailed
		event.ErrorMessage = err.Error()
		event.RetryCount++
		if saveErr := r.store.SaveWebhookEvent(ctx, event); saveErr != nil {
			r.logger.Error("failed to record webhook failure", "event_id", event.EventID, "error", saveErr)
		}
		return event, err
	}

	event.Status = domain.WebhookProcessed
	event.ErrorMessage = ""
	event.ProcessedAt = &now
	if err := r.store.SaveWebhookEvent(ctx, event); err != nil {
		return event, fmt.Errorf("finalize webhook event: %w", err)
	}
	return event, nil
}

func (r *Reconciler) applyEvent(ctx context.Context, body *WebhookPayload, now time.Time) error {
	intent, err := r.store.IntentByGatewayID(ctx, body.PaymentID)
	if err != nil {
		return err
	}

	switch body.Event {
	case "payment.succeeded":
		if intent.Status == domain.IntentSucceeded {
			// Replayed success for an intent we already credited; the
			// engine's idempotency key would absorb it anyway.
			return nil
		}
		if !intent.Status.CanTransitionTo(domain.IntentSucceeded) {
			return fmt.Errorf("intent %s cannot succeed from status %s: %w",
				intent.GatewayPaymentID, intent.Status, domain.ErrInvalidStatusTransition)
		}
		if _, err := r.engine.Credit(ctx, intent.AccountID, intent.Amount, intent.GatewayPaymentID); err != nil {
			return fmt.Errorf("credit for intent %s: %w", intent.GatewayPaymentID, err)
		}
		intent.Status = domain.IntentSucceeded
		intent.SucceededAt = &now
		intent.UpdatedAt = now
		if err := r.store.SaveIntent(ctx, intent); err != nil {
			return fmt.Errorf("save intent: %w", err)
		}
		r.logger.Info("payment credited",
			"gateway_payment_id", intent.GatewayPaymentID, "account", intent.AccountID, "amount", intent.Amount)
		return nil

	case "payment.failed", "payment.expired":
		target := domain.IntentFailed
		if body.Event == "payment.expired" {
			target = domain.IntentExpired
		}
		if !intent.Status.CanTransitionTo(target) {
			// Terminal already; absorb the replay.
			return nil
		}
		intent.Status = target
		intent.ErrorMessage = body.ErrorMessage
		intent.UpdatedAt = now
		if err := r.store.SaveIntent(ctx, intent); err != nil {
			return fmt.Errorf("save intent: %w", err)
		}
		r.logger.Warn("payment did not complete",
			"gateway_payment_id", intent.GatewayPaymentID, "event", body.Event, "error", body.ErrorMessage)
		return nil

	default:
		return fmt.Errorf("unsupported webhook event type %q", body.Event)
	}
}
