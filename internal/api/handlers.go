package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/nakulbh/walletcore/internal/domain"
	"github.com/nakulbh/walletcore/internal/engine"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletcore_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// TransferEngine is the slice of the engine the HTTP layer calls.
type TransferEngine interface {
	Transfer(ctx context.Context, initiatorID uuid.UUID, toIdentifier string, amount decimal.Decimal, description, idempotencyKey string) (*engine.Outcome, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	GetHistory(ctx context.Context, accountID uuid.UUID, cursor domain.HistoryCursor, limit int) ([]domain.Transaction, domain.HistoryCursor, error)
}

// AccountProvisioner creates an account with its wallet.
type AccountProvisioner interface {
	CreateAccount(ctx context.Context, email string, kyc domain.KYCStatus, currency string, initialBalance decimal.Decimal) (*domain.Account, *domain.Wallet, error)
}

// PaymentGateway is the inbound payment surface.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, currency, description string) (*domain.PaymentIntent, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*domain.WebhookEvent, error)
}

type Handler struct {
	engine   TransferEngine
	accounts AccountProvisioner
	payments PaymentGateway
	currency string
}

func NewHandler(eng TransferEngine, accounts AccountProvisioner, payments PaymentGateway, currency string) *Handler {
	return &Handler{engine: eng, accounts: accounts, payments: payments, currency: currency}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *mux.Router) {
	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/transactions", h.GetHistory).Methods("GET")
	apiV1.HandleFunc("/transfers", h.CreateTransfer).Methods("POST")
	apiV1.HandleFunc("/payments/intents", h.CreatePaymentIntent).Methods("POST")
	apiV1.HandleFunc("/payments/webhook", h.HandleWebhook).Methods("POST")
}

type createAccountRequest struct {
	Email          string          `json:"email"`
	KYCStatus      string          `json:"kyc_status,omitempty"`
	InitialBalance decimal.Decimal `json:"initial_balance,omitempty"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/accounts")
		return
	}
	if req.Email == "" {
		h.respondError(w, http.StatusBadRequest, "email is required", "POST", "/accounts")
		return
	}
	if req.InitialBalance.IsNegative() {
		h.respondError(w, http.StatusUnprocessableEntity, "initial_balance cannot be negative", "POST", "/accounts")
		return
	}
	kyc := domain.KYCPending
	if req.KYCStatus != "" {
		kyc = domain.KYCStatus(req.KYCStatus)
		if !kyc.Valid() {
			h.respondError(w, http.StatusUnprocessableEntity, "unknown kyc_status", "POST", "/accounts")
			return
		}
	}

	account, wallet, err := h.accounts.CreateAccount(r.Context(), req.Email, kyc, h.currency, req.InitialBalance)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "System error creating account", "POST", "/accounts")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]any{
		"account": account,
		"wallet":  wallet,
	}, "POST", "/accounts")
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid account id", "GET", "/accounts/{id}/balance")
		return
	}

	balance, err := h.engine.GetBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) || errors.Is(err, domain.ErrAccountNotFound) {
			h.respondError(w, http.StatusNotFound, "Account not found", "GET", "/accounts/{id}/balance")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/accounts/{id}/balance")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"balance":    balance,
		"currency":   h.currency,
	}, "GET", "/accounts/{id}/balance")
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid account id", "GET", "/accounts/{id}/transactions")
		return
	}

	var cursor domain.HistoryCursor
	if c := r.URL.Query().Get("cursor"); c != "" {
		cursor, err = domain.DecodeHistoryCursor(c)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid cursor", "GET", "/accounts/{id}/transactions")
			return
		}
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 0 {
			h.respondError(w, http.StatusBadRequest, "Invalid limit", "GET", "/accounts/{id}/transactions")
			return
		}
	}

	txns, next, err := h.engine.GetHistory(r.Context(), accountID, cursor, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/accounts/{id}/transactions")
		return
	}
	resp := map[string]any{"transactions": txns}
	if !next.IsZero() {
		resp["next_cursor"] = next.Encode()
	}
	h.respondJSON(w, http.StatusOK, resp, "GET", "/accounts/{id}/transactions")
}

type transferRequest struct {
	FromAccountID uuid.UUID       `json:"from_account_id"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key header", "POST", "/transfers")
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/transfers")
		return
	}
	if req.FromAccountID == uuid.Nil || req.To == "" {
		h.respondError(w, http.StatusBadRequest, "from_account_id and to are required", "POST", "/transfers")
		return
	}

	out, err := h.engine.Transfer(r.Context(), req.FromAccountID, req.To, req.Amount, req.Description, idemKey)
	if err != nil {
		// A recorded failure still carries the attempt it was recorded
		// under; everything else maps straight onto a status code.
		if errors.Is(err, domain.ErrInsufficientFunds) && out != nil {
			h.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":       "Insufficient funds",
				"transaction": out.Transaction,
				"replayed":    out.Replayed,
			}, "POST", "/transfers")
			return
		}
		h.respondError(w, transferStatus(err), transferMessage(err), "POST", "/transfers")
		return
	}

	if out.Replayed {
		h.respondJSON(w, http.StatusOK, out, "POST", "/transfers")
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", out.Transaction.ID))
	h.respondJSON(w, http.StatusCreated, out, "POST", "/transfers")
}

func transferStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrMissingIdempotencyKey):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSelfTransfer),
		errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRecipientNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVerificationRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func transferMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingIdempotencyKey):
		return "Missing Idempotency-Key header"
	case errors.Is(err, domain.ErrInvalidAmount):
		return "Amount must be positive with valid precision"
	case errors.Is(err, domain.ErrSelfTransfer):
		return "Cannot transfer to self"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "Insufficient funds"
	case errors.Is(err, domain.ErrRecipientNotFound):
		return "Recipient not found"
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrWalletNotFound):
		return "Account not found"
	case errors.Is(err, domain.ErrVerificationRequired):
		return "Account verification required"
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		return "Concurrent request conflict, retry"
	default:
		return "Internal Server Error"
	}
}

type createIntentRequest struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/payments/intents")
		return
	}
	if req.AccountID == uuid.Nil {
		h.respondError(w, http.StatusBadRequest, "account_id is required", "POST", "/payments/intents")
		return
	}

	intent, err := h.payments.CreateIntent(r.Context(), req.AccountID, req.Amount, h.currency, req.Description)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) {
			h.respondError(w, http.StatusUnprocessableEntity, "Amount must be positive", "POST", "/payments/intents")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/payments/intents")
		return
	}
	h.respondJSON(w, http.StatusCreated, intent, "POST", "/payments/intents")
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/payments/webhook"))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", "/payments/webhook")
		return
	}

	event, err := h.payments.HandleWebhook(r.Context(), body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignature):
			h.respondError(w, http.StatusUnauthorized, "Invalid signature", "POST", "/payments/webhook")
		case errors.Is(err, domain.ErrIntentNotFound):
			h.respondError(w, http.StatusNotFound, "Payment intent not found", "POST", "/payments/webhook")
		case errors.Is(err, domain.ErrInvalidStatusTransition):
			h.respondError(w, http.StatusConflict, "Intent already in a terminal state", "POST", "/payments/webhook")
		default:
			h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/payments/webhook")
		}
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"event_id": event.EventID,
		"status":   event.Status,
	}, "POST", "/payments/webhook")
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
