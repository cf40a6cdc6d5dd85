package payments_http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paycore/internal/app/payments"
	"paycore/internal/domain"
)

const maxWebhookBody = 1 << 20

type PaymentService interface {
	Submit(ctx context.Context, req payments.SubmitRequest) (*payments.PaymentResult, error)
	Deposit(ctx context.Context, req payments.DepositRequest) (*payments.PaymentResult, error)
	Verify(ctx context.Context, authority, reportedStatus, refID string) (*payments.PaymentResult, error)
	Cancel(ctx context.Context, transactionID string) (*payments.PaymentResult, error)
	ResolveManual(ctx context.Context, transactionID string, approve bool, refID string) (*payments.PaymentResult, error)
	GetWallet(ctx context.Context, userID int64) (*domain.Wallet, error)
	ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]domain.Transaction, error)
	ListOrders(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error)
}

type WebhookVerifier interface {
	Handle(ctx context.Context, kind string, header http.Header, body []byte) (*payments.PaymentResult, error)
}

type PaymentHandler struct {
	service  PaymentService
	webhooks WebhookVerifier
	logger   *zap.Logger
}

func NewPaymentHandler(s PaymentService, webhooks WebhookVerifier, l *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: s, webhooks: webhooks, logger: l}
}

type SubmitPaymentRequest struct {
	UserID      int64           `json:"user_id"`
	OrderID     string          `json:"order_id"`
	PlanRef     string          `json:"plan_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	CallbackURL string          `json:"callback_url"`
	Description string          `json:"description"`
}

type DepositRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	CallbackURL string          `json:"callback_url"`
}

type VerifyRequest struct {
	Authority string `json:"authority"`
	Status    string `json:"status"`
	RefID     string `json:"ref_id"`
}

type ResolveRequest struct {
	RefID string `json:"ref_id"`
}

type PaymentResponse struct {
	Success       bool              `json:"success"`
	TransactionID string            `json:"transaction_id"`
	Status        string            `json:"status"`
	Method        string            `json:"method"`
	Amount        string            `json:"amount"`
	OrderID       string            `json:"order_id,omitempty"`
	PaymentURL    string            `json:"payment_url,omitempty"`
	Authority     string            `json:"authority,omitempty"`
	RefID         string            `json:"ref_id,omitempty"`
	Instructions  map[string]string `json:"instructions,omitempty"`
}

type WalletResponse struct {
	UserID    int64  `json:"user_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
	UpdatedAt string `json:"updated_at"`
}

type TransactionResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Method    string `json:"method"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	OrderID   string `json:"order_id,omitempty"`
	Authority string `json:"authority,omitempty"`
	RefID     string `json:"ref_id,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type OrderResponse struct {
	ID        string `json:"id"`
	PlanRef   string `json:"plan_ref,omitempty"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func toPaymentResponse(res *payments.PaymentResult) PaymentResponse {
	return PaymentResponse{
		Success:       res.Success,
		TransactionID: res.TransactionID,
		Status:        string(res.Status),
		Method:        string(res.Method),
		Amount:        res.Amount.StringFixed(2),
		OrderID:       res.OrderID,
		PaymentURL:    res.PaymentURL,
		Authority:     res.Authority,
		RefID:         res.RefID,
		Instructions:  res.Instructions,
	}
}

func (h *PaymentHandler) SubmitPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for SubmitPayment", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.Submit(r.Context(), payments.SubmitRequest{
		UserID:      req.UserID,
		OrderID:     req.OrderID,
		PlanRef:     req.PlanRef,
		Amount:      req.Amount,
		Method:      req.Method,
		CallbackURL: req.CallbackURL,
		Description: req.Description,
	})
	if err != nil {
		h.handleError(w, err, zap.String("order_id", req.OrderID), zap.Int64("user_id", req.UserID))
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

func (h *PaymentHandler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for Deposit", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.Deposit(r.Context(), payments.DepositRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Method:      req.Method,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		h.handleError(w, err, zap.Int64("user_id", userID))
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

func (h *PaymentHandler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.verify(w, r, req)
}

// CallbackHandler serves the payer's browser redirect from the gateway.
func (h *PaymentHandler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.verify(w, r, VerifyRequest{
		Authority: q.Get("Authority"),
		Status:    q.Get("Status"),
		RefID:     q.Get("RefID"),
	})
}

func (h *PaymentHandler) verify(w http.ResponseWriter, r *http.Request, req VerifyRequest) {
	if req.Authority == "" {
		h.writeError(w, http.StatusBadRequest, "Authority is required")
		return
	}
	res, err := h.service.Verify(r.Context(), req.Authority, req.Status, req.RefID)
	if err != nil {
		h.handleError(w, err, zap.String("authority", req.Authority))
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

func (h *PaymentHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		h.handleError(w, err, zap.String("transaction_id", id))
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

func (h *PaymentHandler) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, true)
}

func (h *PaymentHandler) RejectHandler(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, false)
}

func (h *PaymentHandler) resolve(w http.ResponseWriter, r *http.Request, approve bool) {
	id := chi.URLParam(r, "id")
	var req ResolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	res, err := h.service.ResolveManual(r.Context(), id, approve, req.RefID)
	if err != nil {
		h.handleError(w, err, zap.String("transaction_id", id), zap.Bool("approve", approve))
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

func (h *PaymentHandler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	wallet, err := h.service.GetWallet(r.Context(), userID)
	if err != nil {
		h.handleError(w, err, zap.Int64("user_id", userID))
		return
	}
	h.writeJSON(w, http.StatusOK, WalletResponse{
		UserID:    wallet.UserID,
		Balance:   wallet.Balance.StringFixed(2),
		Currency:  wallet.Currency,
		UpdatedAt: wallet.UpdatedAt.Format(time.RFC3339),
	})
}

func (h *PaymentHandler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.page(w, r)
	if !ok {
		return
	}
	txns, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		h.handleError(w, err, zap.Int64("user_id", userID))
		return
	}

	resp := make([]TransactionResponse, 0, len(txns))
	for _, t := range txns {
		resp = append(resp, TransactionResponse{
			ID:        t.ID,
			Kind:      string(t.Kind),
			Method:    string(t.Method),
			Status:    string(t.Status),
			Amount:    t.Amount.StringFixed(2),
			OrderID:   t.OrderRef(),
			Authority: t.AuthorityValue(),
			RefID:     t.RefIDValue(),
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
			UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.page(w, r)
	if !ok {
		return
	}
	orders, err := h.service.ListOrders(r.Context(), userID, limit, offset)
	if err != nil {
		h.handleError(w, err, zap.Int64("user_id", userID))
		return
	}

	resp := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, OrderResponse{
			ID:        o.ID,
			PlanRef:   o.PlanRef,
			Amount:    o.Amount.StringFixed(2),
			Status:    string(o.Status),
			CreatedAt: o.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	res, err := h.webhooks.Handle(r.Context(), kind, r.Header, body)
	if err != nil {
		h.handleError(w, err, zap.String("kind", kind))
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

func (h *PaymentHandler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		h.logger.Warn("Invalid User ID format", zap.String("user_id_str", raw))
		h.writeError(w, http.StatusBadRequest, "Invalid User ID format")
		return 0, false
	}
	return userID, true
}

func (h *PaymentHandler) page(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	parse := func(name string) (int, bool) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return 0, true
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid "+name)
			return 0, false
		}
		return v, true
	}
	limit, ok := parse("limit")
	if !ok {
		return 0, 0, false
	}
	offset, ok := parse("offset")
	if !ok {
		return 0, 0, false
	}
	return limit, offset, true
}

// statusFor is the only place engine errors become HTTP status codes. The
// message is safe to show to the caller.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, domain.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found"
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, "Order not found"
	case errors.Is(err, domain.ErrUnknownGatewayKind):
		return http.StatusNotFound, "Unknown webhook kind"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "Insufficient wallet balance"
	case errors.Is(err, domain.ErrWalletLimitExceeded):
		return http.StatusUnprocessableEntity, "Wallet balance limit exceeded"
	case errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusUnprocessableEntity, "Reported amount does not match"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "Transaction can no longer change"
	case errors.Is(err, domain.ErrGatewayError):
		return http.StatusBadGateway, "Payment gateway rejected the payment"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "Payment gateway unavailable, try again later"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (h *PaymentHandler) handleError(w http.ResponseWriter, err error, fields ...zap.Field) {
	status, msg := statusFor(err)
	fields = append(fields, zap.Int("status", status), zap.Error(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", fields...)
	} else {
		h.logger.Warn("Request rejected", fields...)
	}
	h.writeError(w, status, msg)
}

func (h *PaymentHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Code: status})
}

func (h *PaymentHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}
