package payments_http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paycore/internal/app/payments"
	"paycore/internal/app/wallet"
	"paycore/internal/app/webhook"
	"paycore/internal/domain"
	"paycore/internal/gateway"
	"paycore/internal/repository/memory"
)

const webhookSecret = "whsec"

type stubGateway struct {
	issued atomic.Int64
}

func (g *stubGateway) RequestPayment(context.Context, gateway.PaymentRequest) (*gateway.PaymentHandle, error) {
	authority := fmt.Sprintf("GW-%d", g.issued.Add(1))
	return &gateway.PaymentHandle{Authority: authority, PaymentURL: "https://pay.local/StartPay/" + authority}, nil
}

func (g *stubGateway) VerifyPayment(_ context.Context, authority string, _ decimal.Decimal) (*gateway.Verification, error) {
	return &gateway.Verification{RefID: "REF-" + authority}, nil
}

type testServer struct {
	srv    *httptest.Server
	ledger *wallet.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()
	ledger := wallet.NewLedger(store, store.Wallets(), wallet.Config{Currency: "IRR", MaxBalance: decimal.NewFromInt(1000000)}, logger)
	gw := &stubGateway{}
	retry := gateway.NewRetryExecutor(gateway.RetryPolicy{
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
		AttemptTimeout: time.Second,
	}, logger)
	svc := payments.NewService(payments.Dependencies{
		TxManager:    store,
		Transactions: store.Transactions(),
		Orders:       store.Orders(),
		Outbox:       store.Outbox(),
		Ledger:       ledger,
		Methods: payments.NewRegistry(
			payments.NewWalletProcessor(ledger),
			payments.NewCardProcessor(payments.CardTransferDetails{CardNumber: "6037", CardHolder: "Paycore"}),
			payments.NewBankProcessor(payments.BankTransferDetails{AccountNumber: "IR01", BankName: "Melli"}),
			payments.NewGatewayProcessor(gw, retry),
		),
		Gateway: gw,
		Retry:   retry,
	}, payments.Config{StatusTopic: "payment_status_updates"}, logger)
	verifier := webhook.NewVerifier(svc, logger, webhook.NewGatewayScheme(webhookSecret))

	handler := NewPaymentHandler(svc, verifier, logger)
	srv := httptest.NewServer(NewRouter(handler, RouterConfig{
		AllowedOrigins: []string{"http://localhost:5173"},
		RequestTimeout: 5 * time.Second,
	}, logger))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, ledger: ledger}
}

func (s *testServer) do(t *testing.T, method, path, body string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *testServer) list(t *testing.T, path string) []map[string]any {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHTTP_WalletPaymentFlow(t *testing.T) {
	s := newTestServer(t)
	_, err := s.ledger.Credit(context.Background(), 1, decimal.NewFromInt(1000))
	require.NoError(t, err)

	body := `{"user_id":1,"order_id":"order-1","plan_ref":"vpn-30d","amount":"300","method":"wallet"}`
	status, res := s.do(t, http.MethodPost, "/payments", body, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, "COMPLETED", res["status"])
	assert.Equal(t, "300.00", res["amount"])

	status, again := s.do(t, http.MethodPost, "/payments", body, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, res["transaction_id"], again["transaction_id"])

	status, w := s.do(t, http.MethodGet, "/users/1/wallet", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "700.00", w["balance"])

	txns := s.list(t, "/users/1/transactions?limit=5")
	require.Len(t, txns, 1)
	assert.Equal(t, "PURCHASE", txns[0]["kind"])
	orders := s.list(t, "/users/1/orders")
	require.Len(t, orders, 1)
	assert.Equal(t, "PAID", orders[0]["status"])

	status, _ = s.do(t, http.MethodPost, "/payments",
		`{"user_id":1,"order_id":"order-2","amount":"5000","method":"wallet"}`, nil)
	assert.Equal(t, http.StatusPaymentRequired, status)

	status, _ = s.do(t, http.MethodPost, fmt.Sprintf("/transactions/%s/cancel", res["transaction_id"]), "", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestHTTP_ManualTransferApproval(t *testing.T) {
	s := newTestServer(t)

	status, dep := s.do(t, http.MethodPost, "/users/2/deposits", `{"amount":"150","method":"bank"}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "PENDING", dep["status"])
	instructions, ok := dep["instructions"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Melli", instructions["bank_name"])

	id := dep["transaction_id"].(string)
	status, approved := s.do(t, http.MethodPost, "/admin/transactions/"+id+"/approve", `{"ref_id":"TRK-7"}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "COMPLETED", approved["status"])
	assert.Equal(t, "TRK-7", approved["ref_id"])

	_, w := s.do(t, http.MethodGet, "/users/2/wallet", "", nil)
	assert.Equal(t, "150.00", w["balance"])

	status, _ = s.do(t, http.MethodPost, "/admin/transactions/missing/reject", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHTTP_CallbackAndCancel(t *testing.T) {
	s := newTestServer(t)
	_, first := s.do(t, http.MethodPost, "/payments", `{"user_id":3,"order_id":"o-3","amount":"90","method":"gateway"}`, nil)
	authority := first["authority"].(string)
	assert.Equal(t, "https://pay.local/StartPay/"+authority, first["payment_url"])

	status, res := s.do(t, http.MethodGet, "/payments/callback?Authority="+authority+"&Status=NOK", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "FAILED", res["status"])

	status, _ = s.do(t, http.MethodGet, "/payments/callback?Status=OK", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	_, second := s.do(t, http.MethodPost, "/payments", `{"user_id":3,"order_id":"o-3","amount":"90","method":"card"}`, nil)
	require.NotEqual(t, first["transaction_id"], second["transaction_id"])
	status, cancelled := s.do(t, http.MethodPost, fmt.Sprintf("/transactions/%s/cancel", second["transaction_id"]), "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "CANCELLED", cancelled["status"])

	status, verified := s.do(t, http.MethodPost, "/payments/verify", `{"authority":"`+authority+`","status":"OK","ref_id":"late"}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "FAILED", verified["status"])
}

func TestHTTP_GatewayCallbackSettlesPayment(t *testing.T) {
	s := newTestServer(t)
	_, dep := s.do(t, http.MethodPost, "/users/5/deposits", `{"amount":"400","method":"gateway"}`, nil)
	authority := dep["authority"].(string)

	status, res := s.do(t, http.MethodGet, "/payments/callback?Authority="+authority+"&Status=OK", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "COMPLETED", res["status"])
	assert.Equal(t, "REF-"+authority, res["ref_id"])

	_, w := s.do(t, http.MethodGet, "/users/5/wallet", "", nil)
	assert.Equal(t, "400.00", w["balance"])
}

func TestHTTP_VerifyRefusesManualTransferReferences(t *testing.T) {
	s := newTestServer(t)
	_, card := s.do(t, http.MethodPost, "/users/9/deposits", `{"amount":"500","method":"card"}`, nil)
	_, bank := s.do(t, http.MethodPost, "/users/9/deposits", `{"amount":"300","method":"bank"}`, nil)
	cardRef := card["authority"].(string)
	bankRef := bank["authority"].(string)
	require.True(t, strings.HasPrefix(cardRef, "CRD-"), cardRef)
	require.True(t, strings.HasPrefix(bankRef, "BNK-"), bankRef)

	for _, ref := range []string{cardRef, bankRef} {
		status, _ := s.do(t, http.MethodPost, "/payments/verify", `{"authority":"`+ref+`","status":"OK"}`, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		status, _ = s.do(t, http.MethodGet, "/payments/callback?Authority="+ref+"&Status=OK", "", nil)
		assert.Equal(t, http.StatusBadRequest, status)
	}

	_, w := s.do(t, http.MethodGet, "/users/9/wallet", "", nil)
	assert.Equal(t, "0.00", w["balance"])
	for _, txn := range s.list(t, "/users/9/transactions") {
		assert.Equal(t, "PENDING", txn["status"])
	}
}

func TestHTTP_Webhook(t *testing.T) {
	s := newTestServer(t)
	_, pending := s.do(t, http.MethodPost, "/payments", `{"user_id":4,"order_id":"o-4","amount":"60","method":"card"}`, nil)
	body := `{"authority":"` + pending["authority"].(string) + `","status":"OK","amount":"60","ref_id":"R4"}`

	status, _ := s.do(t, http.MethodPost, "/webhooks/gateway", body, http.Header{"X-Gateway-Signature": {"deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodPost, "/webhooks/stripe", body, nil)
	assert.Equal(t, http.StatusNotFound, status)

	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	status, res := s.do(t, http.MethodPost, "/webhooks/gateway", body,
		http.Header{"X-Gateway-Signature": {hex.EncodeToString(mac.Sum(nil))}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "COMPLETED", res["status"])
	assert.Equal(t, "R4", res["ref_id"])
}

func TestHTTP_BadInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name, method, path, body string
	}{
		{"malformed json", http.MethodPost, "/payments", `{"user_id":`},
		{"unknown method", http.MethodPost, "/payments", `{"user_id":1,"order_id":"o","amount":"1","method":"crypto"}`},
		{"bad user id", http.MethodGet, "/users/abc/wallet", ""},
		{"negative user id", http.MethodGet, "/users/-1/wallet", ""},
		{"bad limit", http.MethodGet, "/users/1/transactions?limit=ten", ""},
		{"wallet deposit", http.MethodPost, "/users/1/deposits", `{"amount":"10","method":"wallet"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := s.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.EqualValues(t, http.StatusBadRequest, res["code"])
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ValidationError("bad"), http.StatusBadRequest},
		{domain.ErrInvalidSignature, http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", domain.ErrTransactionNotFound), http.StatusNotFound},
		{domain.ErrUnknownGatewayKind, http.StatusNotFound},
		{domain.ErrInsufficientBalance, http.StatusPaymentRequired},
		{domain.ErrWalletLimitExceeded, http.StatusUnprocessableEntity},
		{domain.ErrAmountMismatch, http.StatusUnprocessableEntity},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{&gateway.Error{Kind: domain.ErrGatewayError, Code: -9}, http.StatusBadGateway},
		{&gateway.Error{Kind: domain.ErrGatewayUnavailable, Code: 503}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, msg := statusFor(tt.err)
		assert.Equal(t, tt.want, status, tt.err.Error())
		assert.NotEmpty(t, msg)
	}

	_, msg := statusFor(&gateway.Error{Kind: domain.ErrGatewayError, Code: -9, Message: "merchant secret xyz"})
	assert.NotContains(t, msg, "xyz")
}
