package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paycore/internal/app/payments"
	"paycore/internal/app/wallet"
	"paycore/internal/domain"
	"paycore/internal/repository/memory"
)

const (
	gatewaySecret = "gw-secret"
	bankSecret    = "bank-secret"
)

type env struct {
	ledger   *wallet.Ledger
	svc      *payments.Service
	verifier *Verifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()
	ledger := wallet.NewLedger(store, store.Wallets(), wallet.Config{Currency: "IRR", MaxBalance: decimal.NewFromInt(1000000)}, logger)
	svc := payments.NewService(payments.Dependencies{
		TxManager:    store,
		Transactions: store.Transactions(),
		Orders:       store.Orders(),
		Outbox:       store.Outbox(),
		Ledger:       ledger,
		Methods: payments.NewRegistry(
			payments.NewCardProcessor(payments.CardTransferDetails{CardNumber: "6037", CardHolder: "Paycore"}),
			payments.NewBankProcessor(payments.BankTransferDetails{AccountNumber: "IR01", BankName: "Melli"}),
		),
	}, payments.Config{StatusTopic: "payment_status_updates"}, logger)

	return &env{
		ledger:   ledger,
		svc:      svc,
		verifier: NewVerifier(svc, logger, NewGatewayScheme(gatewaySecret), NewBankScheme(bankSecret)),
	}
}

func signGateway(body string) http.Header {
	mac := hmac.New(sha256.New, []byte(gatewaySecret))
	mac.Write([]byte(body))
	h := http.Header{}
	h.Set("X-Gateway-Signature", hex.EncodeToString(mac.Sum(nil)))
	return h
}

func signBank(body string) http.Header {
	sum := sha256.Sum256([]byte(body + bankSecret))
	h := http.Header{}
	h.Set("X-Bank-Signature", hex.EncodeToString(sum[:]))
	return h
}

func (e *env) pendingCard(t *testing.T) *payments.PaymentResult {
	t.Helper()
	res, err := e.svc.Submit(context.Background(), payments.SubmitRequest{
		UserID: 1, OrderID: "order-1", Amount: decimal.NewFromInt(1500), Method: "card",
	})
	require.NoError(t, err)
	return res
}

func (e *env) status(t *testing.T, userID int64) domain.TransactionStatus {
	t.Helper()
	txns, err := e.svc.ListTransactions(context.Background(), userID, 1, 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	return txns[0].Status
}

func TestVerifier_SignedGatewayNotification(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	pending := e.pendingCard(t)
	body := `{"authority":"` + pending.Authority + `","status":"OK","amount":"1500","ref_id":"R77","extra":{"card_pan":"6037****0001"}}`

	t.Run("tampered body is rejected without changes", func(t *testing.T) {
		header := signGateway(body)
		tampered := `{"authority":"` + pending.Authority + `","status":"OK","amount":"1","ref_id":"R77"}`
		_, err := e.verifier.Handle(ctx, "gateway", header, []byte(tampered))
		require.ErrorIs(t, err, domain.ErrInvalidSignature)
		assert.Equal(t, domain.TransactionStatusPending, e.status(t, 1))
	})

	t.Run("missing signature is rejected", func(t *testing.T) {
		_, err := e.verifier.Handle(ctx, "gateway", http.Header{}, []byte(body))
		require.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	t.Run("valid signature settles the transaction", func(t *testing.T) {
		res, err := e.verifier.Handle(ctx, "GATEWAY", signGateway(body), []byte(body))
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusCompleted, res.Status)
		assert.Equal(t, "R77", res.RefID)
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		res, err := e.verifier.Handle(ctx, "gateway", signGateway(body), []byte(body))
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusCompleted, res.Status)
	})
}

func TestVerifier_BankNotificationCreditsDeposit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	dep, err := e.svc.Deposit(ctx, payments.DepositRequest{UserID: 2, Amount: decimal.NewFromInt(300), Method: "bank"})
	require.NoError(t, err)

	body := `{"reference":"` + dep.Authority + `","result":"SUCCESS","amount":300,"tracking_code":"TRK-5"}`
	res, err := e.verifier.Handle(ctx, "bank", signBank(body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, res.Status)
	assert.Equal(t, "TRK-5", res.RefID)

	w, err := e.ledger.Get(ctx, 2)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(300)), w.Balance.String())

	_, err = e.verifier.Handle(ctx, "bank", signGateway(body), []byte(body))
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifier_RejectsBadNotifications(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	pending := e.pendingCard(t)

	tests := []struct {
		name string
		kind string
		body string
		want error
	}{
		{"unknown kind", "paypal", `{}`, domain.ErrUnknownGatewayKind},
		{"unknown authority", "gateway", `{"authority":"nope","status":"OK"}`, domain.ErrTransactionNotFound},
		{"unknown status", "gateway", `{"authority":"` + pending.Authority + `","status":"MAYBE"}`, domain.ErrValidation},
		{"malformed body", "gateway", `{"authority":`, domain.ErrValidation},
		{"missing authority", "gateway", `{"status":"OK"}`, domain.ErrValidation},
		{"amount mismatch", "gateway", `{"authority":"` + pending.Authority + `","status":"OK","amount":"99"}`, domain.ErrAmountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.verifier.Handle(ctx, tt.kind, signGateway(tt.body), []byte(tt.body))
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, domain.TransactionStatusPending, e.status(t, 1))
}

func TestVerifier_UnconfiguredSecretRejectsEverything(t *testing.T) {
	v := NewVerifier(nil, zap.NewNop(), NewGatewayScheme(""))
	body := `{"authority":"A1","status":"OK"}`
	mac := hmac.New(sha256.New, nil)
	mac.Write([]byte(body))
	h := http.Header{}
	h.Set("X-Gateway-Signature", hex.EncodeToString(mac.Sum(nil)))

	_, err := v.Handle(context.Background(), "gateway", h, []byte(body))
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}
