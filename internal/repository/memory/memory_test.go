package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"paycore/internal/domain"
)

func newPendingTxn(id, orderID string) *domain.Transaction {
	now := time.Now()
	return &domain.Transaction{
		ID:        id,
		UserID:    7,
		Amount:    decimal.NewFromInt(100),
		Kind:      domain.TransactionKindPurchase,
		Method:    domain.PaymentMethodGateway,
		Status:    domain.TransactionStatusPending,
		OrderID:   &orderID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_WithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.Transactions().Create(ctx, newPendingTxn("t1", "o1")))
		require.NoError(t, store.Wallets().CreateIfAbsent(ctx, &domain.Wallet{ID: "w1", UserID: 7}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Transactions().GetByID(ctx, "t1")
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
	_, err = store.Wallets().GetByUserID(ctx, 7)
	require.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestStore_NestedTxJoinsOuter(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	err := store.WithinTx(ctx, func(ctx context.Context) error {
		return store.WithinTx(ctx, func(ctx context.Context) error {
			return store.Transactions().Create(ctx, newPendingTxn("t1", "o1"))
		})
	})
	require.NoError(t, err)

	txn, err := store.Transactions().GetByID(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusPending, txn.Status)
}

func TestTransactionStore_ConditionalTransition(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	txns := store.Transactions()
	require.NoError(t, txns.Create(ctx, newPendingTxn("t1", "o1")))

	ref := "R1"
	upd := domain.TransitionUpdate{
		ID:       "t1",
		From:     domain.TransactionStatusPending,
		To:       domain.TransactionStatusCompleted,
		RefID:    &ref,
		Metadata: map[string]any{"card_pan": "6037****1234"},
		At:       time.Now(),
	}

	applied, err := txns.Transition(ctx, upd)
	require.NoError(t, err)
	require.True(t, applied)

	upd.To = domain.TransactionStatusFailed
	applied, err = txns.Transition(ctx, upd)
	require.NoError(t, err)
	require.False(t, applied)

	txn, err := txns.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusCompleted, txn.Status)
	require.Equal(t, "R1", txn.RefIDValue())
	require.Equal(t, "6037****1234", txn.Metadata["card_pan"])
}

func TestTransactionStore_OnePendingPerOrder(t *testing.T) {
	ctx := context.Background()
	txns := NewStore().Transactions()

	require.NoError(t, txns.Create(ctx, newPendingTxn("t1", "o1")))
	err := txns.Create(ctx, newPendingTxn("t2", "o1"))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	applied, err := txns.CancelPending(ctx, "t1", time.Now())
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, txns.Create(ctx, newPendingTxn("t2", "o1")))

	latest, err := txns.GetLatestByOrderID(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, "t2", latest.ID)
}

func TestTransactionStore_AttachGatewayAndLookup(t *testing.T) {
	ctx := context.Background()
	txns := NewStore().Transactions()
	require.NoError(t, txns.Create(ctx, newPendingTxn("t1", "o1")))
	require.NoError(t, txns.Create(ctx, newPendingTxn("t2", "o2")))

	applied, err := txns.AttachGateway(ctx, "t1", domain.GatewayHandle{Authority: "A1", PaymentURL: "https://pay/A1"}, time.Now())
	require.NoError(t, err)
	require.True(t, applied)

	_, err = txns.AttachGateway(ctx, "t2", domain.GatewayHandle{Authority: "A1"}, time.Now())
	require.ErrorIs(t, err, domain.ErrGatewayError)

	txn, err := txns.GetByAuthority(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, "t1", txn.ID)
	require.Equal(t, "https://pay/A1", txn.PaymentURLValue())
}

func TestTransactionStore_CancelRequiresNoRefID(t *testing.T) {
	ctx := context.Background()
	txns := NewStore().Transactions()
	txn := newPendingTxn("t1", "o1")
	ref := "R1"
	txn.GatewayRefID = &ref
	require.NoError(t, txns.Create(ctx, txn))

	applied, err := txns.CancelPending(ctx, "t1", time.Now())
	require.NoError(t, err)
	require.False(t, applied)
}

func TestListByUser_NewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for _, id := range []string{"t1", "t2", "t3"} {
		txn := newPendingTxn(id, "o-"+id)
		require.NoError(t, store.Transactions().Create(ctx, txn))
	}

	page, err := store.Transactions().ListByUser(ctx, 7, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "t3", page[0].ID)
	require.Equal(t, "t2", page[1].ID)

	page, err = store.Transactions().ListByUser(ctx, 7, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "t1", page[0].ID)

	page, err = store.Transactions().ListByUser(ctx, 8, 10, 0)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestOutboxStore_PendingInCreationOrder(t *testing.T) {
	ctx := context.Background()
	outbox := NewStore().Outbox()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, outbox.CreateMessage(ctx, &domain.OutboxMessage{ID: id, Status: domain.OutboxStatusPending}))
	}
	require.NoError(t, outbox.UpdateMessageStatus(ctx, "m1", domain.OutboxStatusSent))

	pending, err := outbox.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "m2", pending[0].ID)

	all := outbox.All(ctx)
	require.Len(t, all, 3)
	require.NotNil(t, all[0].SentAt)
}
