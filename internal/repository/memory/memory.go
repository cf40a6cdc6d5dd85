// Package memory keeps transactions, orders, wallets and outbox messages in
// process memory. It is used for local runs without Postgres and by the
// engine tests. A transaction holds the store mutex until it finishes, so
// every WithinTx call is serialized and rolled back from a snapshot on error.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paycore/internal/domain"
	"paycore/internal/repository/orders_repo"
	"paycore/internal/repository/outbox_repo"
	"paycore/internal/repository/transactions_repo"
	"paycore/internal/repository/wallets_repo"
)

var (
	_ domain.TxManager                        = (*Store)(nil)
	_ transactions_repo.TransactionRepository = (*transactionStore)(nil)
	_ orders_repo.OrderRepository             = (*orderStore)(nil)
	_ wallets_repo.WalletRepository           = (*walletStore)(nil)
	_ outbox_repo.OutboxRepository            = (*outboxStore)(nil)
)

type txKey struct{}

type state struct {
	transactions map[string]domain.Transaction
	txnOrder     []string
	orders       map[string]domain.Order
	orderOrder   []string
	wallets      map[int64]domain.Wallet
	outbox       map[string]domain.OutboxMessage
	outboxOrder  []string
}

type Store struct {
	mu sync.Mutex
	st state
}

func NewStore() *Store {
	return &Store{st: state{
		transactions: make(map[string]domain.Transaction),
		orders:       make(map[string]domain.Order),
		wallets:      make(map[int64]domain.Wallet),
		outbox:       make(map[string]domain.OutboxMessage),
	}}
}

func (s *Store) Transactions() *transactionStore { return &transactionStore{s} }
func (s *Store) Orders() *orderStore             { return &orderStore{s} }
func (s *Store) Wallets() *walletStore           { return &walletStore{s} }
func (s *Store) Outbox() *outboxStore            { return &outboxStore{s} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.st.clone()
	committed := false
	defer func() {
		if !committed {
			s.st = saved
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// lock takes the store mutex unless ctx already runs inside this store's transaction.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (st state) clone() state {
	c := state{
		transactions: make(map[string]domain.Transaction, len(st.transactions)),
		txnOrder:     append([]string(nil), st.txnOrder...),
		orders:       maps.Clone(st.orders),
		orderOrder:   append([]string(nil), st.orderOrder...),
		wallets:      maps.Clone(st.wallets),
		outbox:       make(map[string]domain.OutboxMessage, len(st.outbox)),
		outboxOrder:  append([]string(nil), st.outboxOrder...),
	}
	for id, txn := range st.transactions {
		c.transactions[id] = cloneTransaction(txn)
	}
	for id, msg := range st.outbox {
		msg.Payload = append([]byte(nil), msg.Payload...)
		c.outbox[id] = msg
	}
	return c
}

func cloneTransaction(t domain.Transaction) domain.Transaction {
	t.OrderID = cloneString(t.OrderID)
	t.Authority = cloneString(t.Authority)
	t.PaymentURL = cloneString(t.PaymentURL)
	t.GatewayRefID = cloneString(t.GatewayRefID)
	t.Metadata = maps.Clone(t.Metadata)
	return t
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type transactionStore struct{ s *Store }

func (r *transactionStore) Create(ctx context.Context, txn *domain.Transaction) error {
	defer r.s.lock(ctx)()
	st := &r.s.st

	if _, ok := st.transactions[txn.ID]; ok {
		return fmt.Errorf("transaction %s already exists", txn.ID)
	}
	if txn.Status == domain.TransactionStatusPending && txn.OrderID != nil {
		for _, other := range st.transactions {
			if other.Status == domain.TransactionStatusPending && other.OrderRef() == *txn.OrderID {
				return fmt.Errorf("transaction for order %s already pending: %w", *txn.OrderID, domain.ErrInvalidTransition)
			}
		}
	}
	st.transactions[txn.ID] = cloneTransaction(*txn)
	st.txnOrder = append(st.txnOrder, txn.ID)
	return nil
}

func (r *transactionStore) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	defer r.s.lock(ctx)()
	txn, ok := r.s.st.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	c := cloneTransaction(txn)
	return &c, nil
}

func (r *transactionStore) GetByAuthority(ctx context.Context, authority string) (*domain.Transaction, error) {
	defer r.s.lock(ctx)()
	for _, txn := range r.s.st.transactions {
		if txn.Authority != nil && *txn.Authority == authority {
			c := cloneTransaction(txn)
			return &c, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (r *transactionStore) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	defer r.s.lock(ctx)()
	st := &r.s.st
	for i := len(st.txnOrder) - 1; i >= 0; i-- {
		txn := st.transactions[st.txnOrder[i]]
		if txn.OrderRef() == orderID {
			c := cloneTransaction(txn)
			return &c, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (r *transactionStore) AttachGateway(ctx context.Context, id string, handle domain.GatewayHandle, at time.Time) (bool, error) {
	defer r.s.lock(ctx)()
	st := &r.s.st

	txn, ok := st.transactions[id]
	if !ok || txn.Status != domain.TransactionStatusPending || txn.Authority != nil {
		return false, nil
	}
	for otherID, other := range st.transactions {
		if otherID != id && other.Authority != nil && *other.Authority == handle.Authority {
			return false, fmt.Errorf("authority %s already attached to another transaction: %w", handle.Authority, domain.ErrGatewayError)
		}
	}

	authority := handle.Authority
	txn.Authority = &authority
	if handle.PaymentURL != "" {
		url := handle.PaymentURL
		txn.PaymentURL = &url
	}
	txn.Metadata = mergeMetadata(txn.Metadata, handle.Metadata)
	txn.UpdatedAt = at
	st.transactions[id] = txn
	return true, nil
}

func (r *transactionStore) Transition(ctx context.Context, upd domain.TransitionUpdate) (bool, error) {
	defer r.s.lock(ctx)()
	st := &r.s.st

	txn, ok := st.transactions[upd.ID]
	if !ok || txn.Status != upd.From {
		return false, nil
	}
	txn.Status = upd.To
	if upd.RefID != nil {
		txn.GatewayRefID = cloneString(upd.RefID)
	}
	txn.Metadata = mergeMetadata(txn.Metadata, upd.Metadata)
	txn.UpdatedAt = upd.At
	st.transactions[upd.ID] = txn
	return true, nil
}

func (r *transactionStore) CancelPending(ctx context.Context, id string, at time.Time) (bool, error) {
	defer r.s.lock(ctx)()
	st := &r.s.st

	txn, ok := st.transactions[id]
	if !ok || txn.Status != domain.TransactionStatusPending || txn.GatewayRefID != nil {
		return false, nil
	}
	txn.Status = domain.TransactionStatusCancelled
	txn.UpdatedAt = at
	st.transactions[id] = txn
	return true, nil
}

func (r *transactionStore) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Transaction, error) {
	defer r.s.lock(ctx)()
	st := &r.s.st

	var out []domain.Transaction
	skipped := 0
	for i := len(st.txnOrder) - 1; i >= 0 && len(out) < limit; i-- {
		txn := st.transactions[st.txnOrder[i]]
		if txn.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, cloneTransaction(txn))
	}
	return out, nil
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

type orderStore struct{ s *Store }

func (r *orderStore) CreateIfAbsent(ctx context.Context, order *domain.Order) error {
	defer r.s.lock(ctx)()
	st := &r.s.st
	if _, ok := st.orders[order.ID]; ok {
		return nil
	}
	st.orders[order.ID] = *order
	st.orderOrder = append(st.orderOrder, order.ID)
	return nil
}

func (r *orderStore) GetForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	defer r.s.lock(ctx)()
	order, ok := r.s.st.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

func (r *orderStore) MarkPaid(ctx context.Context, id string, at time.Time) error {
	defer r.s.lock(ctx)()
	order, ok := r.s.st.orders[id]
	if !ok || order.Status != domain.OrderStatusPending {
		return nil
	}
	order.Status = domain.OrderStatusPaid
	order.UpdatedAt = at
	r.s.st.orders[id] = order
	return nil
}

func (r *orderStore) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error) {
	defer r.s.lock(ctx)()
	st := &r.s.st

	var out []domain.Order
	skipped := 0
	for i := len(st.orderOrder) - 1; i >= 0 && len(out) < limit; i-- {
		order := st.orders[st.orderOrder[i]]
		if order.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

type walletStore struct{ s *Store }

func (r *walletStore) CreateIfAbsent(ctx context.Context, wallet *domain.Wallet) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.st.wallets[wallet.UserID]; ok {
		return nil
	}
	r.s.st.wallets[wallet.UserID] = *wallet
	return nil
}

func (r *walletStore) GetByUserID(ctx context.Context, userID int64) (*domain.Wallet, error) {
	defer r.s.lock(ctx)()
	wallet, ok := r.s.st.wallets[userID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return &wallet, nil
}

// GetByUserIDForUpdate relies on the transaction mutex for exclusion.
func (r *walletStore) GetByUserIDForUpdate(ctx context.Context, userID int64) (*domain.Wallet, error) {
	return r.GetByUserID(ctx, userID)
}

func (r *walletStore) UpdateBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	defer r.s.lock(ctx)()
	if balance.IsNegative() {
		return domain.ErrInsufficientBalance
	}
	for userID, wallet := range r.s.st.wallets {
		if wallet.ID == walletID {
			wallet.Balance = balance
			wallet.UpdatedAt = at
			r.s.st.wallets[userID] = wallet
			return nil
		}
	}
	return domain.ErrWalletNotFound
}

type outboxStore struct{ s *Store }

func (r *outboxStore) CreateMessage(ctx context.Context, msg *domain.OutboxMessage) error {
	defer r.s.lock(ctx)()
	st := &r.s.st
	if _, ok := st.outbox[msg.ID]; ok {
		return fmt.Errorf("outbox message %s already exists", msg.ID)
	}
	st.outbox[msg.ID] = *msg
	st.outboxOrder = append(st.outboxOrder, msg.ID)
	return nil
}

func (r *outboxStore) GetPendingMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	defer r.s.lock(ctx)()
	st := &r.s.st

	var out []domain.OutboxMessage
	for _, id := range st.outboxOrder {
		if len(out) >= limit {
			break
		}
		if msg := st.outbox[id]; msg.Status == domain.OutboxStatusPending {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (r *outboxStore) UpdateMessageStatus(ctx context.Context, id string, status domain.OutboxMessageStatus) error {
	defer r.s.lock(ctx)()
	msg, ok := r.s.st.outbox[id]
	if !ok {
		return fmt.Errorf("no outbox message found with id %s to update status", id)
	}
	msg.Status = status
	if status == domain.OutboxStatusSent {
		now := time.Now()
		msg.SentAt = &now
	}
	r.s.st.outbox[id] = msg
	return nil
}

// All returns every outbox message, oldest first.
func (r *outboxStore) All(ctx context.Context) []domain.OutboxMessage {
	defer r.s.lock(ctx)()
	out := make([]domain.OutboxMessage, 0, len(r.s.st.outboxOrder))
	for _, id := range r.s.st.outboxOrder {
		out = append(out, r.s.st.outbox[id])
	}
	return out
}
