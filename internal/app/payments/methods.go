package payments

import (
	"context"
	"errors"
	"fmt"

	"paycore/internal/domain"
	"paycore/internal/gateway"
	"paycore/internal/util"
)

// ProcessRequest carries the submit fields a payment method may need besides
// the transaction row itself.
type ProcessRequest struct {
	Description string
	CallbackURL string
}

// Outcome is what a payment method reports for a freshly created transaction.
type Outcome struct {
	Status       domain.TransactionStatus
	Handle       *domain.GatewayHandle
	Instructions map[string]string
}

// MethodProcessor handles one payment method. Atomic processors run inside
// the database transaction that created the PENDING row; the others run
// after it commits because they block on external I/O.
type MethodProcessor interface {
	Method() domain.PaymentMethod
	Atomic() bool
	Process(ctx context.Context, txn *domain.Transaction, req ProcessRequest) (*Outcome, error)
}

type Registry struct {
	processors map[domain.PaymentMethod]MethodProcessor
}

func NewRegistry(processors ...MethodProcessor) *Registry {
	r := &Registry{processors: make(map[domain.PaymentMethod]MethodProcessor, len(processors))}
	for _, p := range processors {
		r.processors[p.Method()] = p
	}
	return r
}

func (r *Registry) Lookup(method domain.PaymentMethod) (MethodProcessor, error) {
	p, ok := r.processors[method]
	if !ok {
		return nil, domain.ValidationError("payment method %s is not enabled", method)
	}
	return p, nil
}

type walletProcessor struct {
	ledger WalletLedger
}

func NewWalletProcessor(ledger WalletLedger) MethodProcessor {
	return &walletProcessor{ledger: ledger}
}

func (p *walletProcessor) Method() domain.PaymentMethod { return domain.PaymentMethodWallet }
func (p *walletProcessor) Atomic() bool                 { return true }

func (p *walletProcessor) Process(ctx context.Context, txn *domain.Transaction, _ ProcessRequest) (*Outcome, error) {
	if _, err := p.ledger.Debit(ctx, txn.UserID, txn.Amount); err != nil {
		return nil, err
	}
	return &Outcome{Status: domain.TransactionStatusCompleted}, nil
}

// manualProcessor answers with transfer instructions and a reference the
// payer quotes in the transfer. An operator confirms the payment later.
type manualProcessor struct {
	method       domain.PaymentMethod
	prefix       string
	instructions map[string]string
}

type CardTransferDetails struct {
	CardNumber string
	CardHolder string
}

type BankTransferDetails struct {
	AccountNumber string
	BankName      string
	AccountHolder string
}

func NewCardProcessor(details CardTransferDetails) MethodProcessor {
	return &manualProcessor{
		method: domain.PaymentMethodCard,
		prefix: "CRD",
		instructions: map[string]string{
			"card_number": details.CardNumber,
			"card_holder": details.CardHolder,
		},
	}
}

func NewBankProcessor(details BankTransferDetails) MethodProcessor {
	return &manualProcessor{
		method: domain.PaymentMethodBank,
		prefix: "BNK",
		instructions: map[string]string{
			"account_number": details.AccountNumber,
			"bank_name":      details.BankName,
			"account_holder": details.AccountHolder,
		},
	}
}

func (p *manualProcessor) Method() domain.PaymentMethod { return p.method }
func (p *manualProcessor) Atomic() bool                 { return true }

func (p *manualProcessor) Process(_ context.Context, txn *domain.Transaction, _ ProcessRequest) (*Outcome, error) {
	reference := util.GenerateReference(p.prefix)
	instructions := make(map[string]string, len(p.instructions)+2)
	for k, v := range p.instructions {
		instructions[k] = v
	}
	instructions["reference"] = reference
	instructions["amount"] = txn.Amount.StringFixed(2)

	return &Outcome{
		Status: domain.TransactionStatusPending,
		Handle: &domain.GatewayHandle{
			Authority: reference,
			Metadata:  map[string]any{metaInstructions: instructions},
		},
		Instructions: instructions,
	}, nil
}

// Retrier runs a gateway call under a retry policy.
type Retrier interface {
	Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error
}

type gatewayProcessor struct {
	client gateway.Client
	retry  Retrier
}

func NewGatewayProcessor(client gateway.Client, retry Retrier) MethodProcessor {
	return &gatewayProcessor{client: client, retry: retry}
}

func (p *gatewayProcessor) Method() domain.PaymentMethod { return domain.PaymentMethodGateway }
func (p *gatewayProcessor) Atomic() bool                 { return false }

func (p *gatewayProcessor) Process(ctx context.Context, txn *domain.Transaction, req ProcessRequest) (*Outcome, error) {
	metadata := map[string]string{"transaction_id": txn.ID}
	if txn.OrderID != nil {
		metadata["order_id"] = *txn.OrderID
	}

	var handle *gateway.PaymentHandle
	err := p.retry.Run(ctx, "request_payment", func(ctx context.Context) error {
		h, err := p.client.RequestPayment(ctx, gateway.PaymentRequest{
			Amount:      txn.Amount,
			Description: req.Description,
			CallbackURL: req.CallbackURL,
			Metadata:    metadata,
		})
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	if handle == nil || handle.Authority == "" {
		return nil, fmt.Errorf("gateway returned no authority: %w", domain.ErrGatewayError)
	}

	return &Outcome{
		Status: domain.TransactionStatusPending,
		Handle: &domain.GatewayHandle{Authority: handle.Authority, PaymentURL: handle.PaymentURL},
	}, nil
}

// businessFailure reports whether err is a decision that should settle the
// transaction as FAILED rather than abort the request.
func businessFailure(err error) bool {
	return errors.Is(err, domain.ErrInsufficientBalance) || errors.Is(err, domain.ErrGatewayError)
}
