package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paycore/internal/app/payments"
	"paycore/internal/domain"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveManual(ctx context.Context, transactionID string, approve bool, refID string) (*payments.PaymentResult, error) {
	args := m.Called(ctx, transactionID, approve, refID)
	res, _ := args.Get(0).(*payments.PaymentResult)
	return res, args.Error(1)
}

func TestAdminDecisionMessageHandler(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		value   string
		setup   func(m *mockResolver)
		wantErr bool
	}{
		{
			name:  "approve",
			value: `{"transaction_id":"t1","decision":"approve","ref_id":"TRK-1"}`,
			setup: func(m *mockResolver) {
				m.On("ResolveManual", ctx, "t1", true, "TRK-1").
					Return(&payments.PaymentResult{TransactionID: "t1", Status: domain.TransactionStatusCompleted}, nil).Once()
			},
		},
		{
			name:  "reject",
			value: `{"transaction_id":"t2","decision":"REJECTED"}`,
			setup: func(m *mockResolver) {
				m.On("ResolveManual", ctx, "t2", false, "").
					Return(&payments.PaymentResult{TransactionID: "t2", Status: domain.TransactionStatusFailed}, nil).Once()
			},
		},
		{name: "malformed json is committed", value: `{"transaction_id":`},
		{name: "unknown decision is committed", value: `{"transaction_id":"t3","decision":"maybe"}`},
		{
			name:  "unknown transaction is committed",
			value: `{"transaction_id":"t4","decision":"approve"}`,
			setup: func(m *mockResolver) {
				m.On("ResolveManual", ctx, "t4", true, "").Return(nil, domain.ErrTransactionNotFound).Once()
			},
		},
		{
			name:  "infrastructure failure is retried",
			value: `{"transaction_id":"t5","decision":"approve"}`,
			setup: func(m *mockResolver) {
				m.On("ResolveManual", ctx, "t5", true, "").Return(nil, errors.New("connection reset")).Once()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := new(mockResolver)
			if tt.setup != nil {
				tt.setup(resolver)
			}
			handler := AdminDecisionMessageHandler(resolver, zap.NewNop())

			err := handler(ctx, kafka.Message{Value: []byte(tt.value)})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			resolver.AssertExpectations(t)
			if tt.setup == nil {
				assert.Empty(t, resolver.Calls)
			}
		})
	}
}
