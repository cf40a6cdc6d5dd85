package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paycore/internal/domain"
	"paycore/internal/repository/memory"
)

type sentMessage struct {
	key, topic string
	value      string
}

type fakeProducer struct {
	mu     sync.Mutex
	sent   []sentMessage
	failOn string
}

func (f *fakeProducer) Produce(_ context.Context, key, topic string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failOn {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, sentMessage{key: key, topic: topic, value: string(value)})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func seed(t *testing.T, store *memory.Store, keys ...string) {
	t.Helper()
	for i, key := range keys {
		require.NoError(t, store.Outbox().CreateMessage(context.Background(), &domain.OutboxMessage{
			ID:          key + "-msg",
			AggregateID: key,
			EventType:   domain.EventPaymentCompleted,
			Topic:       "payment_status_updates",
			Key:         key,
			Payload:     []byte(`{"transaction_id":"` + key + `"}`),
			Status:      domain.OutboxStatusPending,
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}
}

func newTestProcessor(store *memory.Store, producer *fakeProducer, batch int) *Processor {
	return NewProcessor(store, store.Outbox(), producer, Config{
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Second,
		BatchSize:    batch,
	}, zap.NewNop())
}

func TestProcessor_RelaysInOrderAndMarksSent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	producer := &fakeProducer{}
	seed(t, store, "t1", "t2", "t3")
	p := newTestProcessor(store, producer, 2)

	n, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, producer.sent, 3)
	for i, key := range []string{"t1", "t2", "t3"} {
		assert.Equal(t, key, producer.sent[i].key)
		assert.Equal(t, "payment_status_updates", producer.sent[i].topic)
	}
	for _, msg := range store.Outbox().All(ctx) {
		assert.Equal(t, domain.OutboxStatusSent, msg.Status)
		assert.NotNil(t, msg.SentAt)
	}
}

func TestProcessor_StopsBatchAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	producer := &fakeProducer{failOn: "t2"}
	seed(t, store, "t1", "t2", "t3")
	p := newTestProcessor(store, producer, 10)

	n, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	statuses := map[string]domain.OutboxMessageStatus{}
	for _, msg := range store.Outbox().All(ctx) {
		statuses[msg.Key] = msg.Status
	}
	assert.Equal(t, domain.OutboxStatusSent, statuses["t1"])
	assert.Equal(t, domain.OutboxStatusPending, statuses["t2"])
	assert.Equal(t, domain.OutboxStatusPending, statuses["t3"])

	producer.failOn = ""
	n, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestProcessor_StartStopsWithContext(t *testing.T) {
	store := memory.NewStore()
	producer := &fakeProducer{}
	seed(t, store, "t1")
	p := newTestProcessor(store, producer, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return producer.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
