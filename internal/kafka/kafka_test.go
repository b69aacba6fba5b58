package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stock-reservation-service/internal/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failKeys map[string]bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, msg := range msgs {
		if w.failKeys[string(msg.Key)] {
			return errors.New("broker unavailable")
		}
		w.messages = append(w.messages, msg)
	}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	drained   chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	close(r.drained)
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type MockOutboxStore struct {
	mock.Mock
}

func (m *MockOutboxStore) TryAcquireOutboxLock(ctx context.Context, lockKey int64) (bool, error) {
	args := m.Called(ctx, lockKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockOutboxStore) ReleaseOutboxLock(ctx context.Context, lockKey int64) error {
	args := m.Called(ctx, lockKey)
	return args.Error(0)
}

func (m *MockOutboxStore) FetchOutboxBatchOrdered(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.OutboxEvent), args.Error(1)
}

func (m *MockOutboxStore) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockOutboxStore) IncrementPublishAttempts(ctx context.Context, id int64, lastError string) error {
	args := m.Called(ctx, id, lastError)
	return args.Error(0)
}

func (m *MockOutboxStore) CleanupPublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type orderHandlerFunc func(ctx context.Context, event *models.OrderEvent) error

func (f orderHandlerFunc) HandleOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	return f(ctx, event)
}

func TestPublisher_ProcessOutboxBatch_RoutesByType(t *testing.T) {
	events, state := &fakeWriter{}, &fakeWriter{}
	p := &Publisher{eventsWriter: events, stateWriter: state}
	outbox := new(MockOutboxStore)

	batch := []models.OutboxEvent{
		{ID: 1, EventType: models.EventTypeStockReserved, Key: "A", Payload: `{"product_id":"A"}`},
		{ID: 2, EventType: models.EventTypeStockState, Key: "A", Payload: `{"product_id":"A","available_qty":3}`},
	}
	outbox.On("TryAcquireOutboxLock", mock.Anything, int64(42)).Return(true, nil)
	outbox.On("ReleaseOutboxLock", mock.Anything, int64(42)).Return(nil)
	outbox.On("FetchOutboxBatchOrdered", mock.Anything, 10).Return(batch, nil)
	outbox.On("MarkOutboxPublished", mock.Anything, []int64{1, 2}).Return(nil)

	n, err := p.processOutboxBatch(context.Background(), outbox, 42, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, events.messages, 1)
	assert.Equal(t, "A", string(events.messages[0].Key))
	require.Len(t, state.messages, 1)
	assert.JSONEq(t, batch[1].Payload, string(state.messages[0].Value))

	outbox.AssertExpectations(t)
}

func TestPublisher_ProcessOutboxBatch_FailureBlocksSameKey(t *testing.T) {
	events := &fakeWriter{failKeys: map[string]bool{"A": true}}
	p := &Publisher{eventsWriter: events, stateWriter: &fakeWriter{failKeys: map[string]bool{"A": true}}}
	outbox := new(MockOutboxStore)

	batch := []models.OutboxEvent{
		{ID: 1, EventType: models.EventTypeStockReserved, Key: "A", Payload: `{}`},
		{ID: 2, EventType: models.EventTypeStockReserved, Key: "B", Payload: `{}`},
		{ID: 3, EventType: models.EventTypeStockReleased, Key: "A", Payload: `{}`},
	}
	outbox.On("TryAcquireOutboxLock", mock.Anything, int64(1)).Return(true, nil)
	outbox.On("ReleaseOutboxLock", mock.Anything, int64(1)).Return(nil)
	outbox.On("FetchOutboxBatchOrdered", mock.Anything, 100).Return(batch, nil)
	outbox.On("IncrementPublishAttempts", mock.Anything, int64(1), mock.Anything).Return(nil).Once()
	outbox.On("MarkOutboxPublished", mock.Anything, []int64{2}).Return(nil)

	n, err := p.processOutboxBatch(context.Background(), outbox, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	outbox.AssertExpectations(t)
	outbox.AssertNotCalled(t, "IncrementPublishAttempts", mock.Anything, int64(3), mock.Anything)
}

func TestPublisher_ProcessOutboxBatch_LockHeldElsewhere(t *testing.T) {
	p := &Publisher{eventsWriter: &fakeWriter{}, stateWriter: &fakeWriter{}}
	outbox := new(MockOutboxStore)
	outbox.On("TryAcquireOutboxLock", mock.Anything, int64(7)).Return(false, nil)

	n, err := p.processOutboxBatch(context.Background(), outbox, 7, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
	outbox.AssertNotCalled(t, "FetchOutboxBatchOrdered", mock.Anything, mock.Anything)
}

func TestConsumer_ConsumeOrderEvents(t *testing.T) {
	valid, err := json.Marshal(models.OrderEvent{EventID: "e-1", EventType: models.OrderEventCancelled, OrderID: "order-1"})
	require.NoError(t, err)

	reader := &fakeReader{
		drained: make(chan struct{}),
		pending: []kafka.Message{
			{Offset: 1, Value: []byte("not json")},
			{Offset: 2, Value: valid},
			{Offset: 3, Value: []byte(`{"event_type":"order_cancelled"}`)},
		},
	}
	c := &Consumer{ordersReader: reader, maxRetries: 2, baseBackoff: time.Millisecond}

	var handled []string
	handler := orderHandlerFunc(func(_ context.Context, event *models.OrderEvent) error {
		handled = append(handled, event.OrderID)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ConsumeOrderEvents(ctx, handler) }()

	<-reader.drained
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"order-1"}, handled)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
}

func TestConsumer_WithRetry(t *testing.T) {
	c := &Consumer{maxRetries: 2, baseBackoff: time.Millisecond}

	attempts := 0
	err := c.withRetry(context.Background(), "e-1", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = c.withRetry(context.Background(), "e-2", func() error {
		attempts++
		return models.NewValidationError("order_id", "missing", "")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = c.withRetry(context.Background(), "e-3", func() error {
		attempts++
		return errors.New("still down")
	})
	assert.ErrorContains(t, err, "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestIsNonRetryableError(t *testing.T) {
	assert.False(t, isNonRetryableError(nil))
	assert.False(t, isNonRetryableError(errors.New("connection reset")))
	assert.False(t, isNonRetryableError(models.NewStoreError("release", "A", errors.New("timeout"))))
	assert.True(t, isNonRetryableError(models.NewInsufficientStockError("A", 2, 1)))
	assert.True(t, isNonRetryableError(models.NewReservationNotFoundError("A", "order-1")))
	assert.True(t, isNonRetryableError(errMalformed))
}

func TestDecodeStockState(t *testing.T) {
	state, err := decodeStockState([]byte(`{"product_id":"A","available_qty":4,"reserved_qty":1,"version":7}`))
	require.NoError(t, err)
	assert.Equal(t, "A", state.ProductID)
	assert.Equal(t, int64(7), state.Version)

	_, err = decodeStockState([]byte(`{"available_qty":4}`))
	assert.ErrorIs(t, err, errMalformed)

	_, err = decodeStockState([]byte(`{`))
	assert.ErrorIs(t, err, errMalformed)
}
