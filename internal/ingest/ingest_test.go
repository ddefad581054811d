package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognativeshield/fraudguard/internal/circuitbreaker"
	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/model"
	"github.com/cognativeshield/fraudguard/internal/retry"
)

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.queue = append(r.queue, kafka.Message{
			Offset: int64(i),
			Value:  []byte(v),
			Time:   time.Date(2024, 11, 5, 14, 0, i, 0, time.UTC),
		})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// flakyProcessor fails with a persistence error a set number of times.
type flakyProcessor struct {
	failures int
	calls    int
}

func (p *flakyProcessor) Process(_ context.Context, tx *fraud.Transaction) (*fraud.PredictionResult, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, fmt.Errorf("%w: connection reset", fraud.ErrPersistence)
	}
	return &fraud.PredictionResult{TransactionID: tx.ID}, nil
}

func newPipeline(t *testing.T, opts ...fraud.Option) *fraud.Pipeline {
	t.Helper()
	artifact, err := model.Default()
	require.NoError(t, err)
	p, err := fraud.NewPipeline(fraud.NewMemoryStore(), artifact, opts...)
	require.NoError(t, err)
	return p
}

func txJSON(id string, userID int64, amount int, location string) string {
	return fmt.Sprintf(`{"transactionId":%q,"userId":%d,"amount":%d,"location":%q,"deviceId":"Android_A","merchantId":"paytm@upi"}`,
		id, userID, amount, location)
}

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func TestConsumer_RunCommitsEveryMessage(t *testing.T) {
	reader := newFakeReader(
		txJSON("TXN-1", 1001, 500, "Mumbai"),
		"not json",
		txJSON("TXN-2", 1001, 500, "Chennai"),
		txJSON("TXN-1", 1001, 500, "Mumbai"),
	)
	c := NewConsumer(reader, newPipeline(t), fastRetry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1, 2, 3}, reader.committed)
}

func TestConsumer_HandleOutcomes(t *testing.T) {
	c := NewConsumer(newFakeReader(), newPipeline(t), fastRetry, nil)
	ctx := context.Background()
	at := time.Date(2024, 11, 5, 3, 0, 0, 0, time.UTC)

	msg := kafka.Message{Value: []byte(txJSON("TXN-1", 1001, 500, "Mumbai")), Time: at}
	assert.Equal(t, OutcomeProcessed, c.Handle(ctx, msg))
	assert.Equal(t, OutcomeDuplicate, c.Handle(ctx, msg))
	assert.Equal(t, OutcomeInvalid, c.Handle(ctx, kafka.Message{Value: []byte("{")}))
	assert.Equal(t, OutcomeInvalid, c.Handle(ctx, kafka.Message{Value: []byte(txJSON("TXN-2", 1001, 0, "Mumbai"))}))
}

func TestConsumer_RetriesPersistenceFailures(t *testing.T) {
	ctx := context.Background()
	msg := kafka.Message{Value: []byte(txJSON("TXN-1", 1001, 500, "Mumbai")), Time: time.Now()}

	recovers := &flakyProcessor{failures: 2}
	c := NewConsumer(newFakeReader(), recovers, fastRetry, nil)
	assert.Equal(t, OutcomeProcessed, c.Handle(ctx, msg))
	assert.Equal(t, 3, recovers.calls)

	stays := &flakyProcessor{failures: 10}
	c = NewConsumer(newFakeReader(), stays, fastRetry, nil)
	assert.Equal(t, OutcomeFailed, c.Handle(ctx, msg))
	assert.Equal(t, 3, stays.calls)
}

// brokenCommitStore fails the first commits, then recovers.
type brokenCommitStore struct {
	*fraud.MemoryStore
	failures int
}

func (s *brokenCommitStore) CommitTransaction(ctx context.Context, tx *fraud.Transaction, r *fraud.PredictionResult, next *fraud.UserProfile) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.CommitTransaction(ctx, tx, r, next)
}

func TestConsumer_RetryAppliesProfileUpdate(t *testing.T) {
	ctx := context.Background()
	store := &brokenCommitStore{MemoryStore: fraud.NewMemoryStore(), failures: 1}
	artifact, err := model.Default()
	require.NoError(t, err)
	p, err := fraud.NewPipeline(store, artifact)
	require.NoError(t, err)

	c := NewConsumer(newFakeReader(), p, fastRetry, nil)
	msg := kafka.Message{Value: []byte(txJSON("TXN-1", 1001, 500, "Mumbai")), Time: time.Now()}
	assert.Equal(t, OutcomeProcessed, c.Handle(ctx, msg))

	profile, err := store.GetProfile(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.TransactionCount)
	assert.InDelta(t, 500.0, profile.AvgAmount, 1e-9)
}

func TestConsumer_MessageTimeBecomesTimestamp(t *testing.T) {
	var got *fraud.Transaction
	proc := processorFunc(func(_ context.Context, tx *fraud.Transaction) (*fraud.PredictionResult, error) {
		got = tx
		return &fraud.PredictionResult{}, nil
	})
	c := NewConsumer(newFakeReader(), proc, fastRetry, nil)
	at := time.Date(2024, 11, 5, 2, 30, 0, 0, time.UTC)

	c.Handle(context.Background(), kafka.Message{Value: []byte(txJSON("", 1001, 500, "Mumbai")), Time: at})

	require.NotNil(t, got)
	assert.Equal(t, at, got.Timestamp)
	assert.Equal(t, 2, got.Hour)
	assert.NotEmpty(t, got.ID)
}

type processorFunc func(context.Context, *fraud.Transaction) (*fraud.PredictionResult, error)

func (f processorFunc) Process(ctx context.Context, tx *fraud.Transaction) (*fraud.PredictionResult, error) {
	return f(ctx, tx)
}

func TestAlertPublisher_OnlyHighRisk(t *testing.T) {
	w := &fakeWriter{}
	pub := NewAlertPublisher(w, nil)
	tx := &fraud.Transaction{ID: "TXN-1", UserID: 1002, Amount: decimal.NewFromInt(5000), Location: "Mumbai"}

	pub.Notify(context.Background(), tx, &fraud.PredictionResult{RiskLabel: fraud.RiskLabelLow})
	assert.Empty(t, w.msgs)

	pub.Notify(context.Background(), tx, &fraud.PredictionResult{
		RiskLabel:        fraud.RiskLabelHigh,
		FraudProbability: 0.98,
		Explanations:     []string{"New device detected"},
	})
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "1002", string(w.msgs[0].Key))

	var alert fraud.Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &alert))
	assert.Equal(t, "5000", alert.Amount)
	assert.Equal(t, fraud.RiskLabelHigh, alert.RiskLabel)
}

func TestAlertPublisher_WriteFailureDoesNotPanic(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	pub := NewAlertPublisher(w, nil)
	tx := &fraud.Transaction{ID: "TXN-1", UserID: 1002, Amount: decimal.NewFromInt(5000)}

	pub.Notify(context.Background(), tx, &fraud.PredictionResult{RiskLabel: fraud.RiskLabelHigh})
	assert.Empty(t, w.msgs)
}

func TestAlertPublisher_AsPipelineNotifier(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	store := fraud.NewMemoryStore()
	require.NoError(t, store.SaveProfile(ctx, &fraud.UserProfile{
		UserID:           1002,
		AvgAmount:        500,
		TransactionCount: 10,
		UsualLocation:    "Delhi",
		DevicesSeen:      fraud.NewStringSet("iPhone_X"),
		LocationsSeen:    fraud.NewStringSet("Delhi"),
		MerchantsSeen:    fraud.NewStringSet("paytm@upi"),
	}))
	artifact, err := model.Default()
	require.NoError(t, err)
	p, err := fraud.NewPipeline(store, artifact, fraud.WithNotifier(NewAlertPublisher(w, nil)))
	require.NoError(t, err)

	_, err = p.Process(ctx, &fraud.Transaction{
		ID:         "TXN-2",
		UserID:     1002,
		Amount:     decimal.NewFromInt(5000),
		Timestamp:  time.Date(2024, 11, 5, 2, 0, 0, 0, time.UTC),
		Hour:       2,
		Location:   "Mumbai",
		DeviceID:   "Android_B",
		MerchantID: "paytm@upi",
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	var alert fraud.Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &alert))
	assert.Equal(t, "TXN-2", alert.TransactionID)
	assert.Equal(t, "logreg-upi-2024.11", alert.ModelVersion)
	assert.Len(t, alert.Explanations, 4)
}

type countingWriter struct {
	fakeWriter
	calls int
}

func (w *countingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.calls++
	return w.fakeWriter.WriteMessages(ctx, msgs...)
}

func TestAlertPublisher_BreakerSkipsDeadBroker(t *testing.T) {
	w := &countingWriter{fakeWriter: fakeWriter{err: errors.New("broker unavailable")}}
	pub := NewAlertPublisher(w, nil, WithBreaker(circuitbreaker.New(2, time.Hour)))
	tx := &fraud.Transaction{ID: "TXN-1", UserID: 1002, Amount: decimal.NewFromInt(5000)}
	high := &fraud.PredictionResult{RiskLabel: fraud.RiskLabelHigh}

	for i := 0; i < 5; i++ {
		pub.Notify(context.Background(), tx, high)
	}
	assert.Equal(t, 2, w.calls, "writes should stop once the circuit opens")
}
