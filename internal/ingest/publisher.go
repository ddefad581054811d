package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cognativeshield/fraudguard/internal/circuitbreaker"
	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/metrics"
)

const publishTimeout = 2 * time.Second

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter creates a writer for the alert topic. Alerts for a user hash to
// the same partition, so they stay ordered.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
	}
}

// breakerKey names the alert topic in the shared circuit breaker.
const breakerKey = "kafka"

// AlertPublisher is a fraud.Notifier that forwards HIGH_RISK results.
type AlertPublisher struct {
	writer  MessageWriter
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
}

// PublisherOption configures an AlertPublisher.
type PublisherOption func(*AlertPublisher)

// WithBreaker skips publishing while the broker keeps failing.
func WithBreaker(b *circuitbreaker.Breaker) PublisherOption {
	return func(p *AlertPublisher) { p.breaker = b }
}

// NewAlertPublisher wraps writer.
func NewAlertPublisher(writer MessageWriter, logger *slog.Logger, opts ...PublisherOption) *AlertPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AlertPublisher{writer: writer, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify publishes result if it is high risk. Failures are logged and
// counted; the transaction is already persisted at this point.
func (p *AlertPublisher) Notify(ctx context.Context, tx *fraud.Transaction, result *fraud.PredictionResult) {
	if !result.IsHighRisk() {
		return
	}

	value, err := json.Marshal(fraud.NewAlert(tx, result))
	if err != nil {
		metrics.AlertsPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Error("failed to encode alert", "transaction_id", tx.ID, "error", err)
		return
	}

	// The request context may end as soon as the response is written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	write := func() error {
		return p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(strconv.FormatInt(tx.UserID, 10)),
			Value: value,
			Time:  result.ScoredAt,
		})
	}
	if p.breaker != nil {
		err = p.breaker.Do(breakerKey, write)
	} else {
		err = write()
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.AlertsPublishedTotal.WithLabelValues("skipped").Inc()
		p.logger.Warn("alert topic circuit open, alert not published", "transaction_id", tx.ID)
	case err != nil:
		metrics.AlertsPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Error("failed to publish fraud alert", "transaction_id", tx.ID, "error", err)
	default:
		metrics.AlertsPublishedTotal.WithLabelValues("ok").Inc()
	}
}

// Close flushes and closes the writer.
func (p *AlertPublisher) Close() error {
	return p.writer.Close()
}
