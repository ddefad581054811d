// Package ingest connects the scoring pipeline to Kafka: a consumer that
// scores transactions from a topic and a publisher that emits high-risk
// alerts to another.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/logging"
	"github.com/cognativeshield/fraudguard/internal/metrics"
	"github.com/cognativeshield/fraudguard/internal/retry"
)

// Outcomes recorded for each consumed message.
const (
	OutcomeProcessed = "processed"
	OutcomeInvalid   = "invalid"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Processor scores and persists one transaction.
type Processor interface {
	Process(ctx context.Context, tx *fraud.Transaction) (*fraud.PredictionResult, error)
}

// ReaderConfig configures the transaction topic reader.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader creates a consumer-group reader. Offsets are committed
// explicitly after each message is handled.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		SessionTimeout: 30 * time.Second,
	})
}

// Consumer reads transactions from Kafka and feeds them to the pipeline.
type Consumer struct {
	reader    MessageReader
	processor Processor
	policy    retry.Policy
	logger    *slog.Logger
}

// NewConsumer creates a consumer. Transient persistence failures are
// retried with policy before the message is given up on.
func NewConsumer(reader MessageReader, processor Processor, policy retry.Policy, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: reader, processor: processor, policy: policy, logger: logger}
}

// Run consumes until ctx is cancelled. Every fetched message is committed
// once handled, including ones that could not be scored, so a poison
// message cannot stall the partition.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("transaction consumer started")
	defer c.logger.Info("transaction consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		outcome := c.Handle(ctx, msg)
		metrics.KafkaMessagesTotal.WithLabelValues(outcome).Inc()

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Handle decodes and processes one message and reports the outcome.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) string {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)
	ctx = logging.WithLogger(ctx, log)

	var req fraud.TransactionRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		log.Warn("dropping undecodable transaction message", "error", err)
		return OutcomeInvalid
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	tx := req.Transaction(ts.UTC())

	err := c.policy.Do(ctx, func(ctx context.Context) error {
		_, err := c.processor.Process(ctx, tx)
		if err == nil {
			return nil
		}
		// Only store outages are worth another attempt.
		if errors.Is(err, fraud.ErrPersistence) && !errors.Is(err, fraud.ErrDuplicateTransaction) {
			return err
		}
		return retry.Permanent(err)
	})

	switch {
	case err == nil:
		return OutcomeProcessed
	case errors.Is(err, fraud.ErrValidation):
		log.Warn("dropping invalid transaction", "transaction_id", tx.ID, "error", err)
		return OutcomeInvalid
	case errors.Is(err, fraud.ErrDuplicateTransaction):
		log.Info("skipping already processed transaction", "transaction_id", tx.ID)
		return OutcomeDuplicate
	default:
		log.Error("failed to process transaction", "transaction_id", tx.ID, "error", err)
		return OutcomeFailed
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
