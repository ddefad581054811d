// Package webhooks delivers fraud alerts to external HTTP endpoints.
//
// Every HIGH_RISK prediction is POSTed as a signed JSON event to each
// configured target. Deliveries run in the background with retries, and a
// target that keeps failing is skipped until its circuit closes again.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cognativeshield/fraudguard/internal/circuitbreaker"
	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/idgen"
	"github.com/cognativeshield/fraudguard/internal/retry"
	"github.com/cognativeshield/fraudguard/internal/security"
)

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-FraudGuard-Event"
	HeaderTimestamp = "X-FraudGuard-Timestamp"
	HeaderSignature = "X-FraudGuard-Signature"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 32
)

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fraudguard",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Alert webhook deliveries by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// EventType names the kind of webhook event.
type EventType string

const EventFraudAlert EventType = "fraud.alert"

// Event is the JSON body of a delivery.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      fraud.Alert `json:"data"`
}

// Target is one receiving endpoint. A non-empty Secret signs the body.
type Target struct {
	URL    string
	Secret string
}

// Dispatcher is a fraud.Notifier that posts HIGH_RISK alerts to targets.
type Dispatcher struct {
	targets      []Target
	client       *http.Client
	policy       retry.Policy
	breaker      *circuitbreaker.Breaker
	urlValidator func(ctx context.Context, rawURL string) error
	logger       *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBreaker shares a circuit breaker keyed by target URL.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithRetryPolicy overrides the per-delivery retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithConcurrency bounds in-flight deliveries; extra alerts are dropped.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// NewDispatcher creates a dispatcher for targets.
func NewDispatcher(targets []Target, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		targets: targets,
		client:  &http.Client{Timeout: defaultTimeout},
		policy:  retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		urlValidator: func(ctx context.Context, rawURL string) error {
			return security.ValidateWebhookURL(ctx, rawURL, nil)
		},
		logger: logger,
		sem:    make(chan struct{}, defaultConcurrency),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify queues a delivery of result to every target when it is high risk.
// It returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, tx *fraud.Transaction, result *fraud.PredictionResult) {
	if !result.IsHighRisk() || len(d.targets) == 0 {
		return
	}

	event := &Event{
		ID:        idgen.EventID(),
		Type:      EventFraudAlert,
		Timestamp: time.Now().UTC(),
		Data:      fraud.NewAlert(tx, result),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		deliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Error("failed to encode webhook event", "transaction_id", tx.ID, "error", err)
		return
	}

	// Deliveries outlive the request that produced the alert.
	ctx = context.WithoutCancel(ctx)
	for _, target := range d.targets {
		select {
		case d.sem <- struct{}{}:
		default:
			deliveriesTotal.WithLabelValues("dropped").Inc()
			d.logger.Warn("webhook queue full, dropping alert", "transaction_id", tx.ID, "url", target.URL)
			continue
		}

		d.wg.Add(1)
		go func(target Target) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.deliver(ctx, target, event, payload)
		}(target)
	}
}

// Close waits for in-flight deliveries until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, target Target, event *Event, payload []byte) {
	if err := d.urlValidator(ctx, target.URL); err != nil {
		deliveriesTotal.WithLabelValues("rejected").Inc()
		d.logger.Error("webhook target rejected", "url", target.URL, "error", err)
		return
	}

	attempt := func() error {
		return d.policy.Do(ctx, func(ctx context.Context) error {
			return d.send(ctx, target, event, payload)
		})
	}

	var err error
	if d.breaker != nil {
		err = d.breaker.Do(target.URL, attempt)
	} else {
		err = attempt()
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		deliveriesTotal.WithLabelValues("skipped").Inc()
		d.logger.Warn("webhook circuit open, alert not delivered", "url", target.URL, "transaction_id", event.Data.TransactionID)
	case err != nil:
		deliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Error("webhook delivery failed", "url", target.URL, "transaction_id", event.Data.TransactionID, "error", err)
	default:
		deliveriesTotal.WithLabelValues("ok").Inc()
	}
}

// send makes one delivery attempt. Client errors other than 408 and 429
// are not retried.
func (d *Dispatcher) send(ctx context.Context, target Target, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if target.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, target.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret, as sent in
// the signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
