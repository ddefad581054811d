package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cognativeshield/fraudguard/internal/logging"
	"github.com/cognativeshield/fraudguard/internal/metrics"
	"github.com/cognativeshield/fraudguard/internal/model"
	"github.com/cognativeshield/fraudguard/internal/syncutil"
	"github.com/cognativeshield/fraudguard/internal/traces"
)

// Notifier receives every successfully persisted prediction. Implementations
// must not block for long; they run on the caller's goroutine after the
// user lock has been released.
type Notifier interface {
	Notify(ctx context.Context, tx *Transaction, result *PredictionResult)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, tx *Transaction, result *PredictionResult)

func (f NotifierFunc) Notify(ctx context.Context, tx *Transaction, result *PredictionResult) {
	f(ctx, tx, result)
}

// Pipeline scores transactions and keeps user profiles current.
type Pipeline struct {
	store     Store
	engineer  *FeatureEngineer
	scorer    *ScoringEngine
	explainer *Explainer
	velocity  *VelocityTracker
	locks     *syncutil.UserLocks
	notifiers []Notifier
	logger    *slog.Logger
	info      model.Info

	storeTimeout     time.Duration
	window           time.Duration
	strictVocabulary bool
	now              func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithStoreTimeout bounds every individual store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.storeTimeout = d
		}
	}
}

// WithVelocityWindow sets the trailing window for transaction velocity.
func WithVelocityWindow(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithStrictVocabulary controls whether out-of-vocabulary categories are
// rejected (true, the default) or scored with an all-zero one-hot group.
func WithStrictVocabulary(strict bool) Option {
	return func(p *Pipeline) { p.strictVocabulary = strict }
}

// WithNotifier adds a subscriber for persisted predictions.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifiers = append(p.notifiers, n) }
}

// WithLockShards sizes the per-user lock table.
func WithLockShards(n int) Option {
	return func(p *Pipeline) { p.locks = syncutil.NewUserLocks(n) }
}

// WithClock overrides the time source used for ScoredAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline validates the artifact against the feature layout and wires
// the scoring components. A layout mismatch returns ErrConfiguration.
func NewPipeline(store Store, artifact *model.Artifact, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: model artifact is required", ErrConfiguration)
	}

	engineer, err := NewFeatureEngineer(artifact)
	if err != nil {
		return nil, err
	}
	scorer, err := NewScoringEngine(artifact)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:            store,
		engineer:         engineer,
		scorer:           scorer,
		logger:           slog.Default(),
		info:             artifact.Info(),
		storeTimeout:     DefaultStoreTimeout,
		window:           DefaultVelocityWindow,
		strictVocabulary: true,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locks == nil {
		p.locks = syncutil.NewUserLocks(syncutil.DefaultShards)
	}
	p.velocity = NewVelocityTracker(store, p.window)
	p.explainer = NewExplainer(p.window)

	metrics.ModelInfo.WithLabelValues(artifact.Version).Set(artifact.Threshold)
	return p, nil
}

// ModelInfo describes the loaded model.
func (p *Pipeline) ModelInfo() model.Info { return p.info }

// Threshold returns the decision threshold.
func (p *Pipeline) Threshold() float64 { return p.scorer.Threshold() }

// Process scores tx, persists it with its result, and folds it into the
// user's profile. Transactions for the same user are serialized.
//
// If persistence fails after scoring, the computed result is returned along
// with an error wrapping ErrPersistence, and the profile is left unchanged.
func (p *Pipeline) Process(ctx context.Context, tx *Transaction) (*PredictionResult, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "fraud.Process")
	defer span.End()

	if err := Validate(tx, p.strictVocabulary); err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues("validation").Inc()
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.UserID(tx.UserID), traces.TransactionID(tx.ID), traces.Amount(tx.Amount.String()))
	ctx = p.withLogContext(ctx, tx)

	result, err := p.processLocked(ctx, tx)
	if result != nil {
		span.SetAttributes(traces.RiskLabel(string(result.RiskLabel)), traces.Probability(result.FraudProbability))
	}
	if err != nil {
		traces.Fail(span, err)
		return result, err
	}

	metrics.TransactionsScoredTotal.WithLabelValues(string(result.RiskLabel)).Inc()
	metrics.FraudProbability.Observe(result.FraudProbability)
	metrics.ScoringDuration.WithLabelValues("process").Observe(time.Since(start).Seconds())

	log := logging.L(ctx)
	if result.IsHighRisk() {
		log.Warn("high risk transaction",
			"probability", result.FraudProbability,
			"reasons", len(result.Explanations),
		)
	} else {
		log.Debug("transaction scored", "probability", result.FraudProbability)
	}

	for _, n := range p.notifiers {
		n.Notify(ctx, tx, result)
	}
	return result, nil
}

func (p *Pipeline) processLocked(ctx context.Context, tx *Transaction) (*PredictionResult, error) {
	unlock, err := p.locks.LockUser(ctx, tx.UserID)
	if err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues("lock").Inc()
		return nil, fmt.Errorf("failed to lock user %d: %w", tx.UserID, err)
	}
	defer unlock()

	profile, err := p.loadProfile(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}

	result, err := p.score(ctx, tx, profile)
	if err != nil {
		return nil, err
	}

	// The transaction log and the profile move together, so a caller that
	// retries after a failure never finds one without the other.
	next := ApplyTransaction(profile, tx)
	err = p.withStoreTimeout(ctx, func(ctx context.Context) error {
		return p.store.CommitTransaction(ctx, tx, result, next)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			metrics.PipelineErrorsTotal.WithLabelValues("duplicate").Inc()
			logging.L(ctx).Warn("duplicate transaction id, profile not updated")
		} else {
			metrics.PipelineErrorsTotal.WithLabelValues("persistence").Inc()
			metrics.PersistenceFailuresTotal.WithLabelValues("commit").Inc()
			logging.L(ctx).Error("failed to persist transaction, profile not updated", "error", err)
		}
		return result, fmt.Errorf("%w: commit transaction %s: %w", ErrPersistence, tx.ID, err)
	}

	return result, nil
}

// Evaluate scores tx against the current profile without persisting anything.
func (p *Pipeline) Evaluate(ctx context.Context, tx *Transaction) (*PredictionResult, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "fraud.Evaluate")
	defer span.End()

	if err := Validate(tx, p.strictVocabulary); err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.UserID(tx.UserID), traces.TransactionID(tx.ID))

	profile, err := p.loadProfile(ctx, tx.UserID)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	result, err := p.score(ctx, tx, profile)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	span.SetAttributes(traces.RiskLabel(string(result.RiskLabel)), traces.Probability(result.FraudProbability))
	metrics.ScoringDuration.WithLabelValues("evaluate").Observe(time.Since(start).Seconds())
	return result, nil
}

// BatchItem is one entry of a ProcessBatch response.
type BatchItem struct {
	TransactionID string            `json:"transactionId"`
	Result        *PredictionResult `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// ProcessBatch processes transactions in order, so later transactions for a
// user see the effects of earlier ones. A failure does not stop the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, txs []*Transaction) []BatchItem {
	items := make([]BatchItem, len(txs))
	for i, tx := range txs {
		if tx != nil {
			items[i].TransactionID = tx.ID
		}
		if err := ctx.Err(); err != nil {
			items[i].Error = err.Error()
			continue
		}
		result, err := p.Process(ctx, tx)
		items[i].Result = result
		if err != nil {
			items[i].Error = err.Error()
		}
	}
	return items
}

// Profile returns the stored profile for a user.
func (p *Pipeline) Profile(ctx context.Context, userID int64) (*UserProfile, error) {
	var profile *UserProfile
	err := p.withStoreTimeout(ctx, func(ctx context.Context) error {
		var err error
		profile, err = p.store.GetProfile(ctx, userID)
		return err
	})
	return profile, err
}

func (p *Pipeline) score(ctx context.Context, tx *Transaction, profile *UserProfile) (*PredictionResult, error) {
	var prior int
	err := p.withStoreTimeout(ctx, func(ctx context.Context) error {
		var err error
		prior, err = p.velocity.Count(ctx, tx.UserID, tx.Timestamp, tx.ID)
		return err
	})
	if err != nil {
		metrics.PersistenceFailuresTotal.WithLabelValues("recent_transactions").Inc()
		return nil, fmt.Errorf("%w: recent transactions for user %d: %w", ErrPersistence, tx.UserID, err)
	}
	// The transaction being scored counts toward its own velocity.
	velocity := prior + 1

	features := p.engineer.Build(tx, profile, velocity)
	prob := p.scorer.Score(features)

	return &PredictionResult{
		TransactionID:    tx.ID,
		UserID:           tx.UserID,
		FraudProbability: prob,
		RiskLabel:        p.scorer.Label(prob),
		Explanations:     p.explainer.Explain(tx, profile, features),
		Features:         features,
		ModelVersion:     p.scorer.Version(),
		ScoredAt:         p.now().UTC(),
	}, nil
}

// loadProfile returns the stored profile, or a fresh one for a new user.
func (p *Pipeline) loadProfile(ctx context.Context, userID int64) (*UserProfile, error) {
	profile, err := p.Profile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return NewProfile(userID), nil
	}
	if err != nil {
		metrics.PersistenceFailuresTotal.WithLabelValues("get_profile").Inc()
		return nil, fmt.Errorf("%w: get profile for user %d: %w", ErrPersistence, userID, err)
	}
	return profile, nil
}

func (p *Pipeline) withStoreTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	return fn(ctx)
}

func (p *Pipeline) withLogContext(ctx context.Context, tx *Transaction) context.Context {
	ctx = logging.EnsureLogger(ctx, p.logger)
	return logging.WithTransaction(ctx, tx.ID, tx.UserID)
}
