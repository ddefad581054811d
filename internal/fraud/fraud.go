// Package fraud scores UPI payment transactions for fraud risk in real time.
//
// A transaction is turned into a fixed 24-column feature vector using the
// user's behavioral profile and recent velocity, scored by a pre-trained
// logistic model, and explained by rule-based anomaly checks. After the
// transaction and its result are persisted, the profile is folded forward
// so the next transaction for the same user sees its effects.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cognativeshield/fraudguard/internal/pagination"
	"github.com/shopspring/decimal"
)

var (
	ErrConfiguration        = errors.New("fraud: configuration error")
	ErrValidation           = errors.New("fraud: invalid transaction")
	ErrPersistence          = errors.New("fraud: persistence failure")
	ErrProfileNotFound      = errors.New("fraud: profile not found")
	ErrDuplicateTransaction = errors.New("fraud: transaction already processed")
)

// RiskLabel is the binary verdict for a scored transaction.
type RiskLabel string

const (
	RiskLabelHigh RiskLabel = "HIGH_RISK"
	RiskLabelLow  RiskLabel = "LOW_RISK"
)

const (
	DefaultVelocityWindow = 60 * time.Minute
	DefaultStoreTimeout   = 2 * time.Second

	// Explanation triggers.
	AmountDeviationAlert = 2.0
	VelocityAlert        = 3
)

// Transaction is a single payment as received from an upstream source.
type Transaction struct {
	ID         string          `json:"transactionId"`
	UserID     int64           `json:"userId"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
	Hour       int             `json:"hour"`
	Location   string          `json:"location"`
	DeviceID   string          `json:"deviceId"`
	MerchantID string          `json:"merchantId"`
}

// UserProfile is the running behavioral baseline for one user.
type UserProfile struct {
	UserID              int64     `json:"userId"`
	AvgAmount           float64   `json:"avgAmount"`
	TransactionCount    int64     `json:"transactionCount"`
	UsualLocation       string    `json:"usualLocation"`
	DevicesSeen         StringSet `json:"devicesSeen"`
	LocationsSeen       StringSet `json:"locationsSeen"`
	MerchantsSeen       StringSet `json:"merchantsSeen"`
	LastTransactionTime time.Time `json:"lastTransactionTime"`
}

// NewProfile returns an empty profile for a user with no history.
func NewProfile(userID int64) *UserProfile {
	return &UserProfile{
		UserID:        userID,
		DevicesSeen:   StringSet{},
		LocationsSeen: StringSet{},
		MerchantsSeen: StringSet{},
	}
}

// HasHistory reports whether at least one transaction has been folded in.
func (p *UserProfile) HasHistory() bool {
	return p != nil && p.TransactionCount > 0
}

// Clone returns a deep copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	c := *p
	c.DevicesSeen = p.DevicesSeen.Clone()
	c.LocationsSeen = p.LocationsSeen.Clone()
	c.MerchantsSeen = p.MerchantsSeen.Clone()
	return &c
}

// PredictionResult is the outcome of scoring one transaction.
type PredictionResult struct {
	TransactionID    string        `json:"transactionId"`
	UserID           int64         `json:"userId"`
	FraudProbability float64       `json:"fraudProbability"`
	RiskLabel        RiskLabel     `json:"riskLabel"`
	Explanations     []string      `json:"explanations"`
	Features         FeatureVector `json:"features"`
	ModelVersion     string        `json:"modelVersion,omitempty"`
	ScoredAt         time.Time     `json:"scoredAt"`
}

// IsHighRisk reports whether the result crossed the decision threshold.
func (r *PredictionResult) IsHighRisk() bool {
	return r.RiskLabel == RiskLabelHigh
}

// Summary renders the result as a short multi-line report.
func (r *PredictionResult) Summary() string {
	var sb strings.Builder
	if r.IsHighRisk() {
		sb.WriteString("HIGH RISK TRANSACTION DETECTED\n")
	} else {
		sb.WriteString("Transaction appears normal\n")
	}
	fmt.Fprintf(&sb, "Fraud probability: %.1f%%\n", r.FraudProbability*100)
	if len(r.Explanations) == 0 {
		sb.WriteString("No specific behavioral anomalies detected")
		return sb.String()
	}
	sb.WriteString(strings.Join(r.Explanations, "\n"))
	return sb.String()
}

// ScoredTransaction pairs a persisted transaction with its prediction.
type ScoredTransaction struct {
	Transaction *Transaction      `json:"transaction"`
	Result      *PredictionResult `json:"result"`
}

// Alert is the outbound record of a HIGH_RISK prediction, as delivered to
// alert sinks such as the Kafka alert topic and webhooks.
type Alert struct {
	TransactionID    string    `json:"transactionId"`
	UserID           int64     `json:"userId"`
	Amount           string    `json:"amount"`
	Hour             int       `json:"hour"`
	Location         string    `json:"location"`
	DeviceID         string    `json:"deviceId"`
	MerchantID       string    `json:"merchantId"`
	FraudProbability float64   `json:"fraudProbability"`
	RiskLabel        RiskLabel `json:"riskLabel"`
	Explanations     []string  `json:"explanations"`
	ModelVersion     string    `json:"modelVersion"`
	ScoredAt         time.Time `json:"scoredAt"`
}

// NewAlert builds the alert for a scored transaction.
func NewAlert(tx *Transaction, result *PredictionResult) Alert {
	return Alert{
		TransactionID:    tx.ID,
		UserID:           tx.UserID,
		Amount:           tx.Amount.String(),
		Hour:             tx.Hour,
		Location:         tx.Location,
		DeviceID:         tx.DeviceID,
		MerchantID:       tx.MerchantID,
		FraudProbability: result.FraudProbability,
		RiskLabel:        result.RiskLabel,
		Explanations:     result.Explanations,
		ModelVersion:     result.ModelVersion,
		ScoredAt:         result.ScoredAt,
	}
}

// Stats aggregates all scored transactions.
type Stats struct {
	TotalTransactions   int64   `json:"totalTransactions"`
	HighRiskCount       int64   `json:"highRiskCount"`
	FraudRate           float64 `json:"fraudRate"` // percent
	AvgProbability      float64 `json:"avgProbability"`
	AvgFraudProbability float64 `json:"avgFraudProbability"`
}

// HourlyBucket is the transaction volume for one hour of the day.
type HourlyBucket struct {
	Hour       int   `json:"hour"`
	Total      int64 `json:"total"`
	FraudCount int64 `json:"fraudCount"`
}

// UserRiskSummary aggregates one user's scored transactions.
type UserRiskSummary struct {
	UserID            int64   `json:"userId"`
	TotalTransactions int64   `json:"totalTransactions"`
	AvgRisk           float64 `json:"avgRisk"`
	FraudCount        int64   `json:"fraudCount"`
}

// Store persists profiles, transactions and their results.
type Store interface {
	// GetProfile returns ErrProfileNotFound when the user has no profile.
	GetProfile(ctx context.Context, userID int64) (*UserProfile, error)
	SaveProfile(ctx context.Context, profile *UserProfile) error
	// RecentTransactions returns the user's transactions with timestamps at or after since.
	RecentTransactions(ctx context.Context, userID int64, since time.Time) ([]*Transaction, error)
	// SaveTransactionAndResult returns ErrDuplicateTransaction if the
	// transaction ID was already stored.
	SaveTransactionAndResult(ctx context.Context, tx *Transaction, result *PredictionResult) error
	// CommitTransaction stores tx with its result and replaces the user's
	// profile with next as one unit: either all three are written or none
	// is. A stored transaction ID returns ErrDuplicateTransaction and leaves
	// the profile untouched.
	CommitTransaction(ctx context.Context, tx *Transaction, result *PredictionResult, next *UserProfile) error
	ClearAll(ctx context.Context) error

	// ListRecent and ListAlerts return rows newest first, ordered by
	// (ScoredAt, ID) descending, starting after before when it is non-nil.
	ListRecent(ctx context.Context, limit int, before *pagination.Cursor) ([]*ScoredTransaction, error)
	ListAlerts(ctx context.Context, limit int, before *pagination.Cursor) ([]*ScoredTransaction, error)
	Stats(ctx context.Context) (*Stats, error)
	HourlyDistribution(ctx context.Context) ([]HourlyBucket, error)
	UserRiskSummary(ctx context.Context, limit int) ([]UserRiskSummary, error)
}

// StringSet is a grow-only set of identifiers. It serializes as a sorted array.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports membership. A nil set is empty.
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Add inserts v.
func (s StringSet) Add(v string) {
	s[v] = struct{}{}
}

// Clone returns an independent copy.
func (s StringSet) Clone() StringSet {
	c := make(StringSet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ContainsAll reports whether every member of other is in s.
func (s StringSet) ContainsAll(other StringSet) bool {
	for k := range other {
		if !s.Has(k) {
			return false
		}
	}
	return true
}
