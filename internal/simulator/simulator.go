// Package simulator generates synthetic UPI traffic for a seeded pool of
// users and feeds it through the scoring pipeline. A configurable share of
// transactions carries injected fraud signals.
package simulator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/idgen"
)

// DefaultFraudRatio is the share of generated transactions with injected fraud.
const DefaultFraudRatio = 0.10

// minAmount is the floor for normally distributed spend.
var minAmount = decimal.NewFromInt(5)

var (
	locations = []string{"Mumbai", "Delhi", "Kolkata", "Lucknow", "Bangalore"}
	devices   = []string{"Android_A", "Android_B", "iPhone_X", "iPhone_Y"}
	merchants = []string{"paytm@upi", "phonepe@upi", "flipkart@upi", "gpay@upi", "amazon@upi"}

	// hourWeights skews daytime traffic toward working and evening hours.
	hourWeights = [24]int{1, 1, 1, 1, 1, 1, 2, 5, 8, 10, 12, 12, 14, 12, 10, 8, 8, 10, 12, 10, 8, 5, 3, 2}
)

// User is a synthetic user's habitual behavior.
type User struct {
	UserID        int64
	UsualLocation string
	UsualDevice   string
	AvgSpend      float64
}

// Users is the seeded user pool.
var Users = []User{
	{1001, "Mumbai", "Android_A", 250},
	{1002, "Delhi", "iPhone_X", 500},
	{1003, "Bangalore", "Android_B", 150},
	{1004, "Kolkata", "iPhone_Y", 300},
	{1005, "Lucknow", "Android_A", 100},
	{1006, "Mumbai", "iPhone_X", 800},
	{1007, "Delhi", "Android_B", 450},
	{1008, "Bangalore", "Android_A", 200},
	{1009, "Kolkata", "iPhone_Y", 600},
	{1010, "Lucknow", "iPhone_X", 350},
	{1011, "Mumbai", "Android_B", 175},
	{1012, "Delhi", "Android_A", 900},
	{1013, "Bangalore", "iPhone_X", 275},
	{1014, "Kolkata", "iPhone_Y", 125},
	{1015, "Lucknow", "Android_A", 400},
	{1016, "Mumbai", "Android_B", 550},
	{1017, "Delhi", "iPhone_X", 700},
	{1018, "Bangalore", "iPhone_Y", 325},
	{1019, "Kolkata", "Android_A", 180},
	{1020, "Lucknow", "Android_B", 450},
}

// Generator produces synthetic transactions. It is not safe for concurrent use.
type Generator struct {
	rng        *rand.Rand
	fraudRatio float64
	users      []User
	now        func() time.Time
}

// NewGenerator returns a generator seeded with seed, so runs are reproducible.
func NewGenerator(seed uint64, fraudRatio float64) *Generator {
	if fraudRatio < 0 {
		fraudRatio = 0
	}
	if fraudRatio > 1 {
		fraudRatio = 1
	}
	return &Generator{
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		fraudRatio: fraudRatio,
		users:      Users,
		now:        time.Now,
	}
}

// Next returns a transaction for a random user and whether fraud signals
// were injected into it.
func (g *Generator) Next() (*fraud.Transaction, bool) {
	user := g.users[g.rng.IntN(len(g.users))]
	tx := g.Normal(user)
	if g.rng.Float64() < g.fraudRatio {
		g.InjectFraud(tx, user)
		return tx, true
	}
	return tx, false
}

// Normal generates an everyday transaction for user: amount around the
// user's average spend, usual device and location, any merchant.
func (g *Generator) Normal(user User) *fraud.Transaction {
	amount := decimal.NewFromFloat(user.AvgSpend + g.rng.NormFloat64()*user.AvgSpend*0.3).Round(2)
	if amount.LessThan(minAmount) {
		amount = minAmount
	}

	return &fraud.Transaction{
		ID:         idgen.TransactionID(),
		UserID:     user.UserID,
		Amount:     amount,
		Timestamp:  g.now().UTC(),
		Hour:       g.hour(),
		Location:   user.UsualLocation,
		DeviceID:   user.UsualDevice,
		MerchantID: merchants[g.rng.IntN(len(merchants))],
	}
}

// InjectFraud rewrites tx with fraud signals. The amount always spikes to
// 5-12x the user's average; night hour, new device and new location are
// applied with probability 0.7, 0.6 and 0.5.
func (g *Generator) InjectFraud(tx *fraud.Transaction, user User) {
	tx.Amount = decimal.NewFromFloat(user.AvgSpend * (5 + g.rng.Float64()*7)).Round(2)

	if g.rng.Float64() < 0.7 {
		tx.Hour = g.rng.IntN(6)
	}
	if g.rng.Float64() < 0.6 {
		tx.DeviceID = g.pickOther(devices, user.UsualDevice)
	}
	if g.rng.Float64() < 0.5 {
		tx.Location = g.pickOther(locations, user.UsualLocation)
	}
}

func (g *Generator) hour() int {
	total := 0
	for _, w := range hourWeights {
		total += w
	}
	n := g.rng.IntN(total)
	for h, w := range hourWeights {
		if n < w {
			return h
		}
		n -= w
	}
	return len(hourWeights) - 1
}

func (g *Generator) pickOther(values []string, exclude string) string {
	others := slices.DeleteFunc(slices.Clone(values), func(v string) bool { return v == exclude })
	return others[g.rng.IntN(len(others))]
}

// Processor scores and persists one transaction.
type Processor interface {
	Process(ctx context.Context, tx *fraud.Transaction) (*fraud.PredictionResult, error)
}

// Config controls a simulation run.
type Config struct {
	// Count is the number of transactions to send. Zero runs until ctx ends.
	Count int
	// Interval is the pause between transactions.
	Interval time.Duration
}

// Report summarizes a run.
type Report struct {
	Sent      int `json:"sent"`
	Injected  int `json:"injected"`
	Flagged   int `json:"flagged"`
	Caught    int `json:"caught"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// DetectionRate is the share of injected fraud that was flagged HIGH_RISK.
func (r Report) DetectionRate() float64 {
	if r.Injected == 0 {
		return 0
	}
	return float64(r.Caught) / float64(r.Injected)
}

// Run feeds generated transactions to p until cfg.Count is reached or ctx
// is cancelled. Per-transaction failures are logged and counted; they do
// not stop the run.
func Run(ctx context.Context, g *Generator, p Processor, cfg Config, logger *slog.Logger) Report {
	if logger == nil {
		logger = slog.Default()
	}

	var report Report
	for cfg.Count == 0 || report.Sent < cfg.Count {
		if ctx.Err() != nil {
			break
		}

		tx, injected := g.Next()
		result, err := p.Process(ctx, tx)
		report.Sent++
		if injected {
			report.Injected++
		}

		switch {
		case errors.Is(err, fraud.ErrValidation):
			report.Rejected++
			logger.Warn("simulated transaction rejected", "transaction_id", tx.ID, "error", err)
		case err != nil:
			report.Failed++
			logger.Error("simulated transaction failed", "transaction_id", tx.ID, "error", err)
		default:
			if result.IsHighRisk() {
				report.Flagged++
				if injected {
					report.Caught++
				}
			}
			logger.Info("transaction scored",
				"transaction_id", tx.ID,
				"user_id", tx.UserID,
				"amount", tx.Amount.String(),
				"injected", injected,
				"risk_label", result.RiskLabel,
				"fraud_probability", result.FraudProbability,
			)
		}

		if cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return report
			case <-time.After(cfg.Interval):
			}
		}
	}
	return report
}
