package fraud

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cognativeshield/fraudguard/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[int64]*UserProfile
	scored   []*ScoredTransaction // insertion order
	byID     map[string]struct{}
	byUser   map[int64][]*Transaction
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[int64]*UserProfile),
		byID:     make(map[string]struct{}),
		byUser:   make(map[int64][]*Transaction),
	}
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID int64) (*UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) SaveProfile(ctx context.Context, profile *UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[profile.UserID] = profile.Clone()
	return nil
}

func (s *MemoryStore) RecentTransactions(ctx context.Context, userID int64, since time.Time) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, tx := range s.byUser[userID] {
		if !tx.Timestamp.Before(since) {
			c := *tx
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveTransactionAndResult(ctx context.Context, tx *Transaction, result *PredictionResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(tx, result)
}

func (s *MemoryStore) CommitTransaction(ctx context.Context, tx *Transaction, result *PredictionResult, next *UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertLocked(tx, result); err != nil {
		return err
	}
	s.profiles[next.UserID] = next.Clone()
	return nil
}

// insertLocked appends a scored transaction. Callers hold s.mu.
func (s *MemoryStore) insertLocked(tx *Transaction, result *PredictionResult) error {
	if _, dup := s.byID[tx.ID]; dup {
		return ErrDuplicateTransaction
	}

	txCopy := *tx
	s.byID[tx.ID] = struct{}{}
	s.byUser[tx.UserID] = append(s.byUser[tx.UserID], &txCopy)
	s.scored = append(s.scored, &ScoredTransaction{
		Transaction: &txCopy,
		Result:      copyResult(result),
	})
	return nil
}

func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = make(map[int64]*UserProfile)
	s.scored = nil
	s.byID = make(map[string]struct{})
	s.byUser = make(map[int64][]*Transaction)
	return nil
}

// ListRecent returns the most recently scored transactions first.
func (s *MemoryStore) ListRecent(ctx context.Context, limit int, before *pagination.Cursor) ([]*ScoredTransaction, error) {
	return s.listNewest(limit, before, func(*ScoredTransaction) bool { return true }), nil
}

// ListAlerts returns the most recently scored HIGH_RISK transactions first.
func (s *MemoryStore) ListAlerts(ctx context.Context, limit int, before *pagination.Cursor) ([]*ScoredTransaction, error) {
	return s.listNewest(limit, before, func(st *ScoredTransaction) bool { return st.Result.IsHighRisk() }), nil
}

func (s *MemoryStore) listNewest(limit int, before *pagination.Cursor, keep func(*ScoredTransaction) bool) []*ScoredTransaction {
	if limit <= 0 {
		return []*ScoredTransaction{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ScoredTransaction
	for _, st := range s.scored {
		if keep(st) && before.After(st.Result.ScoredAt, st.Transaction.ID) {
			matched = append(matched, st)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.Result.ScoredAt.Equal(b.Result.ScoredAt) {
			return a.Result.ScoredAt.After(b.Result.ScoredAt)
		}
		return a.Transaction.ID > b.Transaction.ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*ScoredTransaction, len(matched))
	for i, st := range matched {
		txCopy := *st.Transaction
		result[i] = &ScoredTransaction{Transaction: &txCopy, Result: copyResult(st.Result)}
	}
	return result
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	var sumAll, sumHigh float64
	for _, st := range s.scored {
		stats.TotalTransactions++
		sumAll += st.Result.FraudProbability
		if st.Result.IsHighRisk() {
			stats.HighRiskCount++
			sumHigh += st.Result.FraudProbability
		}
	}
	if stats.TotalTransactions > 0 {
		stats.FraudRate = float64(stats.HighRiskCount) / float64(stats.TotalTransactions) * 100
		stats.AvgProbability = sumAll / float64(stats.TotalTransactions)
	}
	if stats.HighRiskCount > 0 {
		stats.AvgFraudProbability = sumHigh / float64(stats.HighRiskCount)
	}
	return &stats, nil
}

// HourlyDistribution returns one bucket per hour that has transactions, in hour order.
func (s *MemoryStore) HourlyDistribution(ctx context.Context) ([]HourlyBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hours [24]HourlyBucket
	for _, st := range s.scored {
		h := st.Transaction.Hour
		if h < 0 || h > 23 {
			continue
		}
		hours[h].Total++
		if st.Result.IsHighRisk() {
			hours[h].FraudCount++
		}
	}

	out := []HourlyBucket{}
	for h, b := range hours {
		if b.Total == 0 {
			continue
		}
		b.Hour = h
		out = append(out, b)
	}
	return out, nil
}

// UserRiskSummary ranks users by average fraud probability, highest first.
func (s *MemoryStore) UserRiskSummary(ctx context.Context, limit int) ([]UserRiskSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		sum float64
		UserRiskSummary
	}
	byUser := make(map[int64]*acc)
	for _, st := range s.scored {
		a, ok := byUser[st.Transaction.UserID]
		if !ok {
			a = &acc{UserRiskSummary: UserRiskSummary{UserID: st.Transaction.UserID}}
			byUser[st.Transaction.UserID] = a
		}
		a.TotalTransactions++
		a.sum += st.Result.FraudProbability
		if st.Result.IsHighRisk() {
			a.FraudCount++
		}
	}

	out := make([]UserRiskSummary, 0, len(byUser))
	for _, a := range byUser {
		a.AvgRisk = a.sum / float64(a.TotalTransactions)
		out = append(out, a.UserRiskSummary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgRisk != out[j].AvgRisk {
			return out[i].AvgRisk > out[j].AvgRisk
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyResult(r *PredictionResult) *PredictionResult {
	c := *r
	c.Explanations = make([]string, len(r.Explanations))
	copy(c.Explanations, r.Explanations)
	return &c
}
