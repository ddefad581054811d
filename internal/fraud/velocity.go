package fraud

import (
	"context"
	"time"
)

// VelocityTracker counts a user's persisted transactions in a trailing window.
type VelocityTracker struct {
	store  Store
	window time.Duration
}

// NewVelocityTracker creates a tracker over store. A non-positive window
// falls back to DefaultVelocityWindow.
func NewVelocityTracker(store Store, window time.Duration) *VelocityTracker {
	if window <= 0 {
		window = DefaultVelocityWindow
	}
	return &VelocityTracker{store: store, window: window}
}

// Window returns the trailing window length.
func (v *VelocityTracker) Window() time.Duration { return v.window }

// Count returns how many stored transactions for userID fall in
// [asOf-window, asOf], not counting the one with ID exclude. Transactions
// that are not yet persisted are not counted; the pipeline adds the one it is
// scoring, and excludes it here so a replayed ID is not counted twice.
func (v *VelocityTracker) Count(ctx context.Context, userID int64, asOf time.Time, exclude string) (int, error) {
	since := asOf.Add(-v.window)
	txs, err := v.store.RecentTransactions(ctx, userID, since)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tx := range txs {
		if tx.ID == exclude {
			continue
		}
		if !tx.Timestamp.Before(since) && !tx.Timestamp.After(asOf) {
			n++
		}
	}
	return n, nil
}
