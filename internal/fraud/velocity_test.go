package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveAt(t *testing.T, store *MemoryStore, id string, userID int64, ts time.Time) {
	t.Helper()
	tx := newTx(id, userID, "100", ts, "Delhi", "iPhone_X", "gpay@upi")
	require.NoError(t, store.SaveTransactionAndResult(context.Background(), tx, &PredictionResult{TransactionID: id, UserID: userID}))
}

func TestVelocity_WindowBoundsInclusive(t *testing.T) {
	store := NewMemoryStore()
	v := NewVelocityTracker(store, time.Hour)

	saveAt(t, store, "TXN-old", 1001, baseTime.Add(-time.Hour-time.Second))
	saveAt(t, store, "TXN-edge", 1001, baseTime.Add(-time.Hour))
	saveAt(t, store, "TXN-mid", 1001, baseTime.Add(-30*time.Minute))
	saveAt(t, store, "TXN-now", 1001, baseTime)
	saveAt(t, store, "TXN-future", 1001, baseTime.Add(time.Second))
	saveAt(t, store, "TXN-other", 1002, baseTime)

	n, err := v.Count(context.Background(), 1001, baseTime, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestVelocity_NoHistory(t *testing.T) {
	v := NewVelocityTracker(NewMemoryStore(), 0)
	assert.Equal(t, DefaultVelocityWindow, v.Window())

	n, err := v.Count(context.Background(), 1001, baseTime, "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestVelocity_Burst(t *testing.T) {
	store := NewMemoryStore()
	v := NewVelocityTracker(store, DefaultVelocityWindow)
	for i := 0; i < 5; i++ {
		saveAt(t, store, fmt.Sprintf("TXN-%d", i), 1001, baseTime.Add(time.Duration(i*2)*time.Minute))
	}

	n, err := v.Count(context.Background(), 1001, baseTime.Add(10*time.Minute), "")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestVelocity_ExcludesOwnID(t *testing.T) {
	store := NewMemoryStore()
	v := NewVelocityTracker(store, DefaultVelocityWindow)
	saveAt(t, store, "TXN-1", 1001, baseTime)
	saveAt(t, store, "TXN-2", 1001, baseTime.Add(time.Minute))

	n, err := v.Count(context.Background(), 1001, baseTime.Add(time.Minute), "TXN-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
