package fraud

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognativeshield/fraudguard/internal/model"
)

var baseTime = time.Date(2024, 11, 5, 14, 0, 0, 0, time.UTC)

func newTx(id string, userID int64, amount string, ts time.Time, location, device, merchant string) *Transaction {
	return &Transaction{
		ID:         id,
		UserID:     userID,
		Amount:     decimal.RequireFromString(amount),
		Timestamp:  ts,
		Hour:       ts.Hour(),
		Location:   location,
		DeviceID:   device,
		MerchantID: merchant,
	}
}

func defaultArtifact(t *testing.T) *model.Artifact {
	t.Helper()
	a, err := model.Default()
	if err != nil {
		t.Fatalf("load default artifact: %v", err)
	}
	return a
}

// flatArtifact scores every vector at exactly 0.5.
func flatArtifact(threshold float64) *model.Artifact {
	cols := FeatureColumns()
	mean := make([]float64, len(cols))
	scale := make([]float64, len(cols))
	for i := range scale {
		scale[i] = 1
	}
	return &model.Artifact{
		Version:        "flat",
		ModelType:      "LogisticRegression",
		ScalerType:     "StandardScaler",
		Threshold:      threshold,
		Weights:        make([]float64, len(cols)),
		Scaler:         model.Scaler{Mean: mean, Scale: scale},
		FeatureColumns: cols,
	}
}

func newTestPipeline(t *testing.T, store Store, opts ...Option) *Pipeline {
	t.Helper()
	p, err := NewPipeline(store, defaultArtifact(t), opts...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

// existingProfile is a settled user who pays from Delhi on an iPhone.
func existingProfile() *UserProfile {
	return &UserProfile{
		UserID:              1002,
		AvgAmount:           500,
		TransactionCount:    10,
		UsualLocation:       "Delhi",
		DevicesSeen:         NewStringSet("iPhone_X"),
		LocationsSeen:       NewStringSet("Delhi"),
		MerchantsSeen:       NewStringSet("paytm@upi"),
		LastTransactionTime: baseTime.Add(-24 * time.Hour),
	}
}
