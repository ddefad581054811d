package fraud

import (
	"fmt"
	"math"

	"github.com/cognativeshield/fraudguard/internal/model"
)

// NumFeatures is the width of the model input.
const NumFeatures = 10 + numLocations + numDevices + numMerchants

// Column indexes into FeatureVector.
const (
	ColAmount = iota
	ColHour
	ColUserID
	ColAvgUserAmount
	ColAmountDeviation
	ColIsNight
	ColIsNewDevice
	ColLocationChange
	ColIsNewMerchant
	ColVelocity

	colLocationBase = ColVelocity + 1
	colDeviceBase   = colLocationBase + numLocations
	colMerchantBase = colDeviceBase + numDevices
)

// deviationEpsilon keeps amount deviation finite when the average is zero.
const deviationEpsilon = 1e-9

// FeatureVector is the fixed-order model input.
type FeatureVector [NumFeatures]float64

// AmountDeviation is the amount's relative distance from the user's average.
func (v FeatureVector) AmountDeviation() float64 { return v[ColAmountDeviation] }

// IsNight reports a transaction hour between midnight and 4am inclusive.
func (v FeatureVector) IsNight() bool { return v[ColIsNight] == 1 }

// IsNewDevice reports a device the user has not paid from before.
func (v FeatureVector) IsNewDevice() bool { return v[ColIsNewDevice] == 1 }

// LocationChanged reports a location other than the user's usual one.
func (v FeatureVector) LocationChanged() bool { return v[ColLocationChange] == 1 }

// IsNewMerchant reports a merchant the user has not paid before.
func (v FeatureVector) IsNewMerchant() bool { return v[ColIsNewMerchant] == 1 }

// Velocity is the user's transaction count in the trailing window,
// including this one.
func (v FeatureVector) Velocity() int { return int(v[ColVelocity]) }

// Named returns the vector keyed by column name.
func (v FeatureVector) Named() map[string]float64 {
	cols := FeatureColumns()
	out := make(map[string]float64, len(cols))
	for i, name := range cols {
		out[name] = v[i]
	}
	return out
}

// FeatureColumns returns the column layout the engineer produces.
func FeatureColumns() []string {
	cols := make([]string, 0, NumFeatures)
	cols = append(cols,
		"amount", "hour", "user_id",
		"avg_user_amount", "amount_deviation", "is_night",
		"is_new_device", "location_change_flag", "is_new_merchant", "transaction_velocity",
	)
	for _, l := range Locations() {
		cols = append(cols, "location_"+l)
	}
	for _, d := range Devices() {
		cols = append(cols, "device_id_"+d)
	}
	for _, m := range Merchants() {
		cols = append(cols, "merchant_id_"+m)
	}
	return cols
}

// FeatureEngineer builds feature vectors matching a model artifact's layout.
type FeatureEngineer struct{}

// NewFeatureEngineer fails if the artifact was fit on a different column layout.
func NewFeatureEngineer(artifact *model.Artifact) (*FeatureEngineer, error) {
	if err := artifact.Validate(FeatureColumns()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return &FeatureEngineer{}, nil
}

// Build encodes a transaction against the pre-transaction profile. A nil
// profile is treated as a user with no history. Categories outside the
// trained vocabulary encode as an all-zero one-hot group.
func (e *FeatureEngineer) Build(tx *Transaction, profile *UserProfile, velocity int) FeatureVector {
	if profile == nil {
		profile = NewProfile(tx.UserID)
	}

	amount := tx.Amount.InexactFloat64()

	var v FeatureVector
	v[ColAmount] = amount
	v[ColHour] = float64(tx.Hour)
	v[ColUserID] = float64(tx.UserID)
	v[ColAvgUserAmount] = profile.AvgAmount
	v[ColAmountDeviation] = amountDeviation(amount, profile)
	v[ColIsNight] = flag(isNightHour(tx.Hour))
	v[ColIsNewDevice] = flag(!profile.DevicesSeen.Has(tx.DeviceID))
	v[ColLocationChange] = flag(profile.HasHistory() && tx.Location != profile.UsualLocation)
	v[ColIsNewMerchant] = flag(!profile.MerchantsSeen.Has(tx.MerchantID))
	v[ColVelocity] = float64(velocity)

	if l := ParseLocation(tx.Location); l.Known() {
		v[colLocationBase+int(l)-1] = 1
	}
	if d := ParseDevice(tx.DeviceID); d.Known() {
		v[colDeviceBase+int(d)-1] = 1
	}
	if m := ParseMerchant(tx.MerchantID); m.Known() {
		v[colMerchantBase+int(m)-1] = 1
	}

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}

// amountDeviation is the relative distance from the user's average. A user
// with no history has no baseline, so the deviation is zero.
func amountDeviation(amount float64, profile *UserProfile) float64 {
	if !profile.HasHistory() {
		return 0
	}
	avg := profile.AvgAmount
	return (amount - avg) / math.Max(avg, deviationEpsilon)
}

func isNightHour(hour int) bool {
	return hour >= 0 && hour <= 4
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
