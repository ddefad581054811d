package fraud

// ApplyTransaction folds tx into prev and returns the next profile state.
// prev is not modified. Applying the same transaction twice counts it twice;
// replay protection belongs to the store's duplicate check.
func ApplyTransaction(prev *UserProfile, tx *Transaction) *UserProfile {
	if prev == nil {
		prev = NewProfile(tx.UserID)
	}
	next := prev.Clone()

	amount := tx.Amount.InexactFloat64()
	n := float64(prev.TransactionCount)
	next.AvgAmount = (prev.AvgAmount*n + amount) / (n + 1)
	next.TransactionCount = prev.TransactionCount + 1

	// The usual location is pinned to the first observation; drift shows up
	// through the location change feature instead.
	if !prev.HasHistory() {
		next.UsualLocation = tx.Location
	}

	next.DevicesSeen.Add(tx.DeviceID)
	next.LocationsSeen.Add(tx.Location)
	next.MerchantsSeen.Add(tx.MerchantID)
	next.LastTransactionTime = tx.Timestamp
	return next
}
