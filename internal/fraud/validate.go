package fraud

import (
	"strings"

	"github.com/cognativeshield/fraudguard/internal/validation"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned for a malformed transaction. It matches
// ErrValidation under errors.Is.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Field + ": " + e.Message
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// Validate checks tx before scoring. With strictVocabulary set, categories
// outside the trained vocabulary are rejected instead of being encoded as an
// all-zero one-hot group.
func Validate(tx *Transaction, strictVocabulary bool) error {
	if tx == nil {
		return ValidationErrors{{Field: "transaction", Message: "is required"}}
	}

	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if strings.TrimSpace(tx.ID) == "" {
		add("transactionId", "is required")
	} else if len(tx.ID) > validation.MaxIdentifierLength {
		add("transactionId", "is too long")
	}
	if tx.UserID <= 0 {
		add("userId", "must be positive")
	}
	if !tx.Amount.IsPositive() {
		add("amount", "must be greater than zero")
	}
	if tx.Timestamp.IsZero() {
		add("timestamp", "is required")
	}
	if tx.Hour < 0 || tx.Hour > 23 {
		add("hour", "must be between 0 and 23")
	}

	if tx.Location == "" {
		add("location", "is required")
	} else if strictVocabulary && !ParseLocation(tx.Location).Known() {
		add("location", "unknown location "+quote(tx.Location))
	}
	if tx.DeviceID == "" {
		add("deviceId", "is required")
	} else if strictVocabulary && !ParseDevice(tx.DeviceID).Known() {
		add("deviceId", "unknown device "+quote(tx.DeviceID))
	}
	if tx.MerchantID == "" {
		add("merchantId", "is required")
	} else if strictVocabulary && !ParseMerchant(tx.MerchantID).Known() {
		add("merchantId", "unknown merchant "+quote(tx.MerchantID))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func quote(s string) string {
	if len(s) > 32 {
		s = s[:32]
	}
	return `"` + s + `"`
}
