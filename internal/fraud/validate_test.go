package fraud

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	valid := func() *Transaction {
		return newTx("TXN-1", 1001, "500", baseTime, "Mumbai", "Android_A", "paytm@upi")
	}

	tests := []struct {
		name   string
		mutate func(*Transaction)
		strict bool
		field  string
	}{
		{"valid", func(*Transaction) {}, true, ""},
		{"missing id", func(tx *Transaction) { tx.ID = " " }, true, "transactionId"},
		{"long id", func(tx *Transaction) { tx.ID = strings.Repeat("x", 65) }, true, "transactionId"},
		{"zero user", func(tx *Transaction) { tx.UserID = 0 }, true, "userId"},
		{"zero amount", func(tx *Transaction) { tx.Amount = decimal.Zero }, true, "amount"},
		{"negative amount", func(tx *Transaction) { tx.Amount = decimal.NewFromInt(-5) }, true, "amount"},
		{"hour too large", func(tx *Transaction) { tx.Hour = 24 }, true, "hour"},
		{"missing location", func(tx *Transaction) { tx.Location = "" }, true, "location"},
		{"unknown location strict", func(tx *Transaction) { tx.Location = "Chennai" }, true, "location"},
		{"unknown location lenient", func(tx *Transaction) { tx.Location = "Chennai" }, false, ""},
		{"unknown device strict", func(tx *Transaction) { tx.DeviceID = "Pixel" }, true, "deviceId"},
		{"unknown merchant strict", func(tx *Transaction) { tx.MerchantID = "bhim@upi" }, true, "merchantId"},
		{"missing merchant lenient", func(tx *Transaction) { tx.MerchantID = "" }, false, "merchantId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid()
			tt.mutate(tx)
			err := Validate(tx, tt.strict)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	assert.ErrorIs(t, Validate(nil, true), ErrValidation)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	err := Validate(&Transaction{}, true)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	assert.Len(t, verrs, 7)
}
