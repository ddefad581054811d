// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// TransactionPrefix marks server-assigned transaction IDs.
const TransactionPrefix = "TXN-"

// TransactionID generates an ID for a transaction submitted without one.
// Format: TXN- followed by 12 uppercase hex chars.
func TransactionID() string {
	return TransactionPrefix + strings.ToUpper(Hex(6))
}

// RequestID generates a correlation ID for an inbound request.
func RequestID() string {
	return "req_" + Hex(8)
}

// EventID identifies an outbound alert delivery.
func EventID() string {
	return "evt_" + Hex(8)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
