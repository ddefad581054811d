// Package validation provides request-level input checks shared by the
// HTTP API: body size limits, path parameter checks and string cleanup.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxIdentifierLength bounds transaction, device and merchant identifiers.
const MaxIdentifierLength = 64

// identifierRegex matches the identifiers upstream payment switches emit,
// e.g. "TXN-3F2A9C1B7D0E", "iPhone_X" or "paytm@upi".
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@:-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentifier reports whether s is a well-formed identifier.
func IsValidIdentifier(s string) bool {
	return len(s) <= MaxIdentifierLength && identifierRegex.MatchString(s)
}

// ParseUserID parses a positive numeric user ID.
func ParseUserID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Clean trims surrounding whitespace and removes null bytes.
func Clean(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
}

// UserIDParamMiddleware rejects requests whose named path parameter is not
// a positive user ID.
func UserIDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ParseUserID(c.Param(param)); !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be a positive integer",
			})
			return
		}
		c.Next()
	}
}
