// Package pagination provides keyset cursors for newest-first listings of
// scored transactions. A cursor names the last row of a page by its scoring
// time and transaction ID; the next page holds the rows strictly after it.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that were not produced by Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a position in a listing ordered by (ScoredAt, ID) descending.
type Cursor struct {
	ScoredAt time.Time
	ID       string
}

// Encode returns an opaque cursor string for a row.
func Encode(scoredAt time.Time, id string) string {
	raw := strconv.FormatInt(scoredAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. It returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{ScoredAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// After reports whether the row (scoredAt, id) comes after c in a
// newest-first listing. A nil cursor admits every row.
func (c *Cursor) After(scoredAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !scoredAt.Equal(c.ScoredAt) {
		return scoredAt.Before(c.ScoredAt)
	}
	return id < c.ID
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor for the next page, or "" on the last page.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	scoredAt, id := key(items[len(items)-1])
	return items, Encode(scoredAt, id), true
}
