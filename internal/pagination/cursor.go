// Package pagination implements opaque keyset cursors for list endpoints.
// A cursor pins a (created_at, id) position so pages stay stable while new
// rows are inserted at the head of the listing.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrBadCursor = errors.New("invalid cursor")

// Cursor is a position in a created_at-descending listing. ID breaks ties
// between rows sharing a timestamp.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor token. An empty token means "from the start" and
// yields a nil cursor.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrBadCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrBadCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ComputePage trims an over-fetched result (limit+1 rows) down to one page.
// It returns the page, the encoded cursor for the next page, and whether
// more rows exist.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Cursor{CreatedAt: createdAt, ID: id}.Encode(), true
}
