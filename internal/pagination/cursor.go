// Package pagination implements opaque keyset cursors for list
// endpoints. A cursor encodes the (createdAt, id) key of the last
// item on a page; listings order by that key descending, so the next
// page is everything strictly older than the cursor.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var errBadCursor = errors.New("invalid cursor")

// Cursor is the decoded position of the last item served.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a page key into an opaque URL-safe token.
func Encode(createdAt time.Time, id string) string {
	payload := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(payload))
}

// Decode unpacks a cursor token. An empty token means "first page"
// and decodes to a nil cursor with no error.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	payload, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, errBadCursor
	}
	sep := strings.IndexByte(string(payload), '|')
	if sep < 0 {
		return nil, errBadCursor
	}
	nanos, err := strconv.ParseInt(string(payload[:sep]), 10, 64)
	if err != nil {
		return nil, errBadCursor
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        string(payload[sep+1:]),
	}, nil
}

// ComputePage trims an over-fetched result down to the requested
// limit. Callers fetch limit+1 rows; a full overflow row proves more
// pages exist, and the key of the last kept row becomes the next
// cursor. key extracts (createdAt, id) from an item.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, more bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
