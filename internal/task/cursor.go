package task

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// maxCursorLen bounds the encoded cursor accepted by List.
const maxCursorLen = 256

// cursorPos is the decoded position of a list cursor: the creation
// instant and id of the last task already delivered.
type cursorPos struct {
	createdAtNano int64
	id            string
}

func encodeCursor(t Task) string {
	raw := fmt.Sprintf("%d|%s", t.CreatedAt.UnixNano(), t.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (cursorPos, error) {
	if len(cursor) > maxCursorLen {
		return cursorPos{}, ErrBadCursor
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return cursorPos{}, ErrBadCursor
	}
	nano, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return cursorPos{}, ErrBadCursor
	}
	n, err := strconv.ParseInt(nano, 10, 64)
	if err != nil {
		return cursorPos{}, ErrBadCursor
	}
	return cursorPos{createdAtNano: n, id: id}, nil
}

// after reports whether t sorts strictly after the cursor position in
// the (createdAt, id) order used by List.
func (p cursorPos) after(t Task) bool {
	nano := t.CreatedAt.UnixNano()
	if nano != p.createdAtNano {
		return nano > p.createdAtNano
	}
	return t.ID > p.id
}

// taskLess is the stable listing order: createdAt ascending, id as the
// tie-breaker.
func taskLess(a, b Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
