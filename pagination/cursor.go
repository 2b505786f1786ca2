package pagination

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrBadCursor is returned for a cursor string ParseCursor cannot read.
var ErrBadCursor = errors.New("invalid cursor")

// Direction is the way a cursor pages from its timestamp.
type Direction int

const (
	// Older pages to items created strictly before the cursor.
	Older Direction = iota
	// Newer pages to items created strictly after the cursor.
	Newer
)

func (d Direction) prefix() string {
	if d == Newer {
		return "gt"
	}
	return "lt"
}

// Cursor is a position in a recency ordered list.
type Cursor struct {
	Direction Direction
	// At is a Unix nanosecond timestamp, exclusive.
	At int64
}

// Before is a cursor paging to items older than at.
func Before(at int64) *Cursor { return &Cursor{Direction: Older, At: at} }

// After is a cursor paging to items newer than at.
func After(at int64) *Cursor { return &Cursor{Direction: Newer, At: at} }

// String renders the cursor as lt_<nanos> or gt_<nanos>.
func (c Cursor) String() string {
	return c.Direction.prefix() + "_" + strconv.FormatInt(c.At, 10)
}

// ParseCursor reads a cursor produced by Cursor.String. The empty string is
// no cursor at all and returns nil. Timestamps must be positive.
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	dir, at, ok := strings.Cut(s, "_")
	if !ok {
		return nil, errors.Wrapf(ErrBadCursor, "%q", s)
	}
	var c Cursor
	switch dir {
	case "lt":
		c.Direction = Older
	case "gt":
		c.Direction = Newer
	default:
		return nil, errors.Wrapf(ErrBadCursor, "%q", s)
	}
	n, err := strconv.ParseInt(at, 10, 64)
	if err != nil || n <= 0 {
		return nil, errors.Wrapf(ErrBadCursor, "%q", s)
	}
	c.At = n
	return &c, nil
}
