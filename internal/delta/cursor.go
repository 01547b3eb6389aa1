package delta

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedCursor is returned for a cursor string that was not produced
// by Cursor.String.
var ErrMalformedCursor = errors.New("malformed cursor")

const cursorVersion = "c1"

// Cursor is a resume point for incremental reads.
type Cursor struct {
	CandleTime     int64 `json:"candle_time"`
	OverlayEventID int64 `json:"overlay_event_id"`
}

// String returns the opaque encoding of the cursor.
func (c Cursor) String() string {
	raw := cursorVersion + ":" + strconv.FormatInt(c.CandleTime, 10) + ":" + strconv.FormatInt(c.OverlayEventID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes an opaque cursor. An empty string means no cursor and
// returns nil.
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 || parts[0] != cursorVersion {
		return nil, fmt.Errorf("%w: %q", ErrMalformedCursor, s)
	}
	t, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: candle time: %v", ErrMalformedCursor, err)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: event id: %v", ErrMalformedCursor, err)
	}
	if t < 0 || id < 0 {
		return nil, fmt.Errorf("%w: negative component", ErrMalformedCursor)
	}
	return &Cursor{CandleTime: t, OverlayEventID: id}, nil
}
