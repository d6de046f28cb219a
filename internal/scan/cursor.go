package scan

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"shardscan/internal/key"
	"shardscan/internal/shardkey"
)

// ErrInvalidCursor is returned by ParseCursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor encodes the event key of a hit as an opaque resume token.
func Cursor(k key.Key) string {
	raw := make([]byte, 0, len(k.Row)+1+len(k.ColumnFamily))
	raw = append(raw, k.Row...)
	raw = append(raw, shardkey.Null)
	raw = append(raw, k.ColumnFamily...)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseCursor decodes a token made by Cursor into the event key to pass as
// Request.After.
func ParseCursor(s string) (key.Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return key.Key{}, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return key.Key{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return shardkey.EventKey(parts[0], parts[1], parts[2]), nil
}
