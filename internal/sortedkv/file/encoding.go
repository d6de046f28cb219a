package file

import (
	"encoding/binary"
	"errors"
	"fmt"

	"shardscan/internal/key"
)

// Keys are stored in bbolt as an order-preserving byte string:
//
//	escape(row) 00 01 escape(family) 00 01 escape(qualifier) 00 01 ts
//
// escape replaces 00 with 00 FF, so the terminator 00 01 sorts before any
// continuation of the component. ts is the big-endian complement of the
// sign-flipped timestamp, which makes newer versions sort first.

var errCorruptKey = errors.New("corrupt stored key")

const (
	escByte  = 0x00
	escNull  = 0xFF
	termByte = 0x01
)

func encodeKey(k key.Key) []byte {
	n := len(k.Row) + len(k.ColumnFamily) + len(k.ColumnQualifier) + 6 + 8
	buf := make([]byte, 0, n)
	buf = appendComponent(buf, k.Row)
	buf = appendComponent(buf, k.ColumnFamily)
	buf = appendComponent(buf, k.ColumnQualifier)
	return binary.BigEndian.AppendUint64(buf, encodeTimestamp(k.Timestamp))
}

func appendComponent(buf, b []byte) []byte {
	for _, c := range b {
		if c == escByte {
			buf = append(buf, escByte, escNull)
			continue
		}
		buf = append(buf, c)
	}
	return append(buf, escByte, termByte)
}

func encodeTimestamp(ts int64) uint64 {
	return ^(uint64(ts) ^ (1 << 63))
}

func decodeTimestamp(u uint64) int64 {
	return int64(^u ^ (1 << 63))
}

func decodeKey(b []byte) (key.Key, error) {
	var k key.Key
	var err error
	if k.Row, b, err = readComponent(b); err != nil {
		return key.Key{}, err
	}
	if k.ColumnFamily, b, err = readComponent(b); err != nil {
		return key.Key{}, err
	}
	if k.ColumnQualifier, b, err = readComponent(b); err != nil {
		return key.Key{}, err
	}
	if len(b) != 8 {
		return key.Key{}, fmt.Errorf("%w: timestamp has %d bytes", errCorruptKey, len(b))
	}
	k.Timestamp = decodeTimestamp(binary.BigEndian.Uint64(b))
	return k, nil
}

func readComponent(b []byte) (out, rest []byte, err error) {
	out = []byte{}
	for i := 0; i < len(b); i++ {
		if b[i] != escByte {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, fmt.Errorf("%w: dangling escape", errCorruptKey)
		}
		switch b[i+1] {
		case escNull:
			out = append(out, escByte)
			i++
		case termByte:
			return out, b[i+2:], nil
		default:
			return nil, nil, fmt.Errorf("%w: bad escape 0x%02x", errCorruptKey, b[i+1])
		}
	}
	return nil, nil, fmt.Errorf("%w: unterminated component", errCorruptKey)
}
