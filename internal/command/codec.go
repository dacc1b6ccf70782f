package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

var (
	ErrEncoding = errors.New("command: encoding failure")
	ErrDecoding = errors.New("command: decoding failure")
)

// Encode returns the wire representation of c. The output depends only on c.
func Encode(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil command", ErrEncoding)
	}
	return c.appendTo(make([]byte, 0, encodedSizeHint(c)))
}

// Decode parses exactly one command. Bytes left over after the command are
// reported as corruption.
func Decode(b []byte) (Command, error) {
	c, n, err := DecodePrefix(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrDecoding, len(b)-n, c.Tag())
	}
	return c, nil
}

// DecodePrefix parses one command from the front of b and returns the number
// of bytes it occupied.
func DecodePrefix(b []byte) (Command, int, error) {
	if len(b) == 0 {
		return nil, 0, fmt.Errorf("%w: empty input", ErrDecoding)
	}

	tag := Tag(b[0])
	off := 1

	switch tag {
	case TagSet:
		key, n, err := consumeString(b[off:], "key")
		if err != nil {
			return nil, 0, err
		}
		off += n
		value, n, err := consumeString(b[off:], "value")
		if err != nil {
			return nil, 0, err
		}
		off += n
		return Set{Key: key, Value: value}, off, nil

	case TagGet:
		key, n, err := consumeString(b[off:], "key")
		if err != nil {
			return nil, 0, err
		}
		off += n
		return Get{Key: key}, off, nil

	default:
		return nil, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrDecoding, byte(tag))
	}
}

func (c Set) appendTo(b []byte) ([]byte, error) {
	if err := checkString("key", c.Key); err != nil {
		return nil, err
	}
	if err := checkString("value", c.Value); err != nil {
		return nil, err
	}
	b = append(b, byte(TagSet))
	b = appendString(b, c.Key)
	b = appendString(b, c.Value)
	return b, nil
}

func (c Get) appendTo(b []byte) ([]byte, error) {
	if err := checkString("key", c.Key); err != nil {
		return nil, err
	}
	b = append(b, byte(TagGet))
	b = appendString(b, c.Key)
	return b, nil
}

// Length prefixes: values below 251 are one byte; larger values are a marker
// byte followed by a little-endian u16, u32 or u64.
const (
	maxSingleByteLen = 250
	markerU16        = 0xfb
	markerU32        = 0xfc
	markerU64        = 0xfd
)

func appendLen(b []byte, n uint64) []byte {
	switch {
	case n <= maxSingleByteLen:
		return append(b, byte(n))
	case n <= math.MaxUint16:
		return binary.LittleEndian.AppendUint16(append(b, markerU16), uint16(n))
	case n <= math.MaxUint32:
		return binary.LittleEndian.AppendUint32(append(b, markerU32), uint32(n))
	default:
		return binary.LittleEndian.AppendUint64(append(b, markerU64), n)
	}
}

// consumeLen parses a length prefix and returns it with the number of bytes
// read. Lengths not written in their shortest form are rejected.
func consumeLen(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New("missing length")
	}

	var (
		n     uint64
		size  int
		least uint64
	)
	switch b[0] {
	case markerU16:
		size, least = 2, maxSingleByteLen+1
	case markerU32:
		size, least = 4, math.MaxUint16+1
	case markerU64:
		size, least = 8, math.MaxUint32+1
	default:
		if b[0] > maxSingleByteLen {
			return 0, 0, fmt.Errorf("invalid length marker 0x%02x", b[0])
		}
		return uint64(b[0]), 1, nil
	}

	if len(b) < 1+size {
		return 0, 0, io.ErrUnexpectedEOF
	}
	switch size {
	case 2:
		n = uint64(binary.LittleEndian.Uint16(b[1:]))
	case 4:
		n = uint64(binary.LittleEndian.Uint32(b[1:]))
	default:
		n = binary.LittleEndian.Uint64(b[1:])
	}
	if n < least {
		return 0, 0, fmt.Errorf("non-minimal length %d after marker 0x%02x", n, b[0])
	}
	return n, 1 + size, nil
}

func lenSize(n int) int {
	switch {
	case n <= maxSingleByteLen:
		return 1
	case n <= math.MaxUint16:
		return 3
	case uint64(n) <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

func appendString(b []byte, s string) []byte {
	b = appendLen(b, uint64(len(s)))
	return append(b, s...)
}

func consumeString(b []byte, field string) (string, int, error) {
	n, hdr, err := consumeLen(b)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s length: %v", ErrDecoding, field, err)
	}
	if n > uint64(len(b)-hdr) {
		return "", 0, fmt.Errorf("%w: %s: %v", ErrDecoding, field, io.ErrUnexpectedEOF)
	}
	v := string(b[hdr : hdr+int(n)])
	if !utf8.ValidString(v) {
		return "", 0, fmt.Errorf("%w: %s is not valid UTF-8", ErrDecoding, field)
	}
	return v, hdr + int(n), nil
}

func checkString(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrEncoding, field)
	}
	return nil
}

func encodedSizeHint(c Command) int {
	switch v := c.(type) {
	case Set:
		return 1 + lenSize(len(v.Key)) + len(v.Key) + lenSize(len(v.Value)) + len(v.Value)
	case Get:
		return 1 + lenSize(len(v.Key)) + len(v.Key)
	default:
		return 0
	}
}
