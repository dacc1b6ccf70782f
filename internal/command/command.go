// Package command defines the closed set of operations understood by the
// state machine and their binary wire format.
//
// Wire format:
//
//	Set: 0x00 | len(key) key | len(value) value
//	Get: 0x01 | len(key) key
//
// A length below 251 is a single byte. Larger lengths are 0xfb, 0xfc or 0xfd
// followed by a little-endian u16, u32 or u64, always in the shortest form.
// Strings are UTF-8.
package command

import "fmt"

type Tag byte

const (
	TagSet Tag = 0x00
	TagGet Tag = 0x01
)

func (t Tag) String() string {
	switch t {
	case TagSet:
		return "SET"
	case TagGet:
		return "GET"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Command is implemented only by Set and Get.
type Command interface {
	Tag() Tag
	appendTo(b []byte) ([]byte, error)
}

type Set struct {
	Key   string
	Value string
}

type Get struct {
	Key string
}

func NewSet(key, value string) Command {
	return Set{Key: key, Value: value}
}

func NewGet(key string) Command {
	return Get{Key: key}
}

func (Set) Tag() Tag { return TagSet }
func (Get) Tag() Tag { return TagGet }

func (c Set) String() string { return fmt.Sprintf("SET %q", c.Key) }
func (c Get) String() string { return fmt.Sprintf("GET %q", c.Key) }
