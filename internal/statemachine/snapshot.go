package statemachine

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot payloads use the protobuf wire format of
//
//	message Snapshot { repeated Entry entries = 1; }
//	message Entry    { string key = 1; string value = 2; }
//
// with entries sorted by key, so equal tables give equal bytes.
const (
	snapshotEntriesField protowire.Number = 1
	entryKeyField        protowire.Number = 1
	entryValueField      protowire.Number = 2
)

func (sm *StateMachine) Snapshot() ([]byte, error) {
	var data []byte
	err := sm.table.read(func(table map[string]string) error {
		data = encodeSnapshot(table)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Restore replaces the whole table with the snapshot contents. It also clears
// a poisoned guard, since none of the previous state survives.
func (sm *StateMachine) Restore(data []byte) error {
	table, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	sm.table.reset(table)
	return nil
}

func encodeSnapshot(table map[string]string) []byte {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out, entry []byte
	for _, k := range keys {
		entry = entry[:0]
		entry = protowire.AppendTag(entry, entryKeyField, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, entryValueField, protowire.BytesType)
		entry = protowire.AppendString(entry, table[k])

		out = protowire.AppendTag(out, snapshotEntriesField, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

func decodeSnapshot(data []byte) (map[string]string, error) {
	table := make(map[string]string)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, protowire.ParseError(n))
		}
		data = data[n:]

		if num != snapshotEntriesField || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidSnapshot, num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		entry, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: entry: %v", ErrInvalidSnapshot, protowire.ParseError(n))
		}
		data = data[n:]

		key, value, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		table[key] = value
	}
	return table, nil
}

func decodeEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: entry tag: %v", ErrInvalidSnapshot, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == entryKeyField && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == entryValueField && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", "", fmt.Errorf("%w: entry field %d: %v", ErrInvalidSnapshot, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if !utf8.ValidString(key) || !utf8.ValidString(value) {
		return "", "", fmt.Errorf("%w: entry is not valid UTF-8", ErrInvalidSnapshot)
	}
	return key, value, nil
}
