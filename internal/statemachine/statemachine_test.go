package statemachine

import (
	"fmt"
	"sync"
	"testing"

	"kvdb/internal/command"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, c command.Command) []byte {
	t.Helper()
	data, err := command.Encode(c)
	require.NoError(t, err)
	return data
}

func set(t *testing.T, sm *StateMachine, key, value string) {
	t.Helper()
	out, err := sm.Apply(encode(t, command.NewSet(key, value)))
	require.NoError(t, err)
	require.Empty(t, out)
}

func get(t *testing.T, sm *StateMachine, key string) ([]byte, error) {
	t.Helper()
	return sm.Apply(encode(t, command.NewGet(key)))
}

func TestApply_EndToEnd(t *testing.T) {
	sm := New(1)

	out, err := sm.Apply(encode(t, command.NewSet("a", "1")))
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)

	out, err = get(t, sm, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), out)

	out, err = get(t, sm, "b")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, out)
}

func TestApply_LastWriteWins(t *testing.T) {
	sm := New(1)

	set(t, sm, "k", "v1")
	set(t, sm, "k", "v2")

	out, err := get(t, sm, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(out))
}

func TestApply_RepeatedReadsAreIdentical(t *testing.T) {
	sm := New(1)
	set(t, sm, "k", "v")

	first, err := get(t, sm, "k")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := get(t, sm, "k")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestApply_KeysAreIsolated(t *testing.T) {
	sm := New(1)
	set(t, sm, "k2", "original")
	set(t, sm, "k1", "v1")

	out, err := get(t, sm, "k2")
	require.NoError(t, err)
	assert.Equal(t, "original", string(out))

	_, err = get(t, sm, "k3")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApply_EmptyValueIsNotMissing(t *testing.T) {
	sm := New(1)
	set(t, sm, "", "")

	out, err := get(t, sm, "")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestApply_MissingKeyOnFreshMachine(t *testing.T) {
	sm := New(7)

	out, err := get(t, sm, "absent")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrLockFailure)
	assert.NotErrorIs(t, err, ErrDecode)
	assert.Nil(t, out)
}

func TestApply_MalformedInputLeavesTableUnchanged(t *testing.T) {
	sm := New(1)
	set(t, sm, "a", "1")

	inputs := map[string][]byte{
		"nil":         nil,
		"garbage":     []byte{0xff, 0xfe, 0xfd},
		"truncated":   encode(t, command.NewSet("b", "2"))[:3],
		"trailing":    append(encode(t, command.NewSet("b", "2")), 0x00),
		"unknown tag": []byte{0x09, 0x01, 'b'},
	}

	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			out, err := sm.Apply(raw)
			require.ErrorIs(t, err, ErrDecode)
			require.ErrorIs(t, err, command.ErrDecoding)
			assert.Nil(t, out)

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}

	out, err := get(t, sm, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(out))

	_, err = get(t, sm, "b")
	require.ErrorIs(t, err, ErrNotFound)

	n, err := sm.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApply_ConcurrentWritersSameKey(t *testing.T) {
	sm := New(1)

	const writers = 64
	written := make(map[string]struct{}, writers)
	for i := 0; i < writers; i++ {
		written[fmt.Sprintf("v_%d", i)] = struct{}{}
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			raw, err := command.Encode(command.NewSet("k", fmt.Sprintf("v_%d", i)))
			if err != nil {
				errs <- err
				return
			}
			if _, err := sm.Apply(raw); err != nil {
				errs <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			raw, err := command.Encode(command.NewGet("k"))
			if err != nil {
				errs <- err
				return
			}
			out, err := sm.Apply(raw)
			if err != nil && !assert.ErrorIs(t, err, ErrNotFound) {
				errs <- err
				return
			}
			if err == nil {
				if _, ok := written[string(out)]; !ok {
					errs <- fmt.Errorf("torn read %q", out)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	out, err := get(t, sm, "k")
	require.NoError(t, err)
	assert.Contains(t, written, string(out))
}

func TestApply_ConcurrentWritersDistinctKeys(t *testing.T) {
	sm := New(1)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := command.Encode(command.NewSet(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			_, err = sm.Apply(raw)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := sm.Len()
	require.NoError(t, err)
	assert.Equal(t, writers, n)

	for i := 0; i < writers; i++ {
		out, err := get(t, sm, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(out))
	}
}

func TestApply_PoisonedGuardReportsLockFailure(t *testing.T) {
	sm := New(3)
	set(t, sm, "a", "1")

	err := sm.table.write(func(map[string]string) { panic("boom") })
	require.ErrorIs(t, err, ErrLockFailure)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, sm.Healthy())

	_, err = sm.Apply(encode(t, command.NewSet("a", "2")))
	require.ErrorIs(t, err, ErrLockFailure)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = get(t, sm, "a")
	require.ErrorIs(t, err, ErrLockFailure)

	_, err = sm.Apply([]byte{0xff})
	require.ErrorIs(t, err, ErrDecode, "decode runs before the guard is touched")
}

func TestID(t *testing.T) {
	assert.Equal(t, uint64(42), New(42).ID())
}
