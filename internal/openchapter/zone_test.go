package openchapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func name(b byte) [16]byte {
	var n [16]byte
	for i := range n {
		n[i] = b
	}

	return n
}

func TestPutGetRoundTrip(t *testing.T) {
	z := New(8, 4)

	remaining, full := z.Put(name(1), []byte{1, 2, 3, 4})
	require.False(t, full)
	require.Equal(t, 7, remaining)

	data, found := z.Get(name(1))
	require.True(t, found)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	_, found = z.Get(name(2))
	require.False(t, found)
}

func TestPutOverwriteDoesNotConsumeCapacity(t *testing.T) {
	z := New(4, 2)

	remaining, full := z.Put(name(1), []byte{1, 1})
	require.False(t, full)
	require.Equal(t, 3, remaining)

	remaining, full = z.Put(name(1), []byte{2, 2})
	require.False(t, full)
	require.Equal(t, 3, remaining)

	data, found := z.Get(name(1))
	require.True(t, found)
	require.Equal(t, []byte{2, 2}, data)
	require.Equal(t, 1, z.Count())
}

func TestPutReportsFullAtCapacity(t *testing.T) {
	z := New(2, 1)

	_, full := z.Put(name(1), []byte{1})
	require.False(t, full)
	_, full = z.Put(name(2), []byte{2})
	require.False(t, full)

	remaining, full := z.Put(name(3), []byte{3})
	require.True(t, full)
	require.Equal(t, 0, remaining)

	_, found := z.Get(name(3))
	require.False(t, found)
}

func TestRemoveAndReprobe(t *testing.T) {
	z := New(32, 1)

	names := make([][16]byte, 0, 20)
	for i := byte(1); i <= 20; i++ {
		n := name(i)
		names = append(names, n)

		_, full := z.Put(n, []byte{i})
		require.False(t, full)
	}

	require.True(t, z.Remove(names[5]))
	require.False(t, z.Remove(names[5]))

	for i, n := range names {
		if i == 5 {
			continue
		}

		data, found := z.Get(n)
		require.Truef(t, found, "name %d missing after unrelated remove", i)
		require.Equal(t, []byte{byte(i + 1)}, data)
	}

	require.Equal(t, 19, z.Count())
}

func TestResetClearsTable(t *testing.T) {
	z := New(4, 1)

	z.Put(name(1), []byte{1})
	z.Put(name(2), []byte{2})
	require.Equal(t, 2, z.Count())

	z.Reset()

	require.Zero(t, z.Count())
	_, found := z.Get(name(1))
	require.False(t, found)

	remaining, full := z.Put(name(1), []byte{9})
	require.False(t, full)
	require.Equal(t, 3, remaining)
}

func TestSlotsReturnsOnlyOccupied(t *testing.T) {
	z := New(8, 1)

	z.Put(name(1), []byte{1})
	z.Put(name(2), []byte{2})
	z.Remove(name(1))

	slots := z.Slots()
	require.Len(t, slots, 1)
	require.Equal(t, name(2), slots[0].Name)
	require.Equal(t, []byte{2}, slots[0].Data)
}

func TestCapacity(t *testing.T) {
	z := New(0, 1)
	require.Equal(t, 1, z.Capacity())

	z = New(16, 1)
	require.Equal(t, 16, z.Capacity())
}
