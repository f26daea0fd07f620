package recordpage

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func nameFor(i int) [16]byte {
	var n [16]byte

	for j := 0; j < 16; j++ {
		n[j] = byte((i >> (j % 8)) ^ (i * (j + 1)))
	}

	return n
}

func TestNewSortsAndFinds(t *testing.T) {
	const n = 500

	recs := make([]Record, n)
	order := rand.Perm(n)

	for i, pos := range order {
		recs[pos] = Record{Name: nameFor(i), Data: []byte{byte(i)}}
	}

	page := New(recs)
	require.Equal(t, n, page.Len())

	for i := 1; i < page.Len(); i++ {
		require.LessOrEqual(t, bytesCompare(page.Records()[i-1].Name, page.Records()[i].Name), 0)
	}

	for i := 0; i < n; i++ {
		data, found := page.Find(nameFor(i))
		require.True(t, found)
		require.Equal(t, []byte{byte(i)}, data)
	}

	var missing [16]byte
	for i := range missing {
		missing[i] = 0xff
	}

	_, found := page.Find(missing)
	require.False(t, found)
}

func bytesCompare(a, b [16]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}

			return 1
		}
	}

	return 0
}
