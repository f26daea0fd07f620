package recordpage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := []Record{
		{Name: [16]byte{1}, Data: []byte("alpha")},
		{Name: [16]byte{2}, Data: []byte("beta")},
		{Name: [16]byte{0}, Data: []byte("gamma")},
	}

	page := New(records)

	buf, err := page.Encode(4096)
	require.NoError(t, err)
	require.Len(t, buf, 4096)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, page.Records(), decoded.Records())
}

func TestEncodeRejectsOversizedPage(t *testing.T) {
	page := New([]Record{{Name: [16]byte{9}, Data: make([]byte, 100)}})

	_, err := page.Encode(32)
	require.Error(t, err)
}
