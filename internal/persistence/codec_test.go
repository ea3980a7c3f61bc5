package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecNilRoundTrip(t *testing.T) {
	data, err := encodeMap(nil)
	require.NoError(t, err)
	require.Nil(t, data)

	m, err := decodeMap(nil)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestCodecRoundTrip(t *testing.T) {
	in := map[string]any{"model": "m-1", "attempts": float64(2)}

	data, err := encodeMap(in)
	require.NoError(t, err)

	out, err := decodeMap(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeMapRejectsGarbage(t *testing.T) {
	_, err := decodeMap([]byte("{not json"))
	require.Error(t, err)
}
