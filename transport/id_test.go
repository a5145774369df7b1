package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDFactoryNeverRepeats(t *testing.T) {
	f := NewIDFactory()
	seen := make(map[ConnID]bool)
	for i := 0; i < 1000; i++ {
		id := f.Next()
		require.False(t, seen[id], "id %q issued twice", id)
		seen[id] = true
	}
}

func TestParseWSURLDefaultsPorts(t *testing.T) {
	hostPort, scheme, err := parseWSURL("ws://example.org/path")
	require.NoError(t, err)
	require.Equal(t, "example.org:80", hostPort)
	require.Equal(t, "ws", scheme)

	hostPort, scheme, err = parseWSURL("wss://example.org")
	require.NoError(t, err)
	require.Equal(t, "example.org:443", hostPort)
	require.Equal(t, "wss", scheme)

	_, _, err = parseWSURL("http://example.org")
	require.Error(t, err)

	_, _, err = parseWSURL("ws://")
	require.Error(t, err)
}
