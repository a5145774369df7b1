package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestIdleConnectionIsReapedAfterTDead exercises S4: a connection with no
// traffic in either direction for longer than tDead is closed without a
// TransportError, purely from the manager's own heartbeat/idle bookkeeping.
func TestIdleConnectionIsReapedAfterTDead(t *testing.T) {
	if testing.Short() {
		t.Skip("idle reap waits out tDead in real time")
	}

	addr := fmt.Sprintf("mem://heartbeat-%d", time.Now().UnixNano())
	server := NewManager(TLSConfig{Mode: TLSUnencrypted})
	_, err := server.Bind(addr)
	require.NoError(t, err)

	client := NewManager(TLSConfig{Mode: TLSUnencrypted})
	clientID, err := client.Connect(addr)
	require.NoError(t, err)

	drainUntil(t, []*Manager{server, client}, 2*time.Second, func(c map[*Manager][]Event) bool {
		return countEvents[ConnectResultEvent](c[client]) >= 1
	})

	var closedSeen bool
	deadline := time.Now().Add(tDead + 3*time.Second)
	for time.Now().Before(deadline) && !closedSeen {
		_, events := client.Process()
		server.Process()
		for _, e := range events {
			if ce, ok := e.(ClosedEvent); ok && ce.ID == clientID {
				closedSeen = true
			}
			if _, ok := e.(TransportErrorEvent); ok {
				t.Fatalf("idle reap must not raise a TransportError, got %#v", e)
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	require.True(t, closedSeen, "idle connection should be closed once past tDead")
}
