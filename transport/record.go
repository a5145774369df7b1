package transport

import "time"

// connRecord is the per-peer state a Manager owns exclusively while it is
// not in a terminal stage (spec.md §3 Connection Record).
type connRecord struct {
	id           ConnID
	peerURL      string
	isServer     bool
	lastActivity time.Time
	outbound     [][]byte
	stage        stage
}
