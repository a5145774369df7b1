package transport

import (
	"fmt"
	"sync/atomic"
)

// IDFactory generates unique ConnIDs. A Manager owns one and draws from it
// both for outbound Connect calls and for connections its Acceptor yields;
// the atomic counter is the sole concurrency primitive on the transport
// core's hot path (spec.md §5).
type IDFactory struct {
	counter atomic.Uint64
}

// NewIDFactory returns an IDFactory whose first Next() call yields "conn1".
func NewIDFactory() *IDFactory {
	return &IDFactory{}
}

// Next returns a fresh, never-before-issued ConnID.
func (f *IDFactory) Next() ConnID {
	n := f.counter.Add(1)
	return ConnID(fmt.Sprintf("conn%d", n))
}
