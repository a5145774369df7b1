package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// memBroker is a process-wide registry of bound mem:// addresses, letting
// two Managers in the same process exchange data over net.Pipe instead of
// a real socket. This is the mock transport spec.md's design notes call
// for: same event surface and handshake machinery as ws/wss, just a
// different StreamFactory/Binder pair underneath.
type memBroker struct {
	mu        sync.Mutex
	listeners map[string]chan net.Conn
}

var globalMemBroker = &memBroker{listeners: make(map[string]chan net.Conn)}

const memAcceptBacklog = 16

type memAcceptor struct {
	hostPort string
	ch       chan net.Conn
}

func (a *memAcceptor) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-a.ch:
		if !ok {
			return nil, nil
		}
		return conn, nil
	default:
		return nil, nil
	}
}

func (a *memAcceptor) Close() error {
	globalMemBroker.mu.Lock()
	delete(globalMemBroker.listeners, a.hostPort)
	globalMemBroker.mu.Unlock()
	return nil
}

// MemBinder installs a mem:// listener. Manager.Bind dispatches to this
// automatically whenever the bind URL's scheme is "mem", regardless of the
// Binder configured via WithBinder.
func MemBinder(bindURL string) (Acceptor, string, error) {
	hostPort, scheme, err := parseWSURL(bindURL)
	if err != nil {
		return nil, "", err
	}
	if scheme != "mem" {
		return nil, "", newError(KindBadURL, fmt.Errorf("MemBinder requires a mem:// URL, got %q", bindURL))
	}

	ch := make(chan net.Conn, memAcceptBacklog)
	globalMemBroker.mu.Lock()
	if _, exists := globalMemBroker.listeners[hostPort]; exists {
		globalMemBroker.mu.Unlock()
		return nil, "", newError(KindBindFailure, fmt.Errorf("mem address %q is already bound", hostPort))
	}
	globalMemBroker.listeners[hostPort] = ch
	globalMemBroker.mu.Unlock()

	return &memAcceptor{hostPort: hostPort, ch: ch}, bindURL, nil
}

// connectMem is Connect's mem:// path: it hands the bound listener one end
// of a net.Pipe and carries on through the ordinary connectingStage, so a
// mem connection runs the exact same handshake state machine a real
// socket would (net.Pipe conns support SetDeadline since Go 1.10, which is
// all the handshake stages require of a net.Conn).
func (m *Manager) connectMem(url, hostPort string) (ConnID, error) {
	globalMemBroker.mu.Lock()
	ch, ok := globalMemBroker.listeners[hostPort]
	globalMemBroker.mu.Unlock()
	if !ok {
		return "", newError(KindStreamFactoryFailure, fmt.Errorf("no mem listener bound at %q", hostPort))
	}

	clientConn, serverConn := net.Pipe()
	select {
	case ch <- serverConn:
	default:
		_ = clientConn.Close()
		_ = serverConn.Close()
		return "", newError(KindStreamFactoryFailure, fmt.Errorf("mem listener at %q is backlogged", hostPort))
	}

	id := m.idFactory.Next()
	rec := &connRecord{
		id:           id,
		peerURL:      url,
		isServer:     false,
		lastActivity: time.Now(),
		stage:        connectingStage{conn: clientConn},
	}
	m.insertRecord(rec)
	return id, nil
}
