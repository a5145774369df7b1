package transport

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// tPing is how long a connection may sit idle before the manager sends it a
// heartbeat ping.
const tPing = 2000 * time.Millisecond

// tDead is how long a connection may sit idle, measured against remote
// activity only, before the manager closes it outright. tPing < tDead is
// required so the two checks below never both fire for the same record in
// the same tick.
const tDead = 5000 * time.Millisecond

// Manager is a single-threaded, poll-driven WebSocket/TLS connection table
// (spec.md §4.E). It performs no internal threading: every exported method
// mutates state only on the caller's goroutine. The original lib3h source's
// "drain into a working list, step each once, reinsert" tick shape is kept
// intact in Process; see priv_process_stream_sockets in
// original_source/crates/lib3h/src/transport_wss/mod.rs.
type Manager struct {
	tlsConfig     TLSConfig
	streamFactory StreamFactory
	binder        Binder
	idFactory     *IDFactory
	log           zerolog.Logger

	records map[ConnID]*connRecord
	order   []ConnID

	acceptor    Acceptor
	acceptorURL string

	inbox []Command

	connectionEvents []Event
	transitionEvents []Event
	closedEvents     []Event

	certOnce sync.Once
	cert     tls.Certificate
	certErr  error
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithStreamFactory overrides the outbound dial strategy. Defaults to
// DialStreamFactory.
func WithStreamFactory(f StreamFactory) Option {
	return func(m *Manager) { m.streamFactory = f }
}

// WithBinder overrides the inbound listen strategy. Defaults to TCPBinder.
func WithBinder(b Binder) Option {
	return func(m *Manager) { m.binder = b }
}

// WithLogger attaches a zerolog.Logger the Manager uses for diagnostics
// that have no corresponding Event (accept failures, dropped commands).
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager constructs a Manager bound to no acceptor. Call Bind to start
// accepting inbound connections.
func NewManager(tlsConfig TLSConfig, opts ...Option) *Manager {
	m := &Manager{
		tlsConfig:     tlsConfig,
		streamFactory: DialStreamFactory,
		binder:        TCPBinder,
		idFactory:     NewIDFactory(),
		log:           zerolog.Nop(),
		records:       make(map[ConnID]*connRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: m.tlsConfig.InsecureSkipVerify || m.tlsConfig.Mode == TLSEphemeralSelfSigned,
	}
}

func (m *Manager) serverCertificate() (tls.Certificate, error) {
	m.certOnce.Do(func() {
		m.cert, m.certErr = m.tlsConfig.serverCertificate()
	})
	return m.cert, m.certErr
}

// emit routes an Event into the bucket that fixes its place in the causal
// ordering Process returns: new-acceptor Connection events first, per-
// connection transitions next, terminal Closed events last (spec.md §5).
func (m *Manager) emit(e Event) {
	switch e.(type) {
	case ConnectionEvent:
		m.connectionEvents = append(m.connectionEvents, e)
	case ClosedEvent:
		m.closedEvents = append(m.closedEvents, e)
	default:
		m.transitionEvents = append(m.transitionEvents, e)
	}
}

func (m *Manager) insertRecord(rec *connRecord) {
	m.records[rec.id] = rec
	m.order = append(m.order, rec.id)
}

// Connect dials url synchronously enough to enqueue the new connection;
// the handshake itself proceeds over subsequent Process calls. The
// returned ConnID is valid immediately, before any event about it exists.
func (m *Manager) Connect(url string) (ConnID, error) {
	hostPort, scheme, err := parseWSURL(url)
	if err != nil {
		return "", err
	}
	if scheme == "mem" {
		return m.connectMem(url, hostPort)
	}
	conn, err := m.streamFactory(hostPort)
	if err != nil {
		return "", err
	}
	id := m.idFactory.Next()
	rec := &connRecord{
		id:           id,
		peerURL:      url,
		isServer:     false,
		lastActivity: time.Now(),
		stage:        connectingStage{conn: conn},
	}
	m.insertRecord(rec)
	return id, nil
}

// Bind installs an acceptor for bindURL and returns the canonical address
// it ended up listening on.
func (m *Manager) Bind(bindURL string) (string, error) {
	_, scheme, err := parseWSURL(bindURL)
	if err != nil {
		return "", err
	}
	binder := m.binder
	if scheme == "mem" {
		binder = MemBinder
	}

	if m.acceptor != nil {
		if err := m.acceptor.Close(); err != nil {
			m.log.Warn().Err(err).Msg("closing previous acceptor")
		}
	}
	acceptor, canonical, err := binder(bindURL)
	if err != nil {
		return "", err
	}
	m.acceptor = acceptor
	m.acceptorURL = canonical
	return canonical, nil
}

// Close requests that id be torn down: a Ready connection gets a
// best-effort close frame before its socket is closed (spec.md §4.E); any
// other stage just has its underlying conn closed directly. id still
// emits ClosedEvent exactly once, on the next Process call.
func (m *Manager) Close(id ConnID) {
	if rec, ok := m.records[id]; ok {
		closeStage(rec.stage)
		rec.stage = noneStage{}
	}
}

// CloseAll requests every active connection be torn down, the same way
// Close does for a single id.
func (m *Manager) CloseAll() {
	for _, rec := range m.records {
		closeStage(rec.stage)
		rec.stage = noneStage{}
	}
}

// closeStage tears down whatever socket s is holding, sending a WS close
// frame first if s is a live Ready connection. Mirrors the original's
// close() calling socket.close(None) before clearing its state
// (original_source/crates/lib3h/src/transport_wss/mod.rs).
func closeStage(s stage) {
	switch st := s.(type) {
	case readyWsStage:
		sendCloseFrame(st.conn)
		_ = st.conn.Close()
	case readyWssStage:
		sendCloseFrame(st.conn)
		_ = st.conn.Close()
	case connectingStage:
		_ = st.conn.Close()
	case connectingSrvStage:
		_ = st.conn.Close()
	case tlsMidHandshakeStage:
		_ = st.conn.Close()
	case tlsSrvMidHandshakeStage:
		_ = st.conn.Close()
	case tlsReadyStage:
		_ = st.conn.Close()
	case tlsSrvReadyStage:
		_ = st.conn.Close()
	case wsMidHandshakeStage:
		_ = st.conn.Close()
	case wsSrvMidHandshakeStage:
		_ = st.conn.Close()
	case wssMidHandshakeStage:
		_ = st.conn.Close()
	case wssSrvMidHandshakeStage:
		_ = st.conn.Close()
	}
}

// sendCloseFrame best-effort sends a normal-closure control frame ahead of
// closing the socket (spec.md §4.E: close(id) "best-effort sends a close
// frame if the stage is Ready"). Failure is not reported; the socket is
// closed immediately after regardless.
func sendCloseFrame(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeDeadline),
	)
}

// ConnectionIDList returns the ids of every connection the Manager
// currently owns, including ones still mid-handshake.
func (m *Manager) ConnectionIDList() []ConnID {
	ids := make([]ConnID, 0, len(m.records))
	for _, id := range m.order {
		if _, ok := m.records[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// BoundAddr returns the canonical address passed back from the last
// successful Bind call, or "" if Bind has never succeeded.
func (m *Manager) BoundAddr() string {
	return m.acceptorURL
}

// GetURI returns the peer URL a connection was opened with, if it is still
// active.
func (m *Manager) GetURI(id ConnID) (string, bool) {
	rec, ok := m.records[id]
	if !ok {
		return "", false
	}
	return rec.peerURL, true
}

// IsInbound reports whether id came from this Manager's acceptor, as
// opposed to an outbound Connect call, if it is still active.
func (m *Manager) IsInbound(id ConnID) (bool, bool) {
	rec, ok := m.records[id]
	if !ok {
		return false, false
	}
	return rec.isServer, true
}

// Post enqueues a Command to be applied at the start of the next Process
// call.
func (m *Manager) Post(cmd Command) {
	m.inbox = append(m.inbox, cmd)
}

// Send enqueues payload on each connection in ids. Unknown ids are
// silently skipped.
func (m *Manager) Send(ids []ConnID, payload []byte) {
	for _, id := range ids {
		if rec, ok := m.records[id]; ok {
			rec.outbound = append(rec.outbound, payload)
		}
	}
}

// SendAll enqueues payload on every active connection.
func (m *Manager) SendAll(payload []byte) {
	for _, rec := range m.records {
		rec.outbound = append(rec.outbound, payload)
	}
}

func (m *Manager) drainInbox() {
	inbox := m.inbox
	m.inbox = nil
	for _, cmd := range inbox {
		switch c := cmd.(type) {
		case ConnectCommand:
			if _, err := m.Connect(c.URL); err != nil {
				m.log.Warn().Err(err).Str("url", c.URL).Msg("posted connect failed")
			}
		case SendCommand:
			m.Send(c.IDs, c.Payload)
		case SendAllCommand:
			m.SendAll(c.Payload)
		case CloseCommand:
			m.Close(c.ID)
		case BindCommand:
			if _, err := m.Bind(c.URL); err != nil {
				m.log.Warn().Err(err).Str("url", c.URL).Msg("posted bind failed")
			}
		}
	}
}

// Process advances every connection by at most one handshake/I-O step,
// polls the acceptor once, and returns whatever events the tick produced.
// didWork reports whether any connection made genuine progress, so a
// caller can back off its own poll loop when the transport is quiescent.
func (m *Manager) Process() (didWork bool, events []Event) {
	m.drainInbox()

	if m.acceptor != nil {
		conn, err := m.acceptor.Accept()
		if err != nil {
			m.log.Warn().Err(err).Msg("accept failed")
		} else if conn != nil {
			id := m.idFactory.Next()
			rec := &connRecord{
				id:           id,
				peerURL:      conn.RemoteAddr().String(),
				isServer:     true,
				lastActivity: time.Now(),
				stage:        connectingSrvStage{conn: conn},
			}
			m.insertRecord(rec)
			didWork = true
		}
	}

	working := m.order
	m.order = nil

	for _, id := range working {
		rec, ok := m.records[id]
		if !ok {
			continue
		}

		next, stepDidWork, err := rec.stage.step(m, rec)
		rec.stage = next
		if stepDidWork {
			didWork = true
		}
		if err != nil {
			var xerr *Error
			if e, ok := err.(*Error); ok {
				xerr = e
			} else {
				xerr = newError(KindReadFailed, err)
			}
			m.emit(TransportErrorEvent{ID: id, Err: xerr})
		}

		if _, isNone := rec.stage.(noneStage); isNone {
			delete(m.records, id)
			m.emit(ClosedEvent{ID: id})
			continue
		}

		elapsed := time.Since(rec.lastActivity)
		switch {
		case elapsed > tDead:
			closeStage(rec.stage)
			delete(m.records, id)
			m.emit(ClosedEvent{ID: id})
			continue
		case elapsed > tPing:
			m.sendHeartbeatPing(rec)
		}

		m.order = append(m.order, id)
	}

	events = append(events, m.connectionEvents...)
	events = append(events, m.transitionEvents...)
	events = append(events, m.closedEvents...)
	m.connectionEvents = nil
	m.transitionEvents = nil
	m.closedEvents = nil

	return didWork, events
}

func (m *Manager) sendHeartbeatPing(rec *connRecord) {
	var conn *websocket.Conn
	switch s := rec.stage.(type) {
	case readyWsStage:
		conn = s.conn
	case readyWssStage:
		conn = s.conn
	default:
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		m.log.Debug().Err(err).Str("id", string(rec.id)).Msg("heartbeat ping failed")
	}
}

// WaitConnect blocks the caller, repeatedly calling Process, until id's
// ConnectResult (or a TransportError/Closed for id) has been observed, or
// timeout elapses. It exists for tests and simple synchronous callers. It
// waits by looping Process on the caller's own goroutine, for up to
// timeout; the other methods block at most for a single dial or write
// deadline.
func (m *Manager) WaitConnect(id ConnID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, events := m.Process()
		for _, e := range events {
			switch ev := e.(type) {
			case ConnectResultEvent:
				if ev.ID == id {
					return nil
				}
			case TransportErrorEvent:
				if ev.ID == id {
					return ev.Err
				}
			case ClosedEvent:
				if ev.ID == id {
					return newError(KindWSHandshake, fmt.Errorf("connection %s closed before completing handshake", id))
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
	return newError(KindWSHandshake, fmt.Errorf("connection %s did not complete handshake within %s", id, timeout))
}
