package qinet

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// SocketState is one of the four states a TransportSocket may be in at any
// time (§3 "Invariants (global)").
type SocketState int32

const (
	StateDisconnected SocketState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s SocketState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// SocketSink is the capability set a registrant receives lifecycle and
// readiness notifications through (§4.2, design note "Sink pattern" — a
// set of callbacks rather than a virtual-method inheritance hierarchy).
// Every field is optional; nil callbacks are simply not invoked. All
// callbacks are invoked from the owning NetworkReactor's goroutine and must
// not block (§5).
type SocketSink struct {
	OnConnected       func()
	OnDisconnected    func()
	OnReadyRead       func(id uint32)
	OnWriteDone       func()
	OnConnectionError func(err error)
}

// TransportSocket is a framed, full-duplex message channel over one TCP
// connection. It turns a byte stream into a stream of Messages and back,
// and correlates replies with the request id that produced them (§4.2).
type TransportSocket struct {
	reactor *NetworkReactor
	cfg     *Config
	sink    SocketSink
	sinkMu  sync.RWMutex

	connMu sync.RWMutex
	conn   net.Conn

	state   atomic.Int32
	nextID  atomic.Uint32
	closeCh chan struct{}
	closeOnce sync.Once

	sendMu sync.Mutex

	corrMu  sync.Mutex
	pending map[uint32]*Message
	waiters map[uint32][]chan struct{}

	recvWG sync.WaitGroup
}

// NewTransportSocket builds a TransportSocket in the Disconnected state,
// ready to Connect. The reactor is the NetworkReactor whose goroutine will
// invoke this socket's sink callbacks.
func NewTransportSocket(reactor *NetworkReactor, opts ...Option) *TransportSocket {
	s := &TransportSocket{
		reactor: reactor,
		cfg:     applyConfig(opts),
		closeCh: make(chan struct{}),
		pending: make(map[uint32]*Message),
		waiters: make(map[uint32][]chan struct{}),
	}
	return s
}

// newAcceptedSocket wraps an already-connected net.Conn coming out of a
// TransportServer's Accept loop. Per §4.3 it starts life pre-wired to the
// reactor with state already Connected.
func newAcceptedSocket(reactor *NetworkReactor, conn net.Conn, cfg *Config) *TransportSocket {
	s := &TransportSocket{
		reactor: reactor,
		cfg:     cfg,
		conn:    conn,
		closeCh: make(chan struct{}),
		pending: make(map[uint32]*Message),
		waiters: make(map[uint32][]chan struct{}),
	}
	s.state.Store(int32(StateConnected))
	tuneTCP(conn)
	reactor.Register(s)
	s.recvWG.Add(1)
	go s.recvLoop()
	return s
}

// SetCallbacks registers the sink this socket delivers lifecycle and
// readiness events to. It may be called before or after Connect.
func (s *TransportSocket) SetCallbacks(sink SocketSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *TransportSocket) getSink() SocketSink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	return s.sink
}

// State returns the socket's current lifecycle state.
func (s *TransportSocket) State() SocketState { return SocketState(s.state.Load()) }

// IsConnected reports whether the socket is currently usable for Send.
func (s *TransportSocket) IsConnected() bool { return s.State() == StateConnected }

// NextID returns the next outgoing correlation id from this socket's
// per-socket monotonic counter, starting at 1 (§4.2 "Id assignment").
func (s *TransportSocket) NextID() uint32 { return s.nextID.Add(1) }

// Connect dials url and resolves the returned Future once the TCP
// handshake completes (or fails). Connect rejects immediately with
// ErrNotConnected unless the socket is in the Disconnected state.
func (s *TransportSocket) Connect(ctx context.Context, url URL) *Future[struct{}] {
	future, promise := NewFuture[struct{}]()
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		promise.Reject(ErrNotConnected)
		return future
	}

	go func() {
		dialCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.connectTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, s.cfg.connectTimeout)
			defer cancel()
		}
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(dialCtx, "tcp", url.Addr())
		if err != nil {
			s.state.Store(int32(StateDisconnected))
			kind := classifyDialError(err)
			s.cfg.log("qinet: connect %s failed: %v", url, err)
			if cb := s.getSink().OnConnectionError; cb != nil {
				s.reactor.Post(func() { cb(kind) })
			}
			promise.Reject(kind)
			return
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		tuneTCP(conn)

		s.state.Store(int32(StateConnected))
		s.reactor.Register(s)
		s.recvWG.Add(1)
		go s.recvLoop()

		if cb := s.getSink().OnConnected; cb != nil {
			s.reactor.Post(cb)
		}
		promise.Resolve(struct{}{})
	}()

	return future
}

// classifyDialError maps a net.Dialer error onto the §7 error kinds.
func classifyDialError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNSResolution
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// Disconnect tears the socket down. Any WaitForId callers blocked on this
// socket return false, undelivered messages are dropped, and OnDisconnected
// fires if the socket was connected.
func (s *TransportSocket) Disconnect() {
	if s.State() == StateDisconnected {
		return
	}
	s.teardown(true)
}

// teardown transitions to Disconnected, closes the underlying conn, frees
// the correlation table, and (if notify) invokes onSocketDisconnected.
func (s *TransportSocket) teardown(notify bool) {
	wasConnected := s.state.Swap(int32(StateDisconnected)) == int32(StateConnected)

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}

	s.closeOnce.Do(func() { close(s.closeCh) })

	s.corrMu.Lock()
	s.pending = make(map[uint32]*Message)
	waiters := s.waiters
	s.waiters = make(map[uint32][]chan struct{})
	s.corrMu.Unlock()
	for _, chs := range waiters {
		for _, ch := range chs {
			close(ch)
		}
	}

	s.reactor.Unregister(s)

	if notify && wasConnected {
		if cb := s.getSink().OnDisconnected; cb != nil {
			s.reactor.Post(cb)
		}
	}
}

// reactorClose implements Registrant; invoked by NetworkReactor.Stop.
func (s *TransportSocket) reactorClose() {
	s.teardown(true)
}

// Send enqueues a fully-formed Message for transmission, filling magic/size
// and validating it first. It returns false if the socket is not connected.
// Send preserves per-socket ordering: concurrent callers serialize on the
// write path, matching §5's per-socket ordering guarantee. The Buffer
// backing msg.Payload is owned by the transport for the duration of this
// call (a direct, synchronous write rather than the source system's
// reference-counted async send; writes are synchronous in Go so the buffer
// trivially outlives the write).
func (s *TransportSocket) Send(msg *Message) bool {
	if !s.IsConnected() {
		return false
	}
	msg.complete()
	if !msg.IsValid() {
		return false
	}

	header := msg.Header.Encode()
	payload := msg.Payload.Bytes()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return false
	}

	if _, err := conn.Write(header); err != nil {
		go s.handleReadError(err)
		return false
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			go s.handleReadError(err)
			return false
		}
	}

	s.cfg.metrics.IncrementMessagesSent()
	s.cfg.metrics.IncrementBytesSent(int64(HeaderSize + len(payload)))

	if cb := s.getSink().OnWriteDone; cb != nil {
		s.reactor.Post(cb)
	}
	return true
}

// Read consumes the Message previously delivered for id, if any.
func (s *TransportSocket) Read(id uint32) (*Message, bool) {
	s.corrMu.Lock()
	defer s.corrMu.Unlock()
	msg, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return msg, ok
}

// WaitForId blocks until a Message with the given id is available, the
// socket disconnects, or timeout elapses (timeout <= 0 means wait
// indefinitely). It returns (msg, true) on success.
func (s *TransportSocket) WaitForId(id uint32, timeout time.Duration) (*Message, bool) {
	s.corrMu.Lock()
	if msg, ok := s.pending[id]; ok {
		delete(s.pending, id)
		s.corrMu.Unlock()
		return msg, true
	}
	if !s.IsConnected() {
		s.corrMu.Unlock()
		return nil, false
	}
	ch := make(chan struct{})
	s.waiters[id] = append(s.waiters[id], ch)
	s.corrMu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		return s.Read(id)
	case <-s.closeCh:
		return nil, false
	case <-timeoutCh:
		return nil, false
	}
}

// recvLoop is the single reader goroutine for this socket: it pumps bytes
// off the connection and runs the NeedHeader/NeedBody/Deliver state machine
// of §4.2 until the connection is torn down.
func (s *TransportSocket) recvLoop() {
	defer s.recvWG.Done()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = s.drainMessages(buf)
		}
		if err != nil {
			s.handleReadError(err)
			return
		}
	}
}

// drainMessages runs the receive state machine over buf, delivering every
// complete, valid frame it finds, and returns the undigested remainder.
// Per spec.md §9 this scans forward within a single callback/call instead
// of returning to the caller after each magic resync.
func (s *TransportSocket) drainMessages(buf []byte) []byte {
	for {
		if len(buf) < 4 {
			return buf
		}
		idx := findMagic(buf)
		if idx < 0 {
			// Keep the last 3 bytes: a magic value might straddle the
			// boundary between this read and the next.
			if len(buf) > 3 {
				return buf[len(buf)-3:]
			}
			return buf
		}
		if idx > 0 {
			// Bytes ahead of the magic are dropped: that is a resync too.
			s.cfg.metrics.IncrementResyncs()
			buf = buf[idx:]
		}
		if len(buf) < HeaderSize {
			return buf // NeedHeader: wait for more bytes
		}

		header := DecodeMessageHeader(buf[:HeaderSize])
		if !header.isValid() {
			// Invalid header: drop only the magic bytes and keep scanning
			// in this same call, not the whole buffer (spec.md §4.2).
			s.cfg.metrics.IncrementResyncs()
			buf = buf[4:]
			continue
		}

		total := HeaderSize + int(header.Size)
		if len(buf) < total {
			return buf // NeedBody: wait for more bytes
		}

		payload := make([]byte, header.Size)
		copy(payload, buf[HeaderSize:total])
		msg := &Message{Header: header, Payload: WrapBuffer(payload)}
		s.deliver(msg)
		buf = buf[total:]
	}
}

// findMagic returns the byte offset of the first occurrence of Magic in
// buf (little-endian), or -1 if absent.
func findMagic(buf []byte) int {
	if len(buf) < 4 {
		return -1
	}
	b0 := byte(Magic)
	b1 := byte(Magic >> 8)
	b2 := byte(Magic >> 16)
	b3 := byte(Magic >> 24)
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] == b0 && buf[i+1] == b1 && buf[i+2] == b2 && buf[i+3] == b3 {
			return i
		}
	}
	return -1
}

// deliver installs msg into the correlation table, wakes any waiter
// blocked on its id, and posts onSocketReadyRead to the reactor.
func (s *TransportSocket) deliver(msg *Message) {
	s.cfg.metrics.IncrementMessagesReceived()
	s.cfg.metrics.IncrementBytesReceived(int64(HeaderSize + msg.Payload.Len()))

	s.corrMu.Lock()
	s.pending[msg.Header.ID] = msg
	chans := s.waiters[msg.Header.ID]
	delete(s.waiters, msg.Header.ID)
	s.corrMu.Unlock()

	for _, ch := range chans {
		close(ch)
	}

	id := msg.Header.ID
	if cb := s.getSink().OnReadyRead; cb != nil {
		s.reactor.Post(func() { cb(id) })
	}
}

// handleReadError transitions to Disconnected on EOF/error while Connected,
// per §4.2 "Lifecycle events".
func (s *TransportSocket) handleReadError(err error) {
	if s.State() != StateConnected {
		return
	}
	s.teardown(true)
}

// LocalAddr returns the local TCP address, or nil if not connected.
func (s *TransportSocket) LocalAddr() net.Addr {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote TCP address, or nil if not connected.
func (s *TransportSocket) RemoteAddr() net.Addr {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}
