package qinet

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// LocalService is the capability set a registered object exposes to incoming
// Call/Event messages (§4.5 "Incoming dispatch"). The high-level object/
// method builders that walk a signature string are an external collaborator
// (spec.md §1); Session only needs a plain function-table dispatch target.
type LocalService interface {
	HandleCall(function uint32, payload *Buffer) (*Buffer, error)
	HandleEvent(function uint32, payload *Buffer)
}

// MethodFunc handles one Call addressed to a function id.
type MethodFunc func(payload *Buffer) (*Buffer, error)

// EventFunc handles one Event addressed to a function id.
type EventFunc func(payload *Buffer)

// ObjectTable is a minimal LocalService: a function-id-keyed dispatch table,
// the smallest thing that can stand in for the out-of-scope signature-
// walking object builder while still exercising Session's registerService/
// dispatch path end to end.
type ObjectTable struct {
	mu      sync.RWMutex
	methods map[uint32]MethodFunc
	events  map[uint32]EventFunc
}

// NewObjectTable returns an empty ObjectTable.
func NewObjectTable() *ObjectTable {
	return &ObjectTable{methods: make(map[uint32]MethodFunc), events: make(map[uint32]EventFunc)}
}

// OnCall registers the handler invoked for Call messages addressed to function.
func (o *ObjectTable) OnCall(function uint32, fn MethodFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.methods[function] = fn
}

// OnEvent registers the handler invoked for Event messages addressed to function.
func (o *ObjectTable) OnEvent(function uint32, fn EventFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[function] = fn
}

// HandleCall implements LocalService.
func (o *ObjectTable) HandleCall(function uint32, payload *Buffer) (*Buffer, error) {
	o.mu.RLock()
	fn, ok := o.methods[function]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return fn(payload)
}

// HandleEvent implements LocalService.
func (o *ObjectTable) HandleEvent(function uint32, payload *Buffer) {
	o.mu.RLock()
	fn, ok := o.events[function]
	o.mu.RUnlock()
	if ok {
		fn(payload)
	}
}

// SessionSink holds the session's signal callbacks: connected,
// disconnected, serviceRegistered, serviceUnregistered. Session invokes the
// first three; OnServiceUnregistered is not invoked by Session, including
// by UnregisterService. All callbacks run on the reactor goroutine and must
// not block.
type SessionSink struct {
	OnConnected           func()
	OnDisconnected        func()
	OnServiceRegistered   func(id uint32, name string)
	OnServiceUnregistered func(id uint32, name string)
}

// callKey identifies one outstanding RPC: the socket it was sent on plus the
// correlation id assigned to it. The same pendingFutures table serves calls
// to the directory and calls to remote/local services alike (§3 Session
// tables).
type callKey struct {
	sock *TransportSocket
	id   uint32
}

// ServiceHandle is the ObjectHandle returned by Session.Service: a proxy
// bound to (socket, serviceId) through which method calls and events are
// sent (§4.5 "service(name)").
type ServiceHandle struct {
	session   *Session
	socket    *TransportSocket
	serviceID uint32
}

// ServiceID returns the remote service's directory-assigned id.
func (h *ServiceHandle) ServiceID() uint32 { return h.serviceID }

// Call sends a Call message to function and blocks for the Reply/Error.
func (h *ServiceHandle) Call(ctx context.Context, function uint32, payload *Buffer) (*Buffer, error) {
	future := h.session.call(h.socket, h.serviceID, PathMain, function, payload)
	msg, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// Emit sends a fire-and-forget Event; per spec.md §9 events always carry
// id==0 and are never entered into the correlation table.
func (h *ServiceHandle) Emit(function uint32, payload *Buffer) bool {
	msg := NewMessage(0, TypeEvent, h.serviceID, PathMain, function, payload)
	return h.socket.Send(msg)
}

// Session is the client-side orchestrator of §4.5: one directory link, a
// pool of per-endpoint sockets shared across concurrent service() callers,
// a table of locally hosted services, and the uniform invoke/emit surface
// built on top of TransportSocket and ServiceDirectory.
type Session struct {
	reactor *NetworkReactor
	cfg     *Config
	opts    []Option

	machineID string
	processID uint32

	directoryMu   sync.RWMutex
	directoryLink *TransportSocket
	directoryURL  URL

	listenMu  sync.Mutex
	listener  *TransportServer
	listenURL URL

	poolMu       sync.Mutex
	endpointPool map[string]*TransportSocket
	resolveGroup singleflight.Group

	localMu       sync.RWMutex
	localServices map[uint32]LocalService

	pendingMu      sync.Mutex
	pendingFutures map[callKey]*Promise[*Message]

	sinkMu sync.RWMutex
	sink   SessionSink

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSession builds a Session bound to reactor. The reactor must already be
// started (NetworkReactor.Start).
func NewSession(reactor *NetworkReactor, opts ...Option) *Session {
	return &Session{
		reactor:        reactor,
		cfg:            applyConfig(opts),
		opts:           opts,
		machineID:      uuid.New().String(),
		processID:      uint32(os.Getpid()),
		endpointPool:   make(map[string]*TransportSocket),
		localServices:  make(map[uint32]LocalService),
		pendingFutures: make(map[callKey]*Promise[*Message]),
	}
}

// SetCallbacks registers the sink notified of connection and registration
// signals.
func (s *Session) SetCallbacks(sink SessionSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *Session) getSink() SessionSink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	return s.sink
}

// IsConnected reports whether the directory link is currently usable.
func (s *Session) IsConnected() bool {
	s.directoryMu.RLock()
	dl := s.directoryLink
	s.directoryMu.RUnlock()
	return dl != nil && dl.IsConnected()
}

// Connect opens the directory link. The returned Future resolves true once
// the TCP handshake to url completes, or fails with InvalidUrl,
// DnsResolution, ConnectRefused, or Timeout (§4.5 "Connect").
func (s *Session) Connect(ctx context.Context, url URL) *Future[bool] {
	future, promise := NewFuture[bool]()
	if s.closed.Load() {
		promise.Reject(ErrClosed)
		return future
	}
	if url.Scheme != "tcp" {
		promise.Reject(ErrInvalidURL)
		return future
	}

	sock := NewTransportSocket(s.reactor, s.opts...)
	s.directoryMu.Lock()
	s.directoryLink = sock
	s.directoryURL = url
	s.directoryMu.Unlock()

	sock.SetCallbacks(SocketSink{
		OnConnected: func() {
			if cb := s.getSink().OnConnected; cb != nil {
				cb()
			}
		},
		OnDisconnected: func() {
			s.failPendingForSocket(sock, ErrDisconnected)
			if cb := s.getSink().OnDisconnected; cb != nil {
				cb()
			}
		},
		OnReadyRead: func(id uint32) { s.onReadyRead(sock, id) },
	})

	connFuture := sock.Connect(ctx, url)
	go func() {
		if _, err := connFuture.Wait(ctx); err != nil {
			promise.Reject(err)
			return
		}
		promise.Resolve(true)
	}()
	return future
}

// Close tears down the directory link and every socket in the endpoint
// pool; every in-flight call future fails with Disconnected (§4.5 "close()").
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.directoryMu.Lock()
		dl := s.directoryLink
		s.directoryMu.Unlock()
		if dl != nil {
			dl.Disconnect()
		}

		s.poolMu.Lock()
		pool := s.endpointPool
		s.endpointPool = make(map[string]*TransportSocket)
		s.poolMu.Unlock()
		for _, sock := range pool {
			sock.Disconnect()
		}

		s.listenMu.Lock()
		ln := s.listener
		s.listener = nil
		s.listenMu.Unlock()
		if ln != nil {
			err = ln.Close()
		}

		s.failAllPending(ErrDisconnected)
	})
	return err
}

// Listen creates (if absent) a TransportServer at url and wires its sink to
// this Session, so incoming calls addressed to localServices are dispatched
// (§4.5 "listen(url)").
func (s *Session) Listen(url URL) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener != nil {
		return nil
	}
	server, err := Listen(s.reactor, url, s.opts...)
	if err != nil {
		return err
	}
	server.SetCallbacks(ServerSink{OnNewConnection: s.onNewConnection})
	s.listener = server
	s.listenURL = url
	return nil
}

// Endpoints returns the concrete bound URLs this session listens on, or
// ErrNotListening if Listen has not been called.
func (s *Session) Endpoints() ([]URL, error) {
	s.listenMu.Lock()
	server := s.listener
	s.listenMu.Unlock()
	if server == nil {
		return nil, ErrNotListening
	}
	return server.Endpoints()
}

func (s *Session) onNewConnection(sock *TransportSocket) {
	sock.SetCallbacks(SocketSink{
		OnReadyRead: func(id uint32) { s.onReadyRead(sock, id) },
		OnDisconnected: func() {
			s.failPendingForSocket(sock, ErrDisconnected)
		},
	})
}

// RegisterService builds a ServiceInfo from {name, machineId, processId,
// endpoints()} and calls the directory's RegisterService (§4.4 function
// 100). On success it installs localServices[id] = object. Requires Listen
// to have been called first (§4.5 "registerService").
func (s *Session) RegisterService(name string, object LocalService) *Future[uint32] {
	future, promise := NewFuture[uint32]()

	endpoints, err := s.Endpoints()
	if err != nil {
		promise.Reject(err)
		return future
	}

	s.directoryMu.RLock()
	dl := s.directoryLink
	s.directoryMu.RUnlock()
	if dl == nil {
		promise.Reject(ErrNotConnected)
		return future
	}

	epStrs := make([]string, len(endpoints))
	for i, e := range endpoints {
		epStrs[i] = e.String()
	}

	info := ServiceInfo{Name: name, MachineID: s.machineID, ProcessID: s.processID, Endpoints: epStrs}
	enc := NewEncoder(nil)
	EncodeServiceInfo(enc, info)

	rpcFuture := s.call(dl, DirectoryServiceID, PathMain, FuncRegisterService, enc.Buffer())
	go func() {
		msg, err := rpcFuture.Wait(context.Background())
		if err != nil {
			promise.Reject(err)
			return
		}
		dec := NewDecoder(msg.Payload)
		id, err := dec.ReadU32()
		if err != nil {
			promise.Reject(err)
			return
		}
		s.localMu.Lock()
		s.localServices[id] = object
		s.localMu.Unlock()
		promise.Resolve(id)
		if cb := s.getSink().OnServiceRegistered; cb != nil {
			s.reactor.Post(func() { cb(id, name) })
		}
	}()
	return future
}

// UnregisterService removes a previously registered service, both from the
// directory and from this session's local table.
func (s *Session) UnregisterService(id uint32) *Future[struct{}] {
	future, promise := NewFuture[struct{}]()

	s.directoryMu.RLock()
	dl := s.directoryLink
	s.directoryMu.RUnlock()
	if dl == nil {
		promise.Reject(ErrNotConnected)
		return future
	}

	enc := NewEncoder(nil)
	enc.WriteU32(id)
	rpcFuture := s.call(dl, DirectoryServiceID, PathMain, FuncUnregisterService, enc.Buffer())
	go func() {
		_, err := rpcFuture.Wait(context.Background())
		if err != nil {
			promise.Reject(err)
			return
		}
		s.localMu.Lock()
		delete(s.localServices, id)
		s.localMu.Unlock()
		promise.Resolve(struct{}{})
	}()
	return future
}

// Service resolves name through the directory and returns a handle bound to
// a (possibly reused) socket to its first endpoint (§4.5 "service(name)").
// Concurrent Service calls for the same endpoint share exactly one
// TransportSocket (§8 testable property 5).
func (s *Session) Service(ctx context.Context, name string) *Future[*ServiceHandle] {
	future, promise := NewFuture[*ServiceHandle]()

	s.directoryMu.RLock()
	dl := s.directoryLink
	s.directoryMu.RUnlock()
	if dl == nil {
		promise.Reject(ErrNotConnected)
		return future
	}

	enc := NewEncoder(nil)
	enc.WriteString(name)
	rpcFuture := s.call(dl, DirectoryServiceID, PathMain, FuncService, enc.Buffer())

	go func() {
		msg, err := rpcFuture.Wait(ctx)
		if err != nil {
			promise.Reject(err)
			return
		}
		dec := NewDecoder(msg.Payload)
		info, err := DecodeServiceInfo(dec)
		if err != nil {
			promise.Reject(err)
			return
		}
		if len(info.Endpoints) == 0 {
			promise.Reject(ErrNotFound)
			return
		}
		url, err := ParseURL(info.Endpoints[0])
		if err != nil {
			promise.Reject(err)
			return
		}

		sock, err := s.resolveEndpoint(ctx, url)
		if err != nil {
			promise.Reject(err)
			return
		}
		promise.Resolve(&ServiceHandle{session: s, socket: sock, serviceID: info.ServiceID})
	}()
	return future
}

// resolveEndpoint returns the pooled TransportSocket for url, creating and
// connecting one if absent. Concurrent callers for the same url collapse
// onto a single dial via singleflight (§3 "endpointPool", §8 property 5).
func (s *Session) resolveEndpoint(ctx context.Context, url URL) (*TransportSocket, error) {
	key := url.String()

	s.poolMu.Lock()
	if sock, ok := s.endpointPool[key]; ok && sock.IsConnected() {
		s.poolMu.Unlock()
		return sock, nil
	}
	s.poolMu.Unlock()

	v, err, _ := s.resolveGroup.Do(key, func() (any, error) {
		s.poolMu.Lock()
		if sock, ok := s.endpointPool[key]; ok && sock.IsConnected() {
			s.poolMu.Unlock()
			return sock, nil
		}
		s.poolMu.Unlock()

		sock := NewTransportSocket(s.reactor, s.opts...)
		sock.SetCallbacks(SocketSink{
			OnReadyRead: func(id uint32) { s.onReadyRead(sock, id) },
			OnDisconnected: func() {
				s.failPendingForSocket(sock, ErrDisconnected)
				s.poolMu.Lock()
				if s.endpointPool[key] == sock {
					delete(s.endpointPool, key)
				}
				s.poolMu.Unlock()
			},
		})

		connFuture := sock.Connect(ctx, url)
		if _, err := connFuture.Wait(ctx); err != nil {
			return nil, err
		}

		s.poolMu.Lock()
		s.endpointPool[key] = sock
		s.poolMu.Unlock()
		return sock, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TransportSocket), nil
}

// call sends a Call message on sock and returns a Future for its Reply/
// Error, registered in pendingFutures under (sock, id) (§3 "pendingFutures").
func (s *Session) call(sock *TransportSocket, service, path, function uint32, payload *Buffer) *Future[*Message] {
	future, promise := NewFuture[*Message]()
	if sock == nil || !sock.IsConnected() {
		promise.Reject(ErrDisconnected)
		return future
	}

	id := sock.NextID()
	key := callKey{sock: sock, id: id}
	s.pendingMu.Lock()
	s.pendingFutures[key] = promise
	s.pendingMu.Unlock()

	s.cfg.metrics.IncrementCallsIssued()
	msg := NewMessage(id, TypeCall, service, path, function, payload)
	if !sock.Send(msg) {
		s.pendingMu.Lock()
		delete(s.pendingFutures, key)
		s.pendingMu.Unlock()
		s.cfg.metrics.IncrementCallsFailed()
		promise.Reject(ErrDisconnected)
	}
	return future
}

// onReadyRead is the sink callback wired onto every socket this Session
// owns (directory link, pool members, accepted connections). It resolves
// pending RPCs and dispatches incoming Call/Event messages targeting a
// locally hosted service (§4.5 "Incoming dispatch").
func (s *Session) onReadyRead(sock *TransportSocket, id uint32) {
	msg, ok := sock.Read(id)
	if !ok {
		return
	}
	switch msg.Type() {
	case TypeReply, TypeError:
		s.settleCall(sock, msg)
	case TypeCall:
		s.dispatchCall(sock, msg)
	case TypeEvent:
		s.dispatchEvent(msg)
	}
}

func (s *Session) settleCall(sock *TransportSocket, msg *Message) {
	key := callKey{sock: sock, id: msg.ID()}
	s.pendingMu.Lock()
	promise, ok := s.pendingFutures[key]
	if ok {
		delete(s.pendingFutures, key)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	if msg.Type() == TypeError {
		s.cfg.metrics.IncrementCallsFailed()
		promise.Reject(classifyRPCError(decodeErrorPayload(msg)))
		return
	}
	promise.Resolve(msg)
}

// dispatchCall invokes the target local service off the reactor goroutine
// (the user method may block) and sends its Reply or Error back on the same
// socket, preserving the request's id (§4.5 "Incoming dispatch").
func (s *Session) dispatchCall(sock *TransportSocket, msg *Message) {
	s.localMu.RLock()
	obj, ok := s.localServices[msg.Header.Service]
	s.localMu.RUnlock()
	if !ok {
		sock.Send(errorReply(msg, ErrNotFound))
		return
	}
	go func() {
		reply, err := invokeHandleCall(obj, msg.Header.Function, msg.Payload)
		if err != nil {
			sock.Send(errorReply(msg, err))
			return
		}
		sock.Send(NewMessage(msg.ID(), TypeReply, msg.Header.Service, msg.Header.Path, msg.Header.Function, reply))
	}()
}

func (s *Session) dispatchEvent(msg *Message) {
	s.localMu.RLock()
	obj, ok := s.localServices[msg.Header.Service]
	s.localMu.RUnlock()
	if !ok {
		return
	}
	go invokeHandleEvent(obj, msg.Header.Function, msg.Payload)
}

// invokeHandleCall recovers a panicking user method into a MethodFault
// error, mirroring "exceptions in the user method become Error Messages
// with the text payload" (§4.5).
func invokeHandleCall(obj LocalService, function uint32, payload *Buffer) (result *Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &rpcFaultError{cause: r}
		}
	}()
	return obj.HandleCall(function, payload)
}

func invokeHandleEvent(obj LocalService, function uint32, payload *Buffer) {
	defer func() { recover() }()
	obj.HandleEvent(function, payload)
}

type rpcFaultError struct{ cause any }

func (e *rpcFaultError) Error() string {
	if s, ok := e.cause.(string); ok && s != "" {
		return ErrMethodFault.Error() + ": " + s
	}
	return ErrMethodFault.Error()
}
func (e *rpcFaultError) Unwrap() error { return ErrMethodFault }

// decodeErrorPayload reads the string payload a type=Error Message carries
// (§7 "RPC-level errors ... travel as type=Error Messages carrying a string
// payload").
func decodeErrorPayload(msg *Message) string {
	dec := NewDecoder(msg.Payload)
	text, err := dec.ReadString()
	if err != nil {
		return ""
	}
	return text
}

// classifyRPCError maps a directory/service error payload back onto a
// sentinel where the text matches one of §7's known kinds, and otherwise
// wraps it as MethodFault.
func classifyRPCError(text string) error {
	switch text {
	case ErrAlreadyRegistered.Error():
		return ErrAlreadyRegistered
	case ErrNotFound.Error():
		return ErrNotFound
	case ErrDisconnected.Error():
		return ErrDisconnected
	case "":
		return ErrMethodFault
	default:
		return &rpcFaultError{cause: text}
	}
}

func (s *Session) failPendingForSocket(sock *TransportSocket, err error) {
	s.pendingMu.Lock()
	var rejects []*Promise[*Message]
	for k, p := range s.pendingFutures {
		if k.sock == sock {
			rejects = append(rejects, p)
			delete(s.pendingFutures, k)
		}
	}
	s.pendingMu.Unlock()
	for _, p := range rejects {
		p.Reject(err)
	}
}

func (s *Session) failAllPending(err error) {
	s.pendingMu.Lock()
	all := s.pendingFutures
	s.pendingFutures = make(map[callKey]*Promise[*Message])
	s.pendingMu.Unlock()
	for _, p := range all {
		p.Reject(err)
	}
}
