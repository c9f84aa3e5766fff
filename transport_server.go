package qinet

import (
	"errors"
	"net"
	"sync"
	"syscall"
)

// ServerSink is the capability set a TransportServer delivers accept
// notifications through (§4.3).
type ServerSink struct {
	OnNewConnection func(sock *TransportSocket)
}

// TransportServer wraps a listening TCP socket. Every accepted connection
// becomes a TransportSocket pre-wired to the server's reactor, already in
// the Connected state, and is pushed onto a pending-connection queue for
// nextPendingConnection to drain (§4.3).
type TransportServer struct {
	reactor  *NetworkReactor
	cfg      *Config
	listener net.Listener

	sinkMu sync.RWMutex
	sink   ServerSink

	pendingMu sync.Mutex
	pending   []*TransportSocket

	acceptedMu sync.Mutex
	accepted   []*TransportSocket

	closeCh   chan struct{}
	closeOnce sync.Once
	acceptWG  sync.WaitGroup
}

// Listen binds url and starts accepting connections onto reactor. A
// wildcard host ("0.0.0.0", "::", "") or port 0 is resolved to concrete
// values, recovered later via Endpoints.
func Listen(reactor *NetworkReactor, url URL, opts ...Option) (*TransportServer, error) {
	cfg := applyConfig(opts)
	ln, err := net.Listen("tcp", url.Addr())
	if err != nil {
		return nil, classifyListenError(err)
	}

	s := &TransportServer{
		reactor:  reactor,
		cfg:      cfg,
		listener: ln,
		closeCh:  make(chan struct{}),
	}
	s.acceptWG.Add(1)
	go s.acceptLoop()
	return s, nil
}

func classifyListenError(err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return ErrAddressInUse
	}
	if errors.Is(err, syscall.EACCES) {
		return ErrPermissionDenied
	}
	return err
}

// SetCallbacks registers the sink notified of new connections.
func (s *TransportServer) SetCallbacks(sink ServerSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *TransportServer) getSink() ServerSink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	return s.sink
}

func (s *TransportServer) acceptLoop() {
	defer s.acceptWG.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.cfg.log("qinet: accept error: %v", err)
				return
			}
		}

		sock := newAcceptedSocket(s.reactor, conn, s.cfg)

		s.pendingMu.Lock()
		s.pending = append(s.pending, sock)
		s.pendingMu.Unlock()

		s.acceptedMu.Lock()
		s.accepted = append(s.accepted, sock)
		s.acceptedMu.Unlock()

		if cb := s.getSink().OnNewConnection; cb != nil {
			s.reactor.Post(func() { cb(sock) })
		}
	}
}

// NextPendingConnection returns and removes the head of the pending-
// connection queue. It returns (nil, false) if the queue is empty.
func (s *TransportServer) NextPendingConnection() (*TransportSocket, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	sock := s.pending[0]
	s.pending = s.pending[1:]
	return sock, true
}

// Close stops accepting new connections and tears down every socket this
// server ever accepted.
func (s *TransportServer) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	err := s.listener.Close()
	s.acceptWG.Wait()

	s.acceptedMu.Lock()
	accepted := s.accepted
	s.accepted = nil
	s.acceptedMu.Unlock()
	for _, sock := range accepted {
		sock.Disconnect()
	}

	return err
}

// Endpoints returns the concrete bound URLs for this server. A wildcard
// listen host is expanded to every non-loopback joinable interface address
// plus loopback (§4.3, §6 Testable property "Wildcard listen").
func (s *TransportServer) Endpoints() ([]URL, error) {
	tcpAddr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return nil, ErrNotListening
	}
	port := tcpAddr.Port

	if tcpAddr.IP == nil || tcpAddr.IP.IsUnspecified() {
		addrs, err := joinableInterfaceAddrs()
		if err != nil {
			return nil, err
		}
		urls := make([]URL, 0, len(addrs))
		for _, a := range addrs {
			urls = append(urls, URL{Scheme: "tcp", Host: a, Port: port})
		}
		return urls, nil
	}

	return []URL{{Scheme: "tcp", Host: tcpAddr.IP.String(), Port: port}}, nil
}

// joinableInterfaceAddrs enumerates every up, non-loopback IPv4 address
// plus the IPv4 loopback address, mirroring the interface-by-interface
// walk the pack's mDNS responder uses to pick addresses valid for a given
// interface (net.Interfaces + iface.Addrs, filtered to IPv4).
func joinableInterfaceAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := []string{"127.0.0.1"}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ipv4 := ipNet.IP.To4()
			if ipv4 == nil || ipv4.IsLoopback() || ipv4.IsUnspecified() {
				continue
			}
			out = append(out, ipv4.String())
		}
	}
	return out, nil
}
