package qinet

import "sync"

// Function ids served by the directory on service id 1 (§4.4).
const (
	FuncRegisterService   uint32 = 100
	FuncUnregisterService uint32 = 101
	FuncServiceList       uint32 = 102
	FuncService           uint32 = 103
)

// DirectoryServiceID is the well-known service id the directory serves
// itself as; id 1 is reserved for it and never allocated to a registrant.
const DirectoryServiceID uint32 = 1

// DirectorySink notifies observers of directory mutations. All callbacks
// run on the directory's reactor goroutine and must not block.
type DirectorySink struct {
	OnServiceRegistered   func(id uint32, name string)
	OnServiceUnregistered func(id uint32, name string)
}

// ServiceDirectory is the registry mapping service names to ServiceInfo,
// served over its own TransportServer as service id 1 (§4.4). It has no
// upstream dependencies: it is a pure consumer of TransportServer and
// TransportSocket.
type ServiceDirectory struct {
	reactor *NetworkReactor
	server  *TransportServer
	cfg     *Config

	sinkMu sync.RWMutex
	sink   DirectorySink

	mu     sync.RWMutex
	nextID uint32
	byID   map[uint32]ServiceInfo
	byName map[string]uint32

	ownerMu sync.Mutex
	owner   map[*TransportSocket][]uint32
}

// NewServiceDirectory listens on url and starts serving the directory
// protocol. nextId starts at 2: id 1 is reserved for the directory itself.
func NewServiceDirectory(reactor *NetworkReactor, url URL, opts ...Option) (*ServiceDirectory, error) {
	cfg := applyConfig(opts)
	server, err := Listen(reactor, url, opts...)
	if err != nil {
		return nil, err
	}

	d := &ServiceDirectory{
		reactor: reactor,
		server:  server,
		cfg:     cfg,
		nextID:  2,
		byID:    make(map[uint32]ServiceInfo),
		byName:  make(map[string]uint32),
		owner:   make(map[*TransportSocket][]uint32),
	}
	server.SetCallbacks(ServerSink{OnNewConnection: d.onNewConnection})
	return d, nil
}

// SetCallbacks registers the sink notified of registration changes.
func (d *ServiceDirectory) SetCallbacks(sink DirectorySink) {
	d.sinkMu.Lock()
	d.sink = sink
	d.sinkMu.Unlock()
}

func (d *ServiceDirectory) getSink() DirectorySink {
	d.sinkMu.RLock()
	defer d.sinkMu.RUnlock()
	return d.sink
}

// Endpoints forwards to the underlying TransportServer.
func (d *ServiceDirectory) Endpoints() ([]URL, error) { return d.server.Endpoints() }

// Close tears down the directory's listening socket and every connection
// it accepted.
func (d *ServiceDirectory) Close() error { return d.server.Close() }

func (d *ServiceDirectory) onNewConnection(sock *TransportSocket) {
	sock.SetCallbacks(SocketSink{
		OnReadyRead:    func(id uint32) { d.handleReadyRead(sock, id) },
		OnDisconnected: func() { d.onSocketDisconnected(sock) },
	})
}

func (d *ServiceDirectory) handleReadyRead(sock *TransportSocket, id uint32) {
	msg, ok := sock.Read(id)
	if !ok {
		return
	}
	if msg.Type() != TypeCall {
		return
	}
	reply := d.dispatch(sock, msg)
	sock.Send(reply)
}

func (d *ServiceDirectory) dispatch(sock *TransportSocket, msg *Message) *Message {
	dec := NewDecoder(msg.Payload)
	switch msg.Header.Function {
	case FuncRegisterService:
		info, err := DecodeServiceInfo(dec)
		if err != nil {
			return errorReply(msg, err)
		}
		id, err := d.registerService(sock, info)
		if err != nil {
			return errorReply(msg, err)
		}
		enc := NewEncoder(nil)
		enc.WriteU32(id)
		return NewMessage(msg.ID(), TypeReply, DirectoryServiceID, PathMain, msg.Header.Function, enc.Buffer())

	case FuncUnregisterService:
		id, err := dec.ReadU32()
		if err != nil {
			return errorReply(msg, err)
		}
		if err := d.unregisterService(id); err != nil {
			return errorReply(msg, err)
		}
		return NewMessage(msg.ID(), TypeReply, DirectoryServiceID, PathMain, msg.Header.Function, nil)

	case FuncServiceList:
		list := d.serviceList()
		enc := NewEncoder(nil)
		WriteContainer(enc, len(list), func(i int) { EncodeServiceInfo(enc, list[i]) })
		return NewMessage(msg.ID(), TypeReply, DirectoryServiceID, PathMain, msg.Header.Function, enc.Buffer())

	case FuncService:
		name, err := dec.ReadString()
		if err != nil {
			return errorReply(msg, err)
		}
		info, ok := d.serviceByName(name)
		if !ok {
			return errorReply(msg, ErrNotFound)
		}
		enc := NewEncoder(nil)
		EncodeServiceInfo(enc, info)
		return NewMessage(msg.ID(), TypeReply, DirectoryServiceID, PathMain, msg.Header.Function, enc.Buffer())

	default:
		return errorReply(msg, ErrNotFound)
	}
}

func errorReply(msg *Message, err error) *Message {
	enc := NewEncoder(nil)
	enc.WriteString(err.Error())
	return NewMessage(msg.ID(), TypeError, msg.Header.Service, PathMain, msg.Header.Function, enc.Buffer())
}

func (d *ServiceDirectory) registerService(sock *TransportSocket, info ServiceInfo) (uint32, error) {
	d.mu.Lock()
	if _, exists := d.byName[info.Name]; exists {
		d.mu.Unlock()
		return 0, ErrAlreadyRegistered
	}
	id := d.nextID
	d.nextID++
	info.ServiceID = id
	d.byID[id] = info
	d.byName[info.Name] = id
	d.mu.Unlock()

	d.ownerMu.Lock()
	d.owner[sock] = append(d.owner[sock], id)
	d.ownerMu.Unlock()

	if cb := d.getSink().OnServiceRegistered; cb != nil {
		d.reactor.Post(func() { cb(id, info.Name) })
	}
	return id, nil
}

func (d *ServiceDirectory) unregisterService(id uint32) error {
	name, ok := d.removeByID(id)
	if !ok {
		return ErrNotFound
	}
	if cb := d.getSink().OnServiceUnregistered; cb != nil {
		d.reactor.Post(func() { cb(id, name) })
	}
	return nil
}

func (d *ServiceDirectory) removeByID(id uint32) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.byID[id]
	if !ok {
		return "", false
	}
	delete(d.byID, id)
	delete(d.byName, info.Name)
	return info.Name, true
}

func (d *ServiceDirectory) serviceList() []ServiceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(d.byID))
	for _, info := range d.byID {
		out = append(out, info)
	}
	return out
}

func (d *ServiceDirectory) serviceByName(name string) (ServiceInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[name]
	if !ok {
		return ServiceInfo{}, false
	}
	return d.byID[id], true
}

// onSocketDisconnected removes every service that socket registered. This
// is the implicit half of the node-leave cascade; UnregisterNode is the
// explicit half, called in the directory's own process.
func (d *ServiceDirectory) onSocketDisconnected(sock *TransportSocket) {
	d.ownerMu.Lock()
	ids := d.owner[sock]
	delete(d.owner, sock)
	d.ownerMu.Unlock()

	for _, id := range ids {
		_ = d.unregisterService(id)
	}
}

// UnregisterNode removes every service registered by the given machine and
// process, regardless of which socket it arrived on. The reference
// implementation this system was distilled from leaves this as a TODO
// ("remove associated services" on node disappearance); here it is a
// first-class method on ServiceDirectory, so removal does not rely solely on
// socket-close detection. It is not in the wire function table: remote
// directory clients cannot invoke it.
func (d *ServiceDirectory) UnregisterNode(machineID string, processID uint32) []uint32 {
	d.mu.Lock()
	removed := make(map[uint32]string)
	for id, info := range d.byID {
		if info.MachineID == machineID && info.ProcessID == processID {
			removed[id] = info.Name
		}
	}
	for id, name := range removed {
		delete(d.byID, id)
		delete(d.byName, name)
	}
	d.mu.Unlock()

	ids := make([]uint32, 0, len(removed))
	sink := d.getSink()
	for id, name := range removed {
		ids = append(ids, id)
		if sink.OnServiceUnregistered != nil {
			id, name := id, name
			d.reactor.Post(func() { sink.OnServiceUnregistered(id, name) })
		}
	}
	return ids
}
