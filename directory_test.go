package qinet

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDirectory(t *testing.T, reactor *NetworkReactor) (*ServiceDirectory, URL) {
	t.Helper()
	url, err := ParseURL("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("ParseURL() error: %v", err)
	}
	dir, err := NewServiceDirectory(reactor, url)
	if err != nil {
		t.Fatalf("NewServiceDirectory() error: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	endpoints, err := dir.Endpoints()
	if err != nil || len(endpoints) == 0 {
		t.Fatalf("directory Endpoints() error: %v", err)
	}
	return dir, endpoints[0]
}

// directoryRPC is a minimal client helper for exercising the wire-level
// directory protocol directly, independent of Session.
type directoryRPC struct {
	sock *TransportSocket
}

func dialDirectory(t *testing.T, reactor *NetworkReactor, url URL) *directoryRPC {
	t.Helper()
	sock := NewTransportSocket(reactor)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sock.Connect(ctx, url).Wait(ctx); err != nil {
		t.Fatalf("connect directory: %v", err)
	}
	t.Cleanup(sock.Disconnect)
	return &directoryRPC{sock: sock}
}

func (d *directoryRPC) call(t *testing.T, function uint32, payload *Buffer) *Message {
	t.Helper()
	id := d.sock.NextID()
	msg := NewMessage(id, TypeCall, DirectoryServiceID, PathMain, function, payload)
	if !d.sock.Send(msg) {
		t.Fatalf("Send() returned false")
	}
	reply, ok := d.sock.WaitForId(id, 2*time.Second)
	if !ok {
		t.Fatalf("no reply for function %d", function)
	}
	return reply
}

func (d *directoryRPC) register(t *testing.T, name, machineID string, processID uint32) (uint32, error) {
	t.Helper()
	enc := NewEncoder(nil)
	EncodeServiceInfo(enc, ServiceInfo{Name: name, MachineID: machineID, ProcessID: processID, Endpoints: []string{"tcp://127.0.0.1:1"}})
	reply := d.call(t, FuncRegisterService, enc.Buffer())
	if reply.Type() == TypeError {
		return 0, errors.New(decodeErrorPayload(reply))
	}
	dec := NewDecoder(reply.Payload)
	id, err := dec.ReadU32()
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	return id, nil
}

func TestDirectoryRegisterLocateUnregister(t *testing.T) {
	reactor := newTestReactor(t)
	_, url := newTestDirectory(t, reactor)
	client := dialDirectory(t, reactor, url)

	id, err := client.register(t, "svc-a", "machine-1", 100)
	if err != nil {
		t.Fatalf("register() error: %v", err)
	}
	if id < 2 {
		t.Fatalf("id = %d, want >= 2 (1 is reserved for the directory)", id)
	}

	enc := NewEncoder(nil)
	enc.WriteString("svc-a")
	reply := client.call(t, FuncService, enc.Buffer())
	if reply.Type() == TypeError {
		t.Fatalf("Service(svc-a) unexpectedly errored")
	}
	dec := NewDecoder(reply.Payload)
	info, err := DecodeServiceInfo(dec)
	if err != nil {
		t.Fatalf("decode ServiceInfo: %v", err)
	}
	if info.ServiceID != id {
		t.Fatalf("locate returned id %d, want %d", info.ServiceID, id)
	}

	unregEnc := NewEncoder(nil)
	unregEnc.WriteU32(id)
	unregReply := client.call(t, FuncUnregisterService, unregEnc.Buffer())
	if unregReply.Type() == TypeError {
		t.Fatalf("unregister unexpectedly errored")
	}

	notFoundReply := client.call(t, FuncService, enc.Buffer())
	if notFoundReply.Type() != TypeError {
		t.Fatalf("expected NotFound after unregister")
	}
	if got := decodeErrorPayload(notFoundReply); got != ErrNotFound.Error() {
		t.Fatalf("error payload = %q, want %q", got, ErrNotFound.Error())
	}
}

func TestDirectoryAlreadyRegistered(t *testing.T) {
	reactor := newTestReactor(t)
	_, url := newTestDirectory(t, reactor)
	client := dialDirectory(t, reactor, url)

	if _, err := client.register(t, "srv", "machine-1", 1); err != nil {
		t.Fatalf("first register() error: %v", err)
	}
	_, err := client.register(t, "srv", "machine-2", 2)
	if err == nil || err.Error() != ErrAlreadyRegistered.Error() {
		t.Fatalf("second register() error = %v, want %v", err, ErrAlreadyRegistered)
	}
}

func TestDirectoryServiceListSnapshot(t *testing.T) {
	reactor := newTestReactor(t)
	_, url := newTestDirectory(t, reactor)
	client := dialDirectory(t, reactor, url)

	if _, err := client.register(t, "one", "m", 1); err != nil {
		t.Fatalf("register one: %v", err)
	}
	if _, err := client.register(t, "two", "m", 1); err != nil {
		t.Fatalf("register two: %v", err)
	}

	reply := client.call(t, FuncServiceList, NewBuffer(0))
	dec := NewDecoder(reply.Payload)
	n, err := ReadContainer(dec, func() error {
		_, err := DecodeServiceInfo(dec)
		return err
	})
	if err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if n != 2 {
		t.Fatalf("ServiceList returned %d entries, want 2", n)
	}
}

func TestDirectoryUnregisterNodeCascade(t *testing.T) {
	reactor := newTestReactor(t)
	dir, url := newTestDirectory(t, reactor)
	client := dialDirectory(t, reactor, url)

	idA, err := client.register(t, "a", "node-x", 77)
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	idB, err := client.register(t, "b", "node-x", 77)
	if err != nil {
		t.Fatalf("register b: %v", err)
	}
	if _, err := client.register(t, "c", "node-y", 99); err != nil {
		t.Fatalf("register c: %v", err)
	}

	removed := dir.UnregisterNode("node-x", 77)
	if len(removed) != 2 {
		t.Fatalf("UnregisterNode removed %d services, want 2", len(removed))
	}

	enc := NewEncoder(nil)
	enc.WriteString("c")
	reply := client.call(t, FuncService, enc.Buffer())
	if reply.Type() == TypeError {
		t.Fatalf("node-y's service should survive the cascade")
	}
	_, _ = idA, idB
}

func TestDirectorySocketDisconnectRemovesServices(t *testing.T) {
	reactor := newTestReactor(t)
	_, url := newTestDirectory(t, reactor)

	sock := NewTransportSocket(reactor)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sock.Connect(ctx, url).Wait(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client := &directoryRPC{sock: sock}
	if _, err := client.register(t, "ephemeral", "m", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	sock.Disconnect()

	other := dialDirectory(t, reactor, url)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := other.register(t, "ephemeral", "m2", 2); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("service registered by a disconnected socket was never reclaimed")
}
