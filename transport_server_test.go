package qinet

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTransportServerWildcardListen(t *testing.T) {
	reactor := newTestReactor(t)
	url, err := ParseURL("tcp://0.0.0.0:0")
	if err != nil {
		t.Fatalf("ParseURL() error: %v", err)
	}
	server, err := Listen(reactor, url)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer server.Close()

	endpoints, err := server.Endpoints()
	if err != nil {
		t.Fatalf("Endpoints() error: %v", err)
	}
	if len(endpoints) == 0 {
		t.Fatalf("Endpoints() returned none")
	}
	for _, ep := range endpoints {
		if ep.Host == "0.0.0.0" {
			t.Fatalf("Endpoints() should expand the wildcard host, got %s", ep)
		}
		if ep.Port == 0 {
			t.Fatalf("Endpoints() should resolve port 0, got %s", ep)
		}
	}
}

func TestTransportServerAcceptAndPendingQueue(t *testing.T) {
	reactor := newTestReactor(t)
	url, _ := ParseURL("tcp://127.0.0.1:0")
	server, err := Listen(reactor, url)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer server.Close()

	endpoints, _ := server.Endpoints()
	client := NewTransportSocket(reactor)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Connect(ctx, endpoints[0]).Wait(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	var accepted *TransportSocket
	for time.Now().Before(deadline) {
		if sock, ok := server.NextPendingConnection(); ok {
			accepted = sock
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if accepted == nil {
		t.Fatalf("server never produced a pending connection")
	}
	if !accepted.IsConnected() {
		t.Fatalf("accepted socket should already be Connected")
	}
}

func TestTransportServerListenAddressInUse(t *testing.T) {
	reactor := newTestReactor(t)
	url, _ := ParseURL("tcp://127.0.0.1:0")
	first, err := Listen(reactor, url)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer first.Close()

	endpoints, _ := first.Endpoints()
	_, err = Listen(reactor, endpoints[0])
	if !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected AddressInUse listening twice on the same port, got %v", err)
	}
}
