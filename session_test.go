package qinet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const funcReply uint32 = 1

func newConnectedSession(t *testing.T, reactor *NetworkReactor, directoryURL URL) *Session {
	t.Helper()
	session := NewSession(reactor)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := session.Connect(ctx, directoryURL).Wait(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func echoTable() *ObjectTable {
	table := NewObjectTable()
	table.OnCall(funcReply, func(payload *Buffer) (*Buffer, error) {
		dec := NewDecoder(payload)
		s, err := dec.ReadString()
		if err != nil {
			return nil, err
		}
		enc := NewEncoder(nil)
		enc.WriteString(s)
		return enc.Buffer(), nil
	})
	return table
}

// TestSessionEchoEndToEnd is spec.md §8 end-to-end scenario 1.
func TestSessionEchoEndToEnd(t *testing.T) {
	reactor := newTestReactor(t)
	_, dirURL := newTestDirectory(t, reactor)

	server := newConnectedSession(t, reactor, dirURL)
	listenURL, err := ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, server.Listen(listenURL))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = server.RegisterService("echo", echoTable()).Wait(ctx)
	require.NoError(t, err)

	client := newConnectedSession(t, reactor, dirURL)
	handle, err := client.Service(ctx, "echo").Wait(ctx)
	require.NoError(t, err)

	enc := NewEncoder(nil)
	enc.WriteString("hello")
	result, err := handle.Call(ctx, funcReply, enc.Buffer())
	require.NoError(t, err)

	dec := NewDecoder(result)
	echoed, err := dec.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello", echoed)
}

// TestSessionAlreadyRegistered is spec.md §8 end-to-end scenario 2.
func TestSessionAlreadyRegistered(t *testing.T) {
	reactor := newTestReactor(t)
	_, dirURL := newTestDirectory(t, reactor)

	first := newConnectedSession(t, reactor, dirURL)
	firstListen, _ := ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, first.Listen(firstListen))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := first.RegisterService("srv", echoTable()).Wait(ctx)
	require.NoError(t, err)

	second := newConnectedSession(t, reactor, dirURL)
	secondListen, _ := ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, second.Listen(secondListen))

	_, err = second.RegisterService("srv", echoTable()).Wait(ctx)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

// TestSessionDisconnectCancelsPending is spec.md §8 end-to-end scenario 3:
// a call to a method that never returns fails with Disconnected once the
// server side goes away.
func TestSessionDisconnectCancelsPending(t *testing.T) {
	reactor := newTestReactor(t)
	_, dirURL := newTestDirectory(t, reactor)

	server := NewSession(reactor)
	listenURL, _ := ParseURL("tcp://127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := server.Connect(ctx, dirURL).Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, server.Listen(listenURL))

	hang := make(chan struct{})
	defer close(hang)
	table := NewObjectTable()
	table.OnCall(funcReply, func(payload *Buffer) (*Buffer, error) {
		<-hang // never returns until the test unblocks it (or the process exits)
		return nil, nil
	})
	_, err = server.RegisterService("hanger", table).Wait(ctx)
	require.NoError(t, err)

	client := newConnectedSession(t, reactor, dirURL)
	handle, err := client.Service(ctx, "hanger").Wait(ctx)
	require.NoError(t, err)

	callErrCh := make(chan error, 1)
	go func() {
		_, err := handle.Call(context.Background(), funcReply, nil)
		callErrCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-callErrCh:
		require.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatalf("call did not fail within 1s of the server disconnecting")
	}
}

// TestSessionWildcardListen is spec.md §8 end-to-end scenario 4.
func TestSessionWildcardListen(t *testing.T) {
	reactor := newTestReactor(t)
	session := NewSession(reactor)
	t.Cleanup(func() { session.Close() })

	url, err := ParseURL("tcp://0.0.0.0:0")
	require.NoError(t, err)
	require.NoError(t, session.Listen(url))

	endpoints, err := session.Endpoints()
	require.NoError(t, err)
	require.NotEmpty(t, endpoints)
	require.NotEqual(t, "0.0.0.0", endpoints[0].Host)
	require.NotZero(t, endpoints[0].Port)
}

// TestSessionConcurrentServiceReusesSocket is spec.md §8 end-to-end
// scenario 5: ten concurrent service() calls share exactly one
// TransportSocket to the same endpoint.
func TestSessionConcurrentServiceReusesSocket(t *testing.T) {
	reactor := newTestReactor(t)
	_, dirURL := newTestDirectory(t, reactor)

	server := newConnectedSession(t, reactor, dirURL)
	listenURL, _ := ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, server.Listen(listenURL))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := server.RegisterService("echo", echoTable()).Wait(ctx)
	require.NoError(t, err)

	client := newConnectedSession(t, reactor, dirURL)

	var wg sync.WaitGroup
	handles := make([]*ServiceHandle, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := client.Service(ctx, "echo").Wait(ctx)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	first := handles[0].socket
	for i, h := range handles {
		require.Samef(t, first, h.socket, "handle %d uses a different socket", i)
	}

	client.poolMu.Lock()
	poolSize := len(client.endpointPool)
	client.poolMu.Unlock()
	require.Equal(t, 1, poolSize)
}

// TestSessionConnectInvalidURL exercises the original_source-derived fast
// path: a syntactically invalid URL must fail before ever touching the
// network (see DESIGN.md, test_session.cpp).
func TestSessionConnectInvalidURL(t *testing.T) {
	reactor := newTestReactor(t)
	session := NewSession(reactor)
	_, err := session.Connect(context.Background(), URL{Scheme: "udp", Host: "127.0.0.1", Port: 1}).Wait(context.Background())
	require.ErrorIs(t, err, ErrInvalidURL)
}

// TestSessionConnectUnreachable mirrors spec.md §8's "connect to an
// unreachable address" round trip.
func TestSessionConnectUnreachable(t *testing.T) {
	reactor := newTestReactor(t)
	session := NewSession(reactor, WithConnectTimeout(300*time.Millisecond))
	url, err := ParseURL("tcp://127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = session.Connect(ctx, url).Wait(ctx)
	require.Error(t, err)
	require.False(t, session.IsConnected())
}

func TestSessionUnregisterService(t *testing.T) {
	reactor := newTestReactor(t)
	_, dirURL := newTestDirectory(t, reactor)

	session := newConnectedSession(t, reactor, dirURL)
	listenURL, _ := ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, session.Listen(listenURL))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := session.RegisterService("transient", echoTable()).Wait(ctx)
	require.NoError(t, err)

	_, err = session.UnregisterService(id).Wait(context.Background())
	require.NoError(t, err)

	session.localMu.RLock()
	_, stillLocal := session.localServices[id]
	session.localMu.RUnlock()
	require.False(t, stillLocal)
}
