package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhnurbekov/robot-sub000/contracts"
	"github.com/zhnurbekov/robot-sub000/transport"
)

// fakeConn is a scriptable agent connection.
type fakeConn struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	ackProbe   bool
	sent       [][]byte

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Connect(ctx context.Context) error {
	return f.connectErr
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	if f.ackProbe && string(data) == string(contracts.HandshakeAck()) {
		f.inbox <- contracts.HandshakeAck()
	}
	return nil
}

func (f *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, transport.ErrClosed
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "fake" }

func (f *fakeConn) deliver(frame string) {
	f.inbox <- []byte(frame)
}

func newReadyClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	conn.ackProbe = true
	client, err := NewClient(func() transport.Conn { return conn })
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, StateReady, client.State())
	return client, conn
}

func TestConnect(t *testing.T) {
	t.Run("nil dialer rejected", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.Error(t, err)
	})

	t.Run("handshake reaches ready", func(t *testing.T) {
		client, conn := newReadyClient(t)
		defer client.Close()
		require.Len(t, conn.sent, 1)
		assert.JSONEq(t, string(contracts.HandshakeAck()), string(conn.sent[0]))
	})

	t.Run("idempotent when ready", func(t *testing.T) {
		client, _ := newReadyClient(t)
		defer client.Close()
		assert.NoError(t, client.Connect(context.Background()))
	})

	t.Run("concurrent callers share one attempt", func(t *testing.T) {
		var dials atomic.Int32
		conn := newFakeConn()
		conn.ackProbe = true
		client, err := NewClient(func() transport.Conn {
			dials.Add(1)
			return conn
		})
		require.NoError(t, err)
		defer client.Close()

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, client.Connect(context.Background()))
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), dials.Load())
	})

	t.Run("missing acknowledgement fails the handshake", func(t *testing.T) {
		conn := newFakeConn()
		client, err := NewClient(func() transport.Conn { return conn },
			WithHandshakeTimeout(30*time.Millisecond))
		require.NoError(t, err)

		err = client.Connect(context.Background())
		assert.ErrorIs(t, err, ErrHandshakeFailed)
		assert.Equal(t, StateInitial, client.State())
	})
}

func TestCloseBeforeReadyRejectsConnect(t *testing.T) {
	conn := newFakeConn()
	client, err := NewClient(func() transport.Conn { return conn },
		WithHandshakeTimeout(time.Second))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		result <- client.Connect(context.Background())
	}()
	require.Eventually(t, func() bool {
		return client.State() == StateAwaitingVersion
	}, time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	case <-time.After(time.Second):
		t.Fatal("connect did not return after close")
	}
}

func TestCloseAfterReadyResetsToInitial(t *testing.T) {
	client, err := NewClient(func() transport.Conn {
		conn := newFakeConn()
		conn.ackProbe = true
		return conn
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, StateReady, client.State())
	require.NoError(t, client.Close())
	assert.Equal(t, StateInitial, client.State())

	_, err = client.Sign(context.Background(), "ZGF0YQ==", nil)
	assert.ErrorIs(t, err, ErrNotReady)

	// No automatic reconnect; an explicit Connect works again.
	assert.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StateReady, client.State())
}

func TestSign(t *testing.T) {
	t.Run("resolves with the agent response", func(t *testing.T) {
		client, conn := newReadyClient(t)
		defer client.Close()

		done := make(chan struct{})
		var resp *contracts.Response
		var signErr error
		go func() {
			defer close(done)
			resp, signErr = client.Sign(context.Background(), "ZGF0YQ==",
				map[string]any{"certificate": "Y2VydA==", "password": "pw"})
		}()

		require.Eventually(t, func() bool {
			conn.mu.Lock()
			defer conn.mu.Unlock()
			return len(conn.sent) == 2
		}, time.Second, time.Millisecond)
		assert.JSONEq(t,
			`{"module":"kz.gov.pki.knca.basics","method":"sign",
			  "Param":{"data":"ZGF0YQ==","certificate":"Y2VydA==","password":"pw"}}`,
			string(conn.sent[1]))

		conn.deliver(`{"success":true,"result":"c2ln"}`)
		<-done
		require.NoError(t, signErr)
		assert.Equal(t, `"c2ln"`, string(resp.Result))
	})

	t.Run("rejects on error-shaped reply", func(t *testing.T) {
		client, conn := newReadyClient(t)
		defer client.Close()

		done := make(chan error, 1)
		go func() {
			_, err := client.Sign(context.Background(), "ZGF0YQ==", nil)
			done <- err
		}()
		require.Eventually(t, func() bool {
			conn.mu.Lock()
			defer conn.mu.Unlock()
			return len(conn.sent) == 2
		}, time.Second, time.Millisecond)

		conn.deliver(`{"success":false,"error":"wrong password"}`)
		err := <-done
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wrong password")
	})

	t.Run("rejected before ready", func(t *testing.T) {
		client, err := NewClient(func() transport.Conn { return newFakeConn() })
		require.NoError(t, err)
		_, err = client.Sign(context.Background(), "ZGF0YQ==", nil)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("second call displaces the first", func(t *testing.T) {
		client, conn := newReadyClient(t)
		defer client.Close()

		first := make(chan error, 1)
		go func() {
			_, err := client.Sign(context.Background(), "first", nil)
			first <- err
		}()
		require.Eventually(t, func() bool {
			conn.mu.Lock()
			defer conn.mu.Unlock()
			return len(conn.sent) == 2
		}, time.Second, time.Millisecond)

		second := make(chan error, 1)
		go func() {
			_, err := client.Sign(context.Background(), "second", nil)
			second <- err
		}()

		select {
		case err := <-first:
			assert.ErrorIs(t, err, ErrSuperseded)
		case <-time.After(time.Second):
			t.Fatal("displaced call did not reject")
		}

		conn.deliver(`{"success":true,"result":"c2ln"}`)
		assert.NoError(t, <-second)
	})
}

func TestConnectionLossRejectsPendingSign(t *testing.T) {
	client, conn := newReadyClient(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := client.Sign(context.Background(), "ZGF0YQ==", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 2
	}, time.Second, time.Millisecond)

	conn.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending sign did not reject on connection loss")
	}
	assert.Eventually(t, func() bool {
		return client.State() == StateInitial
	}, time.Second, time.Millisecond)
}
