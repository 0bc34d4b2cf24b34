package robot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhnurbekov/robot-sub000/config"
	"github.com/zhnurbekov/robot-sub000/transport"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Connect(ctx context.Context) error { return nil }

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
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
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "fake" }

func TestDialerFor(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"websocket", "ws://127.0.0.1:13579", false},
		{"secure websocket", "wss://127.0.0.1:13579", false},
		{"plain stream", "tcp://127.0.0.1:14579", false},
		{"tls stream", "tls://127.0.0.1:14580", false},
		{"unsupported scheme", "http://127.0.0.1:13579", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dial, err := dialerFor(tt.url, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, dial())
		})
	}
}

func TestSetAPIKeyWireShape(t *testing.T) {
	conn := newFakeConn()
	client, err := NewClient(config.Default(),
		WithDialer(func() transport.Conn { return conn }))
	require.NoError(t, err)
	defer client.Close()

	client.SetAPIKey("X")
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 1
	}, time.Second, time.Millisecond)

	assert.JSONEq(t,
		`{"namespace":"SYSAPI","Function":"SetAPIKey","Param":{"apiKey":"X"}}`,
		string(conn.sent[0]))
}

func TestSignXMLResolvesFromAgentReply(t *testing.T) {
	conn := newFakeConn()
	client, err := NewClient(config.Default(),
		WithDialer(func() transport.Conn { return conn }))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(context.Background()))

	done := make(chan struct{})
	var signErr error
	go func() {
		defer close(done)
		_, signErr = client.SignXML(context.Background(), "<doc/>", "Y2VydA==", "pw")
	}()

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 1
	}, time.Second, time.Millisecond)
	assert.JSONEq(t,
		`{"module":"kz.gov.pki.knca.commonUtils","method":"signXml",
		  "Param":{"xml":"<doc/>","certificate":"Y2VydA==","password":"pw"}}`,
		string(conn.sent[0]))

	conn.inbox <- []byte(`{"success":true,"result":"<signed/>"}`)
	select {
	case <-done:
		assert.NoError(t, signErr)
	case <-time.After(time.Second):
		t.Fatal("sign call did not resolve")
	}
}
