package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// WSConn is a WebSocket channel; each frame carries one complete JSON
// message. A wss:// URL with a non-nil tlsConf runs over TLS.
type WSConn struct {
	url     string
	tlsConf *tls.Config

	mu   sync.Mutex
	conn *websocket.Conn
	// gorilla/websocket does not allow concurrent writers, so all
	// writes are serialized here.
	writeMu sync.Mutex
}

// DialWS returns an unconnected WebSocket channel for a ws:// or
// wss:// URL.
func DialWS(url string, tlsConf *tls.Config) *WSConn {
	return &WSConn{url: url, tlsConf: tlsConf}
}

// WrapWS adopts an already upgraded server-side connection.
func WrapWS(conn *websocket.Conn) *WSConn {
	return &WSConn{url: conn.RemoteAddr().String(), conn: conn}
}

// Connect implements Conn.
func (w *WSConn) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return wrapErr("connect", w.url, errors.New("already connected"))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  w.tlsConf,
	}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return wrapErr("connect", w.url, err)
	}
	w.conn = conn
	return nil
}

// Send implements Conn.
func (w *WSConn) Send(data []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return wrapErr("send", w.url, err)
	}
	return nil
}

// Receive implements Conn.
func (w *WSConn) Receive() ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, websocket.ErrCloseSent) {
			return nil, ErrClosed
		}
		return nil, wrapErr("receive", w.url, err)
	}
	return data, nil
}

// Close implements Conn. A close frame is sent on a best-effort basis
// before the socket is torn down.
func (w *WSConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
	w.writeMu.Unlock()

	err := w.conn.Close()
	w.conn = nil
	if err != nil {
		return wrapErr("close", w.url, err)
	}
	return nil
}

// RemoteAddr implements Conn.
func (w *WSConn) RemoteAddr() string {
	return w.url
}
