package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
)

// StreamConn is a newline-delimited JSON channel over a TCP socket,
// optionally wrapped in TLS. Partial reads are buffered until the
// frame delimiter arrives.
type StreamConn struct {
	addr    string
	tlsConf *tls.Config

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// DialStream returns an unconnected stream channel for addr. A non-nil
// tlsConf upgrades the socket to TLS during Connect.
func DialStream(addr string, tlsConf *tls.Config) *StreamConn {
	return &StreamConn{addr: addr, tlsConf: tlsConf}
}

// WrapStream adopts an already accepted socket, as the emulation
// listeners do. The returned Conn is immediately usable.
func WrapStream(conn net.Conn) *StreamConn {
	return &StreamConn{
		addr:   conn.RemoteAddr().String(),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Connect implements Conn.
func (s *StreamConn) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return wrapErr("connect", s.addr, errors.New("already connected"))
	}

	dialer := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if s.tlsConf != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: s.tlsConf}).DialContext(ctx, "tcp", s.addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.addr)
	}
	if err != nil {
		return wrapErr("connect", s.addr, err)
	}

	s.conn = conn
	s.reader = bufio.NewReader(conn)
	return nil
}

// Send implements Conn. The frame delimiter is appended here so
// callers hand over bare JSON objects.
func (s *StreamConn) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	if _, err := conn.Write(frame); err != nil {
		return wrapErr("send", s.addr, err)
	}
	return nil
}

// Receive implements Conn. Peer close surfaces as ErrClosed so owners
// can tell orderly shutdown from transport faults.
func (s *StreamConn) Receive() ([]byte, error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()

	if reader == nil {
		return nil, ErrNotConnected
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		if len(bytes.TrimSpace(line)) > 0 && errors.Is(err, io.EOF) {
			// Final frame without a trailing delimiter.
			return bytes.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, wrapErr("receive", s.addr, err)
	}
	return bytes.TrimSpace(line), nil
}

// Close implements Conn.
func (s *StreamConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.reader = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return wrapErr("close", s.addr, err)
	}
	return nil
}

// RemoteAddr implements Conn.
func (s *StreamConn) RemoteAddr() string {
	return s.addr
}
