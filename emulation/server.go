package emulation

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhnurbekov/robot-sub000/contracts"
	"github.com/zhnurbekov/robot-sub000/signer"
	"github.com/zhnurbekov/robot-sub000/transport"
)

// Signer is the upstream signing service surface the server depends
// on. *signer.Client satisfies it.
type Signer interface {
	Info(ctx context.Context, cert, password string) (*signer.KeyInfo, error)
	SignData(ctx context.Context, data, cert, password string) (string, error)
	SignXML(ctx context.Context, xml, cert, password string) (string, error)
	SignCMS(ctx context.Context, data, cert, password string) (string, error)
	Forward(ctx context.Context, kind string, raw []byte) (string, error)
}

// Server impersonates the local signing agent. It accepts connections
// on up to four bindings (plain stream, TLS stream, WebSocket,
// WebSocket-over-TLS) so differently configured callers connect
// without reconfiguration, normalizes every frame to one dispatch
// path, and forwards anything it does not recognize to the upstream
// signing service.
type Server struct {
	logger   *slog.Logger
	signer   Signer
	handlers map[dispatchKey]handlerFunc
	upgrader websocket.Upgrader

	streamAddr string
	tlsAddr    string
	wsAddr     string
	wssAddr    string
	tlsConf    *tls.Config

	mu          sync.Mutex
	listeners   map[string]net.Listener
	httpServers []*http.Server
	sessions    map[transport.Conn]struct{}
	apiKey      string
	started     bool

	wg   sync.WaitGroup
	done chan struct{}
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStreamAddr enables the plain stream-socket binding.
func WithStreamAddr(addr string) ServerOption {
	return func(s *Server) {
		s.streamAddr = addr
	}
}

// WithTLSAddr enables the TLS stream-socket binding.
func WithTLSAddr(addr string) ServerOption {
	return func(s *Server) {
		s.tlsAddr = addr
	}
}

// WithWSAddr enables the WebSocket binding.
func WithWSAddr(addr string) ServerOption {
	return func(s *Server) {
		s.wsAddr = addr
	}
}

// WithWSSAddr enables the WebSocket-over-TLS binding.
func WithWSSAddr(addr string) ServerOption {
	return func(s *Server) {
		s.wssAddr = addr
	}
}

// WithTLSConfig supplies the certificate used by the TLS bindings.
func WithTLSConfig(conf *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConf = conf
	}
}

// NewServer creates an emulation server backed by upstream.
func NewServer(upstream Signer, opts ...ServerOption) (*Server, error) {
	if upstream == nil {
		return nil, errors.New("emulation: signer cannot be nil")
	}

	s := &Server{
		logger:    slog.Default(),
		signer:    upstream,
		listeners: make(map[string]net.Listener),
		sessions:  make(map[transport.Conn]struct{}),
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			// The agent protocol has no origin scheme; local tools
			// connect from file:// and portal pages alike.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerHandlers()
	return s, nil
}

// Start binds every configured listener. At least one binding must be
// configured; TLS bindings require a TLS config.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("emulation: server already started")
	}
	if s.streamAddr == "" && s.tlsAddr == "" && s.wsAddr == "" && s.wssAddr == "" {
		return errors.New("emulation: no listener bindings configured")
	}
	if (s.tlsAddr != "" || s.wssAddr != "") && s.tlsConf == nil {
		return errors.New("emulation: TLS binding configured without TLS config")
	}

	if s.streamAddr != "" {
		listener, err := net.Listen("tcp", s.streamAddr)
		if err != nil {
			return fmt.Errorf("emulation: bind stream %s: %w", s.streamAddr, err)
		}
		s.listeners["stream"] = listener
		s.wg.Add(1)
		go s.acceptLoop(listener, "stream")
	}

	if s.tlsAddr != "" {
		inner, err := net.Listen("tcp", s.tlsAddr)
		if err != nil {
			s.closeListenersLocked()
			return fmt.Errorf("emulation: bind tls %s: %w", s.tlsAddr, err)
		}
		listener := tls.NewListener(inner, s.tlsConf)
		s.listeners["tls"] = listener
		s.wg.Add(1)
		go s.acceptLoop(listener, "tls")
	}

	if s.wsAddr != "" {
		if err := s.startWS("ws", s.wsAddr, false); err != nil {
			s.closeListenersLocked()
			return err
		}
	}
	if s.wssAddr != "" {
		if err := s.startWS("wss", s.wssAddr, true); err != nil {
			s.closeListenersLocked()
			return err
		}
	}

	s.started = true
	s.logger.Info("emulation server started",
		"stream", s.streamAddr, "tls", s.tlsAddr, "ws", s.wsAddr, "wss", s.wssAddr)
	return nil
}

// Addr returns the bound address of a binding ("stream", "tls", "ws",
// "wss"), useful when listening on port 0.
func (s *Server) Addr(binding string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if listener, ok := s.listeners[binding]; ok {
		return listener.Addr().String()
	}
	return ""
}

// Stop closes every listener and waits for active sessions to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.done)
	s.closeListenersLocked()
	httpServers := s.httpServers
	s.httpServers = nil
	sessions := make([]transport.Conn, 0, len(s.sessions))
	for conn := range s.sessions {
		sessions = append(sessions, conn)
	}
	s.mu.Unlock()

	// Active sessions block in Receive; closing their connections
	// unblocks them so the wait below terminates.
	for _, conn := range sessions {
		_ = conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range httpServers {
		_ = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	s.logger.Info("emulation server stopped")
	return nil
}

func (s *Server) closeListenersLocked() {
	for name, listener := range s.listeners {
		_ = listener.Close()
		delete(s.listeners, name)
	}
}

func (s *Server) startWS(binding, addr string, useTLS bool) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("emulation: bind %s %s: %w", binding, addr, err)
	}
	if useTLS {
		listener = tls.NewListener(listener, s.tlsConf)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "binding", binding, "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSession(transport.WrapWS(conn), binding)
		}()
	})

	srv := &http.Server{Handler: mux}
	s.listeners[binding] = listener
	s.httpServers = append(s.httpServers, srv)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("websocket listener stopped", "binding", binding, "error", err)
		}
	}()
	return nil
}

func (s *Server) acceptLoop(listener net.Listener, binding string) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "binding", binding, "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSession(transport.WrapStream(conn), binding)
		}()
	}
}

// runSession registers the connection so Stop can close it, then
// serves it until the peer goes away.
func (s *Server) runSession(conn transport.Conn, binding string) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, conn)
		s.mu.Unlock()
	}()
	s.session(conn, binding)
}

// session serves one connection until the peer goes away. A bad
// request never tears the connection down; handler failures become
// structured failure replies on the same connection.
func (s *Server) session(conn transport.Conn, binding string) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	s.logger.Debug("session opened", "binding", binding, "peer", peer)

	for {
		data, err := conn.Receive()
		if err != nil {
			// Peer-closed conditions are benign.
			if errors.Is(err, transport.ErrClosed) {
				s.logger.Debug("peer closed session", "binding", binding, "peer", peer)
			} else {
				s.logger.Warn("session receive failed", "binding", binding, "peer", peer, "error", err)
			}
			return
		}

		reply := s.handleFrame(context.Background(), data)
		if reply == nil {
			continue
		}
		if err := conn.Send(reply); err != nil {
			s.logger.Warn("session send failed", "binding", binding, "peer", peer, "error", err)
			return
		}
	}
}

// handleFrame turns one inbound frame into at most one reply.
// Unparsable frames are dropped; the session stays up.
func (s *Server) handleFrame(ctx context.Context, data []byte) []byte {
	msg, err := contracts.Parse(data)
	if err != nil {
		s.logger.Debug("dropping unparsable frame", "error", err)
		return nil
	}

	switch msg.Kind {
	case contracts.KindHandshake:
		return contracts.HandshakeAck()
	case contracts.KindRequest:
		return s.handleRequest(ctx, msg)
	default:
		s.logger.Debug("ignoring frame", "kind", msg.Kind.String())
		return nil
	}
}

func (s *Server) handleRequest(ctx context.Context, msg *contracts.Message) (reply []byte) {
	req := msg.Request
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "operation", req.Operation(), "panic", r)
			reply = failureReply(fmt.Errorf("internal error: %v", r))
		}
	}()

	key := dispatchKey{module: req.Module, operation: req.Operation()}
	if handler, ok := s.handlers[key]; ok {
		result, err := handler(ctx, req)
		if err != nil {
			s.logger.Warn("handler failed", "operation", req.Operation(), "error", err)
			return failureReply(err)
		}
		return successReply(result)
	}

	// Unrecognized: forward verbatim upstream; the declared type
	// selects the upstream path.
	s.logger.Debug("forwarding unrecognized request", "module", req.Module, "operation", req.Operation())
	result, err := s.signer.Forward(ctx, req.Type, msg.Raw)
	if err != nil {
		return failureReply(err)
	}
	return successReply(map[string]any{"result": result})
}

func successReply(fields map[string]any) []byte {
	reply := map[string]any{"success": true}
	for k, v := range fields {
		reply[k] = v
	}
	data, _ := contracts.Encode(reply)
	return data
}

func failureReply(err error) []byte {
	data, encodeErr := contracts.Encode(map[string]any{
		"success": false,
		"error":   err.Error(),
	})
	if encodeErr != nil {
		return []byte(`{"success":false,"error":"internal error"}`)
	}
	return data
}
