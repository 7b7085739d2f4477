package wsgshare

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
)

// ServerConfig is the configuration for the wsgate server
type ServerConfig struct {
	// Host and Port are the control-channel listen endpoint
	Host string
	Port string

	// CertPath and KeyPath locate the server's TLS certificate and key
	CertPath string
	KeyPath  string

	// AuthorizedClientsPath is the allow-list file of client
	// public-key SHA-1 hashes
	AuthorizedClientsPath string

	Debug bool

	// Logger, if non-nil, overrides the default stderr logger
	Logger Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{ProtocolVersion},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the publicly reachable side of the gateway: it accepts
// control channels, runs admission, and wires each admitted channel to
// a session with its own link registry.
type Server struct {
	ShutdownHelper
	config       *ServerConfig
	httpServer   *HTTPServer
	whitelist    *Whitelist
	binds        *BindRegistry
	sessionStats ConnStats
	runCtx       context.Context
}

// NewServer creates and returns a new wsgate server
func NewServer(config *ServerConfig) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logLevel := LogLevelInfo
		if config.Debug {
			logLevel = LogLevelDebug
		}
		logger = NewLogger("server", logLevel)
	}
	s := &Server{
		config:     config,
		httpServer: NewHTTPServer(logger),
	}
	s.InitShutdownHelper(logger, s)
	whitelist, err := NewWhitelist(logger, config.AuthorizedClientsPath)
	if err != nil {
		return nil, err
	}
	if err := whitelist.Watch(); err != nil {
		whitelist.Close()
		return nil, err
	}
	s.whitelist = whitelist
	s.binds = NewBindRegistry(logger)
	return s, nil
}

// Whitelist exposes the live allow-list, mainly for diagnostics
func (s *Server) Whitelist() *Whitelist {
	return s.whitelist
}

// Binds exposes the bind registry, mainly for diagnostics
func (s *Server) Binds() *BindRegistry {
	return s.binds
}

// Start binds the TLS control listener and begins accepting channels in
// the background. On return, ListenerAddr is valid.
func (s *Server) Start(ctx context.Context) error {
	return s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.runCtx = ctx
			cert, err := tls.LoadX509KeyPair(s.config.CertPath, s.config.KeyPath)
			if err != nil {
				return s.Errorf("Failed to load server certificate: %s", err)
			}
			tlsConfig := &tls.Config{
				Certificates: []tls.Certificate{cert},
				// The client's chain is not validated; admission trusts
				// the allow-list of key hashes instead
				ClientAuth: tls.RequestClientCert,
			}
			handler := http.Handler(http.HandlerFunc(s.handleClientHandler))
			if s.GetLogLevel() >= LogLevelDebug {
				handler = requestlog.Wrap(handler)
			}
			addr := net.JoinHostPort(s.config.Host, s.config.Port)
			s.ILogf("Listening on %s...", addr)
			if err := s.httpServer.Start(ctx, addr, tlsConfig, handler); err != nil {
				return err
			}
			go func() {
				s.StartShutdown(s.httpServer.WaitShutdown())
			}()
			return nil
		},
		true,
	)
}

// Run starts the server and blocks until it shuts down
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.WaitShutdown()
}

// ListenerAddr returns the bound control listener address; nil before
// Start
func (s *Server) ListenerAddr() net.Addr {
	return s.httpServer.ListenerAddr()
}

// handleClientHandler is the main handler for the control listener:
// websocket upgrades with the right protocol token become control
// channels; anything else falls through to health/version.
func (s *Server) handleClientHandler(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		protocol := r.Header.Get("Sec-WebSocket-Protocol")
		if protocol != ProtocolVersion {
			s.ILogf("Client connection using unsupported websocket protocol '%s', expected '%s'",
				protocol, ProtocolVersion)
			http.Error(w, "Not Found", 404)
			return
		}
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.DLogf("Failed to upgrade to websocket: %s", err)
			return
		}
		s.handleChannel(wsConn, r.TLS)
		return
	}

	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
	case "/version":
		w.Write([]byte(BuildVersion))
	default:
		http.Error(w, "Not Found", 404)
	}
}

// handleChannel runs admission on a fresh websocket and, if the peer is
// admitted, services it as a session until teardown
func (s *Server) handleChannel(wsConn *websocket.Conn, tlsState *tls.ConnectionState) {
	channel := NewControlChannel(s.Logger, wsConn)
	hash, reason := AdmitPeer(s.whitelist, tlsState)
	if reason != "" {
		s.ILogf("Rejecting %s: %s (key hash %q)", channel.RemoteAddr(), reason, hash)
		channel.CloseWith(CloseCodeRejected, reason, s.Errorf("admission rejected: %s", reason))
		return
	}
	session := NewServerSession(s, channel, hash)
	s.AddShutdownChild(session)
	session.Run(s.runCtx)
}

// HandleOnceShutdown closes the public listeners and the allow-list
// watcher; sessions are shut down as children
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	s.binds.CloseAll()
	s.whitelist.StartShutdown(completionErr)
	err := s.httpServer.Shutdown(completionErr)
	s.whitelist.WaitShutdown()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
