package wsgshare

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
)

// HTTPServer extends net/http Server with TLS-only serving and graceful
// shutdown in the ShutdownHelper idiom
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.InitShutdownHelper(logger.Fork("http"), h)
	return h
}

// Start binds the listener and begins serving TLS in the background.
// On return, ListenerAddr is valid. The server shuts down when the
// context is cancelled or Shutdown is called.
func (h *HTTPServer) Start(ctx context.Context, addr string, tlsConfig *tls.Config, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen on %s failed: %s", addr, err)
			}
			h.listener = listener
			h.Handler = handler
			h.TLSConfig = tlsConfig
			go func() {
				h.StartShutdown(h.Server.ServeTLS(listener, "", ""))
			}()
			return nil
		},
		true,
	)
}

// ListenAndServeTLS runs the server on the given bind address and
// blocks until it has shut down
func (h *HTTPServer) ListenAndServeTLS(ctx context.Context, addr string, tlsConfig *tls.Config, handler http.Handler) error {
	if err := h.Start(ctx, addr, tlsConfig, handler); err != nil {
		return err
	}
	return h.WaitShutdown()
}

// ListenerAddr returns the bound listener address; nil before Start
func (h *HTTPServer) ListenerAddr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Shutdown completely shuts down the server, then returns the final
// completion status. Resolves the ambiguity with http.Server.Shutdown.
func (h *HTTPServer) Shutdown(completionErr error) error {
	return h.ShutdownHelper.Shutdown(completionErr)
}

// Close completely shuts down the server, then returns the final
// completion status. Resolves the ambiguity with http.Server.Close.
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}

// HandleOnceShutdown closes the listener, failing in-flight accepts
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	var err error
	if h.listener != nil {
		err = h.listener.Close()
	}
	if completionErr == nil || completionErr == http.ErrServerClosed {
		completionErr = err
	}
	return completionErr
}
