package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agentfleet/fleetd/internal/config"
	itls "github.com/agentfleet/fleetd/internal/tls"
)

// Server is the admin API bound to its listener.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	base string
	tls  bool
	log  *slog.Logger
	done chan error

	started atomic.Bool
}

// Listen binds cfg.Listen (":0" picks a free port) and configures TLS.
// Serving starts with Start.
func Listen(cfg config.ServerConfig, h http.Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	tcfg, err := itls.Setup(cfg.TLS)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	if tcfg != nil {
		ln = tls.NewListener(ln, tcfg)
	}
	return &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// reconcile and job runs are synchronous
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  60 * time.Second,
			TLSConfig:    tcfg,
		},
		ln:   ln,
		base: sanitizeBase(cfg.BasePath),
		tls:  tcfg != nil,
		log:  log,
		done: make(chan error, 1),
	}, nil
}

// Addr is the bound address, e.g. 127.0.0.1:7420.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// URL is the API root including the base path.
func (s *Server) URL() string {
	scheme := "http"
	if s.tls {
		scheme = "https"
	}
	return scheme + "://" + s.Addr() + s.base
}

// Start serves in the background.
func (s *Server) Start() {
	s.started.Store(true)
	go func() {
		err := s.srv.Serve(s.ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.log.Error("admin api stopped", "error", err)
		}
		s.done <- err
	}()
	s.log.Info("admin api listening", "url", s.URL())
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return s.ln.Close()
	}
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
