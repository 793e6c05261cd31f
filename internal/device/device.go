// Package device is the device side of goadb. It accepts transport
// connections and runs one session per connection, serving the streams the
// host opens from a service registry.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/goadb/internal/service"
	"github.com/chronologos/goadb/internal/session"
	"github.com/chronologos/goadb/internal/transport"
)

// Config holds device server configuration.
type Config struct {
	Addr       string         // listen address, host:port (port 0 picks one)
	Mode       transport.Mode // TCP, QUIC, or both on one port
	Identity   session.Identity
	MaxPayload uint32 // 0 means protocol.MaxPayload

	// Services are registered on top of the default shell and echo services.
	Services map[string]service.Func

	Logger *slog.Logger
}

// Server accepts host connections.
type Server struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[*session.Session]struct{}

	// Ready is closed after the listener is bound, with Port set.
	// Callers (tests, CLI) can wait on this before dialing.
	Ready chan struct{}
	Port  int
}

// New creates a server but does not start it. Call Run to begin.
func New(cfg Config) *Server {
	if cfg.Identity.SystemType == "" {
		cfg.Identity.SystemType = session.SystemDevice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "device"),
		sessions: make(map[*session.Session]struct{}),
		Ready:    make(chan struct{}),
	}
}

// maxAcceptDelay caps the pause between failed accepts.
const maxAcceptDelay = time.Second

// Run listens and serves connections until ctx is cancelled or the listener
// is closed. A failed connection attempt is logged and accepting resumes. Open sessions are torn down and running services waited for before
// it returns. Cancellation is a clean exit.
func (s *Server) Run(ctx context.Context) error {
	ln, err := transport.Listen(s.cfg.Mode, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.Port = ln.Port()
	close(s.Ready)
	s.log.Info("listening", "addr", s.cfg.Addr, "port", s.Port,
		"transport", s.cfg.Mode, "identity", s.cfg.Identity.String())

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := service.Default(serveCtx, s.cfg.Logger)
	for name, fn := range s.cfg.Services {
		reg.Register(name, fn)
	}

	var g errgroup.Group
	var acceptErr error
	var delay time.Duration
	for {
		conn, err := ln.Accept(serveCtx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if transport.IsClosed(err) {
				acceptErr = fmt.Errorf("accept: %w", err)
				break
			}
			delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
			s.log.Warn("accept error", "err", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0
		g.Go(func() error {
			s.serve(serveCtx, conn, reg)
			return nil
		})
	}

	cancel()
	closeErr := ln.Close()
	g.Wait()
	reg.Wait()
	s.log.Info("stopped")
	return multierr.Append(acceptErr, closeErr)
}

// serve runs one session until the host disconnects or ctx ends.
func (s *Server) serve(ctx context.Context, conn transport.Conn, reg *service.Registry) {
	log := s.cfg.Logger.With("remote", conn.RemoteAddr().String())
	sess := session.New(conn, session.Config{
		Identity:   s.cfg.Identity,
		MaxPayload: s.cfg.MaxPayload,
		Handler:    reg,
		Logger:     log,
		OnConnect: func(peer string) {
			log.Info("host connected", "component", "device", "peer", peer)
		},
	})

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	err := sess.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Debug("session ended", "remote", conn.RemoteAddr().String(), "err", err)
}

// NumSessions returns the number of connected hosts.
func (s *Server) NumSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
