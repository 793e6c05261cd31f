// Package service binds stream destinations to local services on the
// device side of a connection.
//
// A destination has the form "name[,opt[=value]...]:arg", for example
// "shell:ls -l" or "shell,TERM=vt100,rows=50:". The registry looks up the
// name, wraps the stream in a session.StreamConn and runs the service in
// its own goroutine until it returns, then closes the stream.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/chronologos/goadb/internal/session"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrBadDestination = errors.New("malformed destination")
)

// Request is a parsed destination.
type Request struct {
	Destination string
	Name        string
	Options     map[string]string // flag options map to ""
	Arg         string

	// MaxPayload is the stream's negotiated max payload, used as the output
	// coalescing threshold.
	MaxPayload int
}

// ParseDestination splits a destination into service name, options and
// argument. A trailing NUL is ignored.
func ParseDestination(dest string) (Request, error) {
	dest = strings.TrimRight(dest, "\x00")
	head, arg, _ := strings.Cut(dest, ":")
	parts := strings.Split(head, ",")
	if parts[0] == "" {
		return Request{}, fmt.Errorf("%w: %q", ErrBadDestination, dest)
	}

	req := Request{
		Destination: dest,
		Name:        parts[0],
		Options:     make(map[string]string, len(parts)-1),
		Arg:         arg,
	}
	for _, opt := range parts[1:] {
		if opt == "" {
			continue
		}
		k, v, _ := strings.Cut(opt, "=")
		req.Options[k] = v
	}
	return req, nil
}

// Func serves one stream. It owns c until it returns; the registry closes
// the stream afterwards.
type Func func(ctx context.Context, req Request, c *session.StreamConn) error

// Registry maps service names to Funcs. It implements session.Handler.
type Registry struct {
	ctx context.Context
	log *slog.Logger

	mu    sync.RWMutex
	funcs map[string]Func

	wg sync.WaitGroup
}

// NewRegistry returns an empty registry. Services run under ctx.
func NewRegistry(ctx context.Context, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		ctx:   ctx,
		log:   logger.With("component", "service"),
		funcs: make(map[string]Func),
	}
}

// Default returns a registry with the shell and echo services.
func Default(ctx context.Context, logger *slog.Logger) *Registry {
	r := NewRegistry(ctx, logger)
	r.Register("shell", Shell)
	r.Register("echo", Echo)
	return r
}

// Register binds name to fn, replacing any earlier binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

// Accept refuses unknown destinations and starts the service for known
// ones.
func (r *Registry) Accept(st *session.Stream) (session.Consumer, error) {
	req, err := ParseDestination(st.Destination())
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	fn, ok := r.funcs[req.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, req.Name)
	}
	req.MaxPayload = int(st.MaxPayload())

	c := session.NewStreamConn(st)
	log := r.log.With("stream", st.LocalID(), "service", req.Name)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer c.Close()

		log.Debug("service started", "arg", req.Arg)
		err := fn(r.ctx, req, c)
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			log.Debug("service finished")
		case errors.As(err, &exitErr):
			log.Debug("service exited", "code", exitErr.ExitCode())
		case errors.Is(err, context.Canceled):
			log.Debug("service canceled")
		default:
			log.Warn("service failed", "err", err)
		}
	}()
	return c, nil
}

// Wait blocks until every running service has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
