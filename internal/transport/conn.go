// Package transport carries ADB connections. Plain TCP is the standard
// carrier (port 5555 on devices); QUIC is an optional alternative that
// runs the same byte stream over one bidirectional QUIC stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// DefaultPort is the conventional ADB-over-network port.
const DefaultPort = 5555

// Mode selects the carrier.
type Mode int

const (
	ModeTCP Mode = iota
	ModeQUIC
	// ModeDual listens on TCP and QUIC on the same port number. Listen only.
	ModeDual
)

func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeQUIC:
		return "quic"
	case ModeDual:
		return "dual"
	default:
		return "unknown"
	}
}

// ParseMode parses "tcp", "quic" or "dual".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "tcp", "":
		return ModeTCP, nil
	case "quic":
		return ModeQUIC, nil
	case "dual":
		return ModeDual, nil
	default:
		return 0, fmt.Errorf("unknown transport %q (want tcp, quic or dual)", s)
	}
}

// Conn is one ordered, reliable byte stream between host and device.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Listener accepts transport connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Port() int
	Close() error
}

// IsClosed reports whether err came from a listener or connection that has
// been closed. Accept errors that are not IsClosed concern a single
// connection attempt.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Listen opens a listener for mode on addr ("host:port"; port 0 picks one).
func Listen(mode Mode, addr string) (Listener, error) {
	switch mode {
	case ModeTCP:
		return listenTCP(addr)
	case ModeQUIC:
		return listenQUIC(addr)
	case ModeDual:
		return ListenDual(addr)
	default:
		return nil, fmt.Errorf("listen: unsupported mode %s", mode)
	}
}

// Dial connects to addr over mode.
func Dial(ctx context.Context, mode Mode, addr string) (Conn, error) {
	switch mode {
	case ModeTCP:
		return dialTCP(ctx, addr)
	case ModeQUIC:
		return dialQUIC(ctx, addr)
	default:
		return nil, fmt.Errorf("dial: unsupported mode %s", mode)
	}
}

// WithDefaultPort appends DefaultPort to addr when it has no port.
func WithDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), fmt.Sprint(DefaultPort))
}
