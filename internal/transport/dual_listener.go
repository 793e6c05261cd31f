package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/multierr"
)

// dualListener accepts connections from both QUIC (UDP) and TCP listeners
// on the same port number. Accept() returns whichever connection arrives first.
type dualListener struct {
	quic *quicListener
	tcp  *tcpListener
	port int

	// connCh receives connections and per-connection errors from both
	// accept loops.
	connCh chan acceptRes
	// done is closed by Close; cancel stops both accept loops.
	done   <-chan struct{}
	cancel context.CancelFunc
}

type acceptRes struct {
	conn Conn
	err  error
}

// ListenDual creates both a QUIC (UDP) and a TCP listener on the same port.
// Bind order: QUIC first (gets random port from OS), then TCP on the same port.
func ListenDual(addr string) (Listener, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}

	ql, err := listenQUIC(addr)
	if err != nil {
		return nil, err
	}

	// Bind TCP to the same port number (UDP and TCP don't conflict).
	tl, err := listenTCP(net.JoinHostPort(host, strconv.Itoa(ql.Port())))
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TCP listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:   ql,
		tcp:    tl,
		port:   ql.Port(),
		connCh: make(chan acceptRes, 4),
		done:   ctx.Done(),
		cancel: cancel,
	}

	go dl.acceptLoop(ctx, ql)
	go dl.acceptLoop(ctx, tl)

	return dl, nil
}

// acceptLoop feeds connCh until the listener closes. Failed connection
// attempts are forwarded and the loop keeps accepting.
func (dl *dualListener) acceptLoop(ctx context.Context, ln Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil && (ctx.Err() != nil || IsClosed(err)) {
			return
		}
		select {
		case dl.connCh <- acceptRes{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
			return
		}
	}
}

// Accept returns the next connection from either transport. After Close it
// returns an error satisfying IsClosed.
func (dl *dualListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-dl.done:
		return nil, fmt.Errorf("accept: %w", net.ErrClosed)
	default:
	}
	select {
	case res := <-dl.connCh:
		return res.conn, res.err
	case <-dl.done:
		return nil, fmt.Errorf("accept: %w", net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the port number both listeners are bound to.
func (dl *dualListener) Port() int {
	return dl.port
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	return multierr.Combine(dl.tcp.Close(), dl.quic.Close())
}
