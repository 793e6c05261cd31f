package transport

import (
	"context"
	"fmt"
	"net"
)

// tcpListener wraps a plain TCP listener.
type tcpListener struct {
	ln   net.Listener
	port int
}

func listenTCP(addr string) (*tcpListener, error) {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	return &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for the next TCP connection.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	// Use a channel so we can respect context cancellation
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept TCP connection: %w", res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// The goroutine unblocks when the caller closes the listener. If
		// it accepted a connection before that, close it.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts down the TCP listener.
func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func dialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial: %w", err)
	}
	return conn, nil
}
