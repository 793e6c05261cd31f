package session

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// StreamConn adapts a Stream to io.ReadWriteCloser and is itself the
// stream's Consumer. Inbound data is buffered until read. Write blocks for
// each write credit and splits p into max-payload sized WRTEs.
type StreamConn struct {
	st      *Stream
	opened  chan struct{} // closed on the first Ready
	credit  chan struct{} // one token per Ready, capacity 1
	dataCh  chan struct{} // capacity 1
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex

	mu     sync.Mutex
	rbuf   bytes.Buffer
	closed bool
	reason CloseReason
}

func newStreamConn() *StreamConn {
	return &StreamConn{
		opened: make(chan struct{}),
		credit: make(chan struct{}, 1),
		dataCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewStreamConn wraps a peer-opened stream. Handlers return it from
// Accept as the stream's Consumer.
func NewStreamConn(st *Stream) *StreamConn {
	c := newStreamConn()
	c.st = st
	return c
}

// Dial opens a stream to destination and waits for the peer to accept it.
func (s *Session) Dial(ctx context.Context, destination string) (*StreamConn, error) {
	c := newStreamConn()
	st, err := s.Open(destination, c)
	if err != nil {
		return nil, err
	}
	c.st = st

	select {
	case <-c.opened:
		return c, nil
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		st.Close()
		return nil, ctx.Err()
	}
}

// Stream returns the underlying stream handle.
func (c *StreamConn) Stream() *Stream { return c.st }

// --- Consumer ---

func (c *StreamConn) Data(p []byte) {
	c.mu.Lock()
	c.rbuf.Write(p)
	c.mu.Unlock()
	select {
	case c.dataCh <- struct{}{}:
	default:
	}
}

func (c *StreamConn) Ready() {
	c.once.Do(func() { close(c.opened) })
	select {
	case c.credit <- struct{}{}:
	default:
	}
}

func (c *StreamConn) Closed(reason CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.done)
}

// Done is closed when the stream ends.
func (c *StreamConn) Done() <-chan struct{} { return c.done }

// Reason returns why the stream ended. Only meaningful after Done.
func (c *StreamConn) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *StreamConn) closeErr() error {
	switch c.Reason() {
	case CloseAbnormal:
		return io.ErrUnexpectedEOF
	case CloseRefused:
		return ErrStreamRefused
	default:
		return io.EOF
	}
}

// --- io.ReadWriteCloser ---

// Read returns buffered inbound data. Once the stream has ended and the
// buffer is drained it returns io.EOF, or io.ErrUnexpectedEOF if the
// connection was torn down.
func (c *StreamConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.rbuf.Len() > 0 {
			n, _ := c.rbuf.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return 0, c.closeErr()
		}

		select {
		case <-c.dataCh:
		case <-c.done:
		}
	}
}

func (c *StreamConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		select {
		case <-c.credit:
		case <-c.done:
			return written, ErrStreamClosed
		}
		chunk := p[:min(len(p), int(c.st.sess.MaxPayload()))]
		if err := c.st.Write(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close closes the stream. Buffered inbound data is discarded.
func (c *StreamConn) Close() error {
	err := c.st.Close()
	c.mu.Lock()
	c.rbuf.Reset()
	c.mu.Unlock()
	return err
}
