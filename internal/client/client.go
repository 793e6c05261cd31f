// Package client is the host side of goadb: it connects to a device,
// completes the handshake, opens one shell stream and relays the local
// terminal to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/chronologos/goadb/internal/coalesce"
	"github.com/chronologos/goadb/internal/session"
	"github.com/chronologos/goadb/internal/transport"
)

const (
	stdinBufSize = 32 * 1024 // 32 KB per stdin read
	dialTimeout  = 10 * time.Second
)

// Config holds client configuration.
type Config struct {
	Addr     string         // device address, host:port
	Mode     transport.Mode // TCP (default) or QUIC
	Identity session.Identity

	// Command runs non-interactively as "shell:<Command>". Empty opens an
	// interactive shell.
	Command string

	// EscapeChar starts escape sequences (~. to disconnect). Zero disables
	// them. Escapes are always off when stdin is not a terminal.
	EscapeChar byte

	Profile bool // print QUIC RTT/traffic stats to stderr on exit
	Logger  *slog.Logger
}

// Client drives one host session to a device.
type Client struct {
	cfg          Config
	log          *slog.Logger
	escape       *EscapeProcessor
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer // escape help and --profile output
	stdinFd      int       // for MakeRaw/Restore; -1 if pipe (skip raw mode)
	profileStart time.Time
}

// New creates a client with the given config. Uses os.Stdin/os.Stdout for
// terminal I/O. If stdin is not a terminal (pipe, FIFO), raw mode and
// escapes are skipped.
func New(cfg Config) *Client {
	fd := int(os.Stdin.Fd())
	escape := cfg.EscapeChar
	if !term.IsTerminal(fd) {
		fd = -1
		escape = 0
	}
	c := newTestClient(cfg, os.Stdin, os.Stdout, os.Stderr)
	c.stdinFd = fd
	c.escape = NewEscapeProcessor(escape)
	return c
}

// newTestClient creates a client wired to pipes instead of the real
// terminal. stdinFd is -1 so MakeRaw is skipped.
func newTestClient(cfg Config, stdin io.Reader, stdout, stderr io.Writer) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Logger = logger
	return &Client{
		cfg:     cfg,
		log:     logger.With("component", "client"),
		escape:  NewEscapeProcessor(cfg.EscapeChar),
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		stdinFd: -1,
	}
}

// exitReason describes why the ioLoop exited.
type exitReason int

const (
	exitRemoteClosed exitReason = iota // device closed the stream
	exitEscape                         // ~. detected
	exitStreamLost                     // stream torn down with the connection
	exitCancelled                      // context cancelled
)

// Run connects to the device and relays the terminal until the shell
// stream ends, the user types ~., or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := transport.Dial(dialCtx, c.cfg.Mode, c.cfg.Addr)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Addr, err)
	}
	c.profileStart = time.Now()
	if c.cfg.Profile {
		defer c.logProfileSummary(conn)
	}

	sess := session.New(conn, session.Config{
		Identity: c.cfg.Identity,
		Logger:   c.cfg.Logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.Run(gctx); !errors.Is(err, session.ErrClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer sess.Close()
		return c.shell(gctx, sess)
	})
	return g.Wait()
}

// shell opens the shell stream on a connected session and relays it.
func (c *Client) shell(ctx context.Context, sess *session.Session) error {
	if err := sess.WaitReady(ctx); err != nil {
		return err
	}
	c.log.Debug("connected", "device", sess.Peer(), "max_payload", sess.MaxPayload())

	sc, err := sess.Dial(ctx, c.destination())
	if err != nil {
		return fmt.Errorf("open shell: %w", err)
	}
	defer sc.Close()

	if c.stdinFd >= 0 && c.cfg.Command == "" {
		oldState, err := term.MakeRaw(c.stdinFd)
		if err != nil {
			return fmt.Errorf("make raw: %w", err)
		}
		defer term.Restore(c.stdinFd, oldState)
	}

	reason := c.ioLoop(ctx, sc)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch reason {
	case exitStreamLost:
		return fmt.Errorf("shell stream: %w", io.ErrUnexpectedEOF)
	default:
		return nil
	}
}

// destination builds the shell destination, passing TERM and the window
// size for interactive shells.
func (c *Client) destination() string {
	if c.cfg.Command != "" {
		return "shell:" + c.cfg.Command
	}
	dest := "shell"
	if t := os.Getenv("TERM"); t != "" {
		dest += ",TERM=" + t
	}
	if c.stdinFd >= 0 {
		if cols, rows, err := term.GetSize(c.stdinFd); err == nil {
			dest += fmt.Sprintf(",rows=%d,cols=%d", rows, cols)
		}
	}
	return dest + ":"
}

// ioLoop relays stdin to the stream and the stream to stdout. Stdin EOF
// does not end the loop; only the stream ending, an escape, or ctx do.
func (c *Client) ioLoop(ctx context.Context, sc *session.StreamConn) exitReason {
	stdinCh := make(chan []byte, 4)
	go c.readStdin(stdinCh)

	outDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(c.stdout, sc)
		outDone <- err
	}()

	coal := coalesce.New(int(sc.Stream().MaxPayload()))
	defer coal.Stop()

	escapeBuf := make([]byte, stdinBufSize+1) // extra for held escape char

	for {
		select {
		case data, ok := <-stdinCh:
			if !ok {
				c.flush(coal, sc)
				stdinCh = nil
				continue
			}
			n, action := c.escape.Process(data, escapeBuf)
			switch action {
			case EscDisconnect:
				return exitEscape
			case EscHelp:
				fmt.Fprintf(c.stderr, escapeHelp, c.escape.char)
			}
			if n > 0 && coal.Add(escapeBuf[:n]) {
				c.flush(coal, sc)
			}

		case <-coal.Timer():
			c.flush(coal, sc)

		case err := <-outDone:
			if err != nil {
				c.log.Warn("shell stream lost", "err", err)
				return exitStreamLost
			}
			return exitRemoteClosed

		case <-ctx.Done():
			return exitCancelled
		}
	}
}

// flush writes coalesced stdin to the stream. A failed write means the
// stream is ending; ioLoop learns that from the output side.
func (c *Client) flush(coal *coalesce.Coalescer, sc *session.StreamConn) {
	data := coal.Flush()
	if data == nil {
		return
	}
	if _, err := sc.Write(data); err != nil {
		c.log.Debug("stdin write failed", "err", err)
	}
}

// readStdin reads from stdin in a loop, sending chunks to ch.
func (c *Client) readStdin(ch chan<- []byte) {
	defer close(ch)
	for {
		buf := make([]byte, stdinBufSize)
		n, err := c.stdin.Read(buf)
		if n > 0 {
			ch <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}
