// Package session runs the ADB protocol over one transport connection:
// the CNXN handshake, inbound dispatch, and the stream multiplexer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/chronologos/goadb/internal/protocol"
)

const readBufSize = 64 * 1024 // 64 KB per transport read

// State is the connection-level handshake state.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingHandshake
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler binds peer-opened streams to local services. Accept runs on the
// session's read loop and must return promptly: a nil error accepts the
// stream (OKAY is sent) and a non-nil error refuses it (CLSE is sent).
type Handler interface {
	Accept(st *Stream) (Consumer, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(st *Stream) (Consumer, error)

func (f HandlerFunc) Accept(st *Stream) (Consumer, error) { return f(st) }

var errNoHandler = errors.New("no stream handler")

type refuseAll struct{}

func (refuseAll) Accept(*Stream) (Consumer, error) { return nil, errNoHandler }

// Config holds session configuration.
type Config struct {
	Identity   Identity
	Version    uint32 // default protocol.Version
	MaxPayload uint32 // default protocol.MaxPayload
	Handler    Handler

	// OnConnect is called once, after a successful handshake, with the
	// peer's identity string.
	OnConnect func(peer string)
	// OnClose is called once with the reason the session ended.
	OnClose func(err error)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Identity.SystemType == "" {
		c.Identity.SystemType = SystemHost
	}
	if c.Version == 0 {
		c.Version = protocol.Version
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = protocol.MaxPayload
	}
	if c.Handler == nil {
		c.Handler = refuseAll{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Session is one ADB connection. It owns the transport, the handshake
// state and the stream table.
//
// Inbound bytes must be delivered in order from a single goroutine, either
// by Run or by calling Feed directly. Stream operations (Open, Write,
// Close) are safe from any goroutine. All outbound frames go through one
// writer goroutine so frames never interleave on the transport.
type Session struct {
	cfg  Config
	log  *slog.Logger
	conn io.ReadWriteCloser
	rbuf protocol.Buffer // read loop only
	out  *outbox

	mu         sync.Mutex
	state      State
	maxPayload uint32 // negotiated, valid once connected
	peer       string
	streams    map[uint32]*Stream
	nextID     uint32
	err        error
	closeErr   error

	ready      chan struct{}
	connClosed chan struct{} // closed once closeErr is final
	done       chan struct{}
}

// New creates a session over conn but does not start it. Call Run, or
// Start followed by Feed.
func New(conn io.ReadWriteCloser, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "session"),
		conn:    conn,
		out:     newOutbox(),
		streams: make(map[uint32]*Stream),
		ready:      make(chan struct{}),
		connClosed: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start moves the session to AwaitingHandshake, queues our CNXN and starts
// the writer goroutine.
func (s *Session) Start() error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected:
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	default:
		s.mu.Unlock()
		return fmt.Errorf("session already started (%s)", s.state)
	}
	s.state = StateAwaitingHandshake
	s.sendLocked(protocol.CmdCNXN, s.cfg.Version, s.cfg.MaxPayload, s.cfg.Identity.payload())
	s.mu.Unlock()

	go s.sendLoop()
	return nil
}

// Run starts the session and reads from the transport until the session
// ends. It returns the reason: ErrClosed after a local Close, the context
// error after cancellation, or a *ProtocolError.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { s.teardown(ctx.Err()) })
	defer stop()

	buf := make([]byte, readBufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if ferr := s.Feed(buf[:n]); ferr != nil {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrTransportClosed
			}
			s.teardown(&ProtocolError{Kind: KindTransport, Err: err})
			break
		}
	}
	return s.Err()
}

// Feed delivers inbound transport bytes. Chunks may split or join
// messages arbitrarily. It returns an error only when the session cannot
// take more input: a fatal framing or handshake error (the session is torn
// down), or a session that is not running.
func (s *Session) Feed(p []byte) error {
	switch st := s.State(); st {
	case StateDisconnected:
		return &ProtocolError{Kind: KindSequence, Err: fmt.Errorf("%w: session %s", ErrOutOfSequence, st)}
	case StateClosed:
		return &ProtocolError{Kind: KindSequence, Err: ErrClosed}
	}

	s.rbuf.Write(p)
	for msg, err := range s.rbuf.Messages() {
		if err != nil {
			perr := &ProtocolError{Kind: KindFraming, Err: err}
			s.teardown(perr)
			return perr
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

// dispatch routes one decoded message by command. Only connection-fatal
// errors are returned; stream-level problems are logged and dropped.
func (s *Session) dispatch(msg protocol.Message) error {
	s.log.Debug("recv", "msg", &msg)

	switch msg.Command {
	case protocol.CmdCNXN:
		return s.handleConnect(msg)

	case protocol.CmdOPEN, protocol.CmdOKAY, protocol.CmdWRTE, protocol.CmdCLSE:
		switch st := s.State(); st {
		case StateConnected:
		case StateClosed:
			return &ProtocolError{Kind: KindSequence, Command: msg.Command, Err: ErrClosed}
		default:
			s.log.Warn("stream message before handshake, dropping", "msg", &msg)
			return nil
		}

		var err error
		switch msg.Command {
		case protocol.CmdOPEN:
			err = s.handleOpen(msg)
		case protocol.CmdOKAY:
			err = s.handleOkay(msg)
		case protocol.CmdWRTE:
			err = s.handleWrite(msg)
		case protocol.CmdCLSE:
			err = s.handleClose(msg)
		}
		if err != nil {
			s.log.Warn("dropping message", "msg", &msg, "err", err)
		}
		return nil

	default:
		s.log.Debug("unhandled message", "msg", &msg)
		return nil
	}
}

// handleConnect completes the handshake, or tears the session down when
// the peer's version or max payload cannot be used.
func (s *Session) handleConnect(msg protocol.Message) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		s.log.Warn("duplicate CNXN ignored", "msg", &msg)
		return nil
	case StateClosed:
		s.mu.Unlock()
		return &ProtocolError{Kind: KindSequence, Command: msg.Command, Err: ErrClosed}
	}

	var herr error
	switch {
	case msg.Arg0 != s.cfg.Version:
		herr = fmt.Errorf("%w: peer 0x%08x, local 0x%08x", ErrVersionMismatch, msg.Arg0, s.cfg.Version)
	case msg.Arg1 < protocol.MinPayload:
		herr = fmt.Errorf("%w: %d < %d", ErrPayloadTooSmall, msg.Arg1, protocol.MinPayload)
	}
	if herr != nil {
		s.mu.Unlock()
		perr := &ProtocolError{Kind: KindHandshake, Command: msg.Command, Err: herr}
		s.teardown(perr)
		return perr
	}

	s.state = StateConnected
	s.maxPayload = min(s.cfg.MaxPayload, msg.Arg1)
	s.peer = strings.TrimRight(string(msg.Payload), "\x00")
	peer, maxPayload := s.peer, s.maxPayload
	close(s.ready)
	s.mu.Unlock()

	if _, err := ParseIdentity(peer); err != nil {
		s.log.Warn("peer identity", "err", err)
	}
	s.log.Info("connected", "peer", peer, "max_payload", maxPayload)
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(peer)
	}
	return nil
}

// Close tears the session down: every open stream is closed abnormally,
// queued frames are dropped and the transport is closed. When teardown is
// already under way, Close waits for the transport close and returns its
// result.
func (s *Session) Close() error {
	s.teardown(ErrClosed)
	<-s.connClosed
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// teardown ends the session exactly once with cause. Callbacks run with
// no locks held, so they may call back into the session.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.err = cause
	streams := len(s.streams)
	var notify []Consumer
	for id, st := range s.streams {
		st.state = StreamClosed
		if st.closeNowLocked(CloseAbnormal) {
			notify = append(notify, st.consumer)
		}
		delete(s.streams, id)
	}
	s.out.close()
	s.mu.Unlock()

	closeErr := s.conn.Close()
	s.mu.Lock()
	s.closeErr = closeErr
	s.mu.Unlock()
	close(s.connClosed)

	for _, c := range notify {
		c.Closed(CloseAbnormal)
	}

	switch {
	case errors.Is(cause, ErrClosed), errors.Is(cause, context.Canceled):
		s.log.Debug("session closed", "streams", streams)
	case IsKind(cause, KindTransport):
		s.log.Info("transport closed", "err", cause, "streams", streams)
	default:
		s.log.Error("session failed", "err", cause, "streams", streams)
	}

	if s.cfg.OnClose != nil {
		s.cfg.OnClose(cause)
	}
	close(s.done)
}

// sendLocked queues one frame. Caller must hold s.mu, which keeps the
// frame order identical to the order of state decisions.
func (s *Session) sendLocked(cmd protocol.Command, arg0, arg1 uint32, payload []byte) {
	msg := &protocol.Message{Command: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}
	if !s.out.push(protocol.Encode(msg)) {
		return
	}
	s.log.Debug("send", "msg", msg)
}

// sendLoop is the single writer to the transport.
func (s *Session) sendLoop() {
	for {
		frame, ok := s.out.pop()
		if !ok {
			return
		}
		if _, err := s.conn.Write(frame); err != nil {
			s.teardown(&ProtocolError{Kind: KindTransport, Err: fmt.Errorf("write: %w", err)})
			return
		}
	}
}

// allocLocked returns the next local stream id. Ids start at 1 and are
// never reused for the life of the session. Caller must hold s.mu.
func (s *Session) allocLocked() (uint32, error) {
	if s.nextID == math.MaxUint32 {
		return 0, ErrStreamsExhausted
	}
	s.nextID++
	return s.nextID, nil
}

// --- Accessors ---

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session ended, or nil while it is running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ready is closed when the handshake completes.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed after teardown has notified every stream.
func (s *Session) Done() <-chan struct{} { return s.done }

// WaitReady blocks until the handshake completes, the session ends or ctx
// is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peer returns the identity string the peer sent in CNXN.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// LocalIdentity returns the identity we advertise.
func (s *Session) LocalIdentity() Identity { return s.cfg.Identity }

// MaxPayload returns the negotiated max payload, or 0 before the
// handshake completes.
func (s *Session) MaxPayload() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPayload
}

// NumStreams returns the number of streams in the table.
func (s *Session) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Stream looks up a stream by local id.
func (s *Session) Stream(localID uint32) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[localID]
	return st, ok
}
