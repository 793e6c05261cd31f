package session

import (
	"fmt"
	"strings"

	"github.com/chronologos/goadb/internal/protocol"
)

// StreamState is the per-stream flow-control state.
type StreamState int

const (
	// StreamOpening: OPEN sent, waiting for the peer's OKAY.
	StreamOpening StreamState = iota
	// StreamReady: one WRTE may be sent.
	StreamReady
	// StreamAwaitingAck: a WRTE is in flight; the next one waits for OKAY.
	StreamAwaitingAck
	// StreamClosed is terminal. The stream is no longer in the table.
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpening:
		return "opening"
	case StreamReady:
		return "ready"
	case StreamAwaitingAck:
		return "awaiting-ack"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason tells a Consumer why its stream ended.
type CloseReason int

const (
	CloseLocal    CloseReason = iota // closed through Stream.Close
	ClosePeer                        // peer sent CLSE
	CloseRefused                     // peer answered our OPEN with CLSE
	CloseAbnormal                    // connection torn down
)

func (r CloseReason) String() string {
	switch r {
	case CloseLocal:
		return "local"
	case ClosePeer:
		return "peer"
	case CloseRefused:
		return "refused"
	case CloseAbnormal:
		return "abnormal"
	default:
		return "unknown"
	}
}

// Clean reports whether the stream ended by a normal close on either side.
func (r CloseReason) Clean() bool {
	return r != CloseAbnormal
}

// Consumer receives a stream's events. Callbacks run on the session's read
// loop (or on the goroutine that closed the stream) with no session locks
// held. The payload passed to Data belongs to the consumer. Callbacks must
// not block for long: the next inbound message waits on them. Closed never
// overlaps Data and no Data follows it; a close that happens while Data runs
// is reported when Data returns.
type Consumer interface {
	// Data delivers one inbound WRTE payload.
	Data(p []byte)
	// Ready signals that the stream accepts one Write.
	Ready()
	// Closed is called exactly once when the stream ends.
	Closed(reason CloseReason)
}

type nopConsumer struct{}

func (nopConsumer) Data([]byte)        {}
func (nopConsumer) Ready()             {}
func (nopConsumer) Closed(CloseReason) {}

// Stream is a handle to one logical channel. The owning Session keeps the
// state; the handle only forwards operations to it.
type Stream struct {
	sess        *Session
	localID     uint32
	destination string
	peerOpened  bool

	// guarded by sess.mu
	remoteID   uint32
	state      StreamState
	consumer   Consumer
	delivering bool        // consumer.Data is running
	parked     CloseReason // valid when hasParked
	hasParked  bool
}

// closeNowLocked reports whether the caller should deliver Closed(reason)
// itself. While Data runs the reason is parked for handleWrite instead.
// Caller must hold sess.mu.
func (st *Stream) closeNowLocked(reason CloseReason) bool {
	if st.delivering {
		st.parked, st.hasParked = reason, true
		return false
	}
	return true
}

// LocalID is the id this side assigned. Never 0.
func (st *Stream) LocalID() uint32 { return st.localID }

// Destination is the service name the stream was opened to.
func (st *Stream) Destination() string { return st.destination }

// PeerOpened reports whether the peer sent the OPEN.
func (st *Stream) PeerOpened() bool { return st.peerOpened }

// RemoteID is the peer's id for this stream, or 0 while still opening.
func (st *Stream) RemoteID() uint32 {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.remoteID
}

// MaxPayload is the largest Write the stream accepts.
func (st *Stream) MaxPayload() uint32 { return st.sess.MaxPayload() }

func (st *Stream) State() StreamState {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.state
}

func (st *Stream) String() string {
	return fmt.Sprintf("stream %d (%s)", st.localID, st.destination)
}

// Write sends p as one WRTE. It is refused with ErrNotReady unless the
// stream is Ready; after a successful Write the stream waits for the
// peer's OKAY, which the Consumer sees as Ready. p must fit in the
// negotiated max payload.
func (st *Stream) Write(p []byte) error {
	s := st.sess
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st.state {
	case StreamReady:
	case StreamClosed:
		return ErrStreamClosed
	default:
		return fmt.Errorf("%w: %s", ErrNotReady, st.state)
	}
	if len(p) > int(s.maxPayload) {
		return fmt.Errorf("%w: %d > %d", protocol.ErrPayloadTooLarge, len(p), s.maxPayload)
	}

	st.state = StreamAwaitingAck
	s.sendLocked(protocol.CmdWRTE, st.localID, st.remoteID, p)
	return nil
}

// Close sends CLSE and removes the stream. The consumer is notified with
// CloseLocal. Closing an already closed stream is a no-op.
func (st *Stream) Close() error {
	s := st.sess
	s.mu.Lock()
	if st.state == StreamClosed {
		s.mu.Unlock()
		return nil
	}
	st.state = StreamClosed
	if s.streams[st.localID] != st {
		// Peer-opened stream still inside Handler.Accept; handleOpen
		// will refuse it.
		s.mu.Unlock()
		return nil
	}
	delete(s.streams, st.localID)
	s.sendLocked(protocol.CmdCLSE, st.localID, st.remoteID, nil)
	c := st.consumer
	notify := st.closeNowLocked(CloseLocal)
	s.mu.Unlock()

	if notify {
		c.Closed(CloseLocal)
	}
	return nil
}

// --- Multiplexer ---

// Open starts a locally initiated stream to destination. The stream is
// Opening until the peer's OKAY arrives, at which point c.Ready is called.
func (s *Session) Open(destination string, c Consumer) (*Stream, error) {
	if c == nil {
		c = nopConsumer{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnected:
	case StateClosed:
		return nil, ErrClosed
	default:
		return nil, ErrNotConnected
	}

	id, err := s.allocLocked()
	if err != nil {
		return nil, err
	}
	st := &Stream{
		sess:        s,
		localID:     id,
		destination: destination,
		state:       StreamOpening,
		consumer:    c,
	}
	s.streams[id] = st
	s.sendLocked(protocol.CmdOPEN, id, 0, append([]byte(destination), 0))
	s.log.Debug("stream opening", "local", id, "dest", destination)
	return st, nil
}

func sequenceErr(cmd protocol.Command, err error) error {
	return &ProtocolError{Kind: KindSequence, Command: cmd, Err: err}
}

// handleOpen serves OPEN(remoteID, _, destination). The handler decides
// synchronously; acceptance replies OKAY(localID, remoteID), refusal
// replies CLSE(0, remoteID).
func (s *Session) handleOpen(msg protocol.Message) error {
	remoteID := msg.Arg0
	if remoteID == 0 {
		return sequenceErr(msg.Command, ErrZeroStreamID)
	}
	dest := strings.TrimRight(string(msg.Payload), "\x00")

	s.mu.Lock()
	id, err := s.allocLocked()
	if err != nil {
		s.sendLocked(protocol.CmdCLSE, 0, remoteID, nil)
		s.mu.Unlock()
		return sequenceErr(msg.Command, err)
	}
	st := &Stream{
		sess:        s,
		localID:     id,
		remoteID:    remoteID,
		destination: dest,
		peerOpened:  true,
		state:       StreamOpening,
		consumer:    nopConsumer{},
	}
	s.mu.Unlock()

	c, err := s.cfg.Handler.Accept(st)
	if err == nil && c == nil {
		c = nopConsumer{}
	}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		if err == nil {
			c.Closed(CloseAbnormal)
		}
		return sequenceErr(msg.Command, ErrClosed)
	}
	var accepted Consumer
	if err == nil && st.state == StreamClosed {
		accepted, err = c, ErrStreamClosed
	}
	if err != nil {
		st.state = StreamClosed
		s.sendLocked(protocol.CmdCLSE, 0, remoteID, nil)
		s.mu.Unlock()
		s.log.Info("open refused", "dest", dest, "remote", remoteID, "err", err)
		if accepted != nil {
			accepted.Closed(CloseLocal)
		}
		return nil
	}
	st.consumer = c
	st.state = StreamReady
	s.streams[id] = st
	s.sendLocked(protocol.CmdOKAY, id, remoteID, nil)
	s.mu.Unlock()

	s.log.Debug("stream accepted", "local", id, "remote", remoteID, "dest", dest)
	c.Ready()
	return nil
}

// handleOkay serves OKAY(remoteID, localID): either the open grant for an
// Opening stream or the ack of our last WRTE.
func (s *Session) handleOkay(msg protocol.Message) error {
	remoteID, localID := msg.Arg0, msg.Arg1
	if remoteID == 0 || localID == 0 {
		return sequenceErr(msg.Command, ErrZeroStreamID)
	}

	s.mu.Lock()
	st, ok := s.streams[localID]
	if !ok {
		s.mu.Unlock()
		return sequenceErr(msg.Command, fmt.Errorf("%w: %d", ErrUnknownStream, localID))
	}
	switch st.state {
	case StreamOpening:
		st.remoteID = remoteID
		st.state = StreamReady
	case StreamAwaitingAck:
		st.state = StreamReady
	default:
		// A readiness grant that crossed with our own OKAY; nothing owed.
		s.mu.Unlock()
		s.log.Debug("OKAY for ready stream", "local", localID, "remote", remoteID)
		return nil
	}
	c := st.consumer
	s.mu.Unlock()

	c.Ready()
	return nil
}

// handleWrite serves WRTE(remoteID, localID, data): deliver, then return
// the peer's write credit with OKAY(localID, remoteID). Writes for unknown
// streams are dropped silently; the peer may be racing our CLSE. A close
// parked while Data ran is delivered after the OKAY.
func (s *Session) handleWrite(msg protocol.Message) error {
	remoteID, localID := msg.Arg0, msg.Arg1
	if remoteID == 0 {
		return sequenceErr(msg.Command, ErrZeroStreamID)
	}

	s.mu.Lock()
	st, ok := s.streams[localID]
	var c Consumer
	if ok {
		c = st.consumer
		st.delivering = true
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("WRTE for unknown stream", "local", localID, "remote", remoteID)
		return nil
	}

	c.Data(msg.Payload)

	s.mu.Lock()
	st.delivering = false
	reason, closed := st.parked, st.hasParked
	st.hasParked = false
	s.sendLocked(protocol.CmdOKAY, localID, remoteID, nil)
	s.mu.Unlock()
	if closed {
		c.Closed(reason)
	}
	return nil
}

// handleClose serves CLSE(remoteID, localID). Unknown ids are a no-op:
// usually our own CLSE crossed with the peer's.
func (s *Session) handleClose(msg protocol.Message) error {
	localID := msg.Arg1

	s.mu.Lock()
	st, ok := s.streams[localID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("CLSE for unknown stream", "local", localID, "remote", msg.Arg0)
		return nil
	}
	reason := ClosePeer
	if st.state == StreamOpening {
		reason = CloseRefused
	}
	delete(s.streams, localID)
	st.state = StreamClosed
	c := st.consumer
	notify := st.closeNowLocked(reason)
	s.mu.Unlock()

	s.log.Debug("stream closed by peer", "local", localID, "reason", reason)
	if notify {
		c.Closed(reason)
	}
	return nil
}
