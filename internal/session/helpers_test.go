package session

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronologos/goadb/internal/protocol"
)

// fakeConn is an in-memory transport. Every frame the session writes is
// decoded and queued on frames; reads block until Close.
type fakeConn struct {
	frames    chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan protocol.Message, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read([]byte) (int, error) {
	<-f.closed
	return 0, io.EOF
}

func (f *fakeConn) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	msg, err := protocol.ReadMessage(bytes.NewReader(p))
	if err != nil {
		return 0, err
	}
	f.frames <- *msg
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// next returns the next frame the session sent.
func (f *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-f.frames:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound frame")
		return protocol.Message{}
	}
}

// expect asserts the next frame's command and arguments.
func (f *fakeConn) expect(t *testing.T, cmd protocol.Command, arg0, arg1 uint32) protocol.Message {
	t.Helper()
	msg := f.next(t)
	require.Equal(t, cmd, msg.Command, "got %v", &msg)
	require.Equal(t, arg0, msg.Arg0, "arg0 of %v", &msg)
	require.Equal(t, arg1, msg.Arg1, "arg1 of %v", &msg)
	return msg
}

// expectNone asserts nothing is sent within a short window.
func (f *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.frames:
		t.Fatalf("unexpected frame %v", &msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func frame(cmd protocol.Command, arg0, arg1 uint32, payload string) []byte {
	msg := &protocol.Message{Command: cmd, Arg0: arg0, Arg1: arg1}
	if payload != "" {
		msg.Payload = []byte(payload)
	}
	return protocol.Encode(msg)
}

// startSession returns a started session with its CNXN already consumed.
func startSession(t *testing.T, cfg Config) (*Session, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	s := New(fc, cfg)
	require.NoError(t, s.Start())
	maxPayload := cfg.MaxPayload
	if maxPayload == 0 {
		maxPayload = protocol.MaxPayload
	}
	fc.expect(t, protocol.CmdCNXN, protocol.Version, maxPayload)
	t.Cleanup(func() { s.Close() })
	return s, fc
}

// connectSession returns a session that has completed the handshake.
func connectSession(t *testing.T, cfg Config) (*Session, *fakeConn) {
	t.Helper()
	s, fc := startSession(t, cfg)
	require.NoError(t, s.Feed(frame(protocol.CmdCNXN, protocol.Version, protocol.MaxPayload, "device::\x00")))
	require.Equal(t, StateConnected, s.State())
	return s, fc
}

// recorder is a Consumer that records every callback.
type recorder struct {
	mu      sync.Mutex
	data    [][]byte
	readies int
	closes  []CloseReason
}

func (r *recorder) Data(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p)
}

func (r *recorder) Ready() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readies++
}

func (r *recorder) Closed(reason CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, reason)
}

func (r *recorder) snapshot() (data [][]byte, readies int, closes []CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.data...), r.readies, append([]CloseReason(nil), r.closes...)
}

// openReady opens a stream and grants it with OKAY from remote id 7.
func openReady(t *testing.T, s *Session, fc *fakeConn, dest string) (*Stream, *recorder) {
	t.Helper()
	rec := &recorder{}
	st, err := s.Open(dest, rec)
	require.NoError(t, err)
	msg := fc.expect(t, protocol.CmdOPEN, st.LocalID(), 0)
	require.Equal(t, dest+"\x00", string(msg.Payload))
	require.NoError(t, s.Feed(frame(protocol.CmdOKAY, 7, st.LocalID(), "")))
	require.Equal(t, StreamReady, st.State())
	return st, rec
}
