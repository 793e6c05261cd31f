package session

import (
	"errors"
	"fmt"

	"github.com/chronologos/goadb/internal/protocol"
)

var (
	ErrClosed          = errors.New("session closed")
	ErrNotConnected    = errors.New("session not connected")
	ErrNotReady        = errors.New("stream not ready for write")
	ErrStreamClosed    = errors.New("stream closed")
	ErrStreamRefused   = errors.New("stream refused by peer")
	ErrTransportClosed = errors.New("transport closed")

	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrPayloadTooSmall  = errors.New("peer max payload too small")
	ErrUnknownStream    = errors.New("unknown stream")
	ErrZeroStreamID     = errors.New("zero stream id")
	ErrOutOfSequence    = errors.New("message out of sequence")
	ErrStreamsExhausted = errors.New("local stream ids exhausted")
)

// ErrorKind classifies a ProtocolError.
type ErrorKind int

const (
	// KindFraming covers bad magic, checksum mismatch and oversize frames.
	// Fatal for the connection.
	KindFraming ErrorKind = iota
	// KindHandshake covers CNXN version or max payload mismatch. Fatal.
	KindHandshake
	// KindSequence covers messages that reference unknown or zero stream
	// ids, or arrive in the wrong connection state. Not fatal.
	KindSequence
	// KindTransport covers disconnects and I/O failures. Fatal.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindHandshake:
		return "handshake"
	case KindSequence:
		return "sequence"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ProtocolError describes a protocol failure on one connection.
type ProtocolError struct {
	Kind    ErrorKind
	Command protocol.Command // zero when not tied to a message
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Command != 0 {
		return fmt.Sprintf("adb %s error (%s): %v", e.Kind, e.Command, e.Err)
	}
	return fmt.Sprintf("adb %s error: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Fatal reports whether the error terminates the connection.
func (e *ProtocolError) Fatal() bool {
	return e.Kind != KindSequence
}

// IsKind reports whether err is a ProtocolError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Kind == kind
}
