package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole message.
	// It is not a failure: supply the same bytes plus more and retry.
	ErrIncomplete      = errors.New("incomplete message")
	ErrBadMagic        = errors.New("header magic mismatch")
	ErrChecksum        = errors.New("payload checksum mismatch")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Message is one protocol message: a command, two arguments and a payload.
type Message struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// Header is the 24-byte wire header that precedes every payload.
type Header struct {
	Command    Command
	Arg0       uint32
	Arg1       uint32
	DataLength uint32
	DataCheck  uint32
	Magic      uint32
}

// Checksum is the additive byte sum of p, modulo 2^32.
func Checksum(p []byte) uint32 {
	var sum uint32
	for _, b := range p {
		sum += uint32(b)
	}
	return sum
}

// Header computes the wire header for m.
func (m *Message) Header() Header {
	return Header{
		Command:    m.Command,
		Arg0:       m.Arg0,
		Arg1:       m.Arg1,
		DataLength: uint32(len(m.Payload)),
		DataCheck:  Checksum(m.Payload),
		Magic:      uint32(m.Command) ^ 0xffffffff,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%d, %d, %d bytes)", m.Command, m.Arg0, m.Arg1, len(m.Payload))
}

// put writes h into b, which must be at least HeaderSize long.
func (h Header) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Command))
	binary.LittleEndian.PutUint32(b[4:8], h.Arg0)
	binary.LittleEndian.PutUint32(b[8:12], h.Arg1)
	binary.LittleEndian.PutUint32(b[12:16], h.DataLength)
	binary.LittleEndian.PutUint32(b[16:20], h.DataCheck)
	binary.LittleEndian.PutUint32(b[20:24], h.Magic)
}

func parseHeader(b []byte) Header {
	return Header{
		Command:    Command(binary.LittleEndian.Uint32(b[0:4])),
		Arg0:       binary.LittleEndian.Uint32(b[4:8]),
		Arg1:       binary.LittleEndian.Uint32(b[8:12]),
		DataLength: binary.LittleEndian.Uint32(b[12:16]),
		DataCheck:  binary.LittleEndian.Uint32(b[16:20]),
		Magic:      binary.LittleEndian.Uint32(b[20:24]),
	}
}

// Valid reports whether the magic field matches the command.
func (h Header) Valid() bool {
	return h.Magic == uint32(h.Command)^0xffffffff
}

// --- Encoding ---

// Encode serializes m as header followed by the raw payload. No size limit
// is applied; callers split data to the negotiated max payload.
func Encode(m *Message) []byte {
	out := make([]byte, HeaderSize+len(m.Payload))
	m.Header().put(out)
	copy(out[HeaderSize:], m.Payload)
	return out
}

// WriteMessage writes m to w in a single Write call so concurrent writers
// that share w never interleave within a frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(Encode(m))
	return err
}

// --- Decoding ---

// Decode reads the next message from buf and returns it along with the
// bytes that follow it. The returned payload aliases buf.
//
// ErrIncomplete is returned when buf is too short for the header or for
// the payload the header announces. No partial state is retained.
func Decode(buf []byte) (Message, []byte, error) {
	if len(buf) < HeaderSize {
		return Message{}, buf, ErrIncomplete
	}

	h := parseHeader(buf)
	if !h.Valid() {
		return Message{}, buf, fmt.Errorf("%w: command 0x%08x magic 0x%08x", ErrBadMagic, uint32(h.Command), h.Magic)
	}
	if h.DataLength > MaxDataLength {
		return Message{}, buf, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.DataLength)
	}

	end := HeaderSize + int(h.DataLength)
	if len(buf) < end {
		return Message{}, buf, ErrIncomplete
	}

	msg := Message{Command: h.Command, Arg0: h.Arg0, Arg1: h.Arg1}
	if h.DataLength > 0 {
		msg.Payload = buf[HeaderSize:end]
	}
	if msg.Header() != h {
		return Message{}, buf, fmt.Errorf("%w: %s want 0x%x got 0x%x", ErrChecksum, h.Command, h.DataCheck, Checksum(msg.Payload))
	}
	return msg, buf[end:], nil
}

// ReadMessage reads exactly one framed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	h := parseHeader(header[:])
	if !h.Valid() {
		return nil, ErrBadMagic
	}
	if h.DataLength > MaxDataLength {
		return nil, ErrPayloadTooLarge
	}

	msg := &Message{Command: h.Command, Arg0: h.Arg0, Arg1: h.Arg1}
	if h.DataLength > 0 {
		msg.Payload = make([]byte, h.DataLength)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, err
		}
	}
	if msg.Header() != h {
		return nil, ErrChecksum
	}
	return msg, nil
}
