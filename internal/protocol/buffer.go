package protocol

import (
	"bytes"
	"errors"
	"iter"
)

// Buffer accumulates inbound bytes and yields whole messages once enough
// bytes have arrived. Transports deliver arbitrary chunks, so a message
// may span several writes and one write may hold several messages.
//
// Buffer is not safe for concurrent use; a connection owns exactly one
// and feeds it from its read loop.
type Buffer struct {
	buf []byte
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Len returns the number of buffered, not yet decoded bytes.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Next decodes one message and compacts the consumed bytes out of the
// buffer. It returns ErrIncomplete when more bytes are needed.
func (b *Buffer) Next() (Message, error) {
	msg, rest, err := Decode(b.buf)
	if err != nil {
		return Message{}, err
	}
	// Payload aliases b.buf, which is about to be overwritten.
	msg.Payload = bytes.Clone(msg.Payload)
	b.buf = b.buf[:copy(b.buf, rest)]
	return msg, nil
}

// Messages returns a sequence over every message currently decodable.
// Iteration stops quietly when the buffer runs short, and stops after
// yielding a framing error. Calling Messages again after more Writes
// resumes where the last sequence left off.
func (b *Buffer) Messages() iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			msg, err := b.Next()
			if errors.Is(err, ErrIncomplete) {
				return
			}
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}
