package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, b *Buffer) []Message {
	t.Helper()
	var out []Message
	for msg, err := range b.Messages() {
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestBufferSplitDelivery(t *testing.T) {
	want := Message{Command: CmdOKAY, Arg0: 0, Arg1: 1, Payload: []byte("hello adb\x00")}
	frame := Encode(&want)

	for split := 1; split < len(frame); split++ {
		var b Buffer
		b.Write(frame[:split])
		require.Empty(t, collect(t, &b), "split at %d", split)
		require.Equal(t, split, b.Len())

		b.Write(frame[split:])
		got := collect(t, &b)
		require.Equal(t, []Message{want}, got, "split at %d", split)
		require.Zero(t, b.Len())
	}
}

func TestBufferByteAtATime(t *testing.T) {
	msgs := []Message{
		{Command: CmdCNXN, Arg0: Version, Arg1: MaxPayload, Payload: []byte("device::\x00")},
		{Command: CmdOPEN, Arg0: 5, Payload: []byte("shell:\x00")},
		{Command: CmdOKAY, Arg0: 5, Arg1: 1},
	}
	var stream []byte
	for i := range msgs {
		stream = append(stream, Encode(&msgs[i])...)
	}

	var b Buffer
	var got []Message
	for i := range stream {
		b.Write(stream[i : i+1])
		got = append(got, collect(t, &b)...)
	}
	require.Equal(t, msgs, got)
}

func TestBufferManyPerWrite(t *testing.T) {
	var stream []byte
	var want []Message
	for i := range 10 {
		m := Message{Command: CmdWRTE, Arg0: uint32(i + 1), Arg1: 2, Payload: bytes.Repeat([]byte{byte(i)}, i*100)}
		if i == 0 {
			m.Payload = nil
		}
		want = append(want, m)
		stream = append(stream, Encode(&m)...)
	}
	// Trailing partial header stays buffered.
	tail := Encode(&Message{Command: CmdCLSE, Arg0: 1, Arg1: 2})
	stream = append(stream, tail[:10]...)

	var b Buffer
	b.Write(stream)
	require.Equal(t, want, collect(t, &b))
	require.Equal(t, 10, b.Len())

	b.Write(tail[10:])
	require.Equal(t, []Message{{Command: CmdCLSE, Arg0: 1, Arg1: 2}}, collect(t, &b))
}

func TestBufferPayloadNotAliased(t *testing.T) {
	var b Buffer
	b.Write(Encode(&Message{Command: CmdWRTE, Payload: []byte("first")}))
	first, err := b.Next()
	require.NoError(t, err)

	b.Write(Encode(&Message{Command: CmdWRTE, Payload: []byte("other")}))
	_, err = b.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("first"), first.Payload)
}

func TestBufferFramingError(t *testing.T) {
	frame := Encode(&Message{Command: CmdWRTE, Payload: []byte("abc")})
	frame[HeaderSize] = 'z'

	var b Buffer
	b.Write(frame)
	var errs []error
	for _, err := range b.Messages() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrChecksum)
}

func TestBufferEarlyBreak(t *testing.T) {
	var b Buffer
	b.Write(Encode(&Message{Command: CmdOKAY, Arg0: 1, Arg1: 1}))
	b.Write(Encode(&Message{Command: CmdOKAY, Arg0: 2, Arg1: 2}))

	for msg := range b.Messages() {
		require.Equal(t, uint32(1), msg.Arg0)
		break
	}
	msgs := collect(t, &b)
	require.Len(t, msgs, 1)
	require.Equal(t, uint32(2), msgs[0].Arg0)
}
