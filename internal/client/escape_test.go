package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeProcessor(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		action EscapeAction
	}{
		{"normal passthrough", "hello world", "hello world", EscSend},
		{"newline then tilde dot disconnects", "\n~.", "\n", EscDisconnect},
		{"carriage return then tilde dot disconnects", "\r~.", "\r", EscDisconnect},
		{"tilde dot at stream start disconnects", "~.", "", EscDisconnect},
		{"double tilde emits single tilde", "\n~~", "\n~", EscSend},
		{"tilde mid-line is passed through", "a~.", "a~.", EscSend},
		{"tilde then non-special emits both", "\n~x", "\n~x", EscSend},
		{"tilde then newline emits both", "\n~\n", "\n~\n", EscSend},
		{"consecutive newlines", "\n\n\n", "\n\n\n", EscSend},
		{"escape after output", "ls -l\r\n~.", "ls -l\r\n", EscDisconnect},
		{"tilde at end of input is held", "\n~", "\n", EscSend},
		{"tilde question asks for help", "\n~?rest", "\nrest", EscHelp},
		{"help keeps the rest of the chunk", "ls\n~?pwd\n", "ls\npwd\n", EscHelp},
		{"disconnect after help in one chunk", "~?~.", "", EscDisconnect},
		{"empty input", "", "", EscSend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEscapeProcessor(DefaultEscapeChar)
			dst := make([]byte, len(tt.input)+1)
			n, action := e.Process([]byte(tt.input), dst)
			require.Equal(t, tt.want, string(dst[:n]))
			require.Equal(t, tt.action, action)
		})
	}
}

func TestEscapeProcessorMultiStep(t *testing.T) {
	e := NewEscapeProcessor(DefaultEscapeChar)
	dst := make([]byte, 64)

	n, action := e.Process([]byte("echo hi\n"), dst)
	require.Equal(t, "echo hi\n", string(dst[:n]))
	require.Equal(t, EscSend, action)

	// Held back until the next byte arrives.
	n, action = e.Process([]byte("~"), dst)
	require.Zero(t, n)
	require.Equal(t, EscSend, action)

	_, action = e.Process([]byte("."), dst)
	require.Equal(t, EscDisconnect, action)
}

func TestEscapeProcessorHeldCharFlushed(t *testing.T) {
	e := NewEscapeProcessor(DefaultEscapeChar)
	dst := make([]byte, 2)

	n, _ := e.Process([]byte("~"), dst)
	require.Zero(t, n)
	n, action := e.Process([]byte("x"), dst)
	require.Equal(t, "~x", string(dst[:n]))
	require.Equal(t, EscSend, action)
}

func TestEscapeProcessorHelpKeepsLineStart(t *testing.T) {
	e := NewEscapeProcessor(DefaultEscapeChar)
	dst := make([]byte, 64)

	_, action := e.Process([]byte("~?"), dst)
	require.Equal(t, EscHelp, action)
	_, action = e.Process([]byte("~."), dst)
	require.Equal(t, EscDisconnect, action)
}

func TestEscapeProcessorReset(t *testing.T) {
	e := NewEscapeProcessor(DefaultEscapeChar)
	dst := make([]byte, 64)

	e.Process([]byte("hello"), dst)
	e.Reset()

	_, action := e.Process([]byte("~."), dst)
	require.Equal(t, EscDisconnect, action)
}

func TestEscapeProcessorDoubleTildeFollowedByDot(t *testing.T) {
	e := NewEscapeProcessor(DefaultEscapeChar)
	dst := make([]byte, 64)

	// First ~ is held, second emits one ~ and leaves mid-line, so . passes.
	n, action := e.Process([]byte("~~."), dst)
	require.Equal(t, EscSend, action)
	require.Equal(t, "~.", string(dst[:n]))
}

func TestEscapeProcessorCustomChar(t *testing.T) {
	e := NewEscapeProcessor('#')
	dst := make([]byte, 64)

	n, action := e.Process([]byte("~.\n"), dst)
	require.Equal(t, "~.\n", string(dst[:n]))
	require.Equal(t, EscSend, action)

	_, action = e.Process([]byte("#."), dst)
	require.Equal(t, EscDisconnect, action)
}

func TestEscapeProcessorDisabled(t *testing.T) {
	e := NewEscapeProcessor(0)
	dst := make([]byte, 64)

	n, action := e.Process([]byte("~.~?"), dst)
	require.Equal(t, "~.~?", string(dst[:n]))
	require.Equal(t, EscSend, action)
}
