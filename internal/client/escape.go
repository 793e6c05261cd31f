package client

// DefaultEscapeChar starts an escape sequence at the beginning of a line.
const DefaultEscapeChar = '~'

// EscapeState tracks position within an escape sequence.
type EscapeState int

const (
	escNone         EscapeState = iota // mid-line
	escAfterNewline                    // saw \r or \n (or stream start)
	escAfterEscape                     // saw the escape char at start of line, held back
)

// EscapeAction is the result of processing input through the escape machine.
type EscapeAction int

const (
	EscSend       EscapeAction = iota // emit output bytes
	EscDisconnect                     // <esc>. detected
	EscHelp                           // <esc>? detected
)

// escapeHelp is printed for <esc>?.
const escapeHelp = "\r\nSupported escape sequences:\r\n" +
	"  %[1]c.  close the shell stream and exit\r\n" +
	"  %[1]c?  this message\r\n" +
	"  %[1]c%[1]c  send the escape character\r\n"

// EscapeProcessor detects escape sequences in terminal input. The escape
// character is held back when it appears at the start of a line until the
// next byte shows whether it begins a sequence.
type EscapeProcessor struct {
	char  byte // 0 disables escapes
	state EscapeState
}

// NewEscapeProcessor creates an EscapeProcessor for char in the
// AfterNewline state, so sequences work immediately at stream start. A zero
// char disables escape processing.
func NewEscapeProcessor(char byte) *EscapeProcessor {
	return &EscapeProcessor{char: char, state: escAfterNewline}
}

// Process runs input through the state machine, writing filtered output to
// dst, which must hold len(input)+1 bytes. On EscDisconnect the bytes
// already written are valid and the rest of input is dropped. EscHelp
// reports that <esc>? occurred somewhere in input; the bytes around it are
// all in dst.
func (e *EscapeProcessor) Process(input, dst []byte) (int, EscapeAction) {
	if e.char == 0 {
		return copy(dst, input), EscSend
	}
	n := 0
	action := EscSend
	emit := func(b byte) {
		dst[n] = b
		n++
	}
	for _, b := range input {
		switch e.state {
		case escNone:
			if b == '\r' || b == '\n' {
				e.state = escAfterNewline
			}
			emit(b)

		case escAfterNewline:
			switch {
			case b == e.char:
				e.state = escAfterEscape
			case b == '\r' || b == '\n':
				emit(b)
			default:
				e.state = escNone
				emit(b)
			}

		case escAfterEscape:
			switch {
			case b == '.':
				return n, EscDisconnect
			case b == '?':
				e.state = escAfterNewline
				action = EscHelp
			case b == e.char:
				// doubled: emit one
				e.state = escNone
				emit(e.char)
			case b == '\r' || b == '\n':
				e.state = escAfterNewline
				emit(e.char)
				emit(b)
			default:
				e.state = escNone
				emit(e.char)
				emit(b)
			}
		}
	}
	return n, action
}

// Reset returns the processor to its initial state (AfterNewline).
func (e *EscapeProcessor) Reset() {
	e.state = escAfterNewline
}
