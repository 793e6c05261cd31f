// Package coalesce batches small reads into fewer, larger WRTE payloads.
//
// Every WRTE costs a 24-byte header plus a full OKAY round trip before the
// stream may send again, so a service that forwards each PTY read as its
// own WRTE crawls on chatty output. The Coalescer accumulates bytes and
// flushes when:
//
//   - the 2ms deadline expires (measured from the first byte in a batch,
//     not reset by later adds)
//   - the threshold is reached (normally the negotiated max payload)
//   - the caller flushes explicitly at EOF
package coalesce

import "time"

const (
	// Delay is the coalescing deadline from first byte in batch.
	Delay = 2 * time.Millisecond

	// DefaultThreshold is used when New is given a non-positive threshold.
	DefaultThreshold = 4096
)

// Coalescer accumulates bytes and flushes on deadline or threshold.
// All methods are used from a single goroutine (the pump's select loop).
type Coalescer struct {
	threshold int
	buf       []byte
	timer     *time.Timer
	armed     bool // true when timer is running
}

// New creates a Coalescer that asks for a flush once threshold bytes are
// pending.
func New(threshold int) *Coalescer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	return &Coalescer{
		threshold: threshold,
		buf:       make([]byte, 0, threshold),
		timer:     t,
	}
}

// Threshold returns the flush threshold in bytes.
func (c *Coalescer) Threshold() int { return c.threshold }

// Add appends data to the buffer. Returns true if the threshold was hit
// and the caller should flush immediately.
//
// The deadline timer is armed on the first byte of a batch only.
func (c *Coalescer) Add(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	if len(c.buf) == 0 && !c.armed {
		c.timer.Reset(Delay)
		c.armed = true
	}

	c.buf = append(c.buf, data...)
	return len(c.buf) >= c.threshold
}

// Flush returns the accumulated data and resets the buffer. Returns nil
// if the buffer is empty. The caller owns the returned slice.
func (c *Coalescer) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}

	if c.armed {
		if !c.timer.Stop() {
			// Already fired; drain so the select loop doesn't see it.
			select {
			case <-c.timer.C:
			default:
			}
		}
		c.armed = false
	}

	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	return out
}

// Timer returns the channel that fires when the coalescing deadline expires:
//
//	case <-coal.Timer():
//	    data := coal.Flush()
//
// It is nil when no deadline is active, which disables the select case.
func (c *Coalescer) Timer() <-chan time.Time {
	if !c.armed {
		return nil
	}
	return c.timer.C
}

// Stop releases the timer.
func (c *Coalescer) Stop() {
	c.timer.Stop()
	c.armed = false
}

// Pending returns the number of buffered bytes.
func (c *Coalescer) Pending() int {
	return len(c.buf)
}
