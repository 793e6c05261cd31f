package session

import "sync"

// outbox is an unbounded FIFO of encoded frames with one consumer, the
// session's writer goroutine. Pushing never blocks, so state decisions can
// queue frames while holding the session mutex. Flow control keeps the
// queue short: at most one WRTE per stream plus one OKAY per inbound WRTE.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	wake   chan struct{} // capacity 1
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

// push appends a frame. Returns false once the outbox is closed.
func (o *outbox) push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.frames = append(o.frames, frame)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a frame is available or the outbox is closed. Frames
// still queued at close are dropped.
func (o *outbox) pop() ([]byte, bool) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, false
		}
		if len(o.frames) > 0 {
			frame := o.frames[0]
			o.frames[0] = nil
			o.frames = o.frames[1:]
			o.mu.Unlock()
			return frame, true
		}
		o.mu.Unlock()
		<-o.wake
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.frames = nil
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}
