package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/chronologos/goadb/internal/coalesce"
)

const readBufSize = 32 * 1024 // 32 KB, matches PTY read size

// pump copies r to w, batching reads through a Coalescer so bursts of
// small reads go out as few, full WRTEs. It returns nil when r ends
// normally (EOF, or EIO from a PTY master whose child has exited).
func pump(ctx context.Context, w io.Writer, r io.Reader, threshold int) error {
	chunks := make(chan []byte, 16)
	stop := make(chan struct{})
	defer close(stop)

	var readErr error
	go func() {
		defer close(chunks)
		buf := make([]byte, readBufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case chunks <- bytes.Clone(buf[:n]):
				case <-stop:
					return
				}
			}
			if err != nil {
				readErr = err
				return
			}
		}
	}()

	coal := coalesce.New(threshold)
	defer coal.Stop()

	flush := func() error {
		if out := coal.Flush(); out != nil {
			if _, err := w.Write(out); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case data, ok := <-chunks:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				return normalEnd(readErr)
			}
			if coal.Add(data) {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-coal.Timer():
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func normalEnd(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
