package service

import (
	"context"
	"io"
	"time"

	"github.com/chronologos/goadb/internal/session"
)

// drainTimeout bounds how long Shell keeps forwarding output after the
// process exits. Background children can hold the PTY open indefinitely.
const drainTimeout = time.Second

// Shell runs the request in a PTY: a login shell for "shell:", or
// "$SHELL -c arg" for "shell:arg". Stream input goes to the PTY and PTY
// output comes back coalesced. Closing the stream kills the process.
func Shell(ctx context.Context, req Request, c *session.StreamConn) error {
	ptmx, cmd, err := spawnPTY(req)
	if err != nil {
		return err
	}
	defer ptmx.Close()

	go io.Copy(ptmx, c)

	outDone := make(chan error, 1)
	go func() { outDone <- pump(ctx, c, ptmx, req.MaxPayload) }()
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		select {
		case <-outDone:
		case <-time.After(drainTimeout):
		}
		return err
	case <-outDone:
		// PTY closed first, or the stream stopped taking output.
		select {
		case err := <-waitDone:
			return err
		case <-time.After(drainTimeout):
		}
	case <-c.Done():
	case <-ctx.Done():
	}
	cmd.Process.Kill()
	<-waitDone
	return ctx.Err()
}

// Echo writes everything it reads back to the stream.
func Echo(ctx context.Context, req Request, c *session.StreamConn) error {
	return pump(ctx, c, c, req.MaxPayload)
}
