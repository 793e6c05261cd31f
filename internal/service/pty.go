package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creack/pty"
)

const defaultTerm = "xterm-256color"

// spawnPTY starts a process in a new PTY sized from the request options
// (rows=, cols=), 24x80 by default. An empty command starts an interactive
// login shell; otherwise the command runs under "shell -c". Shell is $SHELL
// or /bin/sh.
func spawnPTY(req Request) (*os.File, *exec.Cmd, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if req.Arg == "" {
		cmd = exec.Command(shell)
		// Login shell: prepend "-" to argv[0] so the shell reads profile files.
		cmd.Args[0] = "-" + filepath.Base(shell)
	} else {
		cmd = exec.Command(shell, "-c", req.Arg)
	}

	// Filter out any inherited TERM= and inject the requested value.
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	cmd.Env = append(env, "TERM="+sanitizeTerm(req.Options["TERM"]))

	ptmx, err := pty.StartWithSize(cmd, windowSize(req.Options))
	if err != nil {
		return nil, nil, fmt.Errorf("start PTY: %w", err)
	}
	return ptmx, cmd, nil
}

// windowSize reads rows= and cols= options, falling back to 24x80 for
// missing or unusable values.
func windowSize(opts map[string]string) *pty.Winsize {
	ws := &pty.Winsize{Rows: 24, Cols: 80}
	if v, err := strconv.ParseUint(opts["rows"], 10, 16); err == nil && v > 0 {
		ws.Rows = uint16(v)
	}
	if v, err := strconv.ParseUint(opts["cols"], 10, 16); err == nil && v > 0 {
		ws.Cols = uint16(v)
	}
	return ws
}

// sanitizeTerm validates a TERM value from the peer. Returns the value if
// it looks reasonable, or xterm-256color as a safe fallback.
func sanitizeTerm(term string) string {
	if term == "" || len(term) > 128 {
		return defaultTerm
	}
	for _, c := range term {
		if c < 0x20 || c == '=' || c > 0x7e {
			return defaultTerm
		}
	}
	return term
}
