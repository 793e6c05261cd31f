package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"github.com/chronologos/goadb/internal/client"
	"github.com/chronologos/goadb/internal/transport"
)

func ShellCmd() cli.Command {
	return cli.Command{
		Name:      "shell",
		Usage:     "run a command on the device, or an interactive shell without one",
		ArgsUsage: "[command...]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "addr, a",
				Value:  fmt.Sprintf("127.0.0.1:%d", transport.DefaultPort),
				Usage:  "device address, host[:port]",
				EnvVar: "GOADB_ADDR",
			},
			transportFlag("tcp or quic"),
			cli.StringFlag{
				Name:  "escape-char, e",
				Value: string(client.DefaultEscapeChar),
				Usage: `escape character for interactive shells, "none" to disable`,
			},
			cli.BoolFlag{
				Name:  "profile",
				Usage: "emit RTT/traffic stats to stderr on exit (QUIC)",
			},
		},
		Action: runShell,
	}
}

func runShell(c *cli.Context) error {
	mode, err := parseTransport(c)
	if err != nil {
		return err
	}
	if mode == transport.ModeDual {
		return fmt.Errorf("shell: transport must be tcp or quic")
	}
	esc, err := parseEscapeChar(c.String("escape-char"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cl := client.New(client.Config{
		Addr:       transport.WithDefaultPort(c.String("addr")),
		Mode:       mode,
		Command:    strings.Join(c.Args(), " "),
		EscapeChar: esc,
		Profile:    c.Bool("profile"),
		Logger:     slog.Default(),
	})
	if err := cl.Run(ctx); err != nil {
		return fmt.Errorf("shell exited: %w", err)
	}
	return nil
}

// parseEscapeChar accepts a single byte or "none".
func parseEscapeChar(s string) (byte, error) {
	switch {
	case s == "none":
		return 0, nil
	case len(s) == 1:
		return s[0], nil
	default:
		return 0, fmt.Errorf("escape char must be a single character or \"none\", got %q", s)
	}
}
