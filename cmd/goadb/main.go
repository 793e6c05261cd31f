package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/chronologos/goadb/internal/transport"
	"github.com/chronologos/goadb/internal/version"
)

func main() {
	a := newApp()
	if err := a.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "goadb: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "goadb"
	a.Usage = "ADB wire protocol host and device over TCP or QUIC"
	a.Version = fmt.Sprintf("%s (%s)", version.VERSION, version.Commit)
	a.Before = func(c *cli.Context) error {
		logger, err := newLogger(c.GlobalString("log-level"), c.GlobalString("log-format"), os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	}
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "debug, info, warn or error",
			EnvVar: "GOADB_LOG_LEVEL",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "text or json",
		},
	}
	a.Commands = []cli.Command{
		DeviceCmd(),
		ShellCmd(),
		VersionCmd(),
	}
	return a
}

// newLogger builds the process logger writing to w.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
}

// transportFlag is shared by the device and shell commands.
func transportFlag(usage string) cli.Flag {
	return cli.StringFlag{
		Name:   "transport, t",
		Value:  "tcp",
		Usage:  usage,
		EnvVar: "GOADB_TRANSPORT",
	}
}

func parseTransport(c *cli.Context) (transport.Mode, error) {
	return transport.ParseMode(c.String("transport"))
}
