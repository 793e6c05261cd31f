package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/chronologos/goadb/internal/device"
	"github.com/chronologos/goadb/internal/session"
	"github.com/chronologos/goadb/internal/transport"
)

func DeviceCmd() cli.Command {
	return cli.Command{
		Name:  "device",
		Usage: "serve shell and echo streams to connecting hosts",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "listen, l",
				Value:  fmt.Sprintf(":%d", transport.DefaultPort),
				EnvVar: "GOADB_LISTEN",
			},
			transportFlag("tcp, quic or dual (both on one port)"),
			cli.StringFlag{
				Name:   "serial",
				Usage:  "serial number sent in CNXN (default: random UUID)",
				EnvVar: "GOADB_SERIAL",
			},
			cli.StringFlag{
				Name:   "banner",
				Usage:  "banner sent in CNXN (default: ro.product properties of this host)",
				EnvVar: "GOADB_BANNER",
			},
			cli.UintFlag{
				Name:  "max-payload",
				Usage: "advertised max payload in bytes (default 4096)",
			},
		},
		Action: runDevice,
	}
}

func runDevice(c *cli.Context) error {
	mode, err := parseTransport(c)
	if err != nil {
		return err
	}
	serial := c.String("serial")
	if serial == "" {
		serial = uuid.NewString()
	}
	banner := c.String("banner")
	if banner == "" {
		banner = defaultBanner()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := device.New(device.Config{
		Addr:       c.String("listen"),
		Mode:       mode,
		Identity:   session.Identity{SystemType: session.SystemDevice, Serial: serial, Banner: banner},
		MaxPayload: uint32(c.Uint("max-payload")),
		Logger:     slog.Default(),
	})

	// Print port once the listener is ready (for parent processes / scripts)
	go func() {
		<-srv.Ready
		fmt.Fprintln(c.App.Writer, srv.Port)
	}()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("device exited: %w", err)
	}
	return nil
}

// defaultBanner describes this host the way devices do in CNXN.
func defaultBanner() string {
	name, err := os.Hostname()
	if err != nil {
		name = "goadb"
	}
	return fmt.Sprintf("ro.product.name=goadb;ro.product.model=%s;ro.product.device=%s;features=shell", name, name)
}
