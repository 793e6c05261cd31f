package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/chronologos/goadb/internal/protocol"
	"github.com/chronologos/goadb/internal/version"
)

func VersionCmd() cli.Command {
	return cli.Command{
		Name:  "version",
		Usage: "print version and protocol information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "goadb %s (%s)\n", version.VERSION, version.Commit)
			fmt.Fprintf(c.App.Writer, "protocol version 0x%08x, max payload %d\n", protocol.Version, protocol.MaxPayload)
			return nil
		},
	}
}
