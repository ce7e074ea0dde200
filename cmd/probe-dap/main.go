// Command probe-dap runs the Debug Adapter Protocol session server,
// either over stdio (the default, for editor-spawned adapters) or a
// single TCP connection (spec §6 "the session transport is either stdio
// or a single TCP connection on a configured port").
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"gopkg.in/urfave/cli.v2"

	"github.com/probe-debug/coredebugger/internal/dap"
)

func main() {
	app := &cli.App{
		Name:  "probe-dap",
		Usage: "Debug Adapter Protocol server for an on-host embedded debugger",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "listen on this TCP port instead of stdio",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	port := c.Int("port")
	if port == 0 {
		return serveOne(os.Stdin, os.Stdout)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	defer ln.Close()

	// One session at a time per spec §4.H/§5's single-threaded model —
	// a future multi-probe deployment would accept concurrently and give
	// each connection its own Session, but nothing here requires it yet.
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	return serveOne(conn, conn)
}

// serveOne constructs a Session with no core controllers wired (real
// attachment is probe/chip-specific and happens inside the session's
// launch/attach handlers once SPEC_FULL.md's flashing/probe-discovery
// collaborators are supplied by a concrete deployment) and runs it to
// completion.
func serveOne(in io.Reader, out io.Writer) error {
	session := dap.NewSession(out, nil, nil, nil, nil)
	return session.Run(context.Background(), in)
}
