package dap

import (
	"time"

	"github.com/probe-debug/coredebugger/internal/core"
	"github.com/probe-debug/coredebugger/internal/unwind"
)

// CoreController is the narrow surface the session needs from a CPU core
// driver (spec §4.D), kept as an interface so the session can be driven
// by a fake in tests without a real probe attached.
type CoreController interface {
	Status() (core.CoreStatus, error)
	Halt(timeout time.Duration) (uint64, error)
	Run() error
	ResetAndHalt(timeout time.Duration) error
	Step() error
	ReadCoreReg(id core.RegisterID) (uint64, error)
	WriteCoreReg(id core.RegisterID, v uint64) error
	SetHWBreakpoint(slot int, addr uint64) error
	ClearHWBreakpoint(slot int) error
	ReadWord32(addr uint32) (uint32, error)
	WriteWord32(addr uint32, value uint32) error
}

// Flasher is the optional flashing collaborator (spec §6
// flashing_config). Not specified beyond its effect on launch/restart, so
// its contract here is minimal: write a binary and report whether it is
// already up to date relative to mtime.
type Flasher interface {
	Flash(binaryPath string, cfg FlashingConfig) error
	NeedsReflash(binaryPath string, lastFlashed time.Time) (bool, time.Time, error)
}

// RTTSource surfaces polled RTT channel bytes to the DAP session, which
// forwards them as output events (spec §6 core_configs[].rtt,
// SPEC_FULL.md supplemented feature). Polling cadence is driven by the
// session's cooperative loop, not by this interface.
type RTTSource interface {
	PollChannel(channel int) ([]byte, error)
}

// Unwinder is the subset of unwind.Unwinder the session calls into to
// answer a stackTrace request.
type Unwinder interface {
	Unwind(regs unwind.Registers) ([]unwind.StackFrame, error)
}
