// Package unwind implements spec §4.F: walking the target's call stack
// from its program counter using .debug_frame unwind tables, producing an
// ordered sequence of StackFrame, innermost first.
package unwind

import (
	"errors"

	"github.com/probe-debug/coredebugger/internal/dwarfinfo"
)

// ARM DWARF register numbers used by the CFA/register-rule evaluator
// (AAPCS mapping: r0-r15 map 1:1 to DWARF register numbers 0-15). delve's
// pkg/dwarf/regnum only defines mappings for amd64/arm64/386/ppc64, not
// the 32-bit ARM architecture this driver targets, so the mapping is
// defined locally rather than pulled from that package (see DESIGN.md).
const (
	RegSP = 13
	RegLR = 14
	RegPC = 15
)

// TargetMemory is the narrow memory-read collaborator the unwinder needs
// to apply Offset(n) register rules (spec §4.F step 5).
type TargetMemory interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// Registers is a register snapshot keyed by DWARF register number.
type Registers map[int]uint64

func (r Registers) clone() Registers {
	out := make(Registers, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StackFrame is one unwound frame (spec §3).
type StackFrame struct {
	ID               int
	PC               uint64
	FunctionName     string
	SourceLocation   *dwarfinfo.SourceLocation
	IsInlined        bool
	Registers        Registers
	LocalsCacheKey   int
	StaticsCacheKey  int
}

// ErrUnwindLimit is not an error per spec §7/§8 — the unwind has reached
// its iteration cap and returns what it has.
var ErrUnwindLimit = errors.New("unwind: iteration limit reached")

// maxFrames bounds the unwind loop independent of the F+1 guarantee in
// spec §8, as a backstop against a malformed unwind table looping forever
// without ever failing termination condition checks.
const maxFrames = 4096

// frameSource is the narrow contract the unwinder needs from a parsed
// .debug_frame table, kept as an interface so tests can supply rows
// directly without hand-assembling CFI bytecode.
type frameSource interface {
	RowForPC(pc uint64) (Row, bool)
}

// Unwinder walks the call stack using DWARF debug_frame data and the
// provided DWARF debug-info provider for function/source resolution.
type Unwinder struct {
	info   *dwarfinfo.Provider
	frames frameSource
	mem    TargetMemory
	addressSize int
}

// New builds an Unwinder over the given debug-info provider and parsed
// .debug_frame table.
func New(info *dwarfinfo.Provider, frames *FrameTable, mem TargetMemory, addressSize int) *Unwinder {
	return &Unwinder{info: info, frames: frames, mem: mem, addressSize: addressSize}
}

// Unwind walks the stack starting from regs (spec §4.F algorithm, steps
// 1-6). It returns as many frames as it could resolve and, if the
// .debug_frame table ran out before the true top of stack, a nil error —
// spec §8 treats exhausting the unwind as a normal termination, not a
// failure.
func (u *Unwinder) Unwind(regs Registers) ([]StackFrame, error) {
	var out []StackFrame
	seen := make(map[uint64]bool)
	cur := regs.clone()
	nextID := 0

	for i := 0; i < maxFrames; i++ {
		pc := cur[RegPC]
		if seen[pc] {
			break // never revisit a PC (spec §8 unwind termination property)
		}
		seen[pc] = true

		frames := u.info.FunctionsContaining(pc)
		if len(frames) == 0 {
			frames = []dwarfinfo.Frame{{}}
		}
		for _, f := range frames {
			// An inlined frame's displayed location is the call site
			// recorded on its own inlined-subroutine DIE, not the real PC's
			// line (spec §4.F step 2, §8 Scenario 4); the outermost frame
			// uses the real PC-derived location.
			loc := f.CallSite
			if loc == nil {
				loc, _ = u.info.SourceLocation(pc)
			}
			out = append(out, StackFrame{
				ID:             nextID,
				PC:             pc,
				FunctionName:   f.Name,
				SourceLocation: loc,
				IsInlined:      f.IsInlined,
				Registers:      cur,
			})
			nextID++
		}

		row, ok := u.frames.RowForPC(pc)
		if !ok {
			break // "no entry for the new PC" termination condition
		}

		next, err := u.applyRow(cur, row)
		if err != nil {
			return out, nil // CFA base register missing or memory read failed: stop, return what we have
		}

		lr := next[RegLR]
		if lr == 0 || lr == ^uint64(0) {
			break
		}
		if _, ok := next[RegPC]; !ok {
			break
		}

		// Armv7 quirk (spec §4.F): the call-site PC lookup for the *new*
		// frame depends on that frame's own CFA, so re-evaluate its
		// return_address rule once its CFA is known.
		if row2, ok := u.frames.RowForPC(next[RegPC]); ok {
			if refined, err := u.refineReturnAddress(next, row2); err == nil {
				next[RegPC] = refined
			}
		}

		cur = next
	}
	return out, nil
}

// applyRow evaluates one unwind row's CFA rule and per-register rules
// against the current (callee) frame to produce the caller's registers
// (spec §4.F steps 4-5). Two snapshots — callee (cur) and
// being-built-caller (next) — are kept distinct until the row is fully
// evaluated (spec §9 "Unwinder register model").
func (u *Unwinder) applyRow(cur Registers, row Row) (Registers, error) {
	cfa, err := u.evalCFA(cur, row.CFA)
	if err != nil {
		return nil, err
	}

	next := make(Registers)
	for reg, rule := range row.Registers {
		v, err := u.applyRegisterRule(cur, cfa, reg, rule)
		if err != nil {
			return nil, err
		}
		next[reg] = v
	}
	if _, ok := next[RegSP]; !ok {
		next[RegSP] = cfa &^ 0x3
	}
	const regFP = 11 // r11; with no rule it falls back to the CFA, as in applyRegisterRule
	if _, ok := next[regFP]; !ok {
		next[regFP] = cfa
	}
	if _, ok := next[RegPC]; !ok {
		if lr, ok := next[RegLR]; ok {
			next[RegPC] = (lr &^ 1) - uint64(u.addressSize)
		}
	}
	return next, nil
}

func (u *Unwinder) applyRegisterRule(cur Registers, cfa uint64, reg int, rule RegisterRule) (uint64, error) {
	switch rule.Kind {
	case RuleUndefined:
		switch reg {
		case RegSP:
			return cfa &^ 0x3, nil
		case RegLR:
			return cur[RegLR], nil
		case RegPC:
			return (cur[RegLR] &^ 1) - uint64(u.addressSize), nil
		default:
			return cfa, nil // conservative FP/other fallback: CFA itself
		}
	case RuleSameValue:
		return cur[reg], nil
	case RuleOffset:
		addr := uint64(int64(cfa) + rule.Offset)
		data, err := u.mem.ReadMemory(addr, u.addressSize)
		if err != nil {
			return 0, err
		}
		return bytesToUint64LE(data), nil
	default:
		return 0, errUnsupportedRule
	}
}

var errUnsupportedRule = errors.New("unwind: unsupported register rule")

func bytesToUint64LE(b []byte) uint64 {
	var v uint64
	for i, by := range b {
		v |= uint64(by) << (8 * i)
	}
	return v
}

// refineReturnAddress re-evaluates row's return_address rule (conventionally
// the LR/PC rule) now that the caller frame's own CFA is known, per the
// Armv7 quirk in spec §4.F.
func (u *Unwinder) refineReturnAddress(frame Registers, row Row) (uint64, error) {
	cfa, err := u.evalCFA(frame, row.CFA)
	if err != nil {
		return 0, err
	}
	rule, ok := row.Registers[RegPC]
	if !ok {
		return frame[RegPC], nil
	}
	return u.applyRegisterRule(frame, cfa, RegPC, rule)
}
