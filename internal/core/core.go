package core

import (
	"fmt"
	"time"
)

// Core is the Armv7-A/R core driver: a per-core state machine that
// halts/runs/steps the target by pushing instructions through the debug
// port's ITR and scratch data registers (spec §4.D).
type Core struct {
	mem       DebugMemory
	debugBase uint32

	status Status
	reason HaltReason
	cache  *registerCache

	fpRegCount int // 0, 16, or 32 (spec §3 CoreState.fp_register_count)
	itrEnabled bool

	slots         []BreakpointSlot
	breakpointN   int // number of slots read from DBGDIDR
	stepSlotSaved *BreakpointSlot
}

// New constructs a core driver over mem, which must address the debug
// component's registers at offsets relative to debugBase.
func New(mem DebugMemory, debugBase uint32) *Core {
	return &Core{
		mem:       mem,
		debugBase: debugBase,
		status:    StatusUnknown,
		cache:     newRegisterCache(),
	}
}

func (c *Core) reg(off uint32) (uint32, error)            { return c.mem.ReadWord32(c.debugBase + off) }
func (c *Core) writeReg(off uint32, v uint32) error { return c.mem.WriteWord32(c.debugBase+off, v) }

// readDSCR reads DBGDSCR and updates the cached Status/Reason (spec §4.D
// "Transitions are driven solely by reading DBGDSCR").
func (c *Core) readDSCR() (uint32, error) {
	dscr, err := c.reg(offDBGDSCR)
	if err != nil {
		return 0, err
	}
	switch {
	case dscr&dscrHalted != 0:
		if c.status != StatusHalted {
			c.reason = haltReasonFromMOE(dscr)
		}
		c.status = StatusHalted
	default:
		c.status = StatusRunning
		c.reason = ReasonUnknown
	}
	return dscr, nil
}

// Status returns the current CoreStatus, updating the cache. Has no side
// effects on CPU execution (spec §4.D contract table).
func (c *Core) Status() (CoreStatus, error) {
	if _, err := c.readDSCR(); err != nil {
		return CoreStatus{}, err
	}
	return CoreStatus{Status: c.status, Reason: c.reason}, nil
}

// initBreakpointUnits reads DBGDIDR once to learn the number of hardware
// breakpoint slots N (spec §3 "Breakpoint slot": "N is read once from the
// debug ID register").
func (c *Core) initBreakpointUnits() error {
	if c.breakpointN != 0 {
		return nil
	}
	didr, err := c.reg(offDBGDIDR)
	if err != nil {
		return err
	}
	n := int((didr>>24)&0xF) + 1
	c.breakpointN = n
	c.slots = make([]BreakpointSlot, n)
	for i := range c.slots {
		c.slots[i] = BreakpointSlot{Index: i}
	}
	return nil
}

// AvailableBreakpointUnits returns N, reading DBGDIDR on first call.
func (c *Core) AvailableBreakpointUnits() (int, error) {
	if err := c.initBreakpointUnits(); err != nil {
		return 0, err
	}
	return c.breakpointN, nil
}

// Halt requests a halt, polls for the halted state, and returns the
// halted PC (spec §4.D contract table).
func (c *Core) Halt(timeout time.Duration) (pc uint64, err error) {
	const haltReq = 1 << 0
	if _, err := c.reg(offDBGDSCR); err != nil {
		return 0, err
	}
	if err := c.writeReg(offDBGDRCR, haltReq); err != nil {
		return 0, err
	}
	if err := c.pollUntilHalted(timeout); err != nil {
		return 0, err
	}
	v, err := c.ReadCoreReg(PC)
	return v, err
}

func (c *Core) pollUntilHalted(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		dscr, err := c.readDSCR()
		if err != nil {
			return err
		}
		if dscr&dscrHalted != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
	}
}

func (c *Core) pollUntilRestarted(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		dscr, err := c.reg(offDBGDSCR)
		if err != nil {
			return err
		}
		if dscr&dscrRestarted != 0 {
			c.status = StatusRunning
			c.reason = ReasonUnknown
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
	}
}

// Run flushes the dirty register cache to the CPU, issues a Run Request,
// and waits for the RESTARTED ack (spec §4.D contract table).
func (c *Core) Run() error {
	if err := c.WritebackRegisters(); err != nil {
		return err
	}
	const restartReq = 1 << 1
	if err := c.writeReg(offDBGDRCR, restartReq); err != nil {
		return err
	}
	return c.pollUntilRestarted(DefaultTimeout)
}

// ResetAndHalt resets with reset-catch enabled so the core halts at
// vector fetch (spec §4.D contract table).
func (c *Core) ResetAndHalt(timeout time.Duration) error {
	const resetCatch = 1 << 8
	dscr, err := c.reg(offDBGDSCR)
	if err != nil {
		return err
	}
	if err := c.writeReg(offDBGDSCR, dscr|resetCatch); err != nil {
		return err
	}
	const haltReq = 1 << 0
	if err := c.writeReg(offDBGDRCR, haltReq); err != nil {
		return err
	}
	c.cache.clear()
	return c.pollUntilHalted(timeout)
}

// requireHalted fails fast with CoreNotHalted (spec §4.D "Failure
// semantics").
func (c *Core) requireHalted() error {
	if c.status != StatusHalted {
		return ErrCoreNotHalted
	}
	return nil
}

// enableITR sets DBGDSCR.ITREN=1, required before any instruction
// injection (spec §4.D "Instruction injection protocol").
func (c *Core) enableITR() error {
	if c.itrEnabled {
		return nil
	}
	dscr, err := c.reg(offDBGDSCR)
	if err != nil {
		return err
	}
	if err := c.writeReg(offDBGDSCR, dscr|dscrITREn); err != nil {
		return err
	}
	c.itrEnabled = true
	return nil
}

// inject writes instr to DBGITR and polls for completion, checking for
// aborts and undefined-instruction traps (spec §4.D protocol step 2).
func (c *Core) inject(instr uint32) error {
	if err := c.requireHalted(); err != nil {
		return err
	}
	if err := c.enableITR(); err != nil {
		return err
	}
	if err := c.writeReg(offDBGITR, instr); err != nil {
		return err
	}
	for {
		dscr, err := c.reg(offDBGDSCR)
		if err != nil {
			return err
		}
		if dscr&(dscrADAbort|dscrSDAbort) != 0 {
			_ = c.writeReg(offDBGDRCR, 1<<2) // CSE=1, clear sticky abort
			return &DataAbort{}
		}
		if dscr&dscrUND != 0 {
			_ = c.writeReg(offDBGDRCR, 1<<2)
			return ErrInvalidRegister
		}
		if dscr&dscrInstrComl != 0 {
			return nil
		}
	}
}

// injectAndReadDTRTX injects instr, waits for TXfull, and reads DBGDTRTX
// (spec §4.D protocol step 3).
func (c *Core) injectAndReadDTRTX(instr uint32) (uint32, error) {
	if err := c.inject(instr); err != nil {
		return 0, err
	}
	for {
		dscr, err := c.reg(offDBGDSCR)
		if err != nil {
			return 0, err
		}
		if dscr&dscrTXfull != 0 {
			break
		}
	}
	return c.reg(offDBGDTRTX)
}

// writeDTRRXAndInject writes v to DBGDTRRX, waits for RXfull, then injects
// instr (spec §4.D protocol step 4).
func (c *Core) writeDTRRXAndInject(v uint32, instr uint32) error {
	if err := c.writeReg(offDBGDTRRX, v); err != nil {
		return err
	}
	for {
		dscr, err := c.reg(offDBGDSCR)
		if err != nil {
			return err
		}
		if dscr&dscrRXfull != 0 {
			break
		}
	}
	return c.inject(instr)
}

// ReadCoreReg reads a register while halted, caching it (spec §4.D
// contract table; §4.D "Instruction injection protocol" primitives).
func (c *Core) ReadCoreReg(id RegisterID) (uint64, error) {
	if !id.Valid() {
		return 0, ErrInvalidRegister
	}
	if v, ok := c.cache.get(id); ok {
		return v, nil
	}
	if err := c.requireHalted(); err != nil {
		return 0, err
	}

	var v uint64
	switch {
	case id <= R12 || id == R13SP || id == R14LR:
		rn := coreRegNum(id)
		got, err := c.injectAndReadDTRTX(encodeMCR(rn))
		if err != nil {
			return 0, err
		}
		v = uint64(got)
	case id == PC:
		if err := c.inject(encodeMOVRegPC()); err != nil {
			return 0, err
		}
		got, err := c.injectAndReadDTRTX(encodeMCR(0))
		if err != nil {
			return 0, err
		}
		const pipelineOffsetA32 = 8
		v = uint64(got - pipelineOffsetA32)
	case id == CPSR:
		if err := c.inject(encodeMRSR0CPSR()); err != nil {
			return 0, err
		}
		got, err := c.injectAndReadDTRTX(encodeMCR(0))
		if err != nil {
			return 0, err
		}
		v = uint64(got)
	case id >= firstFPReg && id <= lastFPReg:
		fpexc, err := c.fpexc()
		if err != nil {
			return 0, err
		}
		const fpexcEN = 1 << 30
		if fpexc&fpexcEN == 0 {
			v = 0
			break
		}
		sn := uint32(id - firstFPReg)
		if err := c.inject(encodeVMOVToCore(sn)); err != nil {
			return 0, err
		}
		got, err := c.injectAndReadDTRTX(encodeMCR(0))
		if err != nil {
			return 0, err
		}
		v = uint64(got)
	default:
		return 0, ErrInvalidRegister
	}

	c.cache.store(id, v)
	return v, nil
}

func (c *Core) fpexc() (uint32, error) {
	if v, ok := c.cache.get(RegisterID(FPEXC)); ok {
		return uint32(v), nil
	}
	return 0, nil // conservatively treat unread FPEXC as disabled
}

// coreRegNum maps a GP RegisterID to its ARM register number.
func coreRegNum(id RegisterID) uint32 {
	switch id {
	case R13SP:
		return 13
	case R14LR:
		return 14
	default:
		return uint32(id)
	}
}

// WriteCoreReg marks the register dirty in the cache; the actual CPU
// write happens on the next Run via WritebackRegisters (spec §4.D
// contract table, "Register cache").
func (c *Core) WriteCoreReg(id RegisterID, v uint64) error {
	if !id.Valid() {
		return ErrInvalidRegister
	}
	if err := c.requireHalted(); err != nil {
		return err
	}
	c.cache.setDirty(id, v)
	return nil
}

// WritebackRegisters flushes all dirty cache entries to the CPU in the
// order FP → CPSR → PC → GP and clears the cache (spec §4.D "Register
// cache").
func (c *Core) WritebackRegisters() error {
	// FP, CPSR and PC writeback pass their value through r0; mark r0 dirty
	// with its current value so the GP pass, which runs last, restores it.
	for _, id := range c.cache.dirtyInWritebackOrder() {
		if id == CPSR || id == PC || id >= firstFPReg {
			r0, err := c.ReadCoreReg(R0)
			if err != nil {
				return err
			}
			c.cache.setDirty(R0, r0)
			break
		}
	}
	for _, id := range c.cache.dirtyInWritebackOrder() {
		v, _ := c.cache.get(id)
		if err := c.writeback(id, uint32(v)); err != nil {
			return err
		}
	}
	c.cache.clear()
	return nil
}

func (c *Core) writeback(id RegisterID, v uint32) error {
	switch {
	case id <= R12 || id == R13SP || id == R14LR:
		rn := coreRegNum(id)
		return c.writeDTRRXAndInject(v, encodeMRC(rn))
	case id == PC:
		if err := c.writeDTRRXAndInject(v, encodeMRC(0)); err != nil {
			return err
		}
		return c.inject(encodeMOVPCReg())
	case id == CPSR:
		if err := c.writeDTRRXAndInject(v, encodeMRC(0)); err != nil {
			return err
		}
		return c.inject(encodeMSRCPSRR0())
	case id >= firstFPReg && id <= lastFPReg:
		sn := uint32(id - firstFPReg)
		if err := c.writeDTRRXAndInject(v, encodeMRC(0)); err != nil {
			return err
		}
		return c.inject(encodeVMOVFromCore(sn))
	default:
		return fmt.Errorf("core: no writeback encoding for register %s", id)
	}
}

// ReadWord32 reads one 32-bit word through the CPU pipeline, saving and
// restoring r0 automatically (spec §4.D contract table).
func (c *Core) ReadWord32(addr uint32) (uint32, error) {
	saved, err := c.ReadCoreReg(R0)
	if err != nil {
		return 0, err
	}
	if err := c.writeDTRRXAndInject(addr, encodeMRC(0)); err != nil {
		return 0, err
	}
	v, err := c.injectAndReadDTRTX(encodeLDCPostInc())
	c.cache.setDirty(R0, saved)
	return v, err
}

// WriteWord32 writes one 32-bit word through the CPU pipeline.
func (c *Core) WriteWord32(addr uint32, v uint32) error {
	saved, hadR0 := c.cache.get(R0)
	if err := c.writeDTRRXAndInject(addr, encodeMRC(0)); err != nil {
		return err
	}
	if err := c.writeDTRRXAndInject(v, encodeMRC(1)); err != nil {
		return err
	}
	if err := c.inject(encodeSTCPostInc()); err != nil {
		return err
	}
	if hadR0 {
		c.cache.setDirty(R0, saved)
	}
	return nil
}

// SetHWBreakpoint programs slot with addr as a Match-type breakpoint.
func (c *Core) SetHWBreakpoint(slot int, addr uint64) error {
	if err := c.initBreakpointUnits(); err != nil {
		return err
	}
	if slot < 0 || slot >= c.breakpointN {
		return ErrInvalidRegister
	}
	a := addr
	c.slots[slot] = BreakpointSlot{Index: slot, Address: &a, Kind: KindMatch}
	if err := c.writeReg(offDBGBVR0+uint32(slot)*4, uint32(addr)); err != nil {
		return err
	}
	const bcrEnable = 1
	const matchAllBytesAllModes = 0xF<<5 | 0x3<<1
	return c.writeReg(offDBGBCR0+uint32(slot)*4, bcrEnable|matchAllBytesAllModes)
}

// ClearHWBreakpoint disables slot.
func (c *Core) ClearHWBreakpoint(slot int) error {
	if err := c.initBreakpointUnits(); err != nil {
		return err
	}
	if slot < 0 || slot >= c.breakpointN {
		return ErrInvalidRegister
	}
	c.slots[slot] = BreakpointSlot{Index: slot}
	return c.writeReg(offDBGBCR0+uint32(slot)*4, 0)
}

// Step performs a single-instruction step: save the last BP slot, install
// a mismatch breakpoint at the current PC, run, wait for halt, restore
// the slot (spec §4.D contract table, "Stepping").
func (c *Core) Step() error {
	if err := c.requireHalted(); err != nil {
		return err
	}
	if err := c.initBreakpointUnits(); err != nil {
		return err
	}
	stepSlot := c.breakpointN - 1
	saved := c.slots[stepSlot]
	c.stepSlotSaved = &saved

	pc, err := c.ReadCoreReg(PC)
	if err != nil {
		return err
	}
	a := pc
	c.slots[stepSlot] = BreakpointSlot{Index: stepSlot, Address: &a, Kind: KindMismatch}
	if err := c.writeReg(offDBGBVR0+uint32(stepSlot)*4, uint32(pc)); err != nil {
		return err
	}
	const bcrEnable = 1
	const mismatchAllBytesAllModes = 0x4<<20 | 0xF<<5 | 0x3<<1
	if err := c.writeReg(offDBGBCR0+uint32(stepSlot)*4, bcrEnable|mismatchAllBytesAllModes); err != nil {
		return err
	}

	if err := c.Run(); err != nil {
		return err
	}
	if err := c.pollUntilHalted(DefaultTimeout); err != nil {
		return err
	}
	c.reason = ReasonStep

	return c.restoreStepSlot(stepSlot)
}

func (c *Core) restoreStepSlot(slot int) error {
	saved := c.stepSlotSaved
	c.stepSlotSaved = nil
	if saved == nil {
		return nil
	}
	c.slots[slot] = *saved
	if saved.Address == nil {
		return c.writeReg(offDBGBCR0+uint32(slot)*4, 0)
	}
	if err := c.writeReg(offDBGBVR0+uint32(slot)*4, uint32(*saved.Address)); err != nil {
		return err
	}
	const bcrEnable = 1
	ctrl := uint32(bcrEnable)
	if saved.Kind == KindMatch {
		ctrl |= 0xF<<5 | 0x3<<1
	} else {
		ctrl |= 0x4<<20 | 0xF<<5 | 0x3<<1
	}
	return c.writeReg(offDBGBCR0+uint32(slot)*4, ctrl)
}
