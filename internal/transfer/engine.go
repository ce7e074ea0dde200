package transfer

import (
	"github.com/probe-debug/coredebugger/internal/probe"
)

// Engine converts a batch of logical DP/AP reads/writes into a correct
// on-wire sequence and returns one status+value pair per input in the same
// order (spec §4.B, testable property in §8).
type Engine struct {
	p       probe.Probe
	port    probe.Port
	opts    Options
	curIdle int // idle-between-writes budget from the options; WAIT retries double a per-op copy, not this field

	resets int // bumped on every line reset; dp.DebugPort polls this to invalidate its SELECT cache
}

// Resets reports how many line resets this engine has performed so far.
// A layer caching SELECT-register state (internal/dp) polls this after
// each Submit to notice a reset happened underneath it and invalidate its
// cache — a line reset implicitly deselects any multidrop target (spec
// §4.B "Line reset"), and the engine has no reference back to dp to tell
// it directly.
func (e *Engine) Resets() int {
	return e.resets
}

// NewEngine builds an engine driving p over the given wire protocol with
// the default timing table.
func NewEngine(p probe.Probe, port probe.Port) *Engine {
	opts := DefaultOptions()
	return &Engine{p: p, port: port, opts: opts, curIdle: opts.NumIdleCyclesBetweenWrites}
}

// WithOptions overrides the timing defaults (used by tests to shrink retry
// budgets).
func (e *Engine) WithOptions(o Options) *Engine {
	e.opts = o
	e.curIdle = o.NumIdleCyclesBetweenWrites
	return e
}

// wireOp is one physical on-wire transaction the engine must issue.
// resultFor indexes into the caller's batch (-1 means the value is
// discarded — an inserted RDBUFF drain with no logical owner, or a
// write-verify flush).
type wireOp struct {
	port      RegPort
	dir       Direction
	addr      uint8
	value     uint32
	resultFor int
	attributesPrevAP bool // true if this op's *read result* belongs to the previous AP read (ordering rule 1)
}

func needsWriteVerifyFlush(port RegPort, dir Direction, addr uint8) bool {
	if dir == Write && port == PortDP && addr == RegABORT {
		return true
	}
	if dir == Read && port == PortDP && (addr == RegDPIDR || addr == RegCTRLSTAT) {
		return true
	}
	return false
}

// plan builds the wire-level op list implementing ordering rules 1-4 of
// spec §4.B:
//  1. AP read latency: insert a DP RDBUFF read if the next logical
//     transfer isn't itself an AP read, attributing its value to the
//     pending AP read.
//  2. Write posting: ABORT/DPIDR/CTRL-STAT are preceded by a DP ABORT
//     write of 0 and a flushing RDBUFF read. No
//     IdleCyclesBeforeWriteVerify padding is emitted; the ABORT write
//     gets the usual between-writes padding.
//  3. Idle padding after every write and after the whole batch.
//  4. Trailing drain if the batch ends on a pending AP read or write.
func (e *Engine) plan(batch []Transfer) []wireOp {
	var ops []wireOp
	pendingAPRead := false

	flushIfNeeded := func(port RegPort, dir Direction, addr uint8) {
		if !needsWriteVerifyFlush(port, dir, addr) {
			return
		}
		ops = append(ops, wireOp{port: PortDP, dir: Write, addr: RegABORT, value: 0, resultFor: -1})
		// The ABORT write of 0 sets no clear bits; Submit pads after it like
		// any other write. The flush read follows.
		ops = append(ops, wireOp{port: PortDP, dir: Read, addr: RegRDBUFF, resultFor: -1})
		if pendingAPRead {
			ops[len(ops)-1].attributesPrevAP = true
			pendingAPRead = false
		}
	}

	for i, t := range batch {
		if pendingAPRead && !(t.Port == PortAP && t.Dir == Read) {
			ops = append(ops, wireOp{port: PortDP, dir: Read, addr: RegRDBUFF, resultFor: i - 1, attributesPrevAP: true})
			pendingAPRead = false
		}

		flushIfNeeded(t.Port, t.Dir, t.Address)

		ops = append(ops, wireOp{port: t.Port, dir: t.Dir, addr: t.Address, value: t.Value, resultFor: i})

		if t.Port == PortAP && t.Dir == Read {
			pendingAPRead = true
		}
	}

	// Trailing drain: last transfer pending (AP read not yet attributed,
	// or any write whose completion status should be confirmed).
	if pendingAPRead {
		ops = append(ops, wireOp{port: PortDP, dir: Read, addr: RegRDBUFF, resultFor: len(batch) - 1, attributesPrevAP: true})
	} else if n := len(batch); n > 0 && batch[n-1].Dir == Write {
		ops = append(ops, wireOp{port: PortDP, dir: Read, addr: RegRDBUFF, resultFor: -1})
	}

	return ops
}

// Submit drives batch to completion, returning one Transfer per input
// element carrying its final Status/Value, in input order.
func (e *Engine) Submit(batch []Transfer) ([]Transfer, error) {
	out := make([]Transfer, len(batch))
	copy(out, batch)

	ops := e.plan(batch)
	for idx, op := range ops {
		ack, value, err := e.executeWithRecovery(op)
		if err != nil {
			return out, err
		}
		if op.resultFor >= 0 {
			dst := &out[op.resultFor]
			if ack == probe.AckOK {
				dst.Status = StatusOK
				if op.dir == Read || op.attributesPrevAP {
					dst.Value = value
				}
			}
		}
		if op.dir == Write {
			e.padIdle(e.opts.NumIdleCyclesBetweenWrites)
		}
		if idx == len(ops)-1 {
			e.padIdle(e.opts.IdleCyclesAfterTransfer)
		}
	}
	return out, nil
}

// executeWithRecovery issues one wire op, performing WAIT retries and FAULT
// handling per spec §4.B.
func (e *Engine) executeWithRecovery(op wireOp) (probe.Ack, uint32, error) {
	idle := e.opts.NumIdleCyclesBetweenWrites
	for attempt := 0; ; attempt++ {
		ack, value, err := e.executeOnce(op)
		if err != nil {
			return 0, 0, err
		}
		switch ack {
		case probe.AckOK:
			return ack, value, nil
		case probe.AckWait:
			if attempt >= e.opts.NumRetriesAfterWait {
				return 0, 0, &WaitExhausted{Retries: attempt}
			}
			if err := e.recoverFromWait(); err != nil {
				return 0, 0, err
			}
			if idle*2 <= e.opts.MaxRetryIdleCyclesAfterWait {
				idle *= 2
			}
			e.padIdle(idle)
			continue
		case probe.AckFault:
			return 0, 0, e.recoverFromFault()
		default:
			if err := e.lineReset(); err != nil {
				return 0, 0, ErrNoAcknowledge
			}
			if attempt == 0 {
				continue
			}
			return 0, 0, ErrProtocolError
		}
	}
}

// recoverFromWait writes ABORT with ORUNERRCLR=1 (spec §4.B "WAIT/FAULT
// recovery").
func (e *Engine) recoverFromWait() error {
	const orunerrclr = 1 << 4
	_, _, err := e.executeOnce(wireOp{port: PortDP, dir: Write, addr: RegABORT, value: orunerrclr})
	return err
}

// recoverFromFault reads CTRL/STAT and, if a sticky flag is set, clears it
// via ABORT before surfacing FaultResponse with the snapshot attached.
func (e *Engine) recoverFromFault() error {
	const stickyOrun = 1 << 1
	const stickyErr = 1 << 5
	_, ctrlStat, err := e.executeOnce(wireOp{port: PortDP, dir: Read, addr: RegCTRLSTAT})
	if err != nil {
		return err
	}
	fr := &FaultResponse{CtrlStat: ctrlStat}
	var clear uint32
	if ctrlStat&stickyOrun != 0 {
		fr.StickyOrun = true
		clear |= 1 << 4 // ORUNERRCLR
	}
	if ctrlStat&stickyErr != 0 {
		fr.StickyErr = true
		clear |= 1 << 2 // STKERRCLR
	}
	if clear != 0 {
		_, _, _ = e.executeOnce(wireOp{port: PortDP, dir: Write, addr: RegABORT, value: clear})
	}
	return fr
}

// lineReset performs the ≥50-high-bit reset and resyncs with a DPIDR read,
// retrying once on failure (spec §4.B "Line reset").
func (e *Engine) lineReset() error {
	e.resets++
	if e.port != probe.PortSWD {
		return nil // JTAG has no equivalent magic sequence requirement here
	}
	if !e.p.Capabilities().Has(probe.CapRawIO) {
		return ErrNoAcknowledge
	}
	dir, out := lineResetBits()
	if _, err := e.p.SwdIO(dir, out); err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		ack, _, err := e.executeOnce(wireOp{port: PortDP, dir: Read, addr: RegDPIDR})
		if err == nil && ack == probe.AckOK {
			return nil
		}
	}
	return ErrNoAcknowledge
}

func (e *Engine) padIdle(n int) {
	if n <= 0 {
		return
	}
	if e.port != probe.PortSWD || !e.p.Capabilities().Has(probe.CapRawIO) {
		return
	}
	dir, out := idleBits(n)
	_, _ = e.p.SwdIO(dir, out)
}

// executeOnce drives exactly one DP/AP register access over the wire
// (SWD or JTAG depending on Engine.port) and decodes ack/value, preferring
// a probe's native command path over raw bit-banging when available.
func (e *Engine) executeOnce(op wireOp) (probe.Ack, uint32, error) {
	if e.p.Capabilities().Has(probe.CapNativeTransfer) {
		return e.executeNative(op)
	}
	if e.port == probe.PortJTAG {
		return e.executeJTAG(op)
	}
	return e.executeSWD(op)
}

func (e *Engine) executeNative(op wireOp) (probe.Ack, uint32, error) {
	req := probe.NativeRequest{
		AP:    op.port == PortAP,
		Write: op.dir == Write,
		A2:    op.addr&0x4 != 0,
		A3:    op.addr&0x8 != 0,
		Value: op.value,
	}
	results, err := e.p.NativeTransfer([]probe.NativeRequest{req})
	if err != nil {
		return 0, 0, err
	}
	if len(results) != 1 {
		return 0, 0, ErrProtocolError
	}
	r := results[0]
	if r.ProtocolError {
		return probe.AckNoResponse, 0, nil
	}
	return r.Ack, r.Value, nil
}

func (e *Engine) executeSWD(op wireOp) (probe.Ack, uint32, error) {
	reqDir, reqOut := swdEncodeRequestPhase(op.port == PortAP, op.dir == Read, op.addr)
	if _, err := e.p.SwdIO(reqDir, reqOut); err != nil {
		return 0, 0, &probe.IOError{Op: "swd request phase", Err: err}
	}
	ackDir, ackOut := swdAckPhase()
	ackBits, err := e.p.SwdIO(ackDir, ackOut)
	if err != nil {
		return 0, 0, &probe.IOError{Op: "swd ack phase", Err: err}
	}
	ack := decodeAck(ackBits)
	if ack != probe.AckOK {
		return ack, 0, nil
	}

	if op.dir == Write {
		wDir, wOut := swdEncodeWritePhase(op.value)
		if _, err := e.p.SwdIO(wDir, wOut); err != nil {
			return 0, 0, &probe.IOError{Op: "swd write phase", Err: err}
		}
		return probe.AckOK, op.value, nil
	}

	rDir, rOut := swdReadPhaseDir()
	sampled, err := e.p.SwdIO(rDir, rOut)
	if err != nil {
		return 0, 0, &probe.IOError{Op: "swd read phase", Err: err}
	}
	value, parityOK := decodeReadPhase(sampled)
	if !parityOK {
		return 0, 0, ErrIncorrectParity
	}
	return probe.AckOK, value, nil
}

func (e *Engine) executeJTAG(op wireOp) (probe.Ack, uint32, error) {
	if op.port == PortDP && op.dir == Write && op.addr == RegABORT {
		if err := e.p.JtagShiftIR(jtagIRAbort, 4); err != nil {
			return 0, 0, err
		}
		payload := uint64(op.value)
		if _, err := e.p.JtagShiftDR(payload, 35); err != nil {
			return 0, 0, err
		}
		return probe.AckOK, 0, nil
	}

	if err := e.p.JtagShiftIR(jtagIRFor(op.port), 4); err != nil {
		return 0, 0, err
	}
	payload := jtagEncodeDR(op.dir == Read, op.addr, op.value)
	resp, err := e.p.JtagShiftDR(payload, 35)
	if err != nil {
		return 0, 0, err
	}
	ack, value := jtagDecodeDR(resp)
	return ack, value, nil
}
