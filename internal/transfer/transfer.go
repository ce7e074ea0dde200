// Package transfer implements the wire-level transfer engine (spec §4.B):
// it turns an ordered batch of logical DP/AP register accesses into a
// correctly framed SWD or JTAG sequence, handles WAIT/FAULT recovery and
// idle-cycle padding, and returns one status+value pair per input in
// input order.
package transfer

import "fmt"

// RegPort selects which register file a transfer addresses.
type RegPort int

const (
	PortDP RegPort = iota
	PortAP
)

// Direction of a logical transfer.
type Direction int

const (
	Read Direction = iota
	Write
)

// Status is the outcome of a Transfer once the engine has drained its
// on-wire result.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusFailed
)

// Well-known DP register addresses (4-bit index, bits [3:2] on the wire).
const (
	RegDPIDR    = 0x0 // read
	RegABORT    = 0x0 // write
	RegCTRLSTAT = 0x4
	RegSELECT   = 0x8 // write
	RegRDBUFF   = 0xC // read
)

// Well-known AP register addresses within the selected bank.
const (
	RegCSW = 0x0
	RegTAR = 0x4
	RegDRW = 0xC
	RegIDR = 0xFC
	RegBASE = 0xF8
)

// Transfer is one logical DP/AP access as it flows through the engine.
// Constructed per logical access by a caller (internal/dp), mutated by the
// engine as it records the on-wire outcome, discarded once Status has been
// observed by the caller.
type Transfer struct {
	Port      RegPort
	Dir       Direction
	Address   uint8 // 4-bit register index; only bits [3:2] go on the wire
	Value     uint32
	Status    Status
	FailKind  FailKind
	IdleCyclesAfter int
}

// FailKind distinguishes why Status == StatusFailed.
type FailKind int

const (
	FailNone FailKind = iota
	FailWait
	FailFault
	FailProtocol
	FailParity
	FailTimeout
)

func (t Transfer) String() string {
	dir := "R"
	if t.Dir == Write {
		dir = "W"
	}
	port := "DP"
	if t.Port == PortAP {
		port = "AP"
	}
	return fmt.Sprintf("%s.%s@%#x=%#08x[%v]", port, dir, t.Address, t.Value, t.Status)
}

// Options carries the engine's tunable timing, defaulted per spec §4.B.
type Options struct {
	NumIdleCyclesBetweenWrites  int
	NumRetriesAfterWait         int
	MaxRetryIdleCyclesAfterWait int
	IdleCyclesBeforeWriteVerify int
	IdleCyclesAfterTransfer     int
}

// DefaultOptions returns the spec §4.B default table.
func DefaultOptions() Options {
	return Options{
		NumIdleCyclesBetweenWrites:  2,
		NumRetriesAfterWait:         1000,
		MaxRetryIdleCyclesAfterWait: 128,
		IdleCyclesBeforeWriteVerify: 8,
		IdleCyclesAfterTransfer:     8,
	}
}
