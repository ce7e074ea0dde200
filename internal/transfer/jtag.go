package transfer

import "github.com/probe-debug/coredebugger/internal/probe"

// JTAG IR values for the ADIv5 DP TAP (DPACC/APACC/ABORT instructions are
// probe-specific constants; these are the architecturally defined ones).
const (
	jtagIRAbort = 0x8
	jtagIRDPACC = 0xA
	jtagIRAPACC = 0xB
)

// jtagEncodeDR packs value[31:0] << 3 | A[3:2] << 1 | RnW into the 35-bit
// DR shift payload used by ADIv5 JTAG-DP (spec §4.B "Wire-level JTAG
// framing").
func jtagEncodeDR(rnw bool, addr uint8, value uint32) uint64 {
	a := uint64(addr&0xC) >> 2
	payload := uint64(value) << 3
	payload |= a << 1
	if rnw {
		payload |= 1
	}
	return payload
}

func jtagDecodeDR(response uint64) (ack probe.Ack, value uint32) {
	status := response & 0x7
	value = uint32(response >> 3)
	switch status {
	case 0b010:
		ack = probe.AckOK // disambiguated from FAULT by a subsequent CTRL/STAT read
	case 0b001:
		ack = probe.AckWait
	default:
		ack = probe.AckNoResponse
	}
	return ack, value
}

// jtagIRFor returns the IR value to select before shifting a DR for the
// given port.
func jtagIRFor(port RegPort) uint64 {
	if port == PortAP {
		return jtagIRAPACC
	}
	return jtagIRDPACC
}
