package transfer

import (
	"math/bits"

	"github.com/probe-debug/coredebugger/internal/probe"
)

// swdRequestByte builds the 8-bit SWD request header: start=1, APnDP, RnW,
// A[2], A[3], parity(APnDP^RnW^A2^A3), stop=0, park=1 (spec §4.B / §6).
func swdRequestByte(apndp, rnw bool, addr uint8) byte {
	a2 := addr&0x4 != 0
	a3 := addr&0x8 != 0
	parity := boolToBit(apndp) ^ boolToBit(rnw) ^ boolToBit(a2) ^ boolToBit(a3)

	var b byte
	b |= 1 << 0 // start
	b |= boolToBit(apndp) << 1
	b |= boolToBit(rnw) << 2
	b |= boolToBit(a2) << 3
	b |= boolToBit(a3) << 4
	b |= parity << 5
	// bit 6 (stop) = 0
	b |= 1 << 7 // park
	return b
}

func boolToBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// evenParity returns the parity bit that makes popcount(value||parity) even.
func evenParity(value uint32) byte {
	return byte(bits.OnesCount32(value) & 1)
}

// swdEncodeRequestPhase returns the direction/output bit sequence for the
// idle bits + 8-bit request header + turnaround, ready to be clocked via
// probe.SwdIO. The ACK phase (3 bits, IN) is read by the caller afterward.
func swdEncodeRequestPhase(apndp, rnw bool, addr uint8) ([]probe.Direction, []bool) {
	dir := make([]probe.Direction, 0, 11)
	out := make([]bool, 0, 11)

	// 2 idle bits, OUT 0.
	dir = append(dir, probe.DirOut, probe.DirOut)
	out = append(out, false, false)

	reqByte := swdRequestByte(apndp, rnw, addr)
	for i := 0; i < 8; i++ {
		dir = append(dir, probe.DirOut)
		out = append(out, (reqByte>>i)&1 != 0)
	}

	// turnaround before ACK
	dir = append(dir, probe.DirIn)
	out = append(out, false)

	return dir, out
}

// swdAckPhase returns the 3-bit IN sequence used to read the ACK field.
func swdAckPhase() ([]probe.Direction, []bool) {
	dir := []probe.Direction{probe.DirIn, probe.DirIn, probe.DirIn}
	return dir, make([]bool, 3)
}

func decodeAck(bitsIn []bool) probe.Ack {
	var v byte
	for i, b := range bitsIn {
		if b {
			v |= 1 << i
		}
	}
	switch v {
	case 0b001:
		return probe.AckOK
	case 0b010:
		return probe.AckWait
	case 0b100:
		return probe.AckFault
	default:
		return probe.AckNoResponse
	}
}

// swdEncodeWritePhase returns the turnaround + 32 data bits (LSB-first) +
// parity bit, all OUT, for a write transfer.
func swdEncodeWritePhase(value uint32) ([]probe.Direction, []bool) {
	dir := make([]probe.Direction, 0, 34)
	out := make([]bool, 0, 34)

	dir = append(dir, probe.DirOut) // turnaround
	out = append(out, false)

	for i := 0; i < 32; i++ {
		dir = append(dir, probe.DirOut)
		out = append(out, (value>>i)&1 != 0)
	}
	dir = append(dir, probe.DirOut)
	out = append(out, evenParity(value) != 0)
	return dir, out
}

// swdReadPhaseDir returns the IN direction/placeholder-output sequence for
// the 32 data bits + parity + trailing turnaround of a read transfer.
func swdReadPhaseDir() ([]probe.Direction, []bool) {
	dir := make([]probe.Direction, 34)
	for i := range dir {
		dir[i] = probe.DirIn
	}
	return dir, make([]bool, 34)
}

// decodeReadPhase extracts the 32-bit value from the sampled bits and
// verifies even parity over value||parity, per spec §4.B.
func decodeReadPhase(sampled []bool) (uint32, bool) {
	var v uint32
	for i := 0; i < 32; i++ {
		if sampled[i] {
			v |= 1 << uint(i)
		}
	}
	gotParity := sampled[32]
	wantParity := evenParity(v) != 0
	return v, gotParity == wantParity
}

// idleBits returns n OUT-0 bits, used for idle padding between writes, after
// a batch and between WAIT retries.
func idleBits(n int) ([]probe.Direction, []bool) {
	dir := make([]probe.Direction, n)
	out := make([]bool, n)
	for i := range dir {
		dir[i] = probe.DirOut
	}
	return dir, out
}

// lineResetBits returns the ≥50 high bits plus two idle bits used for a
// line reset (spec §4.B "Line reset", §6 magic sequences).
func lineResetBits() ([]probe.Direction, []bool) {
	const highBits = 52 // ≥50, round to a byte-friendly count
	dir := make([]probe.Direction, highBits+2)
	out := make([]bool, highBits+2)
	for i := 0; i < highBits; i++ {
		dir[i] = probe.DirOut
		out[i] = true
	}
	dir[highBits] = probe.DirOut
	dir[highBits+1] = probe.DirOut
	return dir, out
}
