package variables

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"math"
)

// DWARF location-expression opcodes used here, values fixed by the DWARF
// spec (DWARF5 §7.7.1). Only the subset spec §4.G names (DW_AT_location
// evaluated "against the frame's registers and the core's memory") is
// implemented; anything else is surfaced as a LocError rather than guessed
// at.
const (
	opAddr   = 0x03
	opFbreg  = 0x91
	opReg0   = 0x50
	opReg31  = 0x6f
	opBreg0  = 0x70
	opBreg31 = 0x8f
	opRegx   = 0x90
	opBregx  = 0x92
)

// evalLocation evaluates e's DW_AT_location against the cache's current
// frame (spec §4.G step 1). Only single-step expressions (address, fbreg
// offset, bare register, breg-offset) are handled — a composite or
// call-frame-relative expression using any other opcode is reported as
// LocError rather than silently mis-evaluated.
func (c *Cache) evalLocation(e *dwarf.Entry) (Location, error) {
	raw, ok := e.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(raw) == 0 {
		return Location{Kind: LocUnknown}, nil
	}
	op := raw[0]
	switch {
	case op == opAddr:
		if len(raw) < 9 {
			return Location{}, fmt.Errorf("variables: truncated DW_OP_addr")
		}
		addr := binary.LittleEndian.Uint64(raw[1:9])
		return Location{Kind: LocAddress, Address: addr}, nil

	case op == opFbreg:
		off, _, err := sleb128(raw[1:])
		if err != nil {
			return Location{}, err
		}
		if c.regs == nil {
			return Location{}, fmt.Errorf("variables: DW_OP_fbreg with no frame context")
		}
		return Location{Kind: LocAddress, Address: uint64(int64(c.regs.CFA()) + off)}, nil

	case op >= opReg0 && op <= opReg31:
		return Location{Kind: LocRegister, Reg: int(op - opReg0)}, nil

	case op == opRegx:
		reg, _, err := uleb128(raw[1:])
		if err != nil {
			return Location{}, err
		}
		return Location{Kind: LocRegister, Reg: int(reg)}, nil

	case op >= opBreg0 && op <= opBreg31:
		off, _, err := sleb128(raw[1:])
		if err != nil {
			return Location{}, err
		}
		reg := int(op - opBreg0)
		if c.regs == nil {
			return Location{}, fmt.Errorf("variables: DW_OP_breg%d with no frame context", reg)
		}
		base, ok := c.regs.Register(reg)
		if !ok {
			return Location{}, fmt.Errorf("variables: register %d not available in this frame", reg)
		}
		return Location{Kind: LocAddress, Address: uint64(int64(base) + off)}, nil

	case op == opBregx:
		reg, n, err := uleb128(raw[1:])
		if err != nil {
			return Location{}, err
		}
		off, _, err := sleb128(raw[1+n:])
		if err != nil {
			return Location{}, err
		}
		if c.regs == nil {
			return Location{}, fmt.Errorf("variables: DW_OP_bregx with no frame context")
		}
		base, ok := c.regs.Register(int(reg))
		if !ok {
			return Location{}, fmt.Errorf("variables: register %d not available in this frame", reg)
		}
		return Location{Kind: LocAddress, Address: uint64(int64(base) + off)}, nil

	default:
		return Location{}, fmt.Errorf("variables: unsupported location opcode %#x", op)
	}
}

func uleb128(b []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, by := range b {
		result |= uint64(by&0x7f) << shift
		if by&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("variables: truncated uleb128")
}

func sleb128(b []byte) (int64, int, error) {
	var result int64
	var shift uint
	var i int
	var by byte
	for i = 0; i < len(b); i++ {
		by = b[i]
		result |= int64(by&0x7f) << shift
		shift += 7
		if by&0x80 == 0 {
			break
		}
	}
	if i == len(b) && by&0x80 != 0 {
		return 0, 0, fmt.Errorf("variables: truncated sleb128")
	}
	if shift < 64 && by&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i + 1, nil
}

// readBaseTypeValue reads and formats t's value at addr (spec §4.G step 2
// "reads the current value if the type is a base type").
func (c *Cache) readBaseTypeValue(addr uint64, t dwarf.Type) string {
	var size int
	var signed, float, boolean bool
	switch bt := t.(type) {
	case *dwarf.IntType:
		size, signed = int(bt.ByteSize), true
	case *dwarf.UintType:
		size = int(bt.ByteSize)
	case *dwarf.CharType:
		size, signed = int(bt.ByteSize), true
	case *dwarf.UcharType:
		size = int(bt.ByteSize)
	case *dwarf.FloatType:
		size, float = int(bt.ByteSize), true
	case *dwarf.BoolType:
		size, boolean = int(bt.ByteSize), true
	default:
		return ""
	}
	if size <= 0 || size > 8 {
		return ""
	}
	data, err := c.mem.ReadMemory(addr, size)
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	var raw uint64
	for i := 0; i < len(data); i++ {
		raw |= uint64(data[i]) << (8 * i)
	}

	switch {
	case boolean:
		return fmt.Sprintf("%v", raw != 0)
	case float:
		if size == 4 {
			return fmt.Sprintf("%v", math.Float32frombits(uint32(raw)))
		}
		return fmt.Sprintf("%v", math.Float64frombits(raw))
	case signed:
		shift := 64 - size*8
		sv := int64(raw<<shift) >> shift
		return fmt.Sprintf("%d", sv)
	default:
		return fmt.Sprintf("%d", raw)
	}
}
