package unwind

import (
	"encoding/binary"
	"sort"

	delveframe "github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/op"
)

// RuleKind is the small subset of DWARF CFI register rules the unwinder
// needs to evaluate (spec §4.F "CFA rules").
type RuleKind int

const (
	RuleUndefined RuleKind = iota
	RuleSameValue
	RuleOffset
)

// RegisterRule is one row's rule for one register.
type RegisterRule struct {
	Kind   RuleKind
	Offset int64
}

// CFARule is a row's rule for computing the Canonical Frame Address: either
// RegisterAndOffset (base register + constant) per spec §4.F.
type CFARule struct {
	Register int
	Offset   int64
}

// Row is one evaluated unwind table row: the CFA rule plus the
// per-register rules in force at a given PC.
type Row struct {
	Begin, End uint64
	CFA        CFARule
	Registers  map[int]RegisterRule
}

// FrameTable holds the parsed .debug_frame FDEs, queryable by PC.
type FrameTable struct {
	fdes delveframe.FrameDescriptionEntries
}

// ParseFrameTable parses a .debug_frame section (spec §4.F "parses
// .debug_frame CIEs/FDEs"). byteOrder is the target's endianness;
// staticBase is the link-time base address (0 for statically linked
// firmware images); ptrSize is the architecture's address size in bytes.
func ParseFrameTable(data []byte, byteOrder binary.ByteOrder, staticBase uint64, ptrSize uint8) (*FrameTable, error) {
	fdes, err := delveframe.Parse(data, byteOrder, staticBase, ptrSize)
	if err != nil {
		return nil, err
	}
	return &FrameTable{fdes: fdes}, nil
}

// RowForPC looks up the FDE covering pc and evaluates its CFI program up to
// pc, producing a Row (spec §4.F step 3).
func (t *FrameTable) RowForPC(pc uint64) (Row, bool) {
	fde, err := t.fdes.FDEForPC(pc)
	if err != nil {
		return Row{}, false
	}
	ctx, err := fde.EstablishFrame(pc)
	if err != nil {
		return Row{}, false
	}

	row := Row{
		Begin:     fde.Begin(),
		End:       fde.End(),
		Registers: make(map[int]RegisterRule, len(ctx.Regs)),
	}
	row.CFA = convertCFA(ctx.CFA)

	regs := make([]int, 0, len(ctx.Regs))
	for r := range ctx.Regs {
		regs = append(regs, int(r))
	}
	sort.Ints(regs)
	for _, r := range regs {
		row.Registers[r] = convertRule(ctx.Regs[uint64(r)])
	}
	return row, true
}

func convertCFA(rule op.DWRule) CFARule {
	return CFARule{Register: int(rule.Reg), Offset: rule.Offset}
}

func convertRule(rule op.DWRule) RegisterRule {
	switch rule.Rule {
	case op.RuleOffset:
		return RegisterRule{Kind: RuleOffset, Offset: rule.Offset}
	case op.RuleSameVal:
		return RegisterRule{Kind: RuleSameValue}
	default:
		return RegisterRule{Kind: RuleUndefined}
	}
}

func (u *Unwinder) evalCFA(cur Registers, rule CFARule) (uint64, error) {
	base, ok := cur[rule.Register]
	if !ok {
		return 0, errUnsupportedRule
	}
	return uint64(int64(base) + rule.Offset), nil
}
