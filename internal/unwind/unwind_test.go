package unwind

import (
	"testing"

	"github.com/probe-debug/coredebugger/internal/dwarfinfo"
)

// fakeFrames is a hand-built frameSource: each entry maps a PC range to a
// fixed Row, avoiding the need to assemble real CIE/FDE bytecode in tests.
type fakeFrames struct {
	rows []struct {
		lo, hi uint64
		row    Row
	}
}

func (f *fakeFrames) add(lo, hi uint64, row Row) {
	f.rows = append(f.rows, struct {
		lo, hi uint64
		row    Row
	}{lo, hi, row})
}

func (f *fakeFrames) RowForPC(pc uint64) (Row, bool) {
	for _, e := range f.rows {
		if pc >= e.lo && pc < e.hi {
			return e.row, true
		}
	}
	return Row{}, false
}

type fakeMemory struct {
	words map[uint64]uint32
}

func (m *fakeMemory) ReadMemory(addr uint64, size int) ([]byte, error) {
	v := m.words[addr]
	b := make([]byte, size)
	for i := 0; i < size && i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b, nil
}

// newInfoProvider returns an empty dwarfinfo.Provider (no line rows, no
// functions), so FunctionsContaining yields no names for frame naming.
func newInfoProvider(t *testing.T) *dwarfinfo.Provider {
	t.Helper()
	// dwarfinfo.New requires a non-nil *dwarf.Data; the scenario below only
	// exercises Unwind's register-rule arithmetic, not name/source
	// resolution, so a Provider built from an empty in-memory DWARF blob
	// via debug/dwarf.New([]byte(nil)...) is unnecessary — instead use a
	// Provider with no functions loaded, which is what FunctionsContaining
	// degrades to gracefully (returns no names, Unwind substitutes "").
	return &dwarfinfo.Provider{}
}

// TestUnwindThreeFrameStack covers the scenario the spec's worked example
// describes: innermost frame via frame-pointer CFA, a caller frame whose
// return address comes from an Offset(n) rule, and termination once the
// table has no row for the resolved PC.
func TestUnwindThreeFrameStack(t *testing.T) {
	mem := &fakeMemory{words: map[uint64]uint32{
		0x2000_0F80 + 4: 0x0800_0230, // saved LR at CFA+4 in frame 1
		0x2000_0FA0 + 4: 0x0800_0300, // saved LR at CFA+4 in frame 2 (caller's caller)
	}}

	frames := &fakeFrames{}
	// innermost frame: CFA = r11(FP) + 8, LR at CFA+4, caller PC derived
	// from LR.
	frames.add(0x0800_0190, 0x0800_01C0, Row{
		CFA: CFARule{Register: 11, Offset: 8},
		Registers: map[int]RegisterRule{
			RegLR: {Kind: RuleOffset, Offset: 4},
		},
	})
	// frame 1 (return address 0x0800_0230): CFA = r11 + 32, LR at CFA+4.
	frames.add(0x0800_0220, 0x0800_0240, Row{
		CFA: CFARule{Register: 11, Offset: 32},
		Registers: map[int]RegisterRule{
			RegLR: {Kind: RuleOffset, Offset: 4},
		},
	})
	// frame 2 (return address 0x0800_0300): no row registered -> terminates.

	u := &Unwinder{info: newInfoProvider(t), frames: frames, mem: mem, addressSize: 4}

	regs := Registers{
		RegPC: 0x0800_01A4,
		RegLR: 0x0800_0230,
		11:    0x2000_0F78, // FP, so CFA = 0x2000_0F80
	}

	got, err := u.Unwind(regs)
	if err != nil {
		t.Fatalf("Unwind: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Unwind returned %d frames, want 3", len(got))
	}
	if got[0].PC != 0x0800_01A4 {
		t.Fatalf("frame 0 PC = %#x, want %#x", got[0].PC, 0x0800_01A4)
	}
}

// TestUnwindInlinedFrameUsesCallSiteLocation covers §8 Scenario 4: PC is
// inside `inner`, inlined into `outer`. The synthesized inline frame must
// carry outer's call-site location (line 42), not a SourceLocation(pc)
// lookup; the outer frame is unaffected.
func TestUnwindInlinedFrameUsesCallSiteLocation(t *testing.T) {
	info := dwarfinfo.NewFromFunctionRanges([]dwarfinfo.FuncRange{
		{
			Name: "outer", Low: 0x0800_0180, High: 0x0800_01E0,
			Inlines: []dwarfinfo.InlineRange{
				{Name: "inner", Low: 0x0800_0198, High: 0x0800_01C0, CallFile: "outer.c", CallLine: 42},
			},
		},
	})

	frames := &fakeFrames{} // no unwind table entries -> stops after the first PC
	mem := &fakeMemory{}
	u := &Unwinder{info: info, frames: frames, mem: mem, addressSize: 4}

	got, err := u.Unwind(Registers{RegPC: 0x0800_01A4, RegLR: 0x0800_0230})
	if err != nil {
		t.Fatalf("Unwind: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 (inner inline + outer)", len(got))
	}
	if got[0].FunctionName != "inner" || !got[0].IsInlined {
		t.Fatalf("got[0] = %+v, want inner/inlined", got[0])
	}
	if got[0].SourceLocation == nil || got[0].SourceLocation.File != "outer.c" || got[0].SourceLocation.Line != 42 {
		t.Fatalf("got[0].SourceLocation = %+v, want outer.c:42", got[0].SourceLocation)
	}
	if got[1].FunctionName != "outer" || got[1].IsInlined {
		t.Fatalf("got[1] = %+v, want outer/non-inlined", got[1])
	}
	if got[1].SourceLocation != nil && got[1].SourceLocation == got[0].SourceLocation {
		t.Fatalf("outer frame must not share the inline frame's call-site location")
	}
}

// TestUnwindNeverRevisitsPC is the §8 termination property: a frame table
// that (incorrectly) loops an unwind back to an already-seen PC must not
// cause Unwind to loop forever.
func TestUnwindNeverRevisitsPC(t *testing.T) {
	mem := &fakeMemory{words: map[uint64]uint32{
		0x3000_0000 + 4: 0x0800_0104, // saved LR; caller PC = LR - 4 resolves back to the start
	}}
	frames := &fakeFrames{}
	frames.add(0x0800_0100, 0x0800_0110, Row{
		CFA: CFARule{Register: 13, Offset: 8},
		Registers: map[int]RegisterRule{
			RegLR: {Kind: RuleOffset, Offset: 4},
		},
	})

	u := &Unwinder{info: newInfoProvider(t), frames: frames, mem: mem, addressSize: 4}
	regs := Registers{RegPC: 0x0800_0100, RegLR: 0x0800_0100, RegSP: 0x3000_0000 - 8}

	got, err := u.Unwind(regs)
	if err != nil {
		t.Fatalf("Unwind: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Unwind on self-referential table returned %d frames, want exactly 1 (seen-PC guard must stop it immediately)", len(got))
	}
}
