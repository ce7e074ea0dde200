package dwarfinfo

import "testing"

// newProviderForTest builds a Provider directly from rows/funcs, bypassing
// debug/dwarf construction so the line-program/halt-location logic can be
// exercised without hand-assembling a DWARF section.
func newProviderForTest(rows []lineRow, funcs []funcRange) *Provider {
	p := &Provider{rows: rows, funcs: funcs}
	sortRowsByAddress(p.rows)
	return p
}

func TestGetBreakpointLocationFromSourceLine(t *testing.T) {
	rows := []lineRow{
		{Address: 0x0800_00F0, File: "main.rs", Line: 16, IsStmt: true},
		{Address: 0x0800_00F8, File: "main.rs", Line: 17, IsStmt: true},
		{Address: 0x0800_0100, File: "main.rs", Line: 18, IsStmt: true},
		{Address: 0x0800_0104, File: "main.rs", EndSequence: true},
	}
	p := newProviderForTest(rows, nil)

	hl, err := p.GetBreakpointLocation("main.rs", 17, nil)
	if err != nil {
		t.Fatalf("GetBreakpointLocation: %v", err)
	}
	if hl.FirstHaltAddress != 0x0800_00F8 {
		t.Fatalf("FirstHaltAddress = %#x, want %#x", hl.FirstHaltAddress, 0x0800_00F8)
	}
	if hl.NextStatementAddress == nil || *hl.NextStatementAddress != 0x0800_0100 {
		t.Fatalf("NextStatementAddress = %v, want %#x", hl.NextStatementAddress, 0x0800_0100)
	}
}

// TestHaltLocationIdempotence is the §8 quantified property:
// get_halt_locations(first_halt_address(pc)).first_halt_address ==
// first_halt_address(pc).
func TestHaltLocationIdempotence(t *testing.T) {
	rows := []lineRow{
		{Address: 0x1000, Line: 1, IsStmt: true, File: "a.c"},
		{Address: 0x1004, Line: 2, IsStmt: false, File: "a.c"},
		{Address: 0x1008, Line: 3, IsStmt: true, File: "a.c"},
		{Address: 0x100C, File: "a.c", EndSequence: true},
	}
	p := newProviderForTest(rows, nil)

	hl1, err := p.GetHaltLocations(0x1001, nil)
	if err != nil {
		t.Fatalf("GetHaltLocations: %v", err)
	}
	hl2, err := p.GetHaltLocations(hl1.FirstHaltAddress, nil)
	if err != nil {
		t.Fatalf("GetHaltLocations (second call): %v", err)
	}
	if hl1.FirstHaltAddress != hl2.FirstHaltAddress {
		t.Fatalf("idempotence violated: %#x != %#x", hl1.FirstHaltAddress, hl2.FirstHaltAddress)
	}
}

// TestEndSequenceYieldsNoValidHaltLocation covers the edge case in spec
// §4.E: if the first candidate row past pc is end_sequence, fail.
func TestEndSequenceYieldsNoValidHaltLocation(t *testing.T) {
	rows := []lineRow{
		{Address: 0x2000, Line: 1, IsStmt: true, File: "a.c"},
		{Address: 0x2004, File: "a.c", EndSequence: true},
	}
	p := newProviderForTest(rows, nil)
	if _, err := p.GetHaltLocations(0x2004, nil); err != ErrNoValidHaltLocation {
		t.Fatalf("GetHaltLocations at end_sequence error = %v, want ErrNoValidHaltLocation", err)
	}
}

func TestFunctionNameInnermostWithInlines(t *testing.T) {
	funcs := []funcRange{
		{
			Name: "outer", Low: 0x0800_0180, High: 0x0800_01E0,
			Inlines: []inlineRange{
				{Name: "inner", Low: 0x0800_0198, High: 0x0800_01C0, CallLine: 42},
			},
		},
	}
	p := newProviderForTest(nil, funcs)

	name, ok := p.FunctionName(0x0800_01A4, true)
	if !ok || name != "inner" {
		t.Fatalf("FunctionName(inline=true) = %q, %v, want inner", name, ok)
	}
	name, ok = p.FunctionName(0x0800_01A4, false)
	if !ok || name != "outer" {
		t.Fatalf("FunctionName(inline=false) = %q, %v, want outer", name, ok)
	}
}

// TestFunctionsContainingCarriesInlineCallSite is §8 Scenario 4's input:
// FunctionsContaining must expose the inlined frame's call-site location
// (line 42 of outer.c) distinct from the outer frame, which carries none
// (the unwinder fills the outer frame's location from the real PC).
func TestFunctionsContainingCarriesInlineCallSite(t *testing.T) {
	funcs := []funcRange{
		{
			Name: "outer", Low: 0x0800_0180, High: 0x0800_01E0,
			Inlines: []inlineRange{
				{Name: "inner", Low: 0x0800_0198, High: 0x0800_01C0, CallFile: "outer.c", CallLine: 42},
			},
		},
	}
	p := newProviderForTest(nil, funcs)

	frames := p.FunctionsContaining(0x0800_01A4)
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].Name != "inner" || !frames[0].IsInlined {
		t.Fatalf("frames[0] = %+v, want inner/inlined", frames[0])
	}
	if frames[0].CallSite == nil || frames[0].CallSite.File != "outer.c" || frames[0].CallSite.Line != 42 {
		t.Fatalf("frames[0].CallSite = %+v, want outer.c:42", frames[0].CallSite)
	}
	if frames[1].Name != "outer" || frames[1].IsInlined || frames[1].CallSite != nil {
		t.Fatalf("frames[1] = %+v, want outer/non-inlined/no call site", frames[1])
	}
}
