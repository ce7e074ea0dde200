// Package dwarfinfo implements spec §4.E: resolving a function name and
// source location from a PC, and resolving halt-legal addresses in both
// directions (PC → breakpoint address, source line → address). ELF
// parsing itself is an external collaborator per spec §1; this package
// consumes the standard library's debug/dwarf reader as the concrete
// DWARF provider.
package dwarfinfo

import (
	"debug/dwarf"
	"errors"
	"fmt"
)

// Errors per spec §7.
var (
	ErrNoDebugInfo        = errors.New("dwarfinfo: no debug information available")
	ErrNoValidHaltLocation = errors.New("dwarfinfo: no valid halt location past pc")
)

// SourceLocation is returned by SourceLocation and embedded in
// HaltLocations (spec §4.E).
type SourceLocation struct {
	File          string
	Dir           string
	Line          int
	Col           int
	SequenceStart uint64
	SequenceEnd   uint64
}

// HaltLocations is the bundle returned by GetHaltLocations and
// GetBreakpointLocation (spec §4.E).
type HaltLocations struct {
	FirstHaltAddress       uint64
	FirstHaltSourceLocation *SourceLocation
	NextStatementAddress   *uint64
	StepOutAddress         *uint64
}

// lineRow mirrors one row of the DWARF line number program, as produced by
// debug/dwarf's LineReader.
type lineRow struct {
	Address     uint64
	File        string
	Dir         string
	Line        int
	Col         int
	IsStmt      bool
	EndSequence bool
}

// funcRange is one function's PC range and name, derived from DW_TAG_subprogram
// DIEs. Inlines holds nested DW_TAG_inlined_subroutine ranges.
type funcRange struct {
	Name  string
	Low   uint64
	High  uint64
	Inlines []inlineRange
}

// inlineRange is one inlined call site: the PC range the inlined body
// covers and the call-site source line in the enclosing function (spec
// §4.F scenario 4).
type inlineRange struct {
	Name     string
	Low      uint64
	High     uint64
	CallFile string
	CallLine int
}

// Provider is the debug-info layer's public contract (spec §4.E).
type Provider struct {
	data  *dwarf.Data
	rows  []lineRow // flattened, address-sorted line program rows across all units
	funcs []funcRange
}

// New builds a Provider over dwarf data, eagerly flattening the line
// program and function ranges (a real implementation would do this
// lazily per compile unit; eagerness here keeps the lookup logic simple
// and is acceptable for typical embedded firmware images).
func New(data *dwarf.Data) (*Provider, error) {
	if data == nil {
		return nil, ErrNoDebugInfo
	}
	p := &Provider{data: data}
	if err := p.loadLineProgram(); err != nil {
		return nil, err
	}
	if err := p.loadFunctions(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) loadLineProgram() error {
	reader := p.data.Reader()
	for {
		cu, err := reader.Next()
		if err != nil {
			return err
		}
		if cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}
		lr, err := p.data.LineReader(cu)
		if err != nil || lr == nil {
			reader.SkipChildren()
			continue
		}
		var entry dwarf.LineEntry
		var seqStart uint64
		haveStart := false
		for {
			if err := lr.Next(&entry); err != nil {
				break
			}
			if !haveStart {
				seqStart = entry.Address
				haveStart = true
			}
			row := lineRow{
				Address:     entry.Address,
				Line:        entry.Line,
				Col:         entry.Column,
				IsStmt:      entry.IsStmt,
				EndSequence: entry.EndSequence,
			}
			if entry.File != nil {
				row.File = entry.File.Name
			}
			p.rows = append(p.rows, row)
			if entry.EndSequence {
				haveStart = false
				_ = seqStart
			}
		}
		reader.SkipChildren()
	}
	sortRowsByAddress(p.rows)
	return nil
}

func sortRowsByAddress(rows []lineRow) {
	// Small, stable insertion sort: line programs are nearly sorted
	// already within a unit and units are processed in order.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j-1].Address > rows[j].Address; j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
}

func (p *Provider) loadFunctions() error {
	reader := p.data.Reader()
	var stack []*funcRange
	for {
		entry, err := reader.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagSubprogram:
			low, lok := entry.Val(dwarf.AttrLowpc).(uint64)
			high, hok := highPC(entry, low)
			name, _ := entry.Val(dwarf.AttrName).(string)
			if lok && hok {
				fr := funcRange{Name: name, Low: low, High: high}
				p.funcs = append(p.funcs, fr)
				stack = append(stack, &p.funcs[len(p.funcs)-1])
			}
		case dwarf.TagInlinedSubroutine:
			if len(stack) == 0 {
				break
			}
			parent := stack[len(stack)-1]
			low, lok := entry.Val(dwarf.AttrLowpc).(uint64)
			high, hok := highPC(entry, low)
			name, _ := entry.Val(dwarf.AttrName).(string)
			callLine, _ := entry.Val(dwarf.AttrCallLine).(int64)
			callFile, _ := entry.Val(dwarf.AttrCallFile).(int64)
			if lok && hok {
				parent.Inlines = append(parent.Inlines, inlineRange{
					Name:     name,
					Low:      low,
					High:     high,
					CallLine: int(callLine),
					CallFile: fmt.Sprintf("file#%d", callFile),
				})
			}
		}
	}
	return nil
}

// highPC resolves DW_AT_high_pc, which DWARF4+ may encode as an offset
// from low_pc rather than an absolute address.
func highPC(entry *dwarf.Entry, low uint64) (uint64, bool) {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		if v < low {
			return low + v, true
		}
		return v, true
	case int64:
		return low + uint64(v), true
	default:
		return 0, false
	}
}

// FunctionName returns the innermost function covering pc (spec §4.E).
func (p *Provider) FunctionName(pc uint64, includeInlines bool) (string, bool) {
	for i := len(p.funcs) - 1; i >= 0; i-- {
		f := p.funcs[i]
		if pc < f.Low || pc >= f.High {
			continue
		}
		if includeInlines {
			for _, inl := range f.Inlines {
				if pc >= inl.Low && pc < inl.High {
					return inl.Name, true
				}
			}
		}
		return f.Name, true
	}
	return "", false
}

// FuncRange and InlineRange are the exported counterparts of funcRange/
// inlineRange, letting a caller build a Provider directly from
// already-resolved function ranges (NewFromFunctionRanges) instead of a
// full DWARF section — used by internal/unwind's tests to exercise
// FunctionsContaining/Unwind's inline handling (spec §8 Scenario 4)
// without assembling real DWARF DIEs.
type FuncRange struct {
	Name    string
	Low     uint64
	High    uint64
	Inlines []InlineRange
}

type InlineRange struct {
	Name     string
	Low      uint64
	High     uint64
	CallFile string
	CallLine int
}

// NewFromFunctionRanges builds a Provider with no line program, only the
// given function/inline ranges.
func NewFromFunctionRanges(funcs []FuncRange) *Provider {
	p := &Provider{}
	for _, f := range funcs {
		fr := funcRange{Name: f.Name, Low: f.Low, High: f.High}
		for _, inl := range f.Inlines {
			fr.Inlines = append(fr.Inlines, inlineRange{
				Name: inl.Name, Low: inl.Low, High: inl.High,
				CallFile: inl.CallFile, CallLine: inl.CallLine,
			})
		}
		p.funcs = append(p.funcs, fr)
	}
	return p
}

// Frame is one entry of FunctionsContaining: a function or inlined-
// subroutine name, plus — for inlined frames — the call-site location
// recorded on the DW_TAG_inlined_subroutine DIE itself (spec §4.F step 2
// "call-site PC from the outer inlined-subroutine DIE"). CallSite is nil
// for the outermost, non-inlined frame, whose location is the real PC.
type Frame struct {
	Name      string
	IsInlined bool
	CallSite  *SourceLocation
}

// FunctionsContaining returns, innermost first, the function (and any
// inlined frames) covering pc — used by the unwinder (spec §4.F step 2).
func (p *Provider) FunctionsContaining(pc uint64) []Frame {
	var frames []Frame
	for _, f := range p.funcs {
		if pc < f.Low || pc >= f.High {
			continue
		}
		for _, inl := range f.Inlines {
			if pc >= inl.Low && pc < inl.High {
				frames = append(frames, Frame{
					Name:      inl.Name,
					IsInlined: true,
					CallSite:  &SourceLocation{File: inl.CallFile, Line: inl.CallLine},
				})
			}
		}
		frames = append(frames, Frame{Name: f.Name})
	}
	return frames
}

// SourceLocation resolves the source file/line/col covering pc (spec
// §4.E).
func (p *Provider) SourceLocation(pc uint64) (*SourceLocation, bool) {
	idx := p.rowBeforeOrAt(pc)
	if idx < 0 || p.rows[idx].EndSequence {
		return nil, false
	}
	return p.sourceLocationForRow(idx), true
}

func (p *Provider) sourceLocationForRow(idx int) *SourceLocation {
	r := p.rows[idx]
	start, end := p.sequenceBounds(idx)
	return &SourceLocation{
		File: r.File, Line: r.Line, Col: r.Col,
		SequenceStart: start, SequenceEnd: end,
	}
}

// sequenceBounds finds the [start, end) address range of the line-program
// sequence containing rows[idx], bounded by the nearest end_sequence rows.
func (p *Provider) sequenceBounds(idx int) (start, end uint64) {
	s := idx
	for s > 0 && !p.rows[s-1].EndSequence {
		s--
	}
	start = p.rows[s].Address
	e := idx
	for e < len(p.rows) && !p.rows[e].EndSequence {
		e++
	}
	if e < len(p.rows) {
		end = p.rows[e].Address
	}
	return start, end
}

// rowBeforeOrAt returns the index of the last row with Address <= pc, or
// -1 if none.
func (p *Provider) rowBeforeOrAt(pc uint64) int {
	best := -1
	for i, r := range p.rows {
		if r.Address <= pc {
			best = i
		} else {
			break
		}
	}
	return best
}

// GetHaltLocations implements spec §4.E: first_halt_address is the first
// is_stmt row at or after pc (ErrNoValidHaltLocation if that row ends a
// sequence); the function prologue is not consulted.
// next_statement_address is the first is_stmt, non-end-sequence row
// strictly after pc in the same sequence. step_out_address is the first
// statement at or after the end of the inlined range containing pc, or
// otherwise at or after returnAddr; non-returning functions are not
// detected.
func (p *Provider) GetHaltLocations(pc uint64, returnAddr *uint64) (HaltLocations, error) {
	firstIdx := p.firstStmtAtOrAfter(pc)
	if firstIdx < 0 {
		return HaltLocations{}, ErrNoValidHaltLocation
	}
	if p.rows[firstIdx].EndSequence {
		return HaltLocations{}, ErrNoValidHaltLocation
	}

	hl := HaltLocations{
		FirstHaltAddress:        p.rows[firstIdx].Address,
		FirstHaltSourceLocation: p.sourceLocationForRow(firstIdx),
	}

	nextIdx := firstIdx
	if p.rows[firstIdx].Address <= pc {
		nextIdx = p.firstStmtStrictlyAfter(firstIdx)
	}
	if nextIdx >= 0 {
		addr := p.rows[nextIdx].Address
		hl.NextStatementAddress = &addr
	}

	hl.StepOutAddress = p.stepOutAddress(pc, returnAddr)
	return hl, nil
}

func (p *Provider) stepOutAddress(pc uint64, returnAddr *uint64) *uint64 {
	for _, f := range p.funcs {
		for _, inl := range f.Inlines {
			if pc >= inl.Low && pc < inl.High {
				addr := inl.High
				if idx := p.firstStmtAtOrAfter(addr); idx >= 0 && !p.rows[idx].EndSequence {
					v := p.rows[idx].Address
					return &v
				}
				return nil
			}
		}
	}
	if returnAddr == nil {
		return nil
	}
	idx := p.firstStmtAtOrAfter(*returnAddr)
	if idx < 0 || p.rows[idx].EndSequence {
		return nil
	}
	v := p.rows[idx].Address
	return &v
}

func (p *Provider) firstStmtAtOrAfter(pc uint64) int {
	for i, r := range p.rows {
		if r.Address >= pc && r.IsStmt {
			return i
		}
	}
	return -1
}

func (p *Provider) firstStmtStrictlyAfter(idx int) int {
	addr := p.rows[idx].Address
	for i := idx + 1; i < len(p.rows); i++ {
		if p.rows[i].Address <= addr {
			continue
		}
		if p.rows[i].EndSequence {
			return -1
		}
		if p.rows[i].IsStmt {
			return i
		}
	}
	return -1
}

// GetBreakpointLocation resolves a source file/line (and optional column)
// to a HaltLocations, the from-source counterpart of GetHaltLocations
// (spec §4.E, §8 scenario 5).
func (p *Provider) GetBreakpointLocation(path string, line int, col *int) (HaltLocations, error) {
	for _, r := range p.rows {
		if r.EndSequence || r.Line != line || !r.IsStmt {
			continue
		}
		if !sameFile(r.File, path) {
			continue
		}
		if col != nil && r.Col != *col {
			continue
		}
		return p.GetHaltLocations(r.Address, nil)
	}
	return HaltLocations{}, ErrNoValidHaltLocation
}

func sameFile(a, b string) bool {
	return a == b || (len(a) >= len(b) && a[len(a)-len(b):] == b)
}
