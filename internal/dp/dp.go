// Package dp implements the typed debug-port/access-port layer of spec
// §4.C: DP registers (CTRL/STAT, ABORT, SELECT, RDBUFF, DPIDR) and AP
// registers (CSW, TAR, DRW, IDR, BASE), with word-level MEM-AP memory
// access built on top of the transfer engine.
package dp

import (
	"fmt"

	"github.com/probe-debug/coredebugger/internal/transfer"
)

// CTRL/STAT bits this package cares about (ADIv5).
const (
	ctrlstatCSYSPWRUPREQ = 1 << 30
	ctrlstatCSYSPWRUPACK = 1 << 31
	ctrlstatCDBGPWRUPREQ = 1 << 28
	ctrlstatCDBGPWRUPACK = 1 << 29
)

// CSW bits controlling MEM-AP transfer size and auto-increment.
type TransferSize int

const (
	Size8 TransferSize = iota
	Size16
	Size32
)

const (
	cswSizeMask    = 0x7
	cswAddrIncMask = 0x3 << 4
	cswAddrIncSingle = 0x1 << 4
)

// DebugPort owns the process-wide SELECT state for one session: which AP
// and bank are currently selected, and cached CTRL/STAT. Spec §3
// invariant: before issuing an AP access at (ap, bank), SELECT must
// reflect (ap, bank); DebugPort is the sole writer of SELECT.
type DebugPort struct {
	engine *transfer.Engine

	selectedAP   uint8
	selectedBank uint8
	haveSelected bool
	seenResets   int

	ctrlStat     uint32
	stickyOrun   bool
	stickyErr    bool
}

// New builds a DebugPort driving the given transfer engine.
func New(engine *transfer.Engine) *DebugPort {
	return &DebugPort{engine: engine, seenResets: engine.Resets()}
}

// noticeResets invalidates the cached SELECT state if the engine has
// performed a line reset since we last checked (spec §4.B "Line reset"
// implicitly deselects any multidrop target). Called after every Submit.
func (d *DebugPort) noticeResets() {
	if cur := d.engine.Resets(); cur != d.seenResets {
		d.seenResets = cur
		d.InvalidateSelect()
	}
}

// submit is the sole path to the transfer engine for this package and
// MemAP; every caller goes through it so noticeResets always runs.
func (d *DebugPort) submit(batch []transfer.Transfer) ([]transfer.Transfer, error) {
	out, err := d.engine.Submit(batch)
	d.noticeResets()
	return out, err
}

// ReadDPIDR reads the DP identification register.
func (d *DebugPort) ReadDPIDR() (uint32, error) {
	out, err := d.submit([]transfer.Transfer{
		{Port: transfer.PortDP, Dir: transfer.Read, Address: transfer.RegDPIDR},
	})
	if err != nil {
		return 0, err
	}
	return out[0].Value, nil
}

// ReadCtrlStat reads and caches CTRL/STAT.
func (d *DebugPort) ReadCtrlStat() (uint32, error) {
	out, err := d.submit([]transfer.Transfer{
		{Port: transfer.PortDP, Dir: transfer.Read, Address: transfer.RegCTRLSTAT},
	})
	if err != nil {
		return 0, err
	}
	d.ctrlStat = out[0].Value
	return d.ctrlStat, nil
}

// PowerUp requests system and debug domain power-up and waits (via repeat
// reads the caller loops on) for both acks; a single attempt is made here,
// callers poll PowerUp until it reports ready.
func (d *DebugPort) PowerUp() (ready bool, err error) {
	want := uint32(ctrlstatCSYSPWRUPREQ | ctrlstatCDBGPWRUPREQ)
	_, err = d.submit([]transfer.Transfer{
		{Port: transfer.PortDP, Dir: transfer.Write, Address: transfer.RegCTRLSTAT, Value: want},
	})
	if err != nil {
		return false, err
	}
	cs, err := d.ReadCtrlStat()
	if err != nil {
		return false, err
	}
	ready = cs&ctrlstatCSYSPWRUPACK != 0 && cs&ctrlstatCDBGPWRUPACK != 0
	return ready, nil
}

// selectAP emits a SELECT write if (ap,bank) differs from the cached
// selection; DebugPort is the only writer of SELECT (spec §3 invariant).
func (d *DebugPort) selectAP(ap, bank uint8) ([]transfer.Transfer, bool) {
	if d.haveSelected && d.selectedAP == ap && d.selectedBank == bank {
		return nil, false
	}
	selectValue := uint32(ap)<<24 | uint32(bank)<<4
	d.selectedAP = ap
	d.selectedBank = bank
	d.haveSelected = true
	return []transfer.Transfer{
		{Port: transfer.PortDP, Dir: transfer.Write, Address: transfer.RegSELECT, Value: selectValue},
	}, true
}

// InvalidateSelect forces the next AP access to re-issue SELECT; called
// after a line reset, which implicitly deselects any multidrop target
// (spec §4.B "Line reset").
func (d *DebugPort) InvalidateSelect() {
	d.haveSelected = false
}

// ReadAPRegister reads one AP register (bank implied by addr[7:4]).
func (d *DebugPort) ReadAPRegister(ap uint8, addr uint8) (uint32, error) {
	batch, _ := d.selectAP(ap, addr>>4)
	batch = append(batch, transfer.Transfer{Port: transfer.PortAP, Dir: transfer.Read, Address: addr & 0xF})
	out, err := d.submit(batch)
	if err != nil {
		return 0, err
	}
	return out[len(out)-1].Value, nil
}

// WriteAPRegister writes one AP register.
func (d *DebugPort) WriteAPRegister(ap uint8, addr uint8, value uint32) error {
	batch, _ := d.selectAP(ap, addr>>4)
	batch = append(batch, transfer.Transfer{Port: transfer.PortAP, Dir: transfer.Write, Address: addr & 0xF, Value: value})
	_, err := d.submit(batch)
	return err
}

// APIdentity is the immutable IDR-derived identity of an access port.
type APIdentity struct {
	Class    uint8
	Designer uint16
	Variant  uint8
	IsMemAP  bool
}

// ReadIDR reads and decodes an AP's IDR register.
func (d *DebugPort) ReadIDR(ap uint8) (APIdentity, error) {
	v, err := d.ReadAPRegister(ap, transfer.RegIDR)
	if err != nil {
		return APIdentity{}, err
	}
	class := uint8((v >> 13) & 0xF)
	return APIdentity{
		Class:    class,
		Designer: uint16((v >> 17) & 0x7FF),
		Variant:  uint8((v >> 4) & 0xF),
		IsMemAP:  class == 0x8,
	}, nil
}

// MemAP is a MEM-AP's typed register window: CSW controls transfer size
// and auto-increment, TAR is the target address, DRW is the data window,
// BASE points at a ROM table or debug component (spec §3 "AccessPort").
type MemAP struct {
	dp    *DebugPort
	index uint8
	csw   uint32
}

// NewMemAP wraps AP index `index` as a memory access port.
func NewMemAP(d *DebugPort, index uint8) *MemAP {
	return &MemAP{dp: d, index: index}
}

func (m *MemAP) setCSW(size TransferSize, autoIncrement bool) error {
	csw := uint32(size) & cswSizeMask
	if autoIncrement {
		csw |= cswAddrIncSingle
	}
	if csw == m.csw {
		return nil
	}
	if err := m.dp.WriteAPRegister(m.index, transfer.RegCSW, csw); err != nil {
		return err
	}
	m.csw = csw
	return nil
}

// ReadWord32 reads a single 32-bit word at addr. The value is returned
// exactly as received on the wire (LSB-first, 32-bit units per ADI); the
// core driver layer is responsible for any endianness swap, per spec §9
// "Endianness" (the transfer/dp layers are endian-oblivious).
func (m *MemAP) ReadWord32(addr uint32) (uint32, error) {
	if err := m.setCSW(Size32, false); err != nil {
		return 0, err
	}
	if err := m.dp.WriteAPRegister(m.index, transfer.RegTAR, addr); err != nil {
		return 0, err
	}
	v, err := m.dp.ReadAPRegister(m.index, transfer.RegDRW)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// WriteWord32 writes a single 32-bit word at addr.
func (m *MemAP) WriteWord32(addr uint32, value uint32) error {
	if err := m.setCSW(Size32, false); err != nil {
		return err
	}
	if err := m.dp.WriteAPRegister(m.index, transfer.RegTAR, addr); err != nil {
		return err
	}
	return m.dp.WriteAPRegister(m.index, transfer.RegDRW, value)
}

// ReadBlock32 reads n consecutive 32-bit words starting at addr, batching
// the DRW reads behind a single trailing RDBUFF drain (spec §4.C step 3).
func (m *MemAP) ReadBlock32(addr uint32, n int) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := m.setCSW(Size32, true); err != nil {
		return nil, err
	}
	if err := m.dp.WriteAPRegister(m.index, transfer.RegTAR, addr); err != nil {
		return nil, err
	}
	batch, _ := m.dp.selectAP(m.index, transfer.RegDRW>>4)
	for i := 0; i < n; i++ {
		batch = append(batch, transfer.Transfer{Port: transfer.PortAP, Dir: transfer.Read, Address: transfer.RegDRW & 0xF})
	}
	out, err := m.dp.submit(batch)
	if err != nil {
		return nil, err
	}
	result := make([]uint32, n)
	// the last n entries of out correspond to the n DRW reads issued above.
	offset := len(out) - n
	for i := 0; i < n; i++ {
		result[i] = out[offset+i].Value
	}
	return result, nil
}

// WriteBlock32 writes n consecutive 32-bit words starting at addr.
func (m *MemAP) WriteBlock32(addr uint32, values []uint32) error {
	if len(values) == 0 {
		return nil
	}
	if err := m.setCSW(Size32, true); err != nil {
		return err
	}
	if err := m.dp.WriteAPRegister(m.index, transfer.RegTAR, addr); err != nil {
		return err
	}
	batch, _ := m.dp.selectAP(m.index, transfer.RegDRW>>4)
	for _, v := range values {
		batch = append(batch, transfer.Transfer{Port: transfer.PortAP, Dir: transfer.Write, Address: transfer.RegDRW & 0xF, Value: v})
	}
	_, err := m.dp.submit(batch)
	return err
}

// ReadNarrow synthesizes a misaligned or narrower-than-32-bit access by
// read-modify-write of the containing 32-bit word (spec §4.C).
func (m *MemAP) ReadNarrow(addr uint32, size int) ([]byte, error) {
	if size != 1 && size != 2 {
		return nil, fmt.Errorf("dp: unsupported narrow size %d", size)
	}
	base := addr &^ 0x3
	word, err := m.ReadWord32(base)
	if err != nil {
		return nil, err
	}
	shift := (addr - base) * 8
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = byte(word >> (shift + uint32(i)*8))
	}
	return out, nil
}

// WriteNarrow performs the read-modify-write counterpart of ReadNarrow.
func (m *MemAP) WriteNarrow(addr uint32, data []byte) error {
	if len(data) != 1 && len(data) != 2 {
		return fmt.Errorf("dp: unsupported narrow size %d", len(data))
	}
	base := addr &^ 0x3
	word, err := m.ReadWord32(base)
	if err != nil {
		return err
	}
	shift := (addr - base) * 8
	for i := range data {
		byteMask := uint32(0xFF) << (shift + uint32(i)*8)
		word = (word &^ byteMask) | (uint32(data[i]) << (shift + uint32(i)*8))
	}
	return m.WriteWord32(base, word)
}
