package variables

import (
	"debug/dwarf"
	"testing"
)

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

type fakeFrame struct {
	regs map[int]uint64
	cfa  uint64
}

func (f *fakeFrame) Register(n int) (uint64, bool) { v, ok := f.regs[n]; return v, ok }
func (f *fakeFrame) CFA() uint64                    { return f.cfa }

func entryWithLocation(raw []byte) *dwarf.Entry {
	return &dwarf.Entry{
		Field: []dwarf.Field{
			{Attr: dwarf.AttrLocation, Val: raw},
		},
	}
}

func TestEvalLocationDWOpAddr(t *testing.T) {
	c := &Cache{}
	raw := []byte{0x03, 0x00, 0x10, 0x00, 0x20, 0, 0, 0, 0} // DW_OP_addr 0x20001000
	loc, err := c.evalLocation(entryWithLocation(raw))
	if err != nil {
		t.Fatalf("evalLocation: %v", err)
	}
	if loc.Kind != LocAddress || loc.Address != 0x2000_1000 {
		t.Fatalf("loc = %+v, want address 0x20001000", loc)
	}
}

func TestEvalLocationDWOpFbreg(t *testing.T) {
	c := &Cache{regs: &fakeFrame{cfa: 0x2000_0F80}}
	raw := []byte{0x91, 0x7c} // DW_OP_fbreg -4 (sleb128 0x7c = -4)
	loc, err := c.evalLocation(entryWithLocation(raw))
	if err != nil {
		t.Fatalf("evalLocation: %v", err)
	}
	if loc.Kind != LocAddress || loc.Address != 0x2000_0F80-4 {
		t.Fatalf("loc = %+v, want address %#x", loc, 0x2000_0F80-4)
	}
}

func TestEvalLocationRegisterRule(t *testing.T) {
	c := &Cache{}
	raw := []byte{0x50} // DW_OP_reg0
	loc, err := c.evalLocation(entryWithLocation(raw))
	if err != nil {
		t.Fatalf("evalLocation: %v", err)
	}
	if loc.Kind != LocRegister || loc.Reg != 0 {
		t.Fatalf("loc = %+v, want register 0", loc)
	}
}

func TestEvalLocationUnsupportedOpcode(t *testing.T) {
	c := &Cache{}
	raw := []byte{0x9c} // DW_OP_call_frame_cfa, not handled
	if _, err := c.evalLocation(entryWithLocation(raw)); err == nil {
		t.Fatalf("evalLocation with unsupported opcode: want error, got nil")
	}
}

func TestSleb128Decode(t *testing.T) {
	cases := []struct {
		bytes []byte
		want  int64
	}{
		{[]byte{0x02}, 2},
		{[]byte{0x7e}, -2},
		{[]byte{0x7c}, -4},
		{[]byte{0xff, 0x00}, 127},
	}
	for _, tc := range cases {
		got, _, err := sleb128(tc.bytes)
		if err != nil {
			t.Fatalf("sleb128(%v): %v", tc.bytes, err)
		}
		if got != tc.want {
			t.Fatalf("sleb128(%v) = %d, want %d", tc.bytes, got, tc.want)
		}
	}
}

// TestExpandIdempotent is the §8 "variable-cache stability" property:
// expand(k) called twice without an intervening run returns the same
// child keys.
func TestExpandIdempotent(t *testing.T) {
	c := &Cache{mem: &fakeMemory{}}
	root := len(c.nodes)
	c.nodes = append(c.nodes, Variable{Key: root, Parent: -1, kind: Leaf})
	// Force a pre-materialized children list to simulate a prior Expand.
	c.nodes[root].expanded = true
	c.nodes[root].children = []int{1, 2}
	c.nodes = append(c.nodes, Variable{Key: 1, Parent: root}, Variable{Key: 2, Parent: root})

	first, err := c.Expand(root)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	second, err := c.Expand(root)
	if err != nil {
		t.Fatalf("Expand (second): %v", err)
	}
	if len(first) != len(second) || first[0] != second[0] || first[1] != second[1] {
		t.Fatalf("Expand not idempotent: %v != %v", first, second)
	}
}

// TestExpandPointerCycleTerminatesAsLeaf covers the §8 "variable graphs
// cycles" edge case: re-dereferencing the same (type, address) pair along
// a parent chain must produce a leaf back-reference, not recurse.
func TestExpandPointerCycleTerminatesAsLeaf(t *testing.T) {
	c := &Cache{mem: &fakeMemory{}}
	const nodeType = dwarf.Offset(0x100)
	const addr = uint64(0x2000_0000)

	root := 0
	c.nodes = append(c.nodes, Variable{Key: root, Parent: -1, typeOff: nodeType, pointerAt: addr})
	// A descendant pointer with the same type and address closes the cycle.
	inner := 1
	c.nodes = append(c.nodes, Variable{Key: inner, Parent: root, typeOff: nodeType, pointerAt: addr})

	children, err := c.expandPointer(inner, addr, nodeType)
	if err != nil {
		t.Fatalf("expandPointer: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expandPointer returned %d children, want 1", len(children))
	}
	child := c.nodes[children[0]]
	if child.kind != Leaf || !child.expanded {
		t.Fatalf("cyclic pointer child = %+v, want an already-expanded leaf", child)
	}
}
