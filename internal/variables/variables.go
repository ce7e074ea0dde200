// Package variables implements spec §4.G: lazily expanding DWARF variable
// trees against live memory and registers into a cached forest addressable
// by integer keys.
package variables

import (
	"debug/dwarf"
	"errors"
	"fmt"
)

// NodeKind distinguishes a materialized leaf from the three flavors of
// not-yet-expanded placeholder (spec §3 "node_type").
type NodeKind int

const (
	Leaf NodeKind = iota
	ExpandDie
	ExpandType
	ExpandPointer
)

// LocationKind is the tag of Variable.Location (spec §3 "memory_location").
type LocationKind int

const (
	LocUnknown LocationKind = iota
	LocAddress
	LocRegister
	LocComputed
	LocError
)

// Location is a resolved (or failed-to-resolve) storage location for a
// variable.
type Location struct {
	Kind    LocationKind
	Address uint64
	Reg     int
	Detail  string // LocComputed description or LocError message
}

// Variable is one node of the cache forest (spec §3).
type Variable struct {
	Key      int
	Parent   int // -1 for a root
	Name     string
	TypeName string
	Value    string
	Location Location

	kind      NodeKind
	dieOffset dwarf.Offset
	typeOff   dwarf.Offset
	pointerAt uint64
	children  []int
	expanded  bool
}

// Memory is the narrow collaborator the resolver needs to read target
// memory for Address and Pointer locations.
type Memory interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// FrameRegisters exposes the unwound register values an expand() call
// evaluates DW_AT_location expressions against (spec §4.G step 1: "the
// frame's registers").
type FrameRegisters interface {
	Register(dwarfNum int) (uint64, bool)
	CFA() uint64 // frame base for DW_OP_fbreg
}

var ErrUnknownKey = errors.New("variables: unknown node key")
var ErrNotExpandable = errors.New("variables: node has no further children")

// Cache is one frame's variable forest. Keys are stable for the cache's
// lifetime and invalidated wholesale by a fresh Cache per halt (spec §4.G
// "invalidated on any run").
type Cache struct {
	data  *dwarf.Data
	mem   Memory
	regs  FrameRegisters
	nodes []Variable
}

// NewCache creates an empty cache with Statics/Locals roots inserted as
// Expand(DieRef) placeholders (spec §4.G "at frame construction") and a
// Registers root that is an already-expanded leaf with no children.
func NewCache(data *dwarf.Data, mem Memory, regs FrameRegisters, staticsDie, localsDie dwarf.Offset) *Cache {
	c := &Cache{data: data, mem: mem, regs: regs}
	c.addRoot("Statics", staticsDie)
	c.addRoot("Locals", localsDie)
	c.addRegistersRoot()
	return c
}

func (c *Cache) addRoot(name string, die dwarf.Offset) int {
	key := len(c.nodes)
	c.nodes = append(c.nodes, Variable{
		Key: key, Parent: -1, Name: name,
		kind: ExpandDie, dieOffset: die,
	})
	return key
}

func (c *Cache) addRegistersRoot() int {
	key := len(c.nodes)
	c.nodes = append(c.nodes, Variable{
		Key: key, Parent: -1, Name: "Registers",
		kind: Leaf, expanded: true, // an already-expanded leaf: this package adds no register children
	})
	return key
}

// Get returns the node at key.
func (c *Cache) Get(key int) (Variable, error) {
	if key < 0 || key >= len(c.nodes) {
		return Variable{}, ErrUnknownKey
	}
	return c.nodes[key], nil
}

// Roots returns the top-level node keys (Statics, Locals, Registers).
func (c *Cache) Roots() []int {
	var out []int
	for _, n := range c.nodes {
		if n.Parent == -1 {
			out = append(out, n.Key)
		}
	}
	return out
}

// Expand materializes key's children, idempotently: a second call with no
// intervening invalidation returns the same child keys (spec §4.G
// invariant, §8 "variable-cache stability").
func (c *Cache) Expand(key int) ([]int, error) {
	if key < 0 || key >= len(c.nodes) {
		return nil, ErrUnknownKey
	}
	n := c.nodes[key]
	if n.expanded {
		return n.children, nil
	}

	var children []int
	var err error
	switch n.kind {
	case ExpandDie:
		children, err = c.expandDie(key, n.dieOffset)
	case ExpandType:
		children, err = c.expandType(key, n.typeOff)
	case ExpandPointer:
		children, err = c.expandPointer(key, n.pointerAt, n.typeOff)
	default:
		return nil, ErrNotExpandable
	}
	if err != nil {
		return nil, err
	}
	c.nodes[key].children = children
	c.nodes[key].expanded = true
	return children, nil
}

// expandDie walks the DIE's direct children (a lexical block's variables,
// or a struct's members) and creates a node per child (spec §4.G steps
// 1-4).
func (c *Cache) expandDie(parent int, off dwarf.Offset) ([]int, error) {
	reader := c.data.Reader()
	reader.Seek(off)
	entry, err := reader.Next()
	if err != nil || entry == nil {
		return nil, fmt.Errorf("variables: seek die %v: %w", off, err)
	}

	var out []int
	for {
		child, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if child == nil || child.Tag == 0 {
			break
		}
		if isScopeEnd(child) {
			break
		}
		switch child.Tag {
		case dwarf.TagVariable, dwarf.TagFormalParameter, dwarf.TagMember:
			key := c.materializeFromDie(parent, child)
			out = append(out, key)
			reader.SkipChildren()
		default:
			reader.SkipChildren()
		}
	}
	return out, nil
}

// isScopeEnd reports whether reader.Next has walked off the end of the
// parent's children (debug/dwarf's flat reader does not stop on its own,
// this is a coarse proxy used only for lexical blocks opened explicitly by
// the caller; top-level Reader.Seek-based iteration instead relies on tags
// and SkipChildren, so this always returns false for the common case).
func isScopeEnd(e *dwarf.Entry) bool { return false }

func (c *Cache) materializeFromDie(parent int, e *dwarf.Entry) int {
	name, _ := e.Val(dwarf.AttrName).(string)
	typeOff, _ := e.Val(dwarf.AttrType).(dwarf.Offset)

	key := len(c.nodes)
	v := Variable{Key: key, Parent: parent, Name: name, typeOff: typeOff}

	typ, err := c.resolveType(typeOff)
	if err != nil {
		v.Location = Location{Kind: LocError, Detail: err.Error()}
		v.kind = Leaf
		v.expanded = true
		c.nodes = append(c.nodes, v)
		return key
	}
	v.TypeName = typeName(typ)

	loc, locErr := c.evalLocation(e)
	v.Location = loc

	switch t := typ.(type) {
	case *dwarf.StructType:
		v.kind = ExpandType
	case *dwarf.ArrayType:
		v.kind = ExpandType
	case *dwarf.EnumType:
		v.kind = ExpandType
	case *dwarf.PtrType:
		if loc.Kind == LocAddress && c.mem != nil {
			if bytes, err := c.mem.ReadMemory(loc.Address, 4); err == nil {
				v.pointerAt = bytesToUint32LE(bytes)
			}
		}
		v.kind = ExpandPointer
		_ = t
	default:
		v.kind = Leaf
		v.expanded = true
		if locErr == nil && loc.Kind == LocAddress && c.mem != nil {
			v.Value = c.readBaseTypeValue(loc.Address, typ)
		} else if locErr != nil {
			v.Location = Location{Kind: LocError, Detail: locErr.Error()}
		}
	}
	c.nodes = append(c.nodes, v)
	return key
}

func (c *Cache) resolveType(off dwarf.Offset) (dwarf.Type, error) {
	if off == 0 {
		return nil, fmt.Errorf("variables: no DW_AT_type")
	}
	return c.data.Type(off)
}

func typeName(t dwarf.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

// expandType creates placeholder children for an aggregate type's members
// (spec §4.G step 3) — reached when a base-type expand has already
// happened and a further Expand(TypeRef) is requested for a struct/array
// value.
func (c *Cache) expandType(parent int, typeOff dwarf.Offset) ([]int, error) {
	t, err := c.resolveType(typeOff)
	if err != nil {
		return nil, err
	}
	parentVar := &c.nodes[parent]
	switch st := t.(type) {
	case *dwarf.StructType:
		var out []int
		for _, f := range st.Field {
			key := len(c.nodes)
			loc := memberLocation(parentVar.Location, f.ByteOffset)
			v := Variable{
				Key: key, Parent: parent, Name: f.Name,
				TypeName: typeName(f.Type), Location: loc,
			}
			classifyAndMaybeRead(c, &v, f.Type)
			c.nodes = append(c.nodes, v)
			out = append(out, key)
		}
		return out, nil
	case *dwarf.ArrayType:
		var out []int
		elemSize := st.Type.Size()
		count := arrayCount(st)
		for i := int64(0); i < count; i++ {
			key := len(c.nodes)
			loc := memberLocation(parentVar.Location, i*elemSize)
			v := Variable{
				Key: key, Parent: parent, Name: fmt.Sprintf("[%d]", i),
				TypeName: typeName(st.Type), Location: loc,
			}
			classifyAndMaybeRead(c, &v, st.Type)
			c.nodes = append(c.nodes, v)
			out = append(out, key)
		}
		return out, nil
	default:
		return nil, ErrNotExpandable
	}
}

func arrayCount(t *dwarf.ArrayType) int64 {
	if t.Count >= 0 {
		return t.Count
	}
	return 0
}

func memberLocation(parent Location, byteOffset int64) Location {
	if parent.Kind != LocAddress {
		return Location{Kind: LocUnknown}
	}
	return Location{Kind: LocAddress, Address: uint64(int64(parent.Address) + byteOffset)}
}

func classifyAndMaybeRead(c *Cache, v *Variable, t dwarf.Type) {
	switch t.(type) {
	case *dwarf.StructType, *dwarf.ArrayType, *dwarf.EnumType:
		v.kind = ExpandType
	case *dwarf.PtrType:
		if v.Location.Kind == LocAddress && c.mem != nil {
			if bytes, err := c.mem.ReadMemory(v.Location.Address, 4); err == nil {
				v.pointerAt = bytesToUint32LE(bytes)
			}
		}
		v.kind = ExpandPointer
	default:
		v.kind = Leaf
		v.expanded = true
		if v.Location.Kind == LocAddress && c.mem != nil {
			v.Value = c.readBaseTypeValue(v.Location.Address, t)
		}
	}
}

// expandPointer dereferences a pointer value and materializes the pointee
// as a single child (spec §4.G step 4). Re-dereferencing the same
// (DIE, address) pair terminates as a leaf back-reference rather than
// recursing, per spec §8 "variable graphs cycles".
func (c *Cache) expandPointer(parent int, addr uint64, typeOff dwarf.Offset) ([]int, error) {
	if addr == 0 {
		return nil, nil
	}
	if c.wouldRevisit(parent, typeOff, addr) {
		key := len(c.nodes)
		c.nodes = append(c.nodes, Variable{
			Key: key, Parent: parent, Name: "*",
			Value: fmt.Sprintf("<cycle: %#x>", addr),
			kind:  Leaf, expanded: true,
		})
		return []int{key}, nil
	}
	t, err := c.resolveType(typeOff)
	if err != nil {
		return nil, err
	}
	ptrType, ok := t.(*dwarf.PtrType)
	if !ok {
		return nil, ErrNotExpandable
	}
	key := len(c.nodes)
	v := Variable{
		Key: key, Parent: parent, Name: "*",
		TypeName: typeName(ptrType.Type),
		Location: Location{Kind: LocAddress, Address: addr},
	}
	classifyAndMaybeRead(c, &v, ptrType.Type)
	c.nodes = append(c.nodes, v)
	return []int{key}, nil
}

// wouldRevisit walks the parent chain looking for an ancestor that already
// expanded the same type at the same address — the DIE-offset-keyed cycle
// guard spec §3/§8 describes for linked structures.
func (c *Cache) wouldRevisit(parent int, typeOff dwarf.Offset, addr uint64) bool {
	for p := c.nodes[parent].Parent; p >= 0; p = c.nodes[p].Parent {
		n := c.nodes[p]
		if n.typeOff == typeOff && n.pointerAt == addr && addr != 0 {
			return true
		}
	}
	return false
}

func bytesToUint32LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 4; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
