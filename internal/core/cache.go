package core

// cacheEntry holds one cached register value and its dirty bit (spec §3
// CoreState.register_cache).
type cacheEntry struct {
	value uint64
	dirty bool
}

// registerCache is valid only while the core is Halted (spec §3
// invariant: dirty entries may exist only while Halted).
type registerCache struct {
	entries map[RegisterID]cacheEntry
}

func newRegisterCache() *registerCache {
	return &registerCache{entries: make(map[RegisterID]cacheEntry)}
}

func (c *registerCache) get(id RegisterID) (uint64, bool) {
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return e.value, true
}

func (c *registerCache) store(id RegisterID, value uint64) {
	e := c.entries[id]
	e.value = value
	c.entries[id] = e
}

func (c *registerCache) setDirty(id RegisterID, value uint64) {
	c.entries[id] = cacheEntry{value: value, dirty: true}
}

// dirtyInWritebackOrder returns the dirty register ids in the order
// writeback must apply them: FP, then CPSR (via MSR), then PC (via
// MOV pc,r0), then GP — because later writes clobber r0/r1, GP must come
// last (spec §4.D "Register cache").
func (c *registerCache) dirtyInWritebackOrder() []RegisterID {
	var fp, gp []RegisterID
	haveCPSR, havePC := false, false
	for id, e := range c.entries {
		if !e.dirty {
			continue
		}
		switch {
		case id == CPSR:
			haveCPSR = true
		case id == PC:
			havePC = true
		case id >= firstFPReg && id <= FPEXC:
			fp = append(fp, id)
		default:
			gp = append(gp, id)
		}
	}
	order := make([]RegisterID, 0, len(fp)+len(gp)+2)
	order = append(order, fp...)
	if haveCPSR {
		order = append(order, CPSR)
	}
	if havePC {
		order = append(order, PC)
	}
	order = append(order, gp...)
	return order
}

// clear drops the entire cache; called after writeback completes (spec
// §4.D "Register cache": "After writeback, the entire cache is cleared.")
func (c *registerCache) clear() {
	c.entries = make(map[RegisterID]cacheEntry)
}
