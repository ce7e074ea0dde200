package dap

import (
	"fmt"
	"strconv"
	"strings"
)

// parseHexAddr parses a DAP memoryReference/instructionReference string
// (e.g. "0x08000100") into a 32-bit target address.
func parseHexAddr(ref string) (uint32, error) {
	s := strings.TrimPrefix(ref, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("dap: invalid address reference %q: %w", ref, err)
	}
	return uint32(v), nil
}
