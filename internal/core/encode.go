package core

// A32 instruction encodings synthesized by the instruction injection
// protocol (spec §4.D "Instruction injection protocol"). Only the
// encodings the driver actually issues are implemented.

// encodeMCR encodes "MCR p14, 0, Rn, c0, c5, 0" — move Rn into DBGDTRTX via
// the debug coprocessor, used by read_core_reg(n<15).
func encodeMCR(rn uint32) uint32 {
	return 0xEE000E15 | (rn << 12)
}

// encodeMRC encodes "MRC p14, 0, Rn, c0, c5, 0" — move DBGDTRRX into Rn,
// used when consuming a value written into DTRRX.
func encodeMRC(rn uint32) uint32 {
	return 0xEE100E15 | (rn << 12)
}

// encodeMOVRegPC encodes "MOV r0, pc".
func encodeMOVRegPC() uint32 { return 0xE1A0000F }

// encodeMOVPCReg encodes "MOV pc, r0" — used to write PC back during
// writeback.
func encodeMOVPCReg() uint32 { return 0xE1A0F000 }

// encodeMRSR0CPSR encodes "MRS r0, CPSR".
func encodeMRSR0CPSR() uint32 { return 0xE10F0000 }

// encodeMSRCPSRR0 encodes "MSR CPSR_fsxc, r0" — used to write CPSR back
// during writeback.
func encodeMSRCPSRR0() uint32 { return 0xE12FF000 }

// encodeVMOVToCore encodes "VMOV r0, Sn" for reading an FP single into r0.
func encodeVMOVToCore(sn uint32) uint32 {
	return 0xEE100A10 | ((sn >> 1) << 16) | ((sn & 1) << 7)
}

// encodeVMOVFromCore encodes "VMOV Sn, r0" for writing r0 into an FP
// single during register writeback — the reverse of encodeVMOVToCore,
// clearing the to_arm_register bit (bit 20) that selects direction.
func encodeVMOVFromCore(sn uint32) uint32 {
	return 0xEE000A10 | ((sn >> 1) << 16) | ((sn & 1) << 7)
}

// encodeLDCPostInc encodes "LDC p14, c5, [r0], #4" — the DCC read
// primitive used by read_word_32 and bulk DCC fast-mode reads.
func encodeLDCPostInc() uint32 { return 0xECB05E01 }

// encodeSTCPostInc encodes "STC p14, c5, [r0], #4" — the DCC write
// primitive used by write_word_32 and bulk DCC fast-mode writes.
func encodeSTCPostInc() uint32 { return 0xECA05E01 }
