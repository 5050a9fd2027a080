package rv64

// Op is a closed tag for every instruction this engine executes. Decode
// produces one of these from the raw word; Execute switches on it instead of
// re-deriving opcode/funct3/funct7 combinations inline the way a naive
// interpreter loop would.
type Op int

const (
	OpIllegal Op = iota
	OpLUI
	OpAUIPC
	OpJAL
	OpJALR
	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU
	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU
	OpSB
	OpSH
	OpSW
	OpSD
	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI
	OpADDIW
	OpSLLIW
	OpSRLIW
	OpSRAIW
	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND
	OpADDW
	OpSUBW
	OpSLLW
	OpSRLW
	OpSRAW
	OpMUL
	OpMULH
	OpMULHSU
	OpMULHU
	OpDIV
	OpDIVU
	OpREM
	OpREMU
	OpMULW
	OpDIVW
	OpDIVUW
	OpREMW
	OpREMUW
	OpFENCE
	OpFENCEI
	OpECALL
	OpEBREAK
	OpMRET
	OpSRET
	OpWFI
	OpSFENCEVMA
	OpCSRRW
	OpCSRRS
	OpCSRRC
	OpCSRRWI
	OpCSRRSI
	OpCSRRCI
	OpAMO32
	OpAMO64
	OpFLW
	OpFLD
	OpFSW
	OpFSD
	OpFPOp // further dispatched on Funct7/Funct3/Rs2 inside float.go
)

// Instruction is the decoded, fully self-describing form of one instruction
// word. Len is 2 for compressed encodings, 4 otherwise.
type Instruction struct {
	Op     Op
	Len    int
	Rd     uint32
	Rs1    uint32
	Rs2    uint32
	Rs3    uint32
	Imm    int64
	Funct3 uint32
	Funct7 uint32
	Aq     bool
	Rl     bool
	Raw    uint32
}

func opcode(i uint32) uint32 { return i & 0x7f }
func rd(i uint32) uint32     { return (i >> 7) & 0x1f }
func funct3(i uint32) uint32 { return (i >> 12) & 0x7 }
func rs1(i uint32) uint32    { return (i >> 15) & 0x1f }
func rs2(i uint32) uint32    { return (i >> 20) & 0x1f }
func rs3(i uint32) uint32    { return (i >> 27) & 0x1f }
func funct7(i uint32) uint32 { return (i >> 25) & 0x7f }

func immI(i uint32) int64 { return int64(int32(i)) >> 20 }
func immS(i uint32) int64 {
	v := ((i >> 25) << 5) | ((i >> 7) & 0x1f)
	return int64(int32(v<<20)) >> 20
}
func immB(i uint32) int64 {
	v := ((i >> 31) << 12) | (((i >> 7) & 1) << 11) | (((i >> 25) & 0x3f) << 5) | (((i >> 8) & 0xf) << 1)
	return int64(int32(v<<19)) >> 19
}
func immU(i uint32) int64 { return int64(int32(i & 0xfffff000)) }
func immJ(i uint32) int64 {
	v := ((i >> 31) << 20) | (((i >> 12) & 0xff) << 12) | (((i >> 20) & 1) << 11) | (((i >> 21) & 0x3ff) << 1)
	return int64(int32(v<<11)) >> 11
}

// Fetch reads one instruction (compressed or 32-bit) at pc and decodes it.
func (h *Hart) Fetch(pc uint64) (Instruction, error) {
	// The C extension is always present (misa.C), so only odd PCs are a
	// misaligned-fetch exception; a non-C target only needs 4-byte
	// alignment, which this model never requires.
	if pc&1 != 0 {
		return Instruction{}, Exception(CauseInsnAddrMisaligned, pc)
	}
	lo, err := h.translateAndRead16(pc)
	if err != nil {
		return Instruction{}, err
	}
	if lo&0x3 != 0x3 {
		return decodeCompressed(lo), nil
	}
	hi, err := h.translateAndRead16(pc + 2)
	if err != nil {
		return Instruction{}, err
	}
	word := uint32(lo) | uint32(hi)<<16
	return decode32(word), nil
}

func (h *Hart) translateAndRead16(va uint64) (uint16, error) {
	pa, err := h.Translate(va, accessExecute)
	if err != nil {
		return 0, err
	}
	return h.Bus.Read16(pa)
}

func decode32(i uint32) Instruction {
	ins := Instruction{Len: 4, Raw: i, Rd: rd(i), Rs1: rs1(i), Rs2: rs2(i), Rs3: rs3(i), Funct3: funct3(i), Funct7: funct7(i)}
	switch opcode(i) {
	case 0x37:
		ins.Op = OpLUI
		ins.Imm = immU(i)
	case 0x17:
		ins.Op = OpAUIPC
		ins.Imm = immU(i)
	case 0x6f:
		ins.Op = OpJAL
		ins.Imm = immJ(i)
	case 0x67:
		ins.Op = OpJALR
		ins.Imm = immI(i)
	case 0x63:
		ins.Imm = immB(i)
		switch ins.Funct3 {
		case 0:
			ins.Op = OpBEQ
		case 1:
			ins.Op = OpBNE
		case 4:
			ins.Op = OpBLT
		case 5:
			ins.Op = OpBGE
		case 6:
			ins.Op = OpBLTU
		case 7:
			ins.Op = OpBGEU
		default:
			ins.Op = OpIllegal
		}
	case 0x03:
		ins.Imm = immI(i)
		switch ins.Funct3 {
		case 0:
			ins.Op = OpLB
		case 1:
			ins.Op = OpLH
		case 2:
			ins.Op = OpLW
		case 3:
			ins.Op = OpLD
		case 4:
			ins.Op = OpLBU
		case 5:
			ins.Op = OpLHU
		case 6:
			ins.Op = OpLWU
		default:
			ins.Op = OpIllegal
		}
	case 0x23:
		ins.Imm = immS(i)
		switch ins.Funct3 {
		case 0:
			ins.Op = OpSB
		case 1:
			ins.Op = OpSH
		case 2:
			ins.Op = OpSW
		case 3:
			ins.Op = OpSD
		default:
			ins.Op = OpIllegal
		}
	case 0x13:
		ins.Imm = immI(i)
		switch ins.Funct3 {
		case 0:
			ins.Op = OpADDI
		case 2:
			ins.Op = OpSLTI
		case 3:
			ins.Op = OpSLTIU
		case 4:
			ins.Op = OpXORI
		case 6:
			ins.Op = OpORI
		case 7:
			ins.Op = OpANDI
		case 1:
			ins.Op = OpSLLI
			ins.Imm = int64((i >> 20) & 0x3f) // RV64 shamt is 6 bits
		case 5:
			ins.Imm = int64((i >> 20) & 0x3f)
			if funct7(i)>>1 == 0x10 {
				ins.Op = OpSRAI
			} else {
				ins.Op = OpSRLI
			}
		default:
			ins.Op = OpIllegal
		}
	case 0x1b:
		switch ins.Funct3 {
		case 0:
			ins.Op = OpADDIW
			ins.Imm = immI(i)
		case 1:
			ins.Op = OpSLLIW
			ins.Imm = int64(rs2(i))
		case 5:
			ins.Imm = int64(rs2(i))
			if funct7(i) == 0x20 {
				ins.Op = OpSRAIW
			} else {
				ins.Op = OpSRLIW
			}
		default:
			ins.Op = OpIllegal
		}
	case 0x33:
		ins.Op = decodeOp(ins.Funct3, ins.Funct7)
	case 0x3b:
		ins.Op = decodeOp32(ins.Funct3, ins.Funct7)
	case 0x0f:
		if ins.Funct3 == 1 {
			ins.Op = OpFENCEI
		} else {
			ins.Op = OpFENCE
		}
	case 0x73:
		ins.Op = decodeSystem(i, &ins)
	case 0x2f:
		ins.Aq = (funct7(i)>>1)&1 != 0
		ins.Rl = funct7(i)&1 != 0
		if ins.Funct3 == 2 {
			ins.Op = OpAMO32
		} else {
			ins.Op = OpAMO64
		}
	case 0x07:
		ins.Imm = immI(i)
		if ins.Funct3 == 2 {
			ins.Op = OpFLW
		} else {
			ins.Op = OpFLD
		}
	case 0x27:
		ins.Imm = immS(i)
		if ins.Funct3 == 2 {
			ins.Op = OpFSW
		} else {
			ins.Op = OpFSD
		}
	case 0x43, 0x47, 0x4b, 0x4f, 0x53:
		ins.Op = OpFPOp
	default:
		ins.Op = OpIllegal
	}
	return ins
}

func decodeOp(f3, f7 uint32) Op {
	switch f7 {
	case 0x01:
		switch f3 {
		case 0:
			return OpMUL
		case 1:
			return OpMULH
		case 2:
			return OpMULHSU
		case 3:
			return OpMULHU
		case 4:
			return OpDIV
		case 5:
			return OpDIVU
		case 6:
			return OpREM
		case 7:
			return OpREMU
		}
	case 0x00:
		switch f3 {
		case 0:
			return OpADD
		case 1:
			return OpSLL
		case 2:
			return OpSLT
		case 3:
			return OpSLTU
		case 4:
			return OpXOR
		case 5:
			return OpSRL
		case 6:
			return OpOR
		case 7:
			return OpAND
		}
	case 0x20:
		switch f3 {
		case 0:
			return OpSUB
		case 5:
			return OpSRA
		}
	}
	return OpIllegal
}

func decodeOp32(f3, f7 uint32) Op {
	switch f7 {
	case 0x01:
		switch f3 {
		case 0:
			return OpMULW
		case 4:
			return OpDIVW
		case 5:
			return OpDIVUW
		case 6:
			return OpREMW
		case 7:
			return OpREMUW
		}
	case 0x00:
		switch f3 {
		case 0:
			return OpADDW
		case 1:
			return OpSLLW
		case 5:
			return OpSRLW
		}
	case 0x20:
		switch f3 {
		case 0:
			return OpSUBW
		case 5:
			return OpSRAW
		}
	}
	return OpIllegal
}

func decodeSystem(i uint32, ins *Instruction) Op {
	f3 := funct3(i)
	if f3 == 0 {
		switch i >> 20 {
		case 0:
			return OpECALL
		case 1:
			return OpEBREAK
		case 0x302:
			return OpMRET
		case 0x102:
			return OpSRET
		case 0x105:
			return OpWFI
		}
		if funct7(i) == 0x09 {
			return OpSFENCEVMA
		}
		return OpIllegal
	}
	ins.Imm = int64(i >> 20)
	switch f3 {
	case 1:
		return OpCSRRW
	case 2:
		return OpCSRRS
	case 3:
		return OpCSRRC
	case 5:
		return OpCSRRWI
	case 6:
		return OpCSRRSI
	case 7:
		return OpCSRRCI
	}
	return OpIllegal
}
