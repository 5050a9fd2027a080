package rv64

// decodeCompressed expands one 16-bit "C" extension instruction into the
// equivalent Instruction a 32-bit decode would have produced, with Len set
// to 2 so the execute/trap paths advance PC correctly.
func decodeCompressed(c uint16) Instruction {
	ins := Instruction{Len: 2, Raw: uint32(c)}
	quadrant := c & 0x3
	funct3 := (c >> 13) & 0x7

	cReg := func(bits uint16) uint32 { return uint32(bits&0x7) + 8 }

	switch quadrant {
	case 0:
		rdp := cReg(c >> 2)
		rs1p := cReg(c >> 7)
		switch funct3 {
		case 0: // C.ADDI4SPN
			imm := ((c >> 7) & 0x30) | ((c >> 1) & 0x3c0) | ((c >> 4) & 0x4) | ((c >> 2) & 0x8)
			if imm == 0 {
				return Instruction{Len: 2, Op: OpIllegal}
			}
			ins.Op = OpADDI
			ins.Rd = rdp
			ins.Rs1 = 2
			ins.Imm = int64(imm)
		case 1: // C.FLD
			ins.Op = OpFLD
			ins.Rd = rdp
			ins.Rs1 = rs1p
			ins.Imm = int64(((c >> 7) & 0x38) | ((c << 1) & 0xc0))
		case 2: // C.LW
			ins.Op = OpLW
			ins.Rd = rdp
			ins.Rs1 = rs1p
			ins.Imm = int64(((c >> 7) & 0x38) | ((c << 1) & 0x40) | ((c >> 4) & 0x4))
		case 3: // C.LD
			ins.Op = OpLD
			ins.Rd = rdp
			ins.Rs1 = rs1p
			ins.Imm = int64(((c >> 7) & 0x38) | ((c << 1) & 0xc0))
		case 5: // C.FSD
			ins.Op = OpFSD
			ins.Rs1 = rs1p
			ins.Rs2 = rdp
			ins.Imm = int64(((c >> 7) & 0x38) | ((c << 1) & 0xc0))
		case 6: // C.SW
			ins.Op = OpSW
			ins.Rs1 = rs1p
			ins.Rs2 = rdp
			ins.Imm = int64(((c >> 7) & 0x38) | ((c << 1) & 0x40) | ((c >> 4) & 0x4))
		case 7: // C.SD
			ins.Op = OpSD
			ins.Rs1 = rs1p
			ins.Rs2 = rdp
			ins.Imm = int64(((c >> 7) & 0x38) | ((c << 1) & 0xc0))
		default:
			ins.Op = OpIllegal
		}
	case 1:
		rd5 := uint32((c >> 7) & 0x1f)
		switch funct3 {
		case 0: // C.ADDI / C.NOP
			ins.Op = OpADDI
			ins.Rd = rd5
			ins.Rs1 = rd5
			ins.Imm = signExtend6(((c>>7)&0x20)|((c>>2)&0x1f))
		case 1: // C.ADDIW
			ins.Op = OpADDIW
			ins.Rd = rd5
			ins.Rs1 = rd5
			ins.Imm = signExtend6(((c>>7)&0x20)|((c>>2)&0x1f))
		case 2: // C.LI
			ins.Op = OpADDI
			ins.Rd = rd5
			ins.Rs1 = 0
			ins.Imm = signExtend6(((c>>7)&0x20)|((c>>2)&0x1f))
		case 3:
			if rd5 == 2 { // C.ADDI16SP
				imm := ((c >> 3) & 0x200) | ((c >> 2) & 0x10) | ((c << 1) & 0x40) | ((c << 4) & 0x180) | ((c << 3) & 0x20)
				ins.Op = OpADDI
				ins.Rd = 2
				ins.Rs1 = 2
				ins.Imm = signExtend10(imm)
			} else { // C.LUI
				imm := (uint32(c>>7) & 0x20) | (uint32(c>>2) & 0x1f)
				if imm == 0 {
					ins.Op = OpIllegal
					break
				}
				ins.Op = OpLUI
				ins.Rd = rd5
				ins.Imm = signExtend6(uint16(imm)) << 12
			}
		case 4:
			rdp := cReg(c >> 7)
			sub := (c >> 10) & 0x3
			switch sub {
			case 0: // C.SRLI
				ins.Op = OpSRLI
				ins.Rd = rdp
				ins.Rs1 = rdp
				ins.Imm = int64(((c >> 7) & 0x20) | ((c >> 2) & 0x1f))
			case 1: // C.SRAI
				ins.Op = OpSRAI
				ins.Rd = rdp
				ins.Rs1 = rdp
				ins.Imm = int64(((c >> 7) & 0x20) | ((c >> 2) & 0x1f))
			case 2: // C.ANDI
				ins.Op = OpANDI
				ins.Rd = rdp
				ins.Rs1 = rdp
				ins.Imm = signExtend6(((c>>7)&0x20)|((c>>2)&0x1f))
			case 3:
				rs2p := cReg(c >> 2)
				funct2 := (c >> 5) & 0x3
				wide := (c >> 12) & 1
				ins.Rd = rdp
				ins.Rs1 = rdp
				ins.Rs2 = rs2p
				switch {
				case wide == 0 && funct2 == 0:
					ins.Op = OpSUB
				case wide == 0 && funct2 == 1:
					ins.Op = OpXOR
				case wide == 0 && funct2 == 2:
					ins.Op = OpOR
				case wide == 0 && funct2 == 3:
					ins.Op = OpAND
				case wide == 1 && funct2 == 0:
					ins.Op = OpSUBW
				case wide == 1 && funct2 == 1:
					ins.Op = OpADDW
				default:
					ins.Op = OpIllegal
				}
			}
		case 5: // C.J
			ins.Op = OpJAL
			ins.Rd = 0
			ins.Imm = cjImm(c)
		case 6: // C.BEQZ
			ins.Op = OpBEQ
			ins.Rs1 = cReg(c >> 7)
			ins.Rs2 = 0
			ins.Imm = cbImm(c)
		case 7: // C.BNEZ
			ins.Op = OpBNE
			ins.Rs1 = cReg(c >> 7)
			ins.Rs2 = 0
			ins.Imm = cbImm(c)
		}
	case 2:
		rd5 := uint32((c >> 7) & 0x1f)
		switch funct3 {
		case 0: // C.SLLI
			ins.Op = OpSLLI
			ins.Rd = rd5
			ins.Rs1 = rd5
			ins.Imm = int64(((c >> 7) & 0x20) | ((c >> 2) & 0x1f))
		case 1: // C.FLDSP
			ins.Op = OpFLD
			ins.Rd = rd5
			ins.Rs1 = 2
			ins.Imm = int64(((c >> 7) & 0x20) | ((c >> 2) & 0x18) | ((c << 4) & 0x1c0))
		case 2: // C.LWSP
			ins.Op = OpLW
			ins.Rd = rd5
			ins.Rs1 = 2
			ins.Imm = int64(((c >> 7) & 0x20) | ((c >> 2) & 0x1c) | ((c << 4) & 0xc0))
		case 3: // C.LDSP
			ins.Op = OpLD
			ins.Rd = rd5
			ins.Rs1 = 2
			ins.Imm = int64(((c >> 7) & 0x20) | ((c >> 2) & 0x18) | ((c << 4) & 0x1c0))
		case 4:
			rs2 := uint32((c >> 2) & 0x1f)
			bit12 := (c >> 12) & 1
			switch {
			case bit12 == 0 && rs2 == 0: // C.JR
				ins.Op = OpJALR
				ins.Rd = 0
				ins.Rs1 = rd5
				ins.Imm = 0
			case bit12 == 0: // C.MV
				ins.Op = OpADD
				ins.Rd = rd5
				ins.Rs1 = 0
				ins.Rs2 = rs2
			case bit12 == 1 && rd5 == 0 && rs2 == 0: // C.EBREAK
				ins.Op = OpEBREAK
			case bit12 == 1 && rs2 == 0: // C.JALR
				ins.Op = OpJALR
				ins.Rd = 1
				ins.Rs1 = rd5
				ins.Imm = 0
			default: // C.ADD
				ins.Op = OpADD
				ins.Rd = rd5
				ins.Rs1 = rd5
				ins.Rs2 = rs2
			}
		case 5: // C.FSDSP
			ins.Op = OpFSD
			ins.Rs1 = 2
			ins.Rs2 = uint32((c >> 2) & 0x1f)
			ins.Imm = int64(((c >> 7) & 0x38) | ((c >> 1) & 0x1c0))
		case 6: // C.SWSP
			ins.Op = OpSW
			ins.Rs1 = 2
			ins.Rs2 = uint32((c >> 2) & 0x1f)
			ins.Imm = int64(((c >> 7) & 0x3c) | ((c >> 1) & 0xc0))
		case 7: // C.SDSP
			ins.Op = OpSD
			ins.Rs1 = 2
			ins.Rs2 = uint32((c >> 2) & 0x1f)
			ins.Imm = int64(((c >> 7) & 0x38) | ((c >> 1) & 0x1c0))
		default:
			ins.Op = OpIllegal
		}
	default:
		ins.Op = OpIllegal
	}
	return ins
}

func signExtend6(v uint16) int64 {
	x := int64(v & 0x3f)
	if v&0x20 != 0 {
		x -= 64
	}
	return x
}

func signExtend10(v uint16) int64 {
	x := int64(v & 0x3ff)
	if v&0x200 != 0 {
		x -= 1024
	}
	return x
}

func cjImm(c uint16) int64 {
	v := ((c >> 1) & 0x800) | ((c << 2) & 0x400) | ((c >> 1) & 0x300) | ((c << 1) & 0x80) |
		((c >> 1) & 0x40) | ((c << 3) & 0x20) | ((c >> 7) & 0x10) | ((c >> 2) & 0xe)
	x := int64(v & 0xfff)
	if v&0x800 != 0 {
		x -= 4096
	}
	return x
}

func cbImm(c uint16) int64 {
	v := ((c >> 4) & 0x100) | ((c << 1) & 0xc0) | ((c << 3) & 0x20) | ((c >> 7) & 0x18) | ((c >> 2) & 0x6)
	x := int64(v & 0x1ff)
	if v&0x100 != 0 {
		x -= 512
	}
	return x
}
