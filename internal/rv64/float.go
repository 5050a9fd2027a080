package rv64

import "math"

const nanBoxTop uint64 = 0xffff_ffff_0000_0000

// fflags bits.
const (
	fflagNX = 1 << 0
	fflagUF = 1 << 1
	fflagOF = 1 << 2
	fflagDZ = 1 << 3
	fflagNV = 1 << 4
)

func (h *Hart) setFFlags(bits uint64) {
	h.csr[CSRFflags] |= bits
	h.csr[CSRFcsr] = (h.csr[CSRFcsr] &^ 0x1f) | h.csr[CSRFflags]
}

func nanBox32(v uint32) uint64 { return nanBoxTop | uint64(v) }

func isBoxed(v uint64) bool { return v&nanBoxTop == nanBoxTop }

func (h *Hart) readF32(r uint32) float32 {
	v := h.F[r]
	if !isBoxed(v) {
		return float32(math.NaN())
	}
	return math.Float32frombits(uint32(v))
}

func (h *Hart) writeF32(r uint32, f float32) {
	h.F[r] = nanBox32(math.Float32bits(f))
}

func (h *Hart) readF64(r uint32) float64 { return math.Float64frombits(h.F[r]) }
func (h *Hart) writeF64(r uint32, f float64) { h.F[r] = math.Float64bits(f) }

func (h *Hart) execFPMem(i Instruction) error {
	va := h.ReadReg(i.Rs1) + uint64(i.Imm)
	switch i.Op {
	case OpFLW:
		w, err := h.memLoad(va, 4)
		if err != nil {
			return err
		}
		h.F[i.Rd] = nanBox32(uint32(w))
	case OpFLD:
		w, err := h.memLoad(va, 8)
		if err != nil {
			return err
		}
		h.F[i.Rd] = w
	case OpFSW:
		return h.memStore(va, 4, uint64(uint32(h.F[i.Rs2])))
	case OpFSD:
		return h.memStore(va, 8, h.F[i.Rs2])
	}
	return nil
}

// execFPOp handles the R-type 0x53 FP opcode space (OP-FP) plus the fused
// multiply-add family, dispatched on Funct7/Funct3/Rs2 the way the base ISA
// manual tables them.
func (h *Hart) execFPOp(i Instruction) error {
	op7 := opcode(i.Raw)

	switch op7 {
	case 0x43, 0x47, 0x4b, 0x4f:
		isD := (i.Raw>>25)&1 != 0
		a, b, c := float64(h.readF32(i.Rs1)), float64(h.readF32(i.Rs2)), float64(h.readF32(i.Rs3))
		if isD {
			a, b, c = h.readF64(i.Rs1), h.readF64(i.Rs2), h.readF64(i.Rs3)
		}
		var r float64
		switch op7 {
		case 0x43:
			r = a*b + c
		case 0x47:
			r = a*b - c
		case 0x4b:
			r = -(a*b) + c
		case 0x4f:
			r = -(a*b) - c
		}
		if isD {
			h.writeF64(i.Rd, r)
		} else {
			h.writeF32(i.Rd, float32(r))
		}
		return nil
	}

	// Funct7 bit 0 selects double precision across the whole OP-FP space, so
	// dispatch on the remaining bits (the unprivileged manual's fmt field).
	f7 := i.Funct7
	isDouble := f7&1 != 0
	switch f7 &^ 1 {
	case 0x00: // FADD
		h.fpBinOp(i, isDouble, func(a, b float64) float64 { return a + b })
	case 0x04: // FSUB
		h.fpBinOp(i, isDouble, func(a, b float64) float64 { return a - b })
	case 0x08: // FMUL
		h.fpBinOp(i, isDouble, func(a, b float64) float64 { return a * b })
	case 0x0c: // FDIV
		h.fpBinOp(i, isDouble, func(a, b float64) float64 {
			if b == 0 {
				h.setFFlags(fflagDZ)
			}
			return a / b
		})
	case 0x2c: // FSQRT
		h.fpUnOp(i, isDouble, func(a float64) float64 {
			if a < 0 {
				h.setFFlags(fflagNV)
			}
			return math.Sqrt(a)
		})
	case 0x10: // FSGNJ family
		h.execFSGNJ(i, isDouble)
	case 0x14: // FMIN/FMAX
		h.execFMinMax(i, isDouble)
	case 0x50: // FEQ/FLT/FLE
		h.execFCmp(i, isDouble)
	case 0x60: // FCVT.{W,WU,L,LU}.S/D - float to int
		h.execFCvtToInt(i, isDouble)
	case 0x68: // FCVT.S/D.{W,WU,L,LU} - int to float
		h.execFCvtFromInt(i, isDouble)
	case 0x20: // FCVT.S.D / FCVT.D.S
		if isDouble {
			h.writeF64(i.Rd, float64(h.readF32(i.Rs1)))
		} else {
			h.writeF32(i.Rd, float32(h.readF64(i.Rs1)))
		}
	case 0x70: // FMV.X.W/D, FCLASS
		h.execFMvToInt(i, isDouble)
	case 0x78: // FMV.W.X / FMV.D.X
		if isDouble {
			h.F[i.Rd] = h.ReadReg(i.Rs1)
		} else {
			h.F[i.Rd] = nanBox32(uint32(h.ReadReg(i.Rs1)))
		}
	default:
		return Exception(CauseIllegalInsn, uint64(i.Raw))
	}
	return nil
}

func (h *Hart) fpBinOp(i Instruction, isDouble bool, f func(a, b float64) float64) {
	if isDouble {
		h.writeF64(i.Rd, f(h.readF64(i.Rs1), h.readF64(i.Rs2)))
	} else {
		h.writeF32(i.Rd, float32(f(float64(h.readF32(i.Rs1)), float64(h.readF32(i.Rs2)))))
	}
}

func (h *Hart) fpUnOp(i Instruction, isDouble bool, f func(a float64) float64) {
	if isDouble {
		h.writeF64(i.Rd, f(h.readF64(i.Rs1)))
	} else {
		h.writeF32(i.Rd, float32(f(float64(h.readF32(i.Rs1)))))
	}
}

func (h *Hart) execFSGNJ(i Instruction, isDouble bool) {
	if isDouble {
		a, b := h.readF64(i.Rs1), h.readF64(i.Rs2)
		sa, sb := math.Signbit(a), math.Signbit(b)
		switch i.Funct3 {
		case 0: // FSGNJ
			h.writeF64(i.Rd, math.Copysign(a, signOf(sb)))
		case 1: // FSGNJN
			h.writeF64(i.Rd, math.Copysign(a, signOf(!sb)))
		case 2: // FSGNJX
			h.writeF64(i.Rd, math.Copysign(a, signOf(sa != sb)))
		}
		return
	}
	a, b := h.readF32(i.Rs1), h.readF32(i.Rs2)
	sa, sb := math.Signbit(float64(a)), math.Signbit(float64(b))
	switch i.Funct3 {
	case 0:
		h.writeF32(i.Rd, float32(math.Copysign(float64(a), signOf(sb))))
	case 1:
		h.writeF32(i.Rd, float32(math.Copysign(float64(a), signOf(!sb))))
	case 2:
		h.writeF32(i.Rd, float32(math.Copysign(float64(a), signOf(sa != sb))))
	}
}

func signOf(neg bool) float64 {
	if neg {
		return -1
	}
	return 1
}

func (h *Hart) execFMinMax(i Instruction, isDouble bool) {
	min := i.Funct3 == 0
	if isDouble {
		a, b := h.readF64(i.Rs1), h.readF64(i.Rs2)
		if min {
			h.writeF64(i.Rd, math.Min(a, b))
		} else {
			h.writeF64(i.Rd, math.Max(a, b))
		}
		return
	}
	a, b := float64(h.readF32(i.Rs1)), float64(h.readF32(i.Rs2))
	if min {
		h.writeF32(i.Rd, float32(math.Min(a, b)))
	} else {
		h.writeF32(i.Rd, float32(math.Max(a, b)))
	}
}

func (h *Hart) execFCmp(i Instruction, isDouble bool) {
	var a, b float64
	if isDouble {
		a, b = h.readF64(i.Rs1), h.readF64(i.Rs2)
	} else {
		a, b = float64(h.readF32(i.Rs1)), float64(h.readF32(i.Rs2))
	}
	var res bool
	switch i.Funct3 {
	case 2: // FEQ
		res = a == b
	case 1: // FLT
		res = a < b
	case 0: // FLE
		res = a <= b
	}
	h.WriteReg(i.Rd, boolu64(res))
}

func (h *Hart) execFCvtToInt(i Instruction, isDouble bool) {
	var a float64
	if isDouble {
		a = h.readF64(i.Rs1)
	} else {
		a = float64(h.readF32(i.Rs1))
	}
	unsigned := i.Rs2&1 != 0
	wide := i.Rs2&2 != 0 // 2/3 -> 64-bit variants (FCVT.L/LU)

	if wide {
		if unsigned {
			h.WriteReg(i.Rd, uint64(a))
		} else {
			h.WriteReg(i.Rd, uint64(int64(a)))
		}
		return
	}
	if unsigned {
		h.WriteReg(i.Rd, signExtend32(uint32(a)))
	} else {
		h.WriteReg(i.Rd, signExtend32(uint32(int32(a))))
	}
}

func (h *Hart) execFCvtFromInt(i Instruction, isDouble bool) {
	x := h.ReadReg(i.Rs1)
	unsigned := i.Rs2&1 != 0
	wide := i.Rs2&2 != 0

	var f float64
	switch {
	case wide && unsigned:
		f = float64(x)
	case wide && !unsigned:
		f = float64(int64(x))
	case !wide && unsigned:
		f = float64(uint32(x))
	default:
		f = float64(int32(uint32(x)))
	}
	if isDouble {
		h.writeF64(i.Rd, f)
	} else {
		h.writeF32(i.Rd, float32(f))
	}
}

func (h *Hart) execFMvToInt(i Instruction, isDouble bool) {
	if i.Rs2 == 0 {
		if isDouble {
			h.WriteReg(i.Rd, h.F[i.Rs1])
		} else {
			h.WriteReg(i.Rd, signExtend32(uint32(h.F[i.Rs1])))
		}
		return
	}
	// FCLASS
	var v float64
	if isDouble {
		v = h.readF64(i.Rs1)
	} else {
		v = float64(h.readF32(i.Rs1))
	}
	h.WriteReg(i.Rd, fclass(v))
}

func fclass(v float64) uint64 {
	switch {
	case math.IsInf(v, -1):
		return 1 << 0
	case math.IsInf(v, 1):
		return 1 << 7
	case math.IsNaN(v):
		return 1 << 9
	case v == 0 && math.Signbit(v):
		return 1 << 3
	case v == 0:
		return 1 << 4
	case math.Signbit(v):
		return 1 << 1
	default:
		return 1 << 6
	}
}
