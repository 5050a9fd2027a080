package rv64

// execAMO executes LR/SC and the read-modify-write AMO opcodes. Unlike a
// single-hart model, reservations and RMWs are arbitrated by the Bus so
// that two harts racing on the same cache line cannot both observe and
// apply a stale old value.
func (h *Hart) execAMO(i Instruction) error {
	addr := h.ReadReg(i.Rs1)
	size := 4
	if i.Op == OpAMO64 {
		size = 8
	}

	f5 := i.Funct7 >> 2
	isLR := f5 == 0b00010

	if uint64(addr)%uint64(size) != 0 {
		if isLR {
			return Exception(CauseLoadAddrMisaligned, addr)
		}
		return Exception(CauseStoreAddrMisaligned, addr)
	}

	kind := accessStore
	if isLR {
		kind = accessLoad
	}
	pa, err := h.Translate(addr, kind)
	if err != nil {
		return err
	}

	rs2Val := h.ReadReg(i.Rs2)

	switch f5 {
	case 0b00010: // LR
		var v uint64
		var rerr error
		if size == 4 {
			var w uint32
			w, rerr = h.Bus.Read32(pa)
			v = signExtend32(w)
		} else {
			v, rerr = h.Bus.Read64(pa)
		}
		if rerr != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		h.reservation = h.Bus.Reserve(pa, uint8(size))
		h.WriteReg(i.Rd, v)
		return nil

	case 0b00011: // SC
		ok, werr := h.Bus.TryStoreConditional(h.reservation, pa, uint8(size), rs2Val)
		if werr != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		h.reservation = Reservation{}
		if ok {
			h.WriteReg(i.Rd, 0)
		} else {
			h.WriteReg(i.Rd, 1)
		}
		return nil

	default:
		old, werr := h.Bus.AtomicRMW(pa, size, func(old uint64) uint64 {
			return amoApply(f5, old, rs2Val, size)
		})
		if werr != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		if size == 4 {
			h.WriteReg(i.Rd, signExtend32(uint32(old)))
		} else {
			h.WriteReg(i.Rd, old)
		}
		return nil
	}
}

func amoApply(f5 uint32, old, operand uint64, size int) uint64 {
	if size == 4 {
		o32, r32 := uint32(old), uint32(operand)
		var n32 uint32
		switch f5 {
		case 0b00001:
			n32 = r32
		case 0b00000:
			n32 = o32 + r32
		case 0b00100:
			n32 = o32 ^ r32
		case 0b01100:
			n32 = o32 & r32
		case 0b01000:
			n32 = o32 | r32
		case 0b10000:
			if int32(o32) < int32(r32) {
				n32 = o32
			} else {
				n32 = r32
			}
		case 0b10100:
			if int32(o32) > int32(r32) {
				n32 = o32
			} else {
				n32 = r32
			}
		case 0b11000:
			if o32 < r32 {
				n32 = o32
			} else {
				n32 = r32
			}
		case 0b11100:
			if o32 > r32 {
				n32 = o32
			} else {
				n32 = r32
			}
		}
		return uint64(n32)
	}

	switch f5 {
	case 0b00001:
		return operand
	case 0b00000:
		return old + operand
	case 0b00100:
		return old ^ operand
	case 0b01100:
		return old & operand
	case 0b01000:
		return old | operand
	case 0b10000:
		if int64(old) < int64(operand) {
			return old
		}
		return operand
	case 0b10100:
		if int64(old) > int64(operand) {
			return old
		}
		return operand
	case 0b11000:
		if old < operand {
			return old
		}
		return operand
	case 0b11100:
		if old > operand {
			return old
		}
		return operand
	}
	return old
}
