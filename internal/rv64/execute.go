package rv64

import "math/bits"

// Step fetches, decodes, and executes one instruction, advancing PC and the
// cycle/instret counters. Pending interrupts and exceptions raised by fetch
// or execution are delivered as traps by Step itself; it returns nil.
func (h *Hart) Step() error {
	if h.CheckInterrupt() {
		return nil
	}
	if h.waitingForInterrupt {
		// WFI resumes once an enabled interrupt is pending at this hart,
		// even when the global IE bit keeps it from trapping (the guest
		// then continues past the WFI with the interrupt still pending).
		if h.csr[CSRMip]&h.csr[CSRMie] != 0 {
			h.waitingForInterrupt = false
		} else {
			h.Cycles++
			return nil
		}
	}

	pc := h.PC
	ins, err := h.Fetch(pc)
	if err != nil {
		h.deliver(err)
		return nil
	}

	if err := h.execute(ins); err != nil {
		h.deliver(err)
		return nil
	}

	h.Cycles++
	h.Instret++
	return nil
}

func (h *Hart) deliver(err error) {
	te, ok := err.(*TrapError)
	if !ok {
		return
	}
	h.Trap(te.Cause, te.Tval)
}

func (h *Hart) execute(i Instruction) error {
	next := h.PC + uint64(i.Len)

	switch i.Op {
	case OpLUI:
		h.WriteReg(i.Rd, uint64(i.Imm))
	case OpAUIPC:
		h.WriteReg(i.Rd, h.PC+uint64(i.Imm))
	case OpJAL:
		h.WriteReg(i.Rd, next)
		h.PC = h.PC + uint64(i.Imm)
		return nil
	case OpJALR:
		target := (h.ReadReg(i.Rs1) + uint64(i.Imm)) &^ 1
		h.WriteReg(i.Rd, next)
		h.PC = target
		return nil
	case OpBEQ, OpBNE, OpBLT, OpBGE, OpBLTU, OpBGEU:
		if branchTaken(i.Op, h.ReadReg(i.Rs1), h.ReadReg(i.Rs2)) {
			h.PC = h.PC + uint64(i.Imm)
		} else {
			h.PC = next
		}
		return nil
	case OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU:
		if err := h.execLoad(i); err != nil {
			return err
		}
	case OpSB, OpSH, OpSW, OpSD:
		if err := h.execStore(i); err != nil {
			return err
		}
	case OpADDI:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)+uint64(i.Imm))
	case OpSLTI:
		h.WriteReg(i.Rd, boolu64(int64(h.ReadReg(i.Rs1)) < i.Imm))
	case OpSLTIU:
		h.WriteReg(i.Rd, boolu64(h.ReadReg(i.Rs1) < uint64(i.Imm)))
	case OpXORI:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)^uint64(i.Imm))
	case OpORI:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)|uint64(i.Imm))
	case OpANDI:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)&uint64(i.Imm))
	case OpSLLI:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)<<uint(i.Imm&0x3f))
	case OpSRLI:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)>>uint(i.Imm&0x3f))
	case OpSRAI:
		h.WriteReg(i.Rd, uint64(int64(h.ReadReg(i.Rs1))>>uint(i.Imm&0x3f)))
	case OpADDIW:
		h.WriteReg(i.Rd, signExtend32(uint32(h.ReadReg(i.Rs1))+uint32(i.Imm)))
	case OpSLLIW:
		h.WriteReg(i.Rd, signExtend32(uint32(h.ReadReg(i.Rs1))<<uint(i.Imm&0x1f)))
	case OpSRLIW:
		h.WriteReg(i.Rd, signExtend32(uint32(h.ReadReg(i.Rs1))>>uint(i.Imm&0x1f)))
	case OpSRAIW:
		h.WriteReg(i.Rd, signExtend32(uint32(int32(uint32(h.ReadReg(i.Rs1)))>>uint(i.Imm&0x1f))))
	case OpADD:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)+h.ReadReg(i.Rs2))
	case OpSUB:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)-h.ReadReg(i.Rs2))
	case OpSLL:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)<<(h.ReadReg(i.Rs2)&0x3f))
	case OpSLT:
		h.WriteReg(i.Rd, boolu64(int64(h.ReadReg(i.Rs1)) < int64(h.ReadReg(i.Rs2))))
	case OpSLTU:
		h.WriteReg(i.Rd, boolu64(h.ReadReg(i.Rs1) < h.ReadReg(i.Rs2)))
	case OpXOR:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)^h.ReadReg(i.Rs2))
	case OpSRL:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)>>(h.ReadReg(i.Rs2)&0x3f))
	case OpSRA:
		h.WriteReg(i.Rd, uint64(int64(h.ReadReg(i.Rs1))>>(h.ReadReg(i.Rs2)&0x3f)))
	case OpOR:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)|h.ReadReg(i.Rs2))
	case OpAND:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)&h.ReadReg(i.Rs2))
	case OpADDW:
		h.WriteReg(i.Rd, signExtend32(uint32(h.ReadReg(i.Rs1))+uint32(h.ReadReg(i.Rs2))))
	case OpSUBW:
		h.WriteReg(i.Rd, signExtend32(uint32(h.ReadReg(i.Rs1))-uint32(h.ReadReg(i.Rs2))))
	case OpSLLW:
		h.WriteReg(i.Rd, signExtend32(uint32(h.ReadReg(i.Rs1))<<(h.ReadReg(i.Rs2)&0x1f)))
	case OpSRLW:
		h.WriteReg(i.Rd, signExtend32(uint32(h.ReadReg(i.Rs1))>>(h.ReadReg(i.Rs2)&0x1f)))
	case OpSRAW:
		h.WriteReg(i.Rd, signExtend32(uint32(int32(uint32(h.ReadReg(i.Rs1)))>>(h.ReadReg(i.Rs2)&0x1f))))
	case OpMUL:
		h.WriteReg(i.Rd, h.ReadReg(i.Rs1)*h.ReadReg(i.Rs2))
	case OpMULH:
		h.WriteReg(i.Rd, uint64(mulh64(int64(h.ReadReg(i.Rs1)), int64(h.ReadReg(i.Rs2)))))
	case OpMULHSU:
		h.WriteReg(i.Rd, uint64(mulhsu64(int64(h.ReadReg(i.Rs1)), h.ReadReg(i.Rs2))))
	case OpMULHU:
		hi, _ := bits.Mul64(h.ReadReg(i.Rs1), h.ReadReg(i.Rs2))
		h.WriteReg(i.Rd, hi)
	case OpDIV:
		h.WriteReg(i.Rd, uint64(divRV(int64(h.ReadReg(i.Rs1)), int64(h.ReadReg(i.Rs2)))))
	case OpDIVU:
		h.WriteReg(i.Rd, divuRV(h.ReadReg(i.Rs1), h.ReadReg(i.Rs2)))
	case OpREM:
		h.WriteReg(i.Rd, uint64(remRV(int64(h.ReadReg(i.Rs1)), int64(h.ReadReg(i.Rs2)))))
	case OpREMU:
		h.WriteReg(i.Rd, remuRV(h.ReadReg(i.Rs1), h.ReadReg(i.Rs2)))
	case OpMULW:
		h.WriteReg(i.Rd, signExtend32(uint32(h.ReadReg(i.Rs1))*uint32(h.ReadReg(i.Rs2))))
	case OpDIVW:
		h.WriteReg(i.Rd, signExtend32(uint32(divRV32(int32(h.ReadReg(i.Rs1)), int32(h.ReadReg(i.Rs2))))))
	case OpDIVUW:
		h.WriteReg(i.Rd, signExtend32(divuRV32(uint32(h.ReadReg(i.Rs1)), uint32(h.ReadReg(i.Rs2)))))
	case OpREMW:
		h.WriteReg(i.Rd, signExtend32(uint32(remRV32(int32(h.ReadReg(i.Rs1)), int32(h.ReadReg(i.Rs2))))))
	case OpREMUW:
		h.WriteReg(i.Rd, signExtend32(remuRV32(uint32(h.ReadReg(i.Rs1)), uint32(h.ReadReg(i.Rs2)))))
	case OpFENCE:
		// Ordering is a no-op on this single-address-space model; every
		// hart already observes a sequentially consistent Bus.
	case OpFENCEI:
		// No decode cache is kept across Fetch calls, so there is nothing
		// to invalidate; each Step re-fetches and re-decodes from the Bus.
	case OpECALL:
		return h.execEcall()
	case OpEBREAK:
		return Exception(CauseBreakpoint, h.PC)
	case OpMRET:
		if err := h.Mret(); err != nil {
			return err
		}
		return nil
	case OpSRET:
		if err := h.Sret(); err != nil {
			return err
		}
		return nil
	case OpWFI:
		if h.Priv == PrivSupervisor && h.csr[CSRMstatus]&MstatusTW != 0 {
			return Exception(CauseIllegalInsn, 0)
		}
		h.waitingForInterrupt = true
	case OpSFENCEVMA:
		if h.Priv == PrivSupervisor && h.csr[CSRMstatus]&MstatusTVM != 0 {
			return Exception(CauseIllegalInsn, 0)
		}
		var asid uint32
		hasASID := i.Rs2 != 0
		if hasASID {
			asid = uint32(h.ReadReg(i.Rs2))
		}
		hasVA := i.Rs1 != 0
		h.FlushTLB(h.ReadReg(i.Rs1), hasVA, asid, hasASID)
	case OpCSRRW, OpCSRRS, OpCSRRC, OpCSRRWI, OpCSRRSI, OpCSRRCI:
		if err := h.execCSR(i); err != nil {
			return err
		}
	case OpAMO32, OpAMO64:
		if err := h.execAMO(i); err != nil {
			return err
		}
	case OpFLW, OpFLD, OpFSW, OpFSD:
		if err := h.execFPMem(i); err != nil {
			return err
		}
	case OpFPOp:
		if err := h.execFPOp(i); err != nil {
			return err
		}
	default:
		return Exception(CauseIllegalInsn, uint64(i.Raw))
	}

	h.PC = next
	return nil
}

func branchTaken(op Op, a, b uint64) bool {
	switch op {
	case OpBEQ:
		return a == b
	case OpBNE:
		return a != b
	case OpBLT:
		return int64(a) < int64(b)
	case OpBGE:
		return int64(a) >= int64(b)
	case OpBLTU:
		return a < b
	case OpBGEU:
		return a >= b
	}
	return false
}

func boolu64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// loadWidth/storeWidth report the access width in bytes for the misalignment
// check gated by Hart.StrictAlignment (spec.md §9 Open Question (a): the
// default is to allow misaligned DRAM access, but a configuration bit can
// flip that into a trap for targets that expect it).
func loadWidth(op Op) int {
	switch op {
	case OpLH, OpLHU:
		return 2
	case OpLW, OpLWU:
		return 4
	case OpLD:
		return 8
	default:
		return 1
	}
}

func storeWidth(op Op) int {
	switch op {
	case OpSH:
		return 2
	case OpSW:
		return 4
	case OpSD:
		return 8
	default:
		return 1
	}
}

// crossesPage reports whether a size-byte access at va spans a 4 KiB page
// boundary. Such accesses are split: each half translated on its own, each
// able to fault independently (spec.md §4.5).
func crossesPage(va uint64, size int) bool {
	return va>>12 != (va+uint64(size)-1)>>12
}

// memLoad reads size bytes at virtual address va, little-endian. A
// page-crossing access translates both pages before touching memory.
func (h *Hart) memLoad(va uint64, size int) (uint64, error) {
	if !crossesPage(va, size) {
		pa, err := h.Translate(va, accessLoad)
		if err != nil {
			return 0, err
		}
		v, rerr := h.Bus.Read(pa, size)
		if rerr != nil {
			return 0, Exception(CauseLoadAccessFault, va)
		}
		return v, nil
	}

	first := int(4096 - va&0xfff)
	paLo, err := h.Translate(va, accessLoad)
	if err != nil {
		return 0, err
	}
	paHi, err := h.Translate(va+uint64(first), accessLoad)
	if err != nil {
		return 0, err
	}
	lo, rerr := h.Bus.Read(paLo, first)
	if rerr != nil {
		return 0, Exception(CauseLoadAccessFault, va)
	}
	hi, rerr := h.Bus.Read(paHi, size-first)
	if rerr != nil {
		return 0, Exception(CauseLoadAccessFault, va+uint64(first))
	}
	return lo | hi<<(8*uint(first)), nil
}

// memStore writes size bytes of v at virtual address va. Both halves of a
// page-crossing store are translated before either is committed, so a fault
// on the second page leaves memory untouched.
func (h *Hart) memStore(va uint64, size int, v uint64) error {
	if !crossesPage(va, size) {
		pa, err := h.Translate(va, accessStore)
		if err != nil {
			return err
		}
		if werr := h.Bus.Write(pa, size, v); werr != nil {
			return Exception(CauseStoreAccessFault, va)
		}
		return nil
	}

	first := int(4096 - va&0xfff)
	paLo, err := h.Translate(va, accessStore)
	if err != nil {
		return err
	}
	paHi, err := h.Translate(va+uint64(first), accessStore)
	if err != nil {
		return err
	}
	if werr := h.Bus.Write(paLo, first, v); werr != nil {
		return Exception(CauseStoreAccessFault, va)
	}
	if werr := h.Bus.Write(paHi, size-first, v>>(8*uint(first))); werr != nil {
		return Exception(CauseStoreAccessFault, va+uint64(first))
	}
	return nil
}

func (h *Hart) execLoad(i Instruction) error {
	va := h.ReadReg(i.Rs1) + uint64(i.Imm)
	w := loadWidth(i.Op)
	if h.StrictAlignment && w > 1 && va%uint64(w) != 0 {
		return Exception(CauseLoadAddrMisaligned, va)
	}
	raw, err := h.memLoad(va, w)
	if err != nil {
		return err
	}
	var v uint64
	switch i.Op {
	case OpLB:
		v = signExtend8(uint8(raw))
	case OpLH:
		v = signExtend16(uint16(raw))
	case OpLW:
		v = signExtend32(uint32(raw))
	case OpLD, OpLBU, OpLHU, OpLWU:
		v = raw
	}
	h.WriteReg(i.Rd, v)
	return nil
}

func (h *Hart) execStore(i Instruction) error {
	va := h.ReadReg(i.Rs1) + uint64(i.Imm)
	w := storeWidth(i.Op)
	if h.StrictAlignment && w > 1 && va%uint64(w) != 0 {
		return Exception(CauseStoreAddrMisaligned, va)
	}
	return h.memStore(va, w, h.ReadReg(i.Rs2))
}

func (h *Hart) execEcall() error {
	switch h.Priv {
	case PrivUser:
		return Exception(CauseEcallFromU, 0)
	case PrivSupervisor:
		return Exception(CauseEcallFromS, 0)
	default:
		return Exception(CauseEcallFromM, 0)
	}
}

func (h *Hart) execCSR(i Instruction) error {
	addr := uint16(i.Imm)
	old, err := h.ReadCSR(addr)
	if err != nil {
		return err
	}

	var operand uint64
	writes := true
	switch i.Op {
	case OpCSRRW:
		operand = h.ReadReg(i.Rs1)
	case OpCSRRS:
		operand = old | h.ReadReg(i.Rs1)
		writes = i.Rs1 != 0
	case OpCSRRC:
		operand = old &^ h.ReadReg(i.Rs1)
		writes = i.Rs1 != 0
	case OpCSRRWI:
		operand = uint64(i.Rs1)
	case OpCSRRSI:
		operand = old | uint64(i.Rs1)
		writes = i.Rs1 != 0
	case OpCSRRCI:
		operand = old &^ uint64(i.Rs1)
		writes = i.Rs1 != 0
	}

	if writes {
		if err := h.WriteCSR(addr, operand); err != nil {
			return err
		}
	}
	h.WriteReg(i.Rd, old)
	return nil
}

// mulh64 computes bits 127:64 of the full signed*signed 128-bit product of
// a and b, using the standard unsigned-multiply correction (Hacker's
// Delight 8-3): compute the unsigned product of the bit patterns, then
// subtract the multiplicand whose sign bit was set.
func mulh64(a, b int64) int64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return int64(hi)
}

func mulhsu64(a int64, b uint64) int64 {
	hi, _ := bits.Mul64(uint64(a), b)
	if a < 0 {
		hi -= b
	}
	return int64(hi)
}

func divRV(a, b int64) int64 {
	if b == 0 {
		return -1
	}
	if a == -1<<63 && b == -1 {
		return a
	}
	return a / b
}

func divuRV(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	return a / b
}

func remRV(a, b int64) int64 {
	if b == 0 {
		return a
	}
	if a == -1<<63 && b == -1 {
		return 0
	}
	return a % b
}

func remuRV(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return a % b
}

func divRV32(a, b int32) int32 {
	if b == 0 {
		return -1
	}
	if a == -1<<31 && b == -1 {
		return a
	}
	return a / b
}

func divuRV32(a, b uint32) uint32 {
	if b == 0 {
		return ^uint32(0)
	}
	return a / b
}

func remRV32(a, b int32) int32 {
	if b == 0 {
		return a
	}
	if a == -1<<31 && b == -1 {
		return 0
	}
	return a % b
}

func remuRV32(a, b uint32) uint32 {
	if b == 0 {
		return a
	}
	return a % b
}
