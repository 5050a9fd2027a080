package rv64

import "fmt"

// TrapError is returned by fetch, translation and execution when they raise
// a RISC-V exception. Step hands it to the hart's trap delivery logic
// (deliver), which turns it into a change of PC/privilege rather than a
// Go-level failure.
type TrapError struct {
	Cause uint64
	Tval  uint64
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("trap: cause=0x%x tval=0x%x", e.Cause, e.Tval)
}

// Exception builds the TrapError for a given cause/tval pair.
func Exception(cause, tval uint64) error {
	return &TrapError{Cause: cause, Tval: tval}
}

// Reservation is the load-reserved/store-conditional state a hart holds.
// Actual cross-hart visibility is arbitrated by the Bus (see bus.go); Hart
// only remembers what it reserved.
type Reservation struct {
	Valid bool
	Addr  uint64
	Size  uint8
	Gen   uint64
}

// Hart is one RV64GC hardware thread: register file, CSR file, and the
// translation state (satp plus a private TLB) needed to fetch and execute
// instructions against a shared Bus.
type Hart struct {
	ID int

	X   [32]uint64
	F   [32]uint64 // NaN-boxed; low 32 bits valid when FS tracks single precision
	PC  uint64

	Priv uint8

	csr [4096]uint64

	reservation Reservation

	tlb [256]tlbEntry

	Bus *Bus

	// MtimeSource is wired by internal/machine to the platform CLINT's
	// live Mtime() so the `time` CSR observes the same monotonic clock
	// mip.MTIP is derived from (spec.md §3: "mip.MTIP is a shadow of the
	// CLINT timer comparator"). Left nil in standalone rv64 tests, where
	// ReadCSR falls back to 0.
	MtimeSource func() uint64

	// StrictAlignment turns misaligned loads/stores into
	// load/store-address-misaligned traps instead of the default (silently
	// allowed, split into byte accesses by the bus). See spec Open Question
	// (a); machine.Config exposes this as a boot-time switch.
	StrictAlignment bool

	Cycles  uint64
	Instret uint64

	halted bool

	// waitingForInterrupt is set while the hart executes WFI; the machine
	// scheduler uses it to decide whether this hart can be parked.
	waitingForInterrupt bool
}

// NewHart creates a hart reset into machine mode, PC at resetPC.
func NewHart(id int, bus *Bus, resetPC uint64) *Hart {
	h := &Hart{ID: id, Bus: bus}
	h.Reset(resetPC)
	return h
}

func (h *Hart) Reset(resetPC uint64) {
	h.X = [32]uint64{}
	h.F = [32]uint64{}
	h.PC = resetPC
	h.Priv = PrivMachine
	h.csr = [4096]uint64{}
	h.reservation = Reservation{}
	h.tlb = [256]tlbEntry{}
	h.Cycles = 0
	h.Instret = 0
	h.halted = false
	h.waitingForInterrupt = false

	h.csr[CSRMisa] = (MXL64 << 62) | MisaI | MisaM | MisaA | MisaF | MisaD | MisaC | MisaS | MisaU
	h.csr[CSRMhartid] = uint64(id32(h.ID))
}

func id32(id int) uint32 { return uint32(id) }

func (h *Hart) ReadReg(r uint32) uint64 {
	if r == 0 {
		return 0
	}
	return h.X[r]
}

func (h *Hart) WriteReg(r uint32, v uint64) {
	if r == 0 {
		return
	}
	h.X[r] = v
}

func (h *Hart) Halt()          { h.halted = true }
func (h *Hart) Resume()        { h.halted = false }
func (h *Hart) IsHalted() bool { return h.halted }

func (h *Hart) IsWaitingForInterrupt() bool { return h.waitingForInterrupt }

// SetMIP sets or clears bits in mip from a device (CLINT/PLIC); it is the
// only way anything outside this package touches a hart's interrupt-pending
// state, so devices never reach into csr storage directly.
func (h *Hart) SetMIP(bits uint64, set bool) {
	if set {
		h.csr[CSRMip] |= bits
	} else {
		h.csr[CSRMip] &^= bits
	}
}

func (h *Hart) MIP() uint64 { return h.csr[CSRMip] }
func (h *Hart) MIE() uint64 { return h.csr[CSRMie] }

func signExtend32(v uint32) uint64 { return uint64(int64(int32(v))) }
func signExtend16(v uint16) uint64 { return uint64(int64(int16(v))) }
func signExtend8(v uint8) uint64   { return uint64(int64(int8(v))) }
