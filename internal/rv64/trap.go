package rv64

// pendingInterrupt returns the highest-priority interrupt cause currently
// enabled and pending, or (0, false) if none. Priority order is fixed by the
// privileged spec: MEI, MSI, MTI, SEI, SSI, STI — independent of delegation.
func (h *Hart) pendingInterrupt() (uint64, bool) {
	ie := h.csr[CSRMip] & h.csr[CSRMie]
	if ie == 0 {
		return 0, false
	}

	mEnabled := h.Priv < PrivMachine || (h.Priv == PrivMachine && h.csr[CSRMstatus]&MstatusMIE != 0)
	sEnabled := h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && h.csr[CSRMstatus]&MstatusSIE != 0)

	type cand struct {
		bit     uint64
		mCause  uint64
		sCause  uint64
	}
	order := []cand{
		{MipMEIP, CauseMExternalInt, 0},
		{MipMSIP, CauseMSoftwareInt, 0},
		{MipMTIP, CauseMTimerInt, 0},
		{MipSEIP, 0, CauseSExternalInt},
		{MipSSIP, 0, CauseSSoftwareInt},
		{MipSTIP, 0, CauseSTimerInt},
	}
	for _, c := range order {
		if ie&c.bit == 0 {
			continue
		}
		delegated := h.csr[CSRMideleg]&c.bit != 0
		if delegated {
			if sEnabled {
				return c.sCause, true
			}
		} else {
			if mEnabled {
				return c.mCause, true
			}
		}
	}
	return 0, false
}

// CheckInterrupt delivers the highest-priority pending interrupt, if any, by
// calling Trap. It returns true if a trap was taken (the caller should not
// also fetch/execute this cycle).
func (h *Hart) CheckInterrupt() bool {
	cause, ok := h.pendingInterrupt()
	if !ok {
		return false
	}
	h.Trap(cause, 0)
	if h.waitingForInterrupt {
		h.waitingForInterrupt = false
	}
	return true
}

// isDelegatable reports whether an exception cause can ever be routed to
// S-mode via medeleg. ECALL-from-S-mode is excluded: delegating it would let
// a trap handler in S-mode re-enter itself for its own ecalls, which medeleg
// is not permitted to express (medeleg bit 9 is stored as written but never
// consulted for this cause, which keeps that path M-mode-only).
func isDelegatable(cause uint64) bool {
	return cause != CauseEcallFromS
}

// Trap performs trap entry for exception/interrupt cause with trap value
// tval: picks the target privilege level via delegation, saves old state,
// and redirects PC to the appropriate vector.
func (h *Hart) Trap(cause, tval uint64) {
	isInterrupt := cause&(1<<63) != 0
	code := cause &^ (1 << 63)

	// Any trap invalidates an outstanding LR reservation (spec.md §3): an
	// SC resumed after the handler returns must not pair with a reservation
	// taken before the trap.
	h.reservation = Reservation{}

	delegate := false
	if h.Priv <= PrivSupervisor {
		if isInterrupt {
			delegate = h.csr[CSRMideleg]&(1<<code) != 0
		} else {
			delegate = h.csr[CSRMedeleg]&(1<<code) != 0 && isDelegatable(cause)
		}
	}

	if delegate {
		h.csr[CSRSepc] = h.PC
		h.csr[CSRScause] = cause
		h.csr[CSRStval] = tval

		h.setSPP(h.Priv)
		if h.csr[CSRMstatus]&MstatusSIE != 0 {
			h.csr[CSRMstatus] |= MstatusSPIE
		} else {
			h.csr[CSRMstatus] &^= MstatusSPIE
		}
		h.csr[CSRMstatus] &^= MstatusSIE

		h.Priv = PrivSupervisor
		h.PC = vectoredPC(h.csr[CSRStvec], code, isInterrupt)
		return
	}

	h.csr[CSRMepc] = h.PC
	h.csr[CSRMcause] = cause
	h.csr[CSRMtval] = tval

	h.setMPP(h.Priv)
	if h.csr[CSRMstatus]&MstatusMIE != 0 {
		h.csr[CSRMstatus] |= MstatusMPIE
	} else {
		h.csr[CSRMstatus] &^= MstatusMPIE
	}
	h.csr[CSRMstatus] &^= MstatusMIE

	h.Priv = PrivMachine
	h.PC = vectoredPC(h.csr[CSRMtvec], code, isInterrupt)
}

func vectoredPC(tvec, code uint64, isInterrupt bool) uint64 {
	base := tvec &^ 0x3
	mode := tvec & 0x3
	if isInterrupt && mode == 1 {
		return base + 4*code
	}
	return base
}

// Mret returns from an M-mode trap handler.
func (h *Hart) Mret() error {
	if h.Priv != PrivMachine {
		return Exception(CauseIllegalInsn, 0)
	}
	mpp := h.mpp()
	h.PC = h.csr[CSRMepc]

	if h.csr[CSRMstatus]&MstatusMPIE != 0 {
		h.csr[CSRMstatus] |= MstatusMIE
	} else {
		h.csr[CSRMstatus] &^= MstatusMIE
	}
	h.csr[CSRMstatus] |= MstatusMPIE

	h.setMPP(PrivUser)
	h.Priv = mpp

	if mpp != PrivMachine {
		h.csr[CSRMstatus] &^= MstatusMPRV
	}
	return nil
}

// Sret returns from an S-mode trap handler. TSR (trap SRET) in mstatus
// forces SRET attempted from S-mode to trap to M-mode instead of executing.
func (h *Hart) Sret() error {
	if h.Priv == PrivSupervisor && h.csr[CSRMstatus]&MstatusTSR != 0 {
		return Exception(CauseIllegalInsn, 0)
	}
	if h.Priv < PrivSupervisor {
		return Exception(CauseIllegalInsn, 0)
	}
	spp := h.spp()
	h.PC = h.csr[CSRSepc]

	if h.csr[CSRMstatus]&MstatusSPIE != 0 {
		h.csr[CSRMstatus] |= MstatusSIE
	} else {
		h.csr[CSRMstatus] &^= MstatusSIE
	}
	h.csr[CSRMstatus] |= MstatusSPIE

	h.setSPP(PrivUser)
	h.Priv = spp

	if spp != PrivMachine {
		h.csr[CSRMstatus] &^= MstatusMPRV
	}
	return nil
}
