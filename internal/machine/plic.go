package machine

import (
	"sync"

	"github.com/rvcore/hartsim/internal/rv64"
)

// plicMaxSources bounds the PLIC's source space; the spec's device set
// (UART, VirtIO block, VirtIO net) needs only a handful, but real PLIC
// implementations reserve room for many more and xv6 (the stated boot
// target) indexes sources by fixed IRQ numbers up into the dozens.
const plicMaxSources = 64

// PLIC is the Platform-Level Interrupt Controller: per-source priority, a
// pending bitmap, per-context (one per hart per privilege mode) enable
// bitmaps and threshold/claim registers. Grounded on the teacher's
// internal/hv/riscv/rv64/plic.go, which hardcodes exactly 2 contexts (one
// M, one S) for a single hart; this generalizes to 2*NumHarts contexts per
// REDESIGN FLAG 5, context 2*h for hart h's M-mode and 2*h+1 for its S-mode.
type PLIC struct {
	base uint64

	harts []*rv64.Hart

	mu        sync.Mutex
	priority  [plicMaxSources]uint32
	pending   [plicMaxSources]bool
	claimed   [plicMaxSources]bool
	enable    [][plicMaxSources / 32]uint32 // indexed by context
	threshold []uint32                      // indexed by context
}

func NewPLIC(harts []*rv64.Hart) *PLIC {
	n := len(harts) * 2
	return &PLIC{
		base:      rv64.PLICBase,
		harts:     harts,
		enable:    make([][plicMaxSources / 32]uint32, n),
		threshold: make([]uint32, n),
	}
}

func (p *PLIC) Base() uint64 { return rv64.PLICBase }
func (p *PLIC) Size() uint64 { return rv64.PLICSize }

// contextForHart returns the (M, S) context indices for hart id.
func contextForHart(id int) (m, s int) { return 2 * id, 2*id + 1 }

// Raise latches source as pending (level-triggered: stays pending until
// Claim). Devices call this when they want to interrupt a hart.
func (p *PLIC) Raise(source uint32) {
	p.mu.Lock()
	p.pending[source] = true
	p.mu.Unlock()
	p.updateInterrupts()
}

func (p *PLIC) updateInterrupts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateInterruptsLocked()
}

// updateInterruptsLocked recomputes MEIP/SEIP for every context; callers
// must already hold p.mu.
func (p *PLIC) updateInterruptsLocked() {
	for ctx := range p.threshold {
		asserted := false
		for src := uint32(1); src < plicMaxSources; src++ {
			if !p.pending[src] || p.claimed[src] {
				continue
			}
			if p.enable[ctx][src/32]&(1<<(src%32)) == 0 {
				continue
			}
			if p.priority[src] <= p.threshold[ctx] {
				continue
			}
			asserted = true
			break
		}
		hartID := ctx / 2
		if hartID >= len(p.harts) {
			continue
		}
		if ctx%2 == 0 {
			p.harts[hartID].SetMIP(rv64.MipMEIP, asserted)
		} else {
			p.harts[hartID].SetMIP(rv64.MipSEIP, asserted)
		}
	}
}

func (p *PLIC) Read(addr uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, rv64.ErrUnsupportedWidth
	}
	off := addr - p.base
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case off < 0x1000:
		src := off / 4
		if src >= plicMaxSources {
			return 0, nil
		}
		return uint64(p.priority[src]), nil
	case off >= 0x1000 && off < 0x1080:
		word := (off - 0x1000) / 4
		if word >= plicMaxSources/32 {
			return 0, nil
		}
		var v uint32
		for bit := uint32(0); bit < 32; bit++ {
			if p.pending[uint32(word)*32+bit] {
				v |= 1 << bit
			}
		}
		return uint64(v), nil
	case off >= 0x2000 && off < 0x200000:
		ctx := (off - 0x2000) / 0x80
		word := ((off - 0x2000) % 0x80) / 4
		if int(ctx) >= len(p.enable) || word >= plicMaxSources/32 {
			return 0, nil
		}
		return uint64(p.enable[ctx][word]), nil
	case off >= 0x200000:
		ctx := (off - 0x200000) / 0x1000
		reg := (off - 0x200000) % 0x1000
		if int(ctx) >= len(p.threshold) {
			return 0, nil
		}
		if reg == 0 {
			return uint64(p.threshold[ctx]), nil
		}
		if reg == 4 {
			src := p.claimLocked(int(ctx))
			p.updateInterruptsLocked()
			return uint64(src), nil
		}
	}
	return 0, rv64.ErrBusFault
}

// claimLocked returns the highest-priority pending+enabled source for ctx
// and marks it claimed (removed from pending until Complete). Caller holds
// p.mu.
func (p *PLIC) claimLocked(ctx int) uint32 {
	best := uint32(0)
	bestPrio := uint32(0)
	for src := uint32(1); src < plicMaxSources; src++ {
		if !p.pending[src] || p.claimed[src] {
			continue
		}
		if p.enable[ctx][src/32]&(1<<(src%32)) == 0 {
			continue
		}
		if p.priority[src] > bestPrio {
			bestPrio = p.priority[src]
			best = src
		}
	}
	if best != 0 {
		p.claimed[best] = true
		p.pending[best] = false
	}
	return best
}

func (p *PLIC) Write(addr uint64, size int, value uint64) error {
	if size != 4 {
		return rv64.ErrUnsupportedWidth
	}
	off := addr - p.base
	p.mu.Lock()

	switch {
	case off < 0x1000:
		src := off / 4
		if src < plicMaxSources {
			p.priority[src] = uint32(value)
		}
	case off >= 0x2000 && off < 0x200000:
		ctx := (off - 0x2000) / 0x80
		word := ((off - 0x2000) % 0x80) / 4
		if int(ctx) < len(p.enable) && word < plicMaxSources/32 {
			p.enable[ctx][word] = uint32(value)
		}
	case off >= 0x200000:
		ctx := (off - 0x200000) / 0x1000
		reg := (off - 0x200000) % 0x1000
		if int(ctx) < len(p.threshold) {
			if reg == 0 {
				p.threshold[ctx] = uint32(value)
			} else if reg == 4 {
				// Complete: source becomes re-latchable if still asserted
				// by the device (callers re-Raise on the next event).
				src := uint32(value)
				if src < plicMaxSources {
					p.claimed[src] = false
				}
			}
		}
	default:
		p.mu.Unlock()
		return rv64.ErrBusFault
	}
	p.mu.Unlock()
	p.updateInterrupts()
	return nil
}
