package machine

import (
	"sync"
	"time"

	"github.com/rvcore/hartsim/internal/rv64"
)

// CLINT is the Core Local Interruptor: a per-hart software-interrupt
// register plus a per-hart timer comparator compared against one shared
// monotonic mtime. Grounded on the teacher's internal/hv/riscv/rv64/clint.go
// single-hart CLINT, generalized to NumHarts per REDESIGN FLAG 5.
type CLINT struct {
	base uint64

	mu        sync.Mutex
	msip      []uint32
	mtimecmp  []uint64
	startTime time.Time

	harts []*rv64.Hart

	// wake is closed and replaced every time an mtimecmp/msip write could
	// newly satisfy a hart parked in WFI (advancing mtime does not close it);
	// machine.Run's wait loop selects on it, with a wfiPollInterval timeout,
	// instead of busy-polling at full rate.
	wakeMu sync.Mutex
	wake   chan struct{}
}

// NewCLINT builds a CLINT for the given harts, all sharing the returned
// device's mtime.
func NewCLINT(harts []*rv64.Hart) *CLINT {
	n := len(harts)
	c := &CLINT{
		base:      rv64.CLINTBase,
		msip:      make([]uint32, n),
		mtimecmp:  make([]uint64, n),
		startTime: time.Now(),
		harts:     harts,
		wake:      make(chan struct{}),
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0)
	}
	return c
}

func (c *CLINT) Base() uint64 { return c.base }
func (c *CLINT) Size() uint64 { return rv64.CLINTSize }

// Mtime returns the current free-running timer value. All harts reading
// Mtime observe a value >= any earlier read on any hart (spec.md §5); this
// holds here because it is derived from a single monotonic host clock
// rather than a per-hart counter.
func (c *CLINT) Mtime() uint64 {
	return uint64(time.Since(c.startTime).Nanoseconds())
}

// Wake returns a channel that is closed the next time CLINT state changes
// in a way that might satisfy a parked WFI (msip/mtimecmp write). Callers
// must re-fetch Wake() after each receive since the channel is replaced.
func (c *CLINT) Wake() <-chan struct{} {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	return c.wake
}

func (c *CLINT) broadcastWake() {
	c.wakeMu.Lock()
	close(c.wake)
	c.wake = make(chan struct{})
	c.wakeMu.Unlock()
}

// Tick recomputes MTIP for every hart against the live mtime. It must be
// called periodically (machine.Run's yield loop) since nothing else pushes
// time forward on its own.
func (c *CLINT) Tick() {
	now := c.Mtime()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.harts {
		h.SetMIP(rv64.MipMTIP, now >= c.mtimecmp[i])
	}
}

func (c *CLINT) perHartOffset(offset uint64, base uint64, stride uint64, n int) (int, uint64, bool) {
	if offset < base {
		return 0, 0, false
	}
	idx := (offset - base) / stride
	if int(idx) >= n {
		return 0, 0, false
	}
	return int(idx), (offset - base) % stride, true
}

func (c *CLINT) Read(addr uint64, size int) (uint64, error) {
	if size != 4 && size != 8 {
		return 0, rv64.ErrUnsupportedWidth
	}
	offset := addr - c.base
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, rem, ok := c.perHartOffset(offset, 0x0000, 4, len(c.msip)); ok && rem == 0 && size == 4 {
		return uint64(c.msip[idx]), nil
	}
	if idx, rem, ok := c.perHartOffset(offset, 0x4000, 8, len(c.mtimecmp)); ok && rem == 0 && size == 8 {
		return c.mtimecmp[idx], nil
	}
	if offset == 0xbff8 && size == 8 {
		return c.Mtime(), nil
	}
	return 0, rv64.ErrBusFault
}

func (c *CLINT) Write(addr uint64, size int, value uint64) error {
	if size != 4 && size != 8 {
		return rv64.ErrUnsupportedWidth
	}
	offset := addr - c.base
	c.mu.Lock()

	if idx, rem, ok := c.perHartOffset(offset, 0x0000, 4, len(c.msip)); ok && rem == 0 && size == 4 {
		set := value != 0
		if set {
			c.msip[idx] = 1
		} else {
			c.msip[idx] = 0
		}
		c.harts[idx].SetMIP(rv64.MipMSIP, set)
		c.mu.Unlock()
		c.broadcastWake()
		return nil
	}
	if idx, rem, ok := c.perHartOffset(offset, 0x4000, 8, len(c.mtimecmp)); ok && rem == 0 && size == 8 {
		c.mtimecmp[idx] = value
		// Setting mtimecmp clears MTIP until mtime reaches it again
		// (spec.md §4.7); Tick() will re-assert it once due.
		c.harts[idx].SetMIP(rv64.MipMTIP, c.Mtime() >= value)
		c.mu.Unlock()
		c.broadcastWake()
		return nil
	}
	c.mu.Unlock()
	if offset == 0xbff8 {
		return nil // mtime is read-only from the guest in this model
	}
	return rv64.ErrBusFault
}
