package machine

import (
	"sync"

	"github.com/rvcore/hartsim/internal/rv64"
)

// Finisher codes, matching the riscv-tests / QEMU virt "syscon" test
// finisher convention referenced by spec.md §6.
const (
	finisherPass   = 0x5555
	finisherFail   = 0x3333
	finisherReset  = 0x7777
	finisherExitShift = 16
)

// Finisher is the 32-bit test-finisher MMIO region: a single write of
// 0x5555 or (exitcode<<16)|0x3333 halts the machine.
type Finisher struct {
	done chan struct{}

	mu   sync.Mutex
	once bool
	pass bool
	code int
}

func NewFinisher() *Finisher {
	return &Finisher{done: make(chan struct{})}
}

func (f *Finisher) Base() uint64 { return rv64.FinisherBase }
func (f *Finisher) Size() uint64 { return rv64.FinisherSize }

func (f *Finisher) Read(addr uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, rv64.ErrUnsupportedWidth
	}
	return 0, nil
}

func (f *Finisher) Write(addr uint64, size int, value uint64) error {
	if size != 4 {
		return rv64.ErrUnsupportedWidth
	}
	code := uint32(value)
	switch code & 0xffff {
	case finisherPass:
		f.halt(true, 0)
	case finisherFail:
		f.halt(false, int(code>>finisherExitShift))
	case finisherReset:
		f.halt(true, 0)
	}
	return nil
}

// halt records the first finisher write and ignores the rest; any hart can
// reach it through the MMIO store path, so the state is lock-protected like
// every other shared device in this package.
func (f *Finisher) halt(pass bool, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.once {
		return
	}
	f.once = true
	f.pass = pass
	f.code = code
	close(f.done)
}

// Done is closed when the guest has requested a halt via the finisher.
func (f *Finisher) Done() <-chan struct{} { return f.done }

// Result reports whether the guest signaled success and any exit code
// attached to a failure.
func (f *Finisher) Result() (pass bool, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pass, f.code
}
