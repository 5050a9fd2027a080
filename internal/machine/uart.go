package machine

import (
	"bytes"
	"io"
	"sync"

	"github.com/rvcore/hartsim/internal/rv64"
)

// UART register offsets, 16550-compatible subset. Grounded on the teacher's
// internal/hv/riscv/rv64/uart.go.
const (
	uartRBR = 0 // Receive Buffer Register (read)
	uartTHR = 0 // Transmit Holding Register (write)
	uartIER = 1
	uartIIR = 2 // read
	uartFCR = 2 // write
	uartLCR = 3
	uartMCR = 4
	uartLSR = 5
	uartMSR = 6
	uartSCR = 7
)

const (
	lsrDataReady = 1 << 0
	lsrTHREmpty  = 1 << 5
	lsrTxEmpty   = 1 << 6
)

const ierRxAvailable = 1 << 0

// UART16550 is a serial console backed by byte queues instead of a real
// file descriptor: Push feeds guest-visible RX bytes in, guest TX bytes
// accumulate in Console() and are streamed to the SetOutput writer.
// Host-side terminal wiring (raw mode, PTY) is out of scope (spec.md §1); a
// cmd/ wrapper plugs real stdio into Push/SetOutput.
type UART16550 struct {
	mu sync.Mutex

	rx bytes.Buffer

	ier uint8
	lcr uint8
	mcr uint8
	scr uint8

	console *ConsoleSnapshot
	out     io.Writer

	plic   *PLIC
	irqSrc uint32
}

func NewUART16550(plic *PLIC, irqSource uint32) *UART16550 {
	return &UART16550{plic: plic, irqSrc: irqSource, console: newConsoleSnapshot()}
}

// SetOutput streams every byte the guest writes to THR to w, in addition to
// the accumulated ConsoleSnapshot; a cmd/ wrapper plugs os.Stdout in here
// for a live session.
func (u *UART16550) SetOutput(w io.Writer) {
	u.mu.Lock()
	u.out = w
	u.mu.Unlock()
}

func (u *UART16550) Base() uint64 { return rv64.UARTBase }
func (u *UART16550) Size() uint64 { return rv64.UARTSize }

// Push enqueues host-supplied bytes for the guest to read via RBR, and
// raises the UART's PLIC source if IER.ERBFI (receive-data-available) is
// enabled, per spec.md §4.7.
func (u *UART16550) Push(b []byte) {
	u.mu.Lock()
	u.rx.Write(b)
	raise := u.ier&ierRxAvailable != 0 && u.rx.Len() > 0
	u.mu.Unlock()
	if raise && u.plic != nil {
		u.plic.Raise(u.irqSrc)
	}
}

// Console returns the accumulated, ANSI-aware view of everything the guest
// has written to THR, for debug/test assertions that don't want to drive a
// real terminal.
func (u *UART16550) Console() *ConsoleSnapshot { return u.console }

func (u *UART16550) Read(addr uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, rv64.ErrUnsupportedWidth
	}
	off := addr - rv64.UARTBase
	u.mu.Lock()
	defer u.mu.Unlock()

	switch off {
	case uartRBR:
		if u.rx.Len() == 0 {
			return 0, nil
		}
		b, _ := u.rx.ReadByte()
		return uint64(b), nil
	case uartIER:
		return uint64(u.ier), nil
	case uartIIR:
		if u.rx.Len() > 0 && u.ier&ierRxAvailable != 0 {
			return 0x04, nil // interrupt pending: RX data available
		}
		return 0x01, nil // no interrupt pending
	case uartLCR:
		return uint64(u.lcr), nil
	case uartMCR:
		return uint64(u.mcr), nil
	case uartLSR:
		lsr := uint8(lsrTHREmpty | lsrTxEmpty)
		if u.rx.Len() > 0 {
			lsr |= lsrDataReady
		}
		return uint64(lsr), nil
	case uartMSR:
		return 0, nil
	case uartSCR:
		return uint64(u.scr), nil
	}
	return 0, rv64.ErrBusFault
}

func (u *UART16550) Write(addr uint64, size int, value uint64) error {
	if size != 1 {
		return rv64.ErrUnsupportedWidth
	}
	off := addr - rv64.UARTBase
	u.mu.Lock()
	defer u.mu.Unlock()

	switch off {
	case uartTHR:
		u.console.feed(byte(value))
		if u.out != nil {
			_, _ = u.out.Write([]byte{byte(value)})
		}
	case uartIER:
		u.ier = uint8(value)
	case uartFCR:
		// FIFO control: this model has no FIFO depth to configure.
	case uartLCR:
		u.lcr = uint8(value)
	case uartMCR:
		u.mcr = uint8(value)
	case uartSCR:
		u.scr = uint8(value)
	default:
		return rv64.ErrBusFault
	}
	return nil
}
