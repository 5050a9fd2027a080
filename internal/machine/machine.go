package machine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rvcore/hartsim/internal/netstack"
	"github.com/rvcore/hartsim/internal/rv64"
)

// wfiPollInterval bounds how long a parked (WFI) hart sleeps before
// re-checking its interrupt-pending state, per spec.md §5 ("implementations
// may use a bounded wait...so that spurious wakeups do not alter
// semantics"). Grounded on the teacher's machine.go batch-yield structure,
// replacing its spin (REDESIGN FLAG 2) with a real wait.
const wfiPollInterval = 100 * time.Millisecond

// stepBatch is how many instructions a hart executes before yielding to
// check the shared halt flag and tick the CLINT, per spec.md §5.
const stepBatch = 100_000

// uartIRQ/blkIRQ/netIRQ are the PLIC source numbers this platform assigns
// its three interrupt-capable devices.
const (
	uartIRQ = 10
	blkIRQ  = 1
	netIRQ  = 2
)

// Machine is a complete, bootable RV64GC system: NumHarts harts sharing one
// Bus (DRAM + CLINT + PLIC + UART + VirtIO block/net + test finisher).
// Grounded on internal/hv/riscv/rv64/machine.go's single-hart Machine,
// generalized to the hart fabric spec.md §2/§5 describes.
type Machine struct {
	cfg Config

	Bus   *rv64.Bus
	Harts []*rv64.Hart

	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART16550
	Block *VirtioBlock
	Net   *VirtioNet

	finisher *Finisher
	netStack *netstack.NetStack
	pcapFile *os.File

	halted atomic.Bool
}

// New builds a Machine from cfg but does not start execution; call
// LoadKernel then Run.
func New(cfg Config) (*Machine, error) {
	cfg = cfg.WithDefaults()

	dram := rv64.NewDRAM(rv64.DRAMBase, cfg.DRAMSize)
	bus := rv64.NewBus(dram)

	m := &Machine{cfg: cfg, Bus: bus}

	m.Harts = make([]*rv64.Hart, cfg.NumHarts)
	for i := range m.Harts {
		h := rv64.NewHart(i, bus, rv64.DRAMBase)
		h.StrictAlignment = cfg.StrictAlignment
		if i != 0 {
			h.Halt() // secondary harts start halted per spec.md §6
		}
		m.Harts[i] = h
	}

	m.CLINT = NewCLINT(m.Harts)
	bus.AddDevice(m.CLINT)
	for _, h := range m.Harts {
		h.MtimeSource = m.CLINT.Mtime
	}

	m.PLIC = NewPLIC(m.Harts)
	bus.AddDevice(m.PLIC)

	m.UART = NewUART16550(m.PLIC, uartIRQ)
	bus.AddDevice(m.UART)

	blk, err := NewVirtioBlock(bus, m.PLIC, blkIRQ, cfg.DiskPath, cfg.DiskReadOnly)
	if err != nil {
		return nil, err
	}
	m.Block = blk
	bus.AddDevice(blk)

	if cfg.NetEnabled {
		mac := parseOrRandomMAC(cfg.GuestMAC)
		m.netStack = netstack.New(slog.Default())
		m.netStack.SetInternetAccessEnabled(cfg.AllowInternet)
		if err := m.netStack.StartDNSServer(); err != nil {
			return nil, fmt.Errorf("machine: start guest dns: %w", err)
		}
		vnet, err := NewVirtioNet(bus, m.PLIC, netIRQ, mac, m.netStack)
		if err != nil {
			return nil, err
		}
		m.Net = vnet
		bus.AddDevice(vnet)

		if cfg.PcapPath != "" {
			f, err := os.Create(cfg.PcapPath)
			if err != nil {
				return nil, fmt.Errorf("machine: create pcap capture file: %w", err)
			}
			if err := m.netStack.OpenPacketCapture(f); err != nil {
				f.Close()
				return nil, fmt.Errorf("machine: open packet capture: %w", err)
			}
			m.pcapFile = f
		}
	}

	m.finisher = NewFinisher()
	bus.AddDevice(m.finisher)

	return m, nil
}

func parseOrRandomMAC(s string) net.HardwareAddr {
	if s != "" {
		if mac, err := net.ParseMAC(s); err == nil {
			return mac
		}
	}
	return net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
}

// LoadKernel loads a flat binary image to rv64.DRAMBase and, if cfg.BootShim
// is set, applies the optional S-mode boot shim from spec.md §6 before
// returning: medeleg/mideleg/mcounteren/mstatus.MPP are configured, hart 0's
// mepc is pointed at the loaded image and an MRET is performed, so hart 0 is
// already in S-mode at the kernel entry when LoadKernel returns.
func (m *Machine) LoadKernel(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("machine: read kernel image: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("machine: kernel image is empty")
	}
	if err := m.Bus.DRAM().Load(rv64.DRAMBase, data); err != nil {
		return err
	}
	if m.cfg.BootShim {
		m.applyBootShim(rv64.DRAMBase)
	}
	return nil
}

func (m *Machine) applyBootShim(entry uint64) {
	h := m.Harts[0]
	_ = h.WriteCSR(rv64.CSRMedeleg, 0xB1FF)
	_ = h.WriteCSR(rv64.CSRMideleg, 0x222)
	// mcounteren.TM (bit 1): S-mode may read the time CSR.
	_ = h.WriteCSR(rv64.CSRMcounteren, 1<<1)
	h.WriteReg(11, 0) // a1: no device tree blob provided by this boot path
	_ = h.WriteCSR(rv64.CSRMepc, entry)
	mstatus, _ := h.ReadCSR(rv64.CSRMstatus)
	mstatus = (mstatus &^ rv64.MstatusMPP) | (uint64(rv64.PrivSupervisor) << rv64.MstatusMPPShift)
	_ = h.WriteCSR(rv64.CSRMstatus, mstatus)
	_ = h.Mret()
}

// StartHart resumes a secondary hart at entry, mirroring the MSIP-then-
// resume contract in spec.md §6: "Secondary harts start halted until hart 0
// writes their MSIP and resumes them at a cooperative entry point."
func (m *Machine) StartHart(id int, entry uint64) error {
	if id < 0 || id >= len(m.Harts) {
		return fmt.Errorf("machine: hart %d out of range", id)
	}
	h := m.Harts[id]
	h.PC = entry
	h.Resume()
	return nil
}

// Run drives every non-halted hart to completion (finisher halt, host
// cancellation, or an explicit Halt()) using one goroutine per hart per
// spec.md §5's scheduling model, grounded on golang.org/x/sync/errgroup
// (already a direct teacher dependency, used here for the hart fabric's
// run-group instead of hand-rolled WaitGroup/error-channel plumbing).
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range m.Harts {
		h := h
		g.Go(func() error {
			return m.runHart(ctx, h)
		})
	}
	g.Go(func() error {
		t := time.NewTicker(wfiPollInterval)
		defer t.Stop()
		for {
			select {
			case <-m.finisher.Done():
				m.Halt()
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if m.halted.Load() {
					return nil
				}
			}
		}
	})
	return g.Wait()
}

func (m *Machine) runHart(ctx context.Context, h *rv64.Hart) error {
	for {
		if m.halted.Load() || h.IsHalted() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for i := 0; i < stepBatch; i++ {
			if m.halted.Load() || h.IsHalted() {
				return nil
			}
			if h.IsWaitingForInterrupt() {
				wake := m.CLINT.Wake()
				select {
				case <-wake:
				case <-time.After(wfiPollInterval):
				case <-ctx.Done():
					return ctx.Err()
				}
				m.CLINT.Tick()
			}
			_ = h.Step()
		}
		m.CLINT.Tick()
	}
}

// Halt requests every hart stop at its next yield point, per the single
// shared atomic flag in spec.md §5.
func (m *Machine) Halt() { m.halted.Store(true) }

// Halted reports whether Halt has been called or the finisher fired.
func (m *Machine) Halted() bool { return m.halted.Load() }

// FinisherResult reports the guest's test-finisher outcome, if any.
func (m *Machine) FinisherResult() (pass bool, code int) { return m.finisher.Result() }

// Close releases the machine's netstack and, if packet capture was enabled,
// flushes and closes the pcap file. Safe to call even when NetEnabled is
// false.
func (m *Machine) Close() error {
	if m.netStack != nil {
		if err := m.netStack.Close(); err != nil {
			return err
		}
	}
	if m.pcapFile != nil {
		return m.pcapFile.Close()
	}
	return nil
}
