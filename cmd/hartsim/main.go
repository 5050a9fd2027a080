// Command hartsim boots a flat RV64GC kernel image on the emulator in
// internal/machine, wiring the guest UART to the host terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/term"

	"github.com/rvcore/hartsim/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hartsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a YAML machine config (overridden by other flags if also set)")
		kernel     = flag.String("kernel", "", "flat binary kernel image to load at DRAM base (required)")
		disk       = flag.String("disk", "", "raw disk image backing the VirtIO block device")
		diskRO     = flag.Bool("disk-readonly", false, "mount -disk read-only")
		numHarts   = flag.Int("harts", 0, "number of harts (0 uses the config default of 1)")
		dramMiB    = flag.Int("mem", 0, "DRAM size in MiB (0 uses the config default of 128)")
		net        = flag.Bool("net", false, "attach a VirtIO net device backed by the built-in user-mode network stack")
		inet       = flag.Bool("allow-internet", false, "let the guest DNS stub resolve real names via the host resolver")
		mac        = flag.String("mac", "", "guest MAC address (52:54:00:12:34:56 if unset)")
		pcapPath   = flag.String("pcap", "", "capture guest network traffic to this pcap file (requires -net)")
		bootShim   = flag.Bool("boot-shim", true, "perform the M-to-S boot shim before running hart 0")
		strict     = flag.Bool("strict-alignment", false, "trap on misaligned loads/stores instead of splitting them")
	)
	flag.Parse()

	var cfg machine.Config
	if *configPath != "" {
		loaded, err := machine.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *kernel != "" {
		cfg.KernelPath = *kernel
	}
	if *disk != "" {
		cfg.DiskPath = *disk
	}
	if *diskRO {
		cfg.DiskReadOnly = true
	}
	if *numHarts > 0 {
		cfg.NumHarts = *numHarts
	}
	if *dramMiB > 0 {
		cfg.DRAMSize = uint64(*dramMiB) << 20
	}
	if *net {
		cfg.NetEnabled = true
	}
	if *inet {
		cfg.AllowInternet = true
	}
	if *mac != "" {
		cfg.GuestMAC = *mac
	}
	if *pcapPath != "" {
		cfg.PcapPath = *pcapPath
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if *configPath == "" || set["boot-shim"] {
		cfg.BootShim = *bootShim
	}
	if *configPath == "" || set["strict-alignment"] {
		cfg.StrictAlignment = *strict
	}

	if cfg.KernelPath == "" {
		return errors.New("no kernel image given (-kernel or a config's kernel_path)")
	}

	m, err := machine.New(cfg)
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}
	defer m.Close()
	if err := m.LoadKernel(cfg.KernelPath); err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	m.UART.SetOutput(os.Stdout)
	slog.Info("hartsim booting", "harts", len(m.Harts), "dram_bytes", cfg.DRAMSize, "kernel", cfg.KernelPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
			go pumpStdin(ctx, m)
		}
	}

	runErr := m.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	if pass, code := m.FinisherResult(); code != 0 || pass {
		status := "fail"
		if pass {
			status = "pass"
		}
		slog.Info("guest signaled completion", "status", status, "code", code)
	}
	return nil
}

// pumpStdin feeds raw keystrokes to the guest UART until ctx is canceled.
// Ctrl-] (0x1d) detaches without killing the guest.
func pumpStdin(ctx context.Context, m *machine.Machine) {
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		for _, b := range buf[:n] {
			if b == 0x1d {
				return
			}
		}
		m.UART.Push(buf[:n])
	}
}
