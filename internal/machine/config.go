// Package machine wires the rv64 hart engine, shared DRAM, and the
// platform's MMIO devices (CLINT, PLIC, UART, VirtIO block/net) into a
// bootable, multi-hart RISC-V system. It is the "hart scheduler /
// shared-memory fabric" leaf of the spec's leaves-first component order:
// everything in package rv64 is device- and hart-count-agnostic, and
// Machine is where those pieces become a concrete platform.
package machine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes a machine to boot. It is typically loaded from a YAML
// file (see LoadConfig) the same way the teacher's VM configs are loaded,
// but every field has a workable zero-value default so tests can build a
// Config{} literal directly.
type Config struct {
	// NumHarts is the number of harts sharing this machine's DRAM, CLINT,
	// and PLIC. Must be >= 1.
	NumHarts int `yaml:"num_harts"`

	// DRAMSize is the size in bytes of guest physical memory starting at
	// rv64.DRAMBase. Defaults to 128 MiB per spec.md §6.
	DRAMSize uint64 `yaml:"dram_size"`

	// KernelPath is a flat binary image loaded at rv64.DRAMBase. ELF
	// loading and other host-side boot mechanics are out of scope (see
	// SPEC_FULL.md Non-goals); this is deliberately the simplest possible
	// loader.
	KernelPath string `yaml:"kernel_path"`

	// DiskPath, if set, backs the VirtIO block device with a raw disk
	// image file. Leave empty to run without a disk.
	DiskPath string `yaml:"disk_path"`
	DiskReadOnly bool `yaml:"disk_readonly"`

	// NetEnabled attaches a VirtIO net device backed by the in-process
	// netstack (see virtio_net.go). GuestMAC configures the MAC the
	// guest is expected to use; a default is assigned if empty.
	// AllowInternet lets the netstack's stub DNS resolver fall back to the
	// host's real resolver for names outside the *.internal zone; with it
	// off (the default) the guest network is fully self-contained.
	NetEnabled    bool   `yaml:"net_enabled"`
	GuestMAC      string `yaml:"guest_mac"`
	AllowInternet bool   `yaml:"allow_internet"`

	// PcapPath, if set (and NetEnabled), streams every frame the netstack
	// sees or sends to a pcap file at this path, for offline inspection
	// with tcpdump/Wireshark of a guest boot's network traffic.
	PcapPath string `yaml:"pcap_path"`

	// BootShim, when true, has LoadKernel perform the optional S-mode
	// boot shim from spec.md §6 (medeleg/mideleg/mcounteren/mstatus.MPP
	// set up, then an implicit MRET to the kernel entry) instead of
	// leaving hart 0 parked in M-mode at the reset PC.
	BootShim bool `yaml:"boot_shim"`

	// StrictAlignment configures every hart's rv64.Hart.StrictAlignment;
	// see spec Open Question (a). Default false (misaligned DRAM access
	// allowed).
	StrictAlignment bool `yaml:"strict_alignment"`
}

const defaultDRAMSize = 128 << 20

// WithDefaults returns a copy of cfg with zero-valued fields replaced by
// their documented defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.NumHarts <= 0 {
		cfg.NumHarts = 1
	}
	if cfg.DRAMSize == 0 {
		cfg.DRAMSize = defaultDRAMSize
	}
	return cfg
}

// LoadConfig reads a YAML machine config, grounded on the teacher's own use
// of gopkg.in/yaml.v3 for VM configuration surfaces.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("machine: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("machine: parse config: %w", err)
	}
	return cfg.WithDefaults(), nil
}
