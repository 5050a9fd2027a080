// Package rv64 implements the RV64GC hart execution engine: fetch/decode/
// execute, the CSR file, Sv39 address translation, and trap delivery. It is
// deliberately silent about how many harts exist or how they are scheduled —
// that is internal/machine's job.
package rv64

// Physical memory map (see the platform bus in internal/machine).
const (
	DRAMBase    uint64 = 0x8000_0000
	CLINTBase   uint64 = 0x0200_0000
	CLINTSize   uint64 = 0x0001_0000
	PLICBase    uint64 = 0x0c00_0000
	PLICSize    uint64 = 0x0400_0000
	UARTBase    uint64 = 0x1000_0000
	UARTSize    uint64 = 0x0000_0100
	VirtioBlkBase uint64 = 0x1000_1000
	VirtioNetBase uint64 = 0x1000_2000
	VirtioMMIOSize uint64 = 0x0000_1000
	FinisherBase uint64 = 0x0010_0000
	FinisherSize uint64 = 0x0000_1000
)

// Privilege levels.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// misa bits.
const (
	MisaA uint64 = 1 << 0
	MisaC uint64 = 1 << 2
	MisaD uint64 = 1 << 3
	MisaF uint64 = 1 << 5
	MisaI uint64 = 1 << 8
	MisaM uint64 = 1 << 12
	MisaS uint64 = 1 << 18
	MisaU uint64 = 1 << 20

	MXL64 uint64 = 2
)

// mstatus bits (also visible, masked, as sstatus).
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusFS   uint64 = 3 << 13
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22
	MstatusSD   uint64 = 1 << 63

	MstatusSPPShift = 8
	MstatusMPPShift = 11
	MstatusFSShift  = 13
)

// mip / mie bits.
const (
	MipSSIP uint64 = 1 << 1
	MipMSIP uint64 = 1 << 3
	MipSTIP uint64 = 1 << 5
	MipMTIP uint64 = 1 << 7
	MipSEIP uint64 = 1 << 9
	MipMEIP uint64 = 1 << 11
)

// Exception causes.
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

// Interrupt causes (bit 63 set). Order below is the fixed priority order at
// trap entry: MEI, MSI, MTI, SEI, SSI, STI.
const (
	CauseMExternalInt uint64 = (1 << 63) | 11
	CauseMSoftwareInt uint64 = (1 << 63) | 3
	CauseMTimerInt    uint64 = (1 << 63) | 7
	CauseSExternalInt uint64 = (1 << 63) | 9
	CauseSSoftwareInt uint64 = (1 << 63) | 1
	CauseSTimerInt    uint64 = (1 << 63) | 5
)

// CSR addresses used directly by name in execute.go/csr.go; the per-CSR
// read/write special cases live in csr.go.
const (
	CSRFflags     uint16 = 0x001
	CSRFrm        uint16 = 0x002
	CSRFcsr       uint16 = 0x003
	CSRCycle      uint16 = 0xC00
	CSRTime       uint16 = 0xC01
	CSRInstret    uint16 = 0xC02
	CSRSstatus    uint16 = 0x100
	CSRSie        uint16 = 0x104
	CSRStvec      uint16 = 0x105
	CSRScounteren uint16 = 0x106
	CSRSscratch   uint16 = 0x140
	CSRSepc       uint16 = 0x141
	CSRScause     uint16 = 0x142
	CSRStval      uint16 = 0x143
	CSRSip        uint16 = 0x144
	CSRSatp       uint16 = 0x180
	CSRMstatus    uint16 = 0x300
	CSRMisa       uint16 = 0x301
	CSRMedeleg    uint16 = 0x302
	CSRMideleg    uint16 = 0x303
	CSRMie        uint16 = 0x304
	CSRMtvec      uint16 = 0x305
	CSRMcounteren uint16 = 0x306
	CSRMscratch   uint16 = 0x340
	CSRMepc       uint16 = 0x341
	CSRMcause     uint16 = 0x342
	CSRMtval      uint16 = 0x343
	CSRMip        uint16 = 0x344
	CSRMhartid    uint16 = 0xF14
)
