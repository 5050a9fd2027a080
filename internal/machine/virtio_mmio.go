package machine

import (
	"github.com/rvcore/hartsim/internal/rv64"
)

// Legacy (VirtIO 1.0) MMIO register offsets. xv6 — the stated boot target
// (spec.md §1) — speaks only this legacy, QueuePFN-based register set
// (kernel/virtio.h), so that is what this model implements rather than the
// modern (QueueDesc/QueueDriver/QueueDevice, 64-bit split) register layout.
const (
	regMagicValue       = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regDeviceFeatures   = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures   = 0x020
	regDriverFeaturesSel = 0x024
	regGuestPageSize    = 0x028
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueAlign       = 0x03c
	regQueuePFN         = 0x040
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptACK     = 0x064
	regStatus           = 0x070
	regConfig           = 0x100
)

const virtioMagicValue = 0x74726976
const virtioLegacyVersion = 1

// virtioQueueBackend is implemented per device type (block, net) to react
// to queue-notify and to answer device-specific config-space reads.
type virtioQueueBackend interface {
	numQueues() int
	queueMax(sel int) uint32
	onNotify(sel int) error
	readConfig(offset uint64) (uint32, bool)
	writeConfig(offset uint64, v uint32) bool
}

// virtioMMIO is the shared legacy VirtIO MMIO register file; virtio_blk.go
// and virtio_net.go embed it and supply a virtioQueueBackend. Grounded on
// ccvm/virtio.go's single-struct-embeds-queues-and-registers shape and on
// the register contract itself from xv6's kernel/virtio.h.
type virtioMMIO struct {
	base     uint64
	deviceID uint32
	backend  virtioQueueBackend

	bus *rv64.Bus

	queues       []*virtQueue
	queueSel     uint32
	guestPageSize uint32
	driverStatus uint32
	intStatus    uint32

	plic   *PLIC
	irqSrc uint32
}

func newVirtioMMIO(base uint64, deviceID uint32, numQueues int, bus *rv64.Bus, plic *PLIC, irqSrc uint32) virtioMMIO {
	qs := make([]*virtQueue, numQueues)
	for i := range qs {
		qs[i] = &virtQueue{bus: bus, align: 4096}
	}
	return virtioMMIO{
		base:          base,
		deviceID:      deviceID,
		bus:           bus,
		queues:        qs,
		guestPageSize: 4096,
		plic:          plic,
		irqSrc:        irqSrc,
	}
}

func (v *virtioMMIO) Base() uint64 { return v.base }
func (v *virtioMMIO) Size() uint64 { return rv64.VirtioMMIOSize }

func (v *virtioMMIO) Read(addr uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, rv64.ErrUnsupportedWidth
	}
	off := addr - v.base
	switch off {
	case regMagicValue:
		return virtioMagicValue, nil
	case regVersion:
		return virtioLegacyVersion, nil
	case regDeviceID:
		return uint64(v.deviceID), nil
	case regVendorID:
		return 0x554d4551, nil
	case regDeviceFeatures:
		return 0, nil
	case regQueueNumMax:
		if int(v.queueSel) >= len(v.queues) {
			return 0, nil
		}
		return uint64(v.backend.queueMax(int(v.queueSel))), nil
	case regQueuePFN:
		if int(v.queueSel) >= len(v.queues) {
			return 0, nil
		}
		q := v.queues[v.queueSel]
		if v.guestPageSize == 0 {
			return 0, nil
		}
		return q.descAddr / uint64(v.guestPageSize), nil
	case regInterruptStatus:
		return uint64(v.intStatus), nil
	case regStatus:
		return uint64(v.driverStatus), nil
	}
	if off >= regConfig {
		if val, ok := v.backend.readConfig(off - regConfig); ok {
			return uint64(val), nil
		}
	}
	return 0, nil
}

func (v *virtioMMIO) Write(addr uint64, size int, value uint64) error {
	if size != 4 {
		return rv64.ErrUnsupportedWidth
	}
	off := addr - v.base
	val := uint32(value)
	switch off {
	case regGuestPageSize:
		v.guestPageSize = val
	case regQueueSel:
		v.queueSel = val
	case regQueueNum:
		if int(v.queueSel) < len(v.queues) {
			v.queues[v.queueSel].num = val
		}
	case regQueueAlign:
		if int(v.queueSel) < len(v.queues) {
			v.queues[v.queueSel].align = val
		}
	case regQueuePFN:
		if int(v.queueSel) < len(v.queues) && val != 0 {
			v.queues[v.queueSel].setPFN(uint64(val), v.guestPageSize)
		}
	case regDriverFeatures, regDeviceFeaturesSel, regDriverFeaturesSel:
		// Feature negotiation always succeeds trivially; this model
		// offers no optional features to negotiate.
	case regQueueNotify:
		sel := int(val)
		if sel < len(v.queues) {
			if err := v.backend.onNotify(sel); err != nil {
				return err
			}
		}
	case regInterruptACK:
		v.intStatus &^= val
	case regStatus:
		v.driverStatus = val
	default:
		if off >= regConfig {
			v.backend.writeConfig(off-regConfig, val)
			return nil
		}
	}
	return nil
}

// raiseUsedBufferIRQ sets the used-buffer-notification bit in
// interrupt-status and raises the device's PLIC source.
func (v *virtioMMIO) raiseUsedBufferIRQ() {
	v.intStatus |= 1
	if v.plic != nil {
		v.plic.Raise(v.irqSrc)
	}
}
