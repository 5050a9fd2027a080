package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/rvcore/hartsim/internal/rv64"
)

// virtqDescriptor is one entry of the descriptor table (16 bytes), per the
// VirtIO split-queue layout (spec.md §3/§4.7).
type virtqDescriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	vringDescFNext  = 1
	vringDescFWrite = 2
)

const (
	usedRingNoInterrupt = 1
)

// virtQueue implements a legacy (VirtIO 1.0, single-page, QueuePFN-based)
// split virtqueue. Grounded on two teacher sources, per SPEC_FULL.md §4.7:
// the descriptor/avail/used walking logic in internal/devices/virtio's
// VirtQueue, adapted here to address guest memory directly through the
// machine Bus (not through an hv.VirtualMachine abstraction, and with
// machine-mode/physical addressing per spec.md §4.7's "resolved through
// the MMU with machine-mode translation disabled" contract), and the
// simpler register-offset contract of internal/hv/riscv/ccvm's virtio
// device model.
type virtQueue struct {
	bus *rv64.Bus

	num   uint32
	align uint32

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16
}

// setPFN lays out desc/avail/used within the single guest page run starting
// at pfn*pageSize, matching the legacy VirtIO MMIO interface xv6 (the
// stated boot target) expects: desc table, then avail ring, then the used
// ring rounded up to the next page boundary.
func (q *virtQueue) setPFN(pfn uint64, pageSize uint32) {
	base := pfn * uint64(pageSize)
	q.descAddr = base
	descBytes := uint64(q.num) * 16
	q.availAddr = base + descBytes
	availBytes := 4 + uint64(q.num)*2 + 2
	usedOff := roundUp(descBytes+availBytes, uint64(q.align))
	q.usedAddr = base + usedOff
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func (q *virtQueue) readDesc(idx uint16) (virtqDescriptor, error) {
	var buf [16]byte
	if err := q.readGuest(q.descAddr+uint64(idx)*16, buf[:]); err != nil {
		return virtqDescriptor{}, err
	}
	return virtqDescriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *virtQueue) availIdx() (uint16, error) {
	v, err := q.readGuestU16(q.availAddr + 2)
	return v, err
}

func (q *virtQueue) availRing(slot uint16) (uint16, error) {
	return q.readGuestU16(q.availAddr + 4 + uint64(slot%uint16(q.num))*2)
}

// popAvailable returns the next unconsumed head descriptor index, if any.
func (q *virtQueue) popAvailable() (head uint16, ok bool, err error) {
	idx, err := q.availIdx()
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == idx {
		return 0, false, nil
	}
	head, err = q.availRing(q.lastAvailIdx)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// chain walks a descriptor chain starting at head, returning each
// descriptor's (addr, len, isWrite) in order.
func (q *virtQueue) chain(head uint16) ([]virtqDescriptor, error) {
	var out []virtqDescriptor
	idx := head
	for {
		d, err := q.readDesc(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		if d.Flags&vringDescFNext == 0 {
			break
		}
		idx = d.Next
		if len(out) > int(q.num)+1 {
			return nil, fmt.Errorf("machine: virtqueue descriptor chain loop")
		}
	}
	return out, nil
}

// pushUsed appends (head, len) to the used ring and reports whether the
// device should raise its interrupt (used.flags & NO_INTERRUPT == 0, per
// spec.md §4.7).
func (q *virtQueue) pushUsed(head uint16, n uint32) (shouldInterrupt bool, err error) {
	slot := q.usedIdx % uint16(q.num)
	entryAddr := q.usedAddr + 4 + uint64(slot)*8
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head))
	binary.LittleEndian.PutUint32(buf[4:8], n)
	if err := q.writeGuest(entryAddr, buf[:]); err != nil {
		return false, err
	}
	q.usedIdx++
	if err := q.writeGuestU16(q.usedAddr+2, q.usedIdx); err != nil {
		return false, err
	}
	flags, err := q.readGuestU16(q.usedAddr)
	if err != nil {
		return false, err
	}
	return flags&usedRingNoInterrupt == 0, nil
}

func (q *virtQueue) readGuest(addr uint64, buf []byte) error {
	for i := range buf {
		v, err := q.bus.Read8(addr + uint64(i))
		if err != nil {
			return err
		}
		buf[i] = v
	}
	return nil
}

func (q *virtQueue) writeGuest(addr uint64, buf []byte) error {
	for i, b := range buf {
		if err := q.bus.Write8(addr+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

func (q *virtQueue) readGuestU16(addr uint64) (uint16, error) {
	return q.bus.Read16(addr)
}

func (q *virtQueue) writeGuestU16(addr uint64, v uint16) error {
	return q.bus.Write16(addr, v)
}
