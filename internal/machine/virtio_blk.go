package machine

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/rvcore/hartsim/internal/rv64"
)

const (
	virtioDeviceIDBlock = 2
	blkSectorSize       = 512

	blkReqIn  = 0 // VIRTIO_BLK_T_IN: device reads data into the guest buffer
	blkReqOut = 1 // VIRTIO_BLK_T_OUT: device writes guest data to storage
)

// VirtioBlock is a VirtIO block device backed by an in-memory (optionally
// file-loaded) flat disk image. Grounded on
// internal/hv/riscv/ccvm/virtblock.go's request-header parsing and
// read/writeSectors logic, rewired onto this package's legacy MMIO
// register file and virtQueue instead of ccvm's VirtualMachine-specific
// physical-memory accessors.
type VirtioBlock struct {
	virtioMMIO

	contents []byte
	readOnly bool
}

// NewVirtioBlock creates a block device. If path is empty, the device
// starts with a zero-length, read-only backing store (harmless to attach
// but unable to service any request beyond returning VIRTIO_BLK_S_IOERR).
func NewVirtioBlock(bus *rv64.Bus, plic *PLIC, irqSrc uint32, path string, readOnly bool) (*VirtioBlock, error) {
	b := &VirtioBlock{readOnly: readOnly}
	b.virtioMMIO = newVirtioMMIO(rv64.VirtioBlkBase, virtioDeviceIDBlock, 1, bus, plic, irqSrc)
	b.virtioMMIO.backend = b
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("machine: load disk image: %w", err)
		}
		b.contents = data
	}
	return b, nil
}

func (b *VirtioBlock) numQueues() int       { return 1 }
func (b *VirtioBlock) queueMax(int) uint32  { return 128 }

func (b *VirtioBlock) readConfig(offset uint64) (uint32, bool) {
	capacity := uint64(len(b.contents)) / blkSectorSize
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], capacity)
	switch offset {
	case 0:
		return binary.LittleEndian.Uint32(buf[0:4]), true
	case 4:
		return binary.LittleEndian.Uint32(buf[4:8]), true
	}
	return 0, false
}

func (b *VirtioBlock) writeConfig(uint64, uint32) bool { return false }

func (b *VirtioBlock) onNotify(sel int) error {
	q := b.queues[sel]
	for {
		head, ok, err := q.popAvailable()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := b.processRequest(q, head); err != nil {
			return err
		}
	}
	flags, err := q.readGuestU16(q.usedAddr)
	if err != nil {
		return err
	}
	if flags&usedRingNoInterrupt == 0 {
		b.raiseUsedBufferIRQ()
	}
	return nil
}

func (b *VirtioBlock) processRequest(q *virtQueue, head uint16) error {
	chain, err := q.chain(head)
	if err != nil {
		return err
	}
	if len(chain) < 3 {
		return fmt.Errorf("machine: virtio-blk descriptor chain too short")
	}

	hdrDesc := chain[0]
	var hdr [16]byte
	if err := q.readGuest(hdrDesc.Addr, hdr[:]); err != nil {
		return err
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	dataDescs := chain[1 : len(chain)-1]
	statusDesc := chain[len(chain)-1]

	status := byte(0) // VIRTIO_BLK_S_OK
	var totalLen uint32

	switch reqType {
	case blkReqIn:
		for _, d := range dataDescs {
			buf := make([]byte, d.Len)
			if err := b.readSectors(buf, sector); err != nil {
				status = 1 // VIRTIO_BLK_S_IOERR
			} else if err := q.writeGuest(d.Addr, buf); err != nil {
				return err
			}
			sector += uint64(d.Len) / blkSectorSize
			totalLen += d.Len
		}
	case blkReqOut:
		if b.readOnly {
			status = 1
			break
		}
		for _, d := range dataDescs {
			buf := make([]byte, d.Len)
			if err := q.readGuest(d.Addr, buf); err != nil {
				return err
			}
			if err := b.writeSectors(buf, sector); err != nil {
				status = 1
			}
			sector += uint64(d.Len) / blkSectorSize
		}
	default:
		status = 2 // VIRTIO_BLK_S_UNSUPP
	}

	if err := q.writeGuest(statusDesc.Addr, []byte{status}); err != nil {
		return err
	}
	totalLen++ // account for the status byte

	_, err = q.pushUsed(head, totalLen)
	return err
}

func (b *VirtioBlock) readSectors(buf []byte, sector uint64) error {
	off := sector * blkSectorSize
	if off+uint64(len(buf)) > uint64(len(b.contents)) {
		return fmt.Errorf("machine: virtio-blk read out of range")
	}
	copy(buf, b.contents[off:off+uint64(len(buf))])
	return nil
}

func (b *VirtioBlock) writeSectors(buf []byte, sector uint64) error {
	off := sector * blkSectorSize
	if off+uint64(len(buf)) > uint64(len(b.contents)) {
		return fmt.Errorf("machine: virtio-blk write out of range")
	}
	copy(b.contents[off:off+uint64(len(buf))], buf)
	return nil
}
