package machine

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/rvcore/hartsim/internal/netstack"
	"github.com/rvcore/hartsim/internal/rv64"
)

const virtioDeviceIDNet = 1

// virtioNetHeaderLen is the legacy (no VIRTIO_NET_F_MRG_RXBUF) virtio-net
// per-packet header size: flags(1) gso_type(1) hdr_len(2) gso_size(2)
// csum_start(2) csum_offset(2).
const virtioNetHeaderLen = 10

const (
	netQueueRX = 0
	netQueueTX = 1
)

// VirtioNet is a VirtIO net device whose guest-facing traffic terminates in
// an in-process network stack instead of a host TAP device. Grounded on
// SPEC_FULL.md §6's domain-stack entry: internal/netstack's
// NetStack/NetworkInterface/AttachNetworkInterface/DeliverGuestPacket API,
// adapted here via a virtio queue pair instead of the teacher's own
// virtio-net MMIO glue (which this spec's legacy-register virtioMMIO base
// replaces outright — see virtio_mmio.go).
type VirtioNet struct {
	virtioMMIO

	mu    sync.Mutex
	stack *netstack.NetStack
	iface *netstack.NetworkInterface
}

// NewVirtioNet attaches a fresh netstack.NetStack to a VirtIO net device.
// mac is the guest's configured MAC address.
func NewVirtioNet(bus *rv64.Bus, plic *PLIC, irqSrc uint32, mac net.HardwareAddr, stack *netstack.NetStack) (*VirtioNet, error) {
	if err := stack.SetGuestMAC(mac); err != nil {
		return nil, fmt.Errorf("machine: configure guest mac: %w", err)
	}
	iface, err := stack.AttachNetworkInterface()
	if err != nil {
		return nil, fmt.Errorf("machine: attach network interface: %w", err)
	}
	n := &VirtioNet{stack: stack, iface: iface}
	n.virtioMMIO = newVirtioMMIO(rv64.VirtioNetBase, virtioDeviceIDNet, 2, bus, plic, irqSrc)
	n.virtioMMIO.backend = n
	iface.AttachVirtioBackend(n.deliverToGuest)
	return n, nil
}

func (n *VirtioNet) numQueues() int      { return 2 }
func (n *VirtioNet) queueMax(int) uint32 { return 256 }

func (n *VirtioNet) readConfig(offset uint64) (uint32, bool) { return 0, false }
func (n *VirtioNet) writeConfig(uint64, uint32) bool         { return false }

func (n *VirtioNet) onNotify(sel int) error {
	if sel != netQueueTX {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	q := n.queues[netQueueTX]
	for {
		head, ok, err := q.popAvailable()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := n.transmit(q, head); err != nil {
			return err
		}
	}
	flags, err := q.readGuestU16(q.usedAddr)
	if err != nil {
		return err
	}
	if flags&usedRingNoInterrupt == 0 {
		n.raiseUsedBufferIRQ()
	}
	return nil
}

func (n *VirtioNet) transmit(q *virtQueue, head uint16) error {
	chain, err := q.chain(head)
	if err != nil {
		return err
	}
	var frame []byte
	skipHeader := virtioNetHeaderLen
	for _, d := range chain {
		buf := make([]byte, d.Len)
		if err := q.readGuest(d.Addr, buf); err != nil {
			return err
		}
		if skipHeader > 0 {
			if int(d.Len) <= skipHeader {
				skipHeader -= int(d.Len)
				continue
			}
			buf = buf[skipHeader:]
			skipHeader = 0
		}
		frame = append(frame, buf...)
	}
	var total uint32
	for _, d := range chain {
		total += d.Len
	}
	// transmit runs with n.mu held (onNotify); the netstack may answer
	// synchronously through deliverToGuest, which takes n.mu, so the lock
	// is released for the delivery.
	n.mu.Unlock()
	err = n.iface.DeliverGuestPacket(frame, nil)
	n.mu.Lock()
	if err != nil {
		return err
	}
	_, err = q.pushUsed(head, total)
	return err
}

// deliverToGuest is the netstack backend callback: it posts an Ethernet
// frame to the RX queue's next available buffer and raises the device
// interrupt. Called from whatever goroutine produced the frame (netstack's
// own TCP/UDP/ICMP handling), so it takes n.mu independently of onNotify.
func (n *VirtioNet) deliverToGuest(frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	q := n.queues[netQueueRX]
	head, ok, err := q.popAvailable()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("machine: virtio-net rx queue has no available buffer")
	}
	chain, err := q.chain(head)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return fmt.Errorf("machine: virtio-net rx descriptor chain empty")
	}

	var hdr [virtioNetHeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[2:4], 0)
	payload := append(hdr[:], frame...)

	written := 0
	for _, d := range chain {
		n := len(payload) - written
		if n <= 0 {
			break
		}
		if n > int(d.Len) {
			n = int(d.Len)
		}
		if err := q.writeGuest(d.Addr, payload[written:written+n]); err != nil {
			return err
		}
		written += n
	}

	notify, err := q.pushUsed(head, uint32(written))
	if err != nil {
		return err
	}
	if notify {
		n.raiseUsedBufferIRQ()
	}
	return nil
}
