// Package pcap writes the classic libpcap file format: a fixed global
// header followed by a stream of per-packet records. This repo's one
// capture point is internal/netstack, which hands every Ethernet frame
// leaving or entering the emulated guest's VirtIO-net device to a Writer so
// a boot session can be replayed in Wireshark/tcpdump afterward.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Link-layer (DLT) identifiers used in pcap global headers. This package
// only ever captures the Ethernet frames netstack exchanges with the guest,
// so LinkTypeEthernet is the only one defined.
const (
	LinkTypeEthernet uint32 = 1
)

// pcap global-header layout, per the libpcap file format: magic number,
// major/minor version, GMT-offset, timestamp-accuracy ("sigfigs"), snaplen,
// and link type. This emulator always records in local precision with no
// sigfigs claim, matching what tcpdump itself writes.
const (
	globalHeaderLen    = 24
	recordHeaderLen    = 16
	pcapMagicMicrosecs = 0xa1b2c3d4
	pcapVersionMajor   = 2
	pcapVersionMinor   = 4
)

var (
	// ErrHeaderAlreadyWritten indicates WriteFileHeader was called twice on
	// the same Writer.
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	// ErrHeaderNotWritten indicates WritePacket was called before the
	// global header, which every pcap reader requires to appear first.
	ErrHeaderNotWritten = errors.New("pcap: file header not written")
)

// CaptureInfo is the per-frame metadata a capture point supplies alongside
// the frame bytes: when it was captured, how much of it was kept
// (CaptureLength, after any snap-length truncation), and how large the
// frame actually was on the wire (Length).
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// Writer serializes a sequence of captured frames into the libpcap stream
// format understood by tcpdump, Wireshark, and friends.
type Writer struct {
	w             io.Writer
	headerWritten bool
	snapLen       uint32
}

// NewWriter wraps out. WriteFileHeader must be called once before the first
// WritePacket.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// WriteFileHeader emits the 24-byte global header that every libpcap
// consumer expects to open the stream, recording snapLen (the capture's
// declared maximum frame size) and linkType (LinkTypeEthernet for this
// device model). May only be called once per Writer.
func (w *Writer) WriteFileHeader(snapLen uint32, linkType uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [globalHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], pcapMagicMicrosecs)
	binary.LittleEndian.PutUint16(hdr[4:6], pcapVersionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], pcapVersionMinor)
	binary.LittleEndian.PutUint32(hdr[8:12], 0) // GMT offset: captures are always in local/UTC time
	binary.LittleEndian.PutUint32(hdr[12:16], 0) // sigfigs: unclaimed, as tcpdump itself writes
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write global header: %w", err)
	}

	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WritePacket appends one captured frame to the stream: a fixed 16-byte
// record header (timestamp, captured length, original length) followed by
// ci.CaptureLength bytes of data.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}
	if err := w.validateCaptureInfo(ci, len(data)); err != nil {
		return err
	}

	rec, err := encodeRecordHeader(ci)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if ci.CaptureLength == 0 {
		return nil
	}
	if _, err := w.w.Write(data[:ci.CaptureLength]); err != nil {
		return fmt.Errorf("pcap: write frame data: %w", err)
	}
	return nil
}

// validateCaptureInfo rejects a record whose lengths can't be represented
// in the format's 32-bit fields or that claims to have captured more than
// was actually handed to WritePacket or more than this stream's declared
// snap length — guarding against a capture-point bug silently producing a
// corrupt trace file rather than an obvious error.
func (w *Writer) validateCaptureInfo(ci CaptureInfo, dataLen int) error {
	if ci.CaptureLength < 0 {
		return fmt.Errorf("pcap: negative capture length %d", ci.CaptureLength)
	}
	if ci.Length < 0 {
		return fmt.Errorf("pcap: negative original length %d", ci.Length)
	}
	if ci.CaptureLength > dataLen {
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, dataLen)
	}
	if ci.CaptureLength > math.MaxUint32 {
		return fmt.Errorf("pcap: capture length %d overflows uint32", ci.CaptureLength)
	}
	if ci.Length > math.MaxUint32 {
		return fmt.Errorf("pcap: original length %d overflows uint32", ci.Length)
	}
	if w.snapLen != 0 && uint32(ci.CaptureLength) > w.snapLen {
		return fmt.Errorf("pcap: capture length %d exceeds snap length %d", ci.CaptureLength, w.snapLen)
	}
	return nil
}

// encodeRecordHeader builds the 16-byte per-packet record header: seconds
// and microseconds since the Unix epoch, followed by captured/original
// lengths. A zero Timestamp (a capture point that doesn't care to stamp a
// frame) serializes as epoch zero rather than erroring.
func encodeRecordHeader(ci CaptureInfo) ([recordHeaderLen]byte, error) {
	var rec [recordHeaderLen]byte

	var tsSec, tsUsec uint32
	if !ci.Timestamp.IsZero() {
		sec := ci.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return rec, fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(ci.CaptureLength))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(ci.Length))
	return rec, nil
}
