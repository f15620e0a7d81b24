// Package multiboot models the multiboot2 header that a compliant bootloader
// scans for at the start of a kernel image. The header is never written by
// hand: its length and checksum are derived from the tag list every time it
// is encoded.
package multiboot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Magic identifies a multiboot2 header.
	Magic uint32 = 0xe85250d6

	// ScanWindow is the number of bytes at the start of an image that a
	// multiboot2 bootloader searches for the header.
	ScanWindow = 32768

	// Align is the alignment of the header and of every tag inside it.
	Align = 8

	// fixedSize is the size of the magic, architecture, length and
	// checksum fields.
	fixedSize = 16

	// tagHeaderSize is the size of the type, flags and size fields that
	// precede each tag payload.
	tagHeaderSize = 8

	// EndTagSize is the size of the terminating tag.
	EndTagSize = tagHeaderSize
)

// Errors returned when decoding or locating a header.
var (
	ErrTruncated         = errors.New("multiboot: header truncated")
	ErrBadMagic          = errors.New("multiboot: bad magic")
	ErrBadLength         = errors.New("multiboot: bad header length")
	ErrBadChecksum       = errors.New("multiboot: checksum mismatch")
	ErrTagSize           = errors.New("multiboot: bad tag size")
	ErrBadEndTag         = errors.New("multiboot: malformed end tag")
	ErrMissingEndTag     = errors.New("multiboot: missing end tag")
	ErrMisplacedEndTag   = errors.New("multiboot: end tag must not be listed explicitly")
	ErrNotFound          = errors.New("multiboot: no header found in scan window")
	ErrOutsideScanWindow = errors.New("multiboot: header extends past scan window")
)

// Architecture selects the CPU mode the bootloader hands over control in.
type Architecture uint32

const (
	// ArchI386 is 32-bit protected mode x86. It is also the value used by
	// x86_64 kernels since the handoff always happens in protected mode.
	ArchI386 Architecture = 0

	// ArchMIPS32 is 32-bit MIPS.
	ArchMIPS32 Architecture = 4
)

// String implements fmt.Stringer.
func (a Architecture) String() string {
	switch a {
	case ArchI386:
		return "i386"
	case ArchMIPS32:
		return "mips32"
	default:
		return fmt.Sprintf("arch(%d)", uint32(a))
	}
}

// Checksum returns the value that makes magic + arch + length + checksum
// wrap around to zero modulo 2^32.
func Checksum(arch Architecture, length uint32) uint32 {
	return uint32(0x100000000 - (uint64(Magic) + uint64(arch) + uint64(length)))
}

// Header is a multiboot2 header. The end tag is implicit and always emitted
// last.
type Header struct {
	Architecture Architecture

	// Optional tags in insertion order.
	Tags []Tag
}

// MarshalBinary encodes the header. Tags are padded to 8-byte boundaries and
// the length and checksum fields are computed from the encoded output.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, fixedSize, fixedSize+EndTagSize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.Architecture))

	for i, tag := range h.Tags {
		if tag.Type() == TagEnd {
			return nil, fmt.Errorf("tag %d: %w", i, ErrMisplacedEndTag)
		}

		payload := tag.Payload()
		size := tagHeaderSize + len(payload)
		if uint64(size) > math.MaxUint32 {
			return nil, fmt.Errorf("tag %d (%s): %w", i, tag.Type(), ErrTagSize)
		}

		buf = appendTag(buf, tag.Type(), tag.Flags(), payload)
		buf = pad(buf)
	}

	buf = appendTag(buf, TagEnd, 0, nil)
	if uint64(len(buf)) > math.MaxUint32 {
		return nil, ErrBadLength
	}

	length := uint32(len(buf))
	binary.LittleEndian.PutUint32(buf[8:], length)
	binary.LittleEndian.PutUint32(buf[12:], Checksum(h.Architecture, length))
	return buf, nil
}

// Length returns the value of the header_length field for h.
func (h *Header) Length() uint32 {
	length := fixedSize
	for _, tag := range h.Tags {
		length = alignUp(length + tagHeaderSize + len(tag.Payload()))
	}
	return uint32(length + EndTagSize)
}

func appendTag(buf []byte, t TagType, flags TagFlags, payload []byte) []byte {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(t))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(flags))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
	buf = append(buf, hdr[:]...)
	return append(buf, payload...)
}

func pad(buf []byte) []byte {
	for len(buf)%Align != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func alignUp(n int) int {
	return (n + Align - 1) &^ (Align - 1)
}
