package multiboot

import (
	"encoding/binary"
	"fmt"
)

// Match describes a header located inside an image.
type Match struct {
	// Offset of the first header byte from the start of the image.
	Offset int

	// Length is the header_length field.
	Length int

	// Checksum is the checksum field as stored in the image.
	Checksum uint32

	Header *Header
}

// Decode parses the header at the start of b and validates the magic,
// checksum, declared length, tag sizes and the end tag. b may extend past
// the end of the header.
func Decode(b []byte) (*Header, error) {
	h, _, err := decode(b)
	return h, err
}

func decode(b []byte) (*Header, uint32, error) {
	if len(b) < fixedSize {
		return nil, 0, ErrTruncated
	}
	if binary.LittleEndian.Uint32(b[0:]) != Magic {
		return nil, 0, ErrBadMagic
	}

	var (
		arch     = Architecture(binary.LittleEndian.Uint32(b[4:]))
		length   = binary.LittleEndian.Uint32(b[8:])
		checksum = binary.LittleEndian.Uint32(b[12:])
	)

	if Magic+uint32(arch)+length+checksum != 0 {
		return nil, checksum, ErrBadChecksum
	}
	if length < fixedSize+EndTagSize || length%Align != 0 {
		return nil, checksum, fmt.Errorf("%w: %d", ErrBadLength, length)
	}
	if uint64(length) > uint64(len(b)) {
		return nil, checksum, ErrTruncated
	}

	h := &Header{Architecture: arch}
	hdr := b[:length]

	// Tags are aligned at 8-byte offsets from the header start.
	for off := fixedSize; off < len(hdr); {
		if off+tagHeaderSize > len(hdr) {
			return nil, checksum, fmt.Errorf("tag at offset %d: %w", off, ErrTagSize)
		}

		var (
			tagType = TagType(binary.LittleEndian.Uint16(hdr[off:]))
			flags   = TagFlags(binary.LittleEndian.Uint16(hdr[off+2:]))
			size    = int(binary.LittleEndian.Uint32(hdr[off+4:]))
		)

		if tagType == TagEnd {
			if flags != 0 || size != EndTagSize || off+EndTagSize != len(hdr) {
				return nil, checksum, fmt.Errorf("end tag at offset %d: %w", off, ErrBadEndTag)
			}
			return h, checksum, nil
		}

		if size < tagHeaderSize || size > len(hdr)-off {
			return nil, checksum, fmt.Errorf("%s tag at offset %d: %w", tagType, off, ErrTagSize)
		}

		tag, err := decodeTag(tagType, flags, hdr[off+tagHeaderSize:off+size])
		if err != nil {
			return nil, checksum, fmt.Errorf("tag at offset %d: %w", off, err)
		}
		h.Tags = append(h.Tags, tag)

		off = alignUp(off + size)
	}

	return nil, checksum, ErrMissingEndTag
}

// Find scans the first window bytes of image for a header in the same way a
// multiboot2 bootloader does: candidates are checked at every 8-byte aligned
// offset and a magic followed by a bad checksum is skipped. A window <= 0
// selects ScanWindow.
//
// If only candidates with a bad checksum are found, Find returns
// ErrBadChecksum. A valid header that does not fit entirely inside the
// window yields ErrOutsideScanWindow.
func Find(image []byte, window int) (Match, error) {
	if window <= 0 {
		window = ScanWindow
	}

	limit := window
	if limit > len(image) {
		limit = len(image)
	}

	var firstErr error
	for off := 0; off+fixedSize <= limit; off += Align {
		if binary.LittleEndian.Uint32(image[off:]) != Magic {
			continue
		}

		h, checksum, err := decode(image[off:])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("candidate at offset %#x: %w", off, err)
			}
			continue
		}

		m := Match{
			Offset:   off,
			Length:   int(binary.LittleEndian.Uint32(image[off+8:])),
			Checksum: checksum,
			Header:   h,
		}
		if off+m.Length > window {
			return m, fmt.Errorf("header at offset %#x, length %d: %w", off, m.Length, ErrOutsideScanWindow)
		}
		return m, nil
	}

	if firstErr != nil {
		return Match{}, firstErr
	}
	return Match{}, ErrNotFound
}
