package multiboot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Symbols exported by the emitted header.
const (
	SectionName = ".multiboot_header"
	StartSymbol = "multiboot_header_start"
	EndSymbol   = "multiboot_header_end"
)

// WriteNASM renders h as NASM source. The length and checksum fields are
// written as expressions over the start and end labels so the assembler
// derives them from the emitted bytes.
func WriteNASM(w io.Writer, h *Header) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "; multiboot2 header, generated by kernimg. DO NOT EDIT.\n\n")
	fmt.Fprintf(bw, "section %s\n", SectionName)
	fmt.Fprintf(bw, "align %d, db 0\n", Align)
	fmt.Fprintf(bw, "global %s\nglobal %s\n\n", StartSymbol, EndSymbol)
	fmt.Fprintf(bw, "%s:\n", StartSymbol)
	fmt.Fprintf(bw, "\tdd %#x ; magic\n", Magic)
	fmt.Fprintf(bw, "\tdd %d ; architecture (%s)\n", uint32(h.Architecture), h.Architecture)
	fmt.Fprintf(bw, "\tdd %s - %s ; header length\n", EndSymbol, StartSymbol)
	fmt.Fprintf(bw, "\tdd 0x100000000 - (%#x + %d + (%s - %s)) ; checksum\n",
		Magic, uint32(h.Architecture), EndSymbol, StartSymbol)

	for _, tag := range h.Tags {
		if tag.Type() == TagEnd {
			return ErrMisplacedEndTag
		}

		payload := tag.Payload()
		fmt.Fprintf(bw, "\n\t; %s tag\n", tag.Type())
		fmt.Fprintf(bw, "\talign %d, db 0\n", Align)
		fmt.Fprintf(bw, "\tdw %d ; type\n", uint16(tag.Type()))
		fmt.Fprintf(bw, "\tdw %d ; flags\n", uint16(tag.Flags()))
		fmt.Fprintf(bw, "\tdd %d ; size\n", tagHeaderSize+len(payload))
		writeNASMData(bw, payload)
	}

	fmt.Fprintf(bw, "\n\t; end tag\n")
	fmt.Fprintf(bw, "\talign %d, db 0\n", Align)
	fmt.Fprintf(bw, "\tdw 0 ; type\n\tdw 0 ; flags\n\tdd %d ; size\n", EndTagSize)
	fmt.Fprintf(bw, "%s:\n", EndSymbol)

	fmt.Fprintf(bw, "\nsection .note.GNU-stack noalloc noexec nowrite progbits\n")

	return bw.Flush()
}

func writeNASMData(w io.Writer, payload []byte) {
	for len(payload) >= 4 {
		fmt.Fprintf(w, "\tdd %#x\n", binary.LittleEndian.Uint32(payload))
		payload = payload[4:]
	}
	for _, b := range payload {
		fmt.Fprintf(w, "\tdb %#x\n", b)
	}
}
