// Package elfobj writes small ELF files: relocatable objects carrying
// generated data sections, and minimal statically linked executables. The
// output depends only on the input so repeated writes are byte-identical.
package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Errors returned when encoding a File.
var (
	ErrUnsupportedMachine = errors.New("elfobj: unsupported machine")
	ErrBadSymbolSection   = errors.New("elfobj: symbol refers to unknown section")
)

// SectionABS can be used as Symbol.Section for absolute symbols.
const SectionABS = -1

// Section is an output section.
type Section struct {
	Name string

	// Type defaults to SHT_PROGBITS.
	Type  elf.SectionType
	Flags elf.SectionFlag

	// Addr is the virtual address of the section. Only meaningful for
	// executables.
	Addr  uint64
	Align uint64
	Data  []byte

	// Size is used for SHT_NOBITS sections, which carry no data.
	Size uint64
}

func (s *Section) size() uint64 {
	if s.Type == elf.SHT_NOBITS {
		return s.Size
	}
	return uint64(len(s.Data))
}

// Symbol is a symbol table entry. Section is an index into File.Sections or
// SectionABS.
type Symbol struct {
	Name    string
	Section int
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Bind    elf.SymBind
}

// File describes an ELF file to write.
type File struct {
	Machine elf.Machine

	// Type is ET_REL or ET_EXEC. Executables get one PT_LOAD program
	// header per SHF_ALLOC section.
	Type  elf.Type
	Entry uint64

	Sections []Section
	Symbols  []Symbol

	// ExtraProgs are appended to the generated program headers.
	ExtraProgs []elf.ProgHeader
}

// ClassFor returns the ELF class used for a machine.
func ClassFor(m elf.Machine) (elf.Class, error) {
	switch m {
	case elf.EM_X86_64:
		return elf.ELFCLASS64, nil
	case elf.EM_386:
		return elf.ELFCLASS32, nil
	default:
		return elf.ELFCLASSNONE, fmt.Errorf("%w: %s", ErrUnsupportedMachine, m)
	}
}

// sizes holds the per-class structure sizes.
type sizes struct {
	ehdr, phdr, shdr, sym int
}

var classSizes = map[elf.Class]sizes{
	elf.ELFCLASS32: {ehdr: 52, phdr: 32, shdr: 40, sym: 16},
	elf.ELFCLASS64: {ehdr: 64, phdr: 56, shdr: 64, sym: 24},
}

// strtab accumulates a string table. Index 0 is the empty string.
type strtab struct {
	buf bytes.Buffer
}

func newStrtab() *strtab {
	st := &strtab{}
	st.buf.WriteByte(0)
	return st
}

func (st *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	off := uint32(st.buf.Len())
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	return off
}

// Bytes encodes f.
func (f *File) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo implements io.WriterTo.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	class, err := ClassFor(f.Machine)
	if err != nil {
		return 0, err
	}
	sz := classSizes[class]

	for _, sym := range f.Symbols {
		if sym.Section != SectionABS && (sym.Section < 0 || sym.Section >= len(f.Sections)) {
			return 0, fmt.Errorf("%w: %q -> %d", ErrBadSymbolSection, sym.Name, sym.Section)
		}
	}

	// Program headers.
	var progs []elf.ProgHeader
	if f.Type == elf.ET_EXEC {
		for i := range f.Sections {
			if f.Sections[i].Flags&elf.SHF_ALLOC != 0 {
				progs = append(progs, elf.ProgHeader{Type: elf.PT_LOAD})
			}
		}
	}
	progs = append(progs, f.ExtraProgs...)

	// Section data offsets.
	off := uint64(sz.ehdr + len(progs)*sz.phdr)
	offsets := make([]uint64, len(f.Sections))
	for i := range f.Sections {
		s := &f.Sections[i]
		off = alignUp(off, s.Align)
		offsets[i] = off
		if s.Type != elf.SHT_NOBITS {
			off += uint64(len(s.Data))
		}
	}

	// Fill in load segments now that offsets are known.
	load := 0
	if f.Type == elf.ET_EXEC {
		for i := range f.Sections {
			s := &f.Sections[i]
			if s.Flags&elf.SHF_ALLOC == 0 {
				continue
			}

			flags := elf.PF_R
			if s.Flags&elf.SHF_WRITE != 0 {
				flags |= elf.PF_W
			}
			if s.Flags&elf.SHF_EXECINSTR != 0 {
				flags |= elf.PF_X
			}

			filesz := s.size()
			if s.Type == elf.SHT_NOBITS {
				filesz = 0
			}

			progs[load] = elf.ProgHeader{
				Type:   elf.PT_LOAD,
				Flags:  flags,
				Off:    offsets[i],
				Vaddr:  s.Addr,
				Paddr:  s.Addr,
				Filesz: filesz,
				Memsz:  s.size(),
				Align:  maxU64(s.Align, 1),
			}
			load++
		}
	}

	// Symbol table: null entry, locals, then globals.
	var (
		strs    = newStrtab()
		ordered = make([]Symbol, 0, len(f.Symbols))
	)
	for _, sym := range f.Symbols {
		if sym.Bind == elf.STB_LOCAL {
			ordered = append(ordered, sym)
		}
	}
	firstGlobal := uint32(len(ordered) + 1)
	for _, sym := range f.Symbols {
		if sym.Bind != elf.STB_LOCAL {
			ordered = append(ordered, sym)
		}
	}

	var symtab bytes.Buffer
	symtab.Write(make([]byte, sz.sym))
	for _, sym := range ordered {
		shndx := uint16(elf.SHN_ABS)
		if sym.Section != SectionABS {
			shndx = uint16(sym.Section + 1)
		}
		name := strs.add(sym.Name)
		info := elf.ST_INFO(sym.Bind, sym.Type)

		if class == elf.ELFCLASS64 {
			binary.Write(&symtab, binary.LittleEndian, elf.Sym64{
				Name: name, Info: info, Shndx: shndx, Value: sym.Value, Size: sym.Size,
			})
		} else {
			binary.Write(&symtab, binary.LittleEndian, elf.Sym32{
				Name: name, Info: info, Shndx: shndx, Value: uint32(sym.Value), Size: uint32(sym.Size),
			})
		}
	}

	shstrs := newStrtab()
	shNames := make([]uint32, len(f.Sections))
	for i := range f.Sections {
		shNames[i] = shstrs.add(f.Sections[i].Name)
	}
	symtabName := shstrs.add(".symtab")
	strtabName := shstrs.add(".strtab")
	shstrtabName := shstrs.add(".shstrtab")

	symtabOff := alignUp(off, 8)
	strtabOff := symtabOff + uint64(symtab.Len())
	shstrtabOff := strtabOff + uint64(strs.buf.Len())
	shoff := alignUp(shstrtabOff+uint64(shstrs.buf.Len()), 8)

	var (
		n        = len(f.Sections)
		strtabIx = uint32(n + 2)
		shnum    = n + 4
	)

	headers := make([]elf.SectionHeader, 0, shnum)
	headers = append(headers, elf.SectionHeader{})
	for i := range f.Sections {
		s := &f.Sections[i]
		typ := s.Type
		if typ == elf.SHT_NULL {
			typ = elf.SHT_PROGBITS
		}
		headers = append(headers, elf.SectionHeader{
			Type:      typ,
			Flags:     s.Flags,
			Addr:      s.Addr,
			Offset:    offsets[i],
			Size:      s.size(),
			Addralign: maxU64(s.Align, 1),
		})
	}
	headers = append(headers,
		elf.SectionHeader{Type: elf.SHT_SYMTAB, Offset: symtabOff, Size: uint64(symtab.Len()), Link: strtabIx, Info: firstGlobal, Addralign: 8, Entsize: uint64(sz.sym)},
		elf.SectionHeader{Type: elf.SHT_STRTAB, Offset: strtabOff, Size: uint64(strs.buf.Len()), Addralign: 1},
		elf.SectionHeader{Type: elf.SHT_STRTAB, Offset: shstrtabOff, Size: uint64(shstrs.buf.Len()), Addralign: 1},
	)
	names := append([]uint32{0}, shNames...)
	names = append(names, symtabName, strtabName, shstrtabName)

	// Emit.
	var out bytes.Buffer
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	var phoff uint64
	if len(progs) > 0 {
		phoff = uint64(sz.ehdr)
	}

	if class == elf.ELFCLASS64 {
		binary.Write(&out, binary.LittleEndian, elf.Header64{
			Ident: ident, Type: uint16(f.Type), Machine: uint16(f.Machine), Version: uint32(elf.EV_CURRENT),
			Entry: f.Entry, Phoff: phoff, Shoff: shoff,
			Ehsize: uint16(sz.ehdr), Phentsize: uint16(sz.phdr), Phnum: uint16(len(progs)),
			Shentsize: uint16(sz.shdr), Shnum: uint16(shnum), Shstrndx: uint16(shnum - 1),
		})
		for _, p := range progs {
			binary.Write(&out, binary.LittleEndian, elf.Prog64{
				Type: uint32(p.Type), Flags: uint32(p.Flags), Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
				Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
			})
		}
	} else {
		binary.Write(&out, binary.LittleEndian, elf.Header32{
			Ident: ident, Type: uint16(f.Type), Machine: uint16(f.Machine), Version: uint32(elf.EV_CURRENT),
			Entry: uint32(f.Entry), Phoff: uint32(phoff), Shoff: uint32(shoff),
			Ehsize: uint16(sz.ehdr), Phentsize: uint16(sz.phdr), Phnum: uint16(len(progs)),
			Shentsize: uint16(sz.shdr), Shnum: uint16(shnum), Shstrndx: uint16(shnum - 1),
		})
		for _, p := range progs {
			binary.Write(&out, binary.LittleEndian, elf.Prog32{
				Type: uint32(p.Type), Off: uint32(p.Off), Vaddr: uint32(p.Vaddr), Paddr: uint32(p.Paddr),
				Filesz: uint32(p.Filesz), Memsz: uint32(p.Memsz), Flags: uint32(p.Flags), Align: uint32(p.Align),
			})
		}
	}

	for i := range f.Sections {
		if f.Sections[i].Type == elf.SHT_NOBITS {
			continue
		}
		padTo(&out, offsets[i])
		out.Write(f.Sections[i].Data)
	}

	padTo(&out, symtabOff)
	out.Write(symtab.Bytes())
	out.Write(strs.buf.Bytes())
	out.Write(shstrs.buf.Bytes())
	padTo(&out, shoff)

	for i, sh := range headers {
		if class == elf.ELFCLASS64 {
			binary.Write(&out, binary.LittleEndian, elf.Section64{
				Name: names[i], Type: uint32(sh.Type), Flags: uint64(sh.Flags), Addr: sh.Addr, Off: sh.Offset,
				Size: sh.Size, Link: sh.Link, Info: sh.Info, Addralign: sh.Addralign, Entsize: sh.Entsize,
			})
		} else {
			binary.Write(&out, binary.LittleEndian, elf.Section32{
				Name: names[i], Type: uint32(sh.Type), Flags: uint32(sh.Flags), Addr: uint32(sh.Addr), Off: uint32(sh.Offset),
				Size: uint32(sh.Size), Link: sh.Link, Info: sh.Info, Addralign: uint32(sh.Addralign), Entsize: uint32(sh.Entsize),
			})
		}
	}

	n64, err := w.Write(out.Bytes())
	return int64(n64), err
}

func padTo(buf *bytes.Buffer, off uint64) {
	for uint64(buf.Len()) < off {
		buf.WriteByte(0)
	}
}

func alignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
