// Package verify re-validates a linked kernel image the way a multiboot2
// bootloader will see it. The linker gives no guarantee that the header ends
// up inside the scan window or inside a loadable segment, so every build
// runs these checks before the image is published.
package verify

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"github.com/itamar567/os/multiboot"
)

// Errors returned by File and Bytes.
var (
	ErrNotExecutable     = errors.New("verify: image is not an ELF executable")
	ErrWrongMachine      = errors.New("verify: unexpected ELF machine")
	ErrDynamic           = errors.New("verify: image requires a dynamic loader")
	ErrNotLoadable       = errors.New("verify: multiboot header is not inside a loadable segment")
	ErrCrossesPage       = errors.New("verify: multiboot header crosses a page boundary")
	ErrUndefinedEntry    = errors.New("verify: entry symbol is not defined")
	ErrEntryMismatch     = errors.New("verify: ELF entry point does not match entry symbol")
	ErrBadChecksum       = multiboot.ErrBadChecksum
	ErrHeaderNotFound    = multiboot.ErrNotFound
	ErrOutsideScanWindow = multiboot.ErrOutsideScanWindow
)

const pageSize = 0x1000

// Options control which checks are applied.
type Options struct {
	// Entry is the symbol that must match the ELF entry point. Empty skips
	// the entry checks.
	Entry string

	// Machine is the expected ELF machine. EM_NONE skips the check.
	Machine elf.Machine

	// ScanWindow overrides multiboot.ScanWindow when positive.
	ScanWindow int
}

// Report describes a verified image.
type Report struct {
	// Offset of the header in the file.
	HeaderOffset int

	// HeaderLength is the header_length field.
	HeaderLength int

	// HeaderAddr is the address the header is loaded at.
	HeaderAddr uint64

	// Entry is the ELF entry point.
	Entry uint64

	Machine elf.Machine
	Header  *multiboot.Header
}

// File verifies the image at path.
func File(path string, opts Options) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	r, err := Bytes(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Bytes verifies an in-memory image.
func Bytes(data []byte, opts Options) (*Report, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: type %s", ErrNotExecutable, f.Type)
	}
	if opts.Machine != elf.EM_NONE && f.Machine != opts.Machine {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrWrongMachine, opts.Machine, f.Machine)
	}

	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP || p.Type == elf.PT_DYNAMIC {
			return nil, fmt.Errorf("%w: found %s program header", ErrDynamic, p.Type)
		}
	}

	m, err := multiboot.Find(data, opts.ScanWindow)
	if err != nil {
		return nil, err
	}

	r := &Report{
		HeaderOffset: m.Offset,
		HeaderLength: m.Length,
		Entry:        f.Entry,
		Machine:      f.Machine,
		Header:       m.Header,
	}

	start, end := uint64(m.Offset), uint64(m.Offset+m.Length)

	var seg *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && start >= p.Off && end <= p.Off+p.Filesz {
			seg = p
			break
		}
	}
	if seg == nil {
		return r, fmt.Errorf("%w: header at file offset %#x", ErrNotLoadable, m.Offset)
	}

	r.HeaderAddr = seg.Paddr + (start - seg.Off)
	if r.HeaderAddr/pageSize != (r.HeaderAddr+uint64(m.Length)-1)/pageSize {
		return r, fmt.Errorf("%w: header at %#x, length %d", ErrCrossesPage, r.HeaderAddr, m.Length)
	}

	if opts.Entry != "" {
		if err := checkEntry(f, opts.Entry); err != nil {
			return r, err
		}
	}

	return r, nil
}

func checkEntry(f *elf.File, entry string) error {
	symbols, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return err
	}

	for _, sym := range symbols {
		if sym.Name != entry {
			continue
		}
		if sym.Section == elf.SHN_UNDEF {
			break
		}
		if sym.Value != f.Entry {
			return fmt.Errorf("%w: %s is at %#x, entry point is %#x", ErrEntryMismatch, entry, sym.Value, f.Entry)
		}
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUndefinedEntry, entry)
}
