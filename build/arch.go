package build

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/itamar567/os/multiboot"
)

// ErrUnsupportedArch is returned for an architecture without a build profile.
var ErrUnsupportedArch = errors.New("build: unsupported architecture")

// Arch holds the per-architecture tool settings.
type Arch struct {
	Name string

	// Machine is the ELF machine every object and the kernel must carry.
	Machine elf.Machine

	// NASMFormat is passed to nasm -f.
	NASMFormat string

	// LDEmulation is passed to ld -m.
	LDEmulation string

	// OutputFormat is the BFD target written into the linker script.
	OutputFormat string

	// Emulator is the default qemu binary.
	Emulator string

	// Multiboot is the architecture field of the header. Both targets are
	// entered in 32-bit protected mode.
	Multiboot multiboot.Architecture
}

var arches = map[string]Arch{
	"x86_64": {
		Name:         "x86_64",
		Machine:      elf.EM_X86_64,
		NASMFormat:   "elf64",
		LDEmulation:  "elf_x86_64",
		OutputFormat: "elf64-x86-64",
		Emulator:     "qemu-system-x86_64",
		Multiboot:    multiboot.ArchI386,
	},
	"i386": {
		Name:         "i386",
		Machine:      elf.EM_386,
		NASMFormat:   "elf32",
		LDEmulation:  "elf_i386",
		OutputFormat: "elf32-i386",
		Emulator:     "qemu-system-i386",
		Multiboot:    multiboot.ArchI386,
	},
}

// LookupArch returns the settings for the named architecture.
func LookupArch(name string) (Arch, error) {
	a, ok := arches[name]
	if !ok {
		return Arch{}, fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedArch, name, ArchNames())
	}
	return a, nil
}

// ArchNames lists the supported architectures in sorted order.
func ArchNames() []string {
	names := make([]string, 0, len(arches))
	for name := range arches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
