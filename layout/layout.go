// Package layout renders the GNU ld script that places the multiboot header
// at the very start of the kernel's first loadable segment.
package layout

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"text/template"
)

const (
	// DefaultLoadAddress is the conventional 1 MiB physical load address.
	DefaultLoadAddress = 0x100000

	// DefaultEntry is the entry symbol of the bootstrap code.
	DefaultEntry = "start"

	// DefaultHeaderSection is the input section holding the multiboot
	// header.
	DefaultHeaderSection = ".multiboot_header"

	// PageSize is the x86 page size.
	PageSize = 0x1000
)

// Errors returned by Validate.
var (
	ErrBadEntry         = errors.New("layout: invalid entry symbol")
	ErrUnalignedLoad    = errors.New("layout: load address is not page aligned")
	ErrBadSectionName   = errors.New("layout: invalid section name")
	ErrDuplicateSection = errors.New("layout: duplicate output section")
)

var (
	symbolRe  = regexp.MustCompile(`^[A-Za-z_.$][A-Za-z0-9_.$]*$`)
	sectionRe = regexp.MustCompile(`^\.[A-Za-z0-9_.$-]+$`)
	inputRe   = regexp.MustCompile(`^\.[A-Za-z0-9_.$*-]+$`)
)

// OutputSection is an output section and the input sections collected into it.
type OutputSection struct {
	Name   string
	Inputs []string

	// Align, if non-zero, is applied to the location counter before the
	// section.
	Align uint64
}

// Layout describes the kernel binary.
type Layout struct {
	// Entry is the symbol the bootloader jumps to.
	Entry string

	// LoadAddress is where the first output section is placed.
	LoadAddress uint64

	// OutputFormat is an optional BFD target name, e.g. elf64-x86-64.
	OutputFormat string

	// HeaderSection is kept at the start of the .boot output section.
	HeaderSection string

	// Sections follow the .boot section in order.
	Sections []OutputSection
}

// DefaultSections are the output sections used when a Layout does not list
// any.
func DefaultSections() []OutputSection {
	return []OutputSection{
		{Name: ".text", Inputs: []string{".text", ".text.*"}},
		{Name: ".rodata", Inputs: []string{".rodata", ".rodata.*"}},
		{Name: ".data", Inputs: []string{".data", ".data.*"}},
		{Name: ".bss", Inputs: []string{".bss", ".bss.*", "COMMON"}},
	}
}

// Default returns the layout for an x86_64 kernel loaded at 1 MiB.
func Default() *Layout {
	return &Layout{
		Entry:         DefaultEntry,
		LoadAddress:   DefaultLoadAddress,
		OutputFormat:  "elf64-x86-64",
		HeaderSection: DefaultHeaderSection,
		Sections:      DefaultSections(),
	}
}

// Validate checks the layout. The header always lands at LoadAddress, so a
// page aligned load address keeps a header smaller than a page from
// straddling a page boundary.
func (l *Layout) Validate() error {
	if !symbolRe.MatchString(l.Entry) {
		return fmt.Errorf("%w: %q", ErrBadEntry, l.Entry)
	}
	if l.LoadAddress%PageSize != 0 {
		return fmt.Errorf("%w: %#x", ErrUnalignedLoad, l.LoadAddress)
	}
	if !sectionRe.MatchString(l.HeaderSection) {
		return fmt.Errorf("%w: header section %q", ErrBadSectionName, l.HeaderSection)
	}

	seen := map[string]bool{".boot": true}
	for _, s := range l.Sections {
		if !sectionRe.MatchString(s.Name) {
			return fmt.Errorf("%w: %q", ErrBadSectionName, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateSection, s.Name)
		}
		seen[s.Name] = true

		for _, in := range s.Inputs {
			if in != "COMMON" && !inputRe.MatchString(in) {
				return fmt.Errorf("%w: input %q of %s", ErrBadSectionName, in, s.Name)
			}
		}
	}

	return nil
}

var scriptTmpl = template.Must(template.New("linker.ld").Parse(`/* generated by kernimg. DO NOT EDIT. */
{{- if .OutputFormat}}
OUTPUT_FORMAT({{.OutputFormat}})
{{- end}}
ENTRY({{.Entry}})

SECTIONS {
	. = {{printf "%#x" .LoadAddress}};

	.boot :
	{
		/* the multiboot header must stay at the start of the image */
		KEEP(*({{.HeaderSection}}))
	}
{{range .Sections}}
{{- if .Align}}
	. = ALIGN({{printf "%#x" .Align}});
{{- end}}
	{{.Name}} :
	{
		{{range $i, $in := .Inputs}}{{if $i}} {{end}}{{if eq $in "COMMON"}}*(COMMON){{else}}*({{$in}}){{end}}{{end}}
	}
{{end}}}
`))

// WriteTo renders the linker script.
func (l *Layout) WriteTo(w io.Writer) (int64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if err := scriptTmpl.Execute(&buf, l); err != nil {
		return 0, err
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// Script returns the rendered linker script.
func (l *Layout) Script() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := l.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
