package build

import (
	"bytes"
	"context"
	"debug/elf"

	"github.com/itamar567/os/elfobj"
	"github.com/itamar567/os/multiboot"
	"github.com/magefile/mage/target"
	"github.com/sirupsen/logrus"
)

// HeaderObject encodes h as a relocatable object for machine. The header is
// placed in multiboot.SectionName and bracketed by the start and end symbols.
func HeaderObject(h *multiboot.Header, machine elf.Machine) ([]byte, error) {
	data, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	obj := &elfobj.File{
		Machine: machine,
		Type:    elf.ET_REL,
		Sections: []elfobj.Section{
			{Name: multiboot.SectionName, Flags: elf.SHF_ALLOC, Align: multiboot.Align, Data: data},
			{Name: ".note.GNU-stack", Align: 1},
		},
		Symbols: []elfobj.Symbol{
			{Name: multiboot.StartSymbol, Section: 0, Bind: elf.STB_GLOBAL},
			{Name: multiboot.EndSymbol, Section: 0, Value: uint64(len(data)), Bind: elf.STB_GLOBAL},
		},
	}
	return obj.Bytes()
}

// HeaderSource renders h as NASM source.
func HeaderSource(h *multiboot.Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := multiboot.WriteNASM(&buf, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Header writes the header object and returns its path. In nasm format the
// generated source is assembled whenever it is newer than the object.
func (b *Builder) Header(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h, err := b.cfg.MultibootHeader()
	if err != nil {
		return "", err
	}

	log := b.log.WithFields(logrus.Fields{"step": "header", "tags": len(h.Tags)})

	if b.cfg.Header.Format == FormatNASM {
		src, err := HeaderSource(h)
		if err != nil {
			return "", err
		}
		changed, err := writeIfChanged(b.HeaderSourcePath(), src)
		if err != nil {
			return "", err
		}
		log.WithFields(logrus.Fields{"artifact": b.HeaderSourcePath(), "changed": changed}).Debug("header source")

		stale, err := target.Path(b.HeaderObjectPath(), b.HeaderSourcePath())
		if err != nil {
			return "", err
		}
		if stale {
			if err := b.assemble(ctx, b.HeaderSourcePath(), b.HeaderObjectPath()); err != nil {
				return "", err
			}
		}
		return b.HeaderObjectPath(), nil
	}

	obj, err := HeaderObject(h, b.arch.Machine)
	if err != nil {
		return "", err
	}
	changed, err := writeIfChanged(b.HeaderObjectPath(), obj)
	if err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{"artifact": b.HeaderObjectPath(), "changed": changed, "length": h.Length()}).Debug("header object")

	return b.HeaderObjectPath(), nil
}
