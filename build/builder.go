// Package build links bootstrap objects, a generated multiboot2 header and a
// prebuilt kernel body into a bootable kernel image and packages it as an
// ISO.
//
// Every step is idempotent. Generated files are only rewritten when their
// content changes and the kernel is only relinked when one of its inputs is
// newer than the image, so rebuilding unchanged inputs leaves the outputs
// untouched.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/itamar567/os/verify"
	"github.com/magefile/mage/sh"
	"github.com/magefile/mage/target"
	"github.com/sirupsen/logrus"
)

// Errors returned by Kernel.
var (
	ErrMissingKernelBody = errors.New("build: kernel body artifact not found")
	ErrNoSources         = errors.New("build: no bootstrap sources matched")
	ErrDuplicateObject   = errors.New("build: two sources map to the same object file")
)

// Builder runs the build steps for one configuration.
type Builder struct {
	cfg  *Config
	arch Arch
	log  *logrus.Logger
	exec ExecFunc

	// Stdout and Stderr are attached to interactive tools (the emulator
	// and the debugger).
	Stdout io.Writer
	Stderr io.Writer
}

// New validates cfg and returns a Builder that runs tools with sh.Exec.
func New(cfg *Config, log *logrus.Logger) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	arch, err := LookupArch(cfg.Arch)
	if err != nil {
		return nil, err
	}

	return &Builder{
		cfg:    cfg,
		arch:   arch,
		log:    log,
		exec:   sh.Exec,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// WithExec replaces the function used to run external tools.
func (b *Builder) WithExec(fn ExecFunc) *Builder {
	b.exec = fn
	return b
}

// Arch returns the settings of the target architecture.
func (b *Builder) Arch() Arch { return b.arch }

func (b *Builder) objDir() string { return filepath.Join(b.cfg.OutDir, "obj") }

// HeaderObjectPath is the generated header object, always linked first.
func (b *Builder) HeaderObjectPath() string {
	return filepath.Join(b.objDir(), "multiboot_header.o")
}

// HeaderSourcePath is the generated NASM header source.
func (b *Builder) HeaderSourcePath() string {
	return filepath.Join(b.objDir(), "multiboot_header.asm")
}

// LinkerScriptPath is the generated ld script.
func (b *Builder) LinkerScriptPath() string {
	return filepath.Join(b.objDir(), "linker.ld")
}

// LinkManifestPath records the linker command line of the last link. It is
// rewritten whenever the set or order of linked inputs changes.
func (b *Builder) LinkManifestPath() string {
	return filepath.Join(b.objDir(), "link.args")
}

// KernelPath is the linked kernel image.
func (b *Builder) KernelPath() string {
	return filepath.Join(b.cfg.OutDir, "kernel-"+b.arch.Name+".bin")
}

// ISOPath is the bootable ISO image.
func (b *Builder) ISOPath() string {
	return filepath.Join(b.cfg.OutDir, b.cfg.Expand(b.cfg.ISO.Name))
}

func (b *Builder) isoDir() string { return filepath.Join(b.cfg.OutDir, "isofiles") }

// KernelBodyPath is the prebuilt kernel body linked after the bootstrap
// objects.
func (b *Builder) KernelBodyPath() string { return b.cfg.Expand(b.cfg.KernelBody) }

// Layout renders the linker script and returns its path.
func (b *Builder) Layout(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l, err := b.cfg.Layout()
	if err != nil {
		return "", err
	}
	script, err := l.Script()
	if err != nil {
		return "", err
	}

	changed, err := writeIfChanged(b.LinkerScriptPath(), script)
	if err != nil {
		return "", err
	}
	b.log.WithFields(logrus.Fields{"step": "layout", "artifact": b.LinkerScriptPath(), "changed": changed}).Debug("linker script")

	return b.LinkerScriptPath(), nil
}

// Sources expands the configured source patterns. The result is sorted so
// that the link order does not depend on directory iteration order.
func (b *Builder) Sources() ([]string, error) {
	seen := make(map[string]bool)
	var sources []string

	for _, pattern := range b.cfg.Sources {
		matches, err := filepath.Glob(b.cfg.Expand(pattern))
		if err != nil {
			return nil, fmt.Errorf("source pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				sources = append(sources, m)
			}
		}
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSources, strings.Join(b.cfg.Sources, ", "))
	}
	sort.Strings(sources)
	return sources, nil
}

func (b *Builder) objectPath(src string) string {
	base := filepath.Base(src)
	return filepath.Join(b.objDir(), strings.TrimSuffix(base, filepath.Ext(base))+".o")
}

// objectPaths maps sources to their object files in link order.
func (b *Builder) objectPaths(sources []string) ([]string, error) {
	objs := make([]string, 0, len(sources))
	owner := make(map[string]string)

	for _, src := range sources {
		obj := b.objectPath(src)
		if obj == b.HeaderObjectPath() {
			return nil, fmt.Errorf("%w: %s and the generated header %s", ErrDuplicateObject, src, obj)
		}
		if prev, dup := owner[obj]; dup {
			return nil, fmt.Errorf("%w: %s and %s", ErrDuplicateObject, prev, src)
		}
		owner[obj] = src
		objs = append(objs, obj)
	}

	return objs, nil
}

// Assemble assembles every source and returns the objects in link order.
func (b *Builder) Assemble(ctx context.Context, sources []string) ([]string, error) {
	objs, err := b.objectPaths(sources)
	if err != nil {
		return nil, err
	}

	for i, src := range sources {
		if err := b.assemble(ctx, src, objs[i]); err != nil {
			return nil, err
		}
	}

	return objs, nil
}

func (b *Builder) assemble(ctx context.Context, src, obj string) error {
	if err := os.MkdirAll(filepath.Dir(obj), 0755); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{"step": "assemble", "source": src, "artifact": obj}).Info("assembling")
	return b.run(ctx, nil, b.cfg.Tools.Assembler, "-f", b.arch.NASMFormat, "-o", obj, src)
}

// Kernel links the kernel image. The image is linked into a temporary file
// and only moved into place once it passes verification, so a failed build
// never leaves a kernel image behind.
func (b *Builder) Kernel(ctx context.Context) error {
	body := b.KernelBodyPath()
	if _, err := os.Stat(body); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingKernelBody, body)
		}
		return err
	}

	sources, err := b.Sources()
	if err != nil {
		return err
	}
	header, err := b.Header(ctx)
	if err != nil {
		return err
	}
	script, err := b.Layout(ctx)
	if err != nil {
		return err
	}

	objs, err := b.objectPaths(sources)
	if err != nil {
		return err
	}

	kernel := b.KernelPath()
	tmp := kernel + ".tmp"
	log := b.log.WithFields(logrus.Fields{"step": "kernel", "artifact": kernel})

	// Timestamps alone miss a switched kernel body or a removed source, so
	// the link command line is tracked as an input too.
	args := b.linkArgs(tmp, script, header, objs, body)
	manifest := strings.Join(append([]string{b.cfg.Tools.Linker}, args...), "\n") + "\n"
	if _, err := writeIfChanged(b.LinkManifestPath(), []byte(manifest)); err != nil {
		return err
	}

	inputs := append([]string{header, script, body, b.LinkManifestPath()}, sources...)
	stale, err := target.Path(kernel, inputs...)
	if err != nil {
		return err
	}
	if !stale {
		log.Info("kernel is up to date")
		return nil
	}

	// Drop the previous image first; it no longer matches its inputs.
	if err := os.Remove(kernel); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if _, err := b.Assemble(ctx, sources); err != nil {
		return err
	}

	report, err := b.link(ctx, tmp, args)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, kernel); err != nil {
		os.Remove(tmp)
		return err
	}

	log.WithFields(logrus.Fields{
		"entry":         fmt.Sprintf("%#x", report.Entry),
		"header_offset": fmt.Sprintf("%#x", report.HeaderOffset),
		"header_addr":   fmt.Sprintf("%#x", report.HeaderAddr),
	}).Info("kernel linked")
	return nil
}

// linkArgs returns the ld arguments. The header object comes first so it
// lands at the start of the first loadable segment.
func (b *Builder) linkArgs(out, script, header string, objs []string, body string) []string {
	args := []string{
		"-n", "--gc-sections", "--build-id=none",
		"-m", b.arch.LDEmulation,
		"-T", script,
		"-o", out,
		header,
	}
	args = append(args, objs...)
	return append(args, body)
}

func (b *Builder) link(ctx context.Context, out string, args []string) (*verify.Report, error) {
	b.log.WithFields(logrus.Fields{"step": "link", "artifact": out}).Info("linking")
	if err := b.run(ctx, nil, b.cfg.Tools.Linker, args...); err != nil {
		return nil, err
	}

	return b.Verify(out)
}

// Verify checks a linked image against the configuration.
func (b *Builder) Verify(path string) (*verify.Report, error) {
	return verify.File(path, verify.Options{
		Entry:      b.cfg.Entry,
		Machine:    b.arch.Machine,
		ScanWindow: b.cfg.Header.ScanWindow,
	})
}

// Clean removes the output directory.
func (b *Builder) Clean() error {
	b.log.WithFields(logrus.Fields{"step": "clean", "artifact": b.cfg.OutDir}).Info("removing build outputs")
	return sh.Rm(b.cfg.OutDir)
}

// writeIfChanged writes data to path unless the file already holds exactly
// data. The write goes through a temporary file so readers never observe a
// partial file.
func writeIfChanged(path string, data []byte) (bool, error) {
	if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, data) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, nil
}
