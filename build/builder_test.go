package build

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itamar567/os/elfobj"
	"github.com/itamar567/os/multiboot"
	"github.com/itamar567/os/verify"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTools stands in for the external toolchain. The fake linker lays the
// header object out first in a .boot section followed by every other input
// in .text, which is enough for the image to pass verification.
type fakeTools struct {
	calls [][]string
	envs  []map[string]string

	// entrySymbol is the symbol the fake linker defines at the entry point.
	entrySymbol string

	// fail makes the named tool exit with a failure.
	fail string
}

func (ft *fakeTools) exec(env map[string]string, stdout, stderr io.Writer, cmd string, args ...string) (bool, error) {
	ft.calls = append(ft.calls, append([]string{cmd}, args...))
	ft.envs = append(ft.envs, env)

	if cmd == ft.fail {
		// Leave a partial output behind, as a tool dying mid-write would.
		out := flagValue(args, "-o")
		if cmd == "qemu-img" {
			out = args[3]
		}
		if out != "" {
			os.WriteFile(out, []byte("partial"), 0644)
		}
		fmt.Fprintf(stderr, "%s: fatal error\n", cmd)
		return true, errors.New("exit status 1")
	}

	switch cmd {
	case "nasm":
		src, err := os.ReadFile(args[len(args)-1])
		if err != nil {
			return true, err
		}
		return true, os.WriteFile(flagValue(args, "-o"), append([]byte("obj:"), src...), 0644)
	case "ld":
		return true, ft.link(args)
	case "grub-mkrescue":
		dir := args[len(args)-1]
		kernel, err := os.ReadFile(filepath.Join(dir, "boot", "kernel.bin"))
		if err != nil {
			return true, err
		}
		cfg, err := os.ReadFile(filepath.Join(dir, "boot", "grub", "grub.cfg"))
		if err != nil {
			return true, err
		}
		return true, os.WriteFile(flagValue(args, "-o"), append(cfg, kernel...), 0644)
	case "qemu-img":
		return true, os.WriteFile(args[3], nil, 0644)
	}

	return true, nil
}

func (ft *fakeTools) link(args []string) error {
	var (
		header, text []byte
		machine      = elf.EM_X86_64
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-m":
			if args[i+1] == "elf_i386" {
				machine = elf.EM_386
			}
			i++
			continue
		case "-T", "-o":
			i++
			continue
		}
		if strings.HasPrefix(args[i], "-") {
			continue
		}

		data, err := os.ReadFile(args[i])
		if err != nil {
			return err
		}
		if f, err := elf.NewFile(bytes.NewReader(data)); err == nil {
			if sec := f.Section(multiboot.SectionName); sec != nil {
				if header, err = sec.Data(); err != nil {
					return err
				}
				continue
			}
		}
		text = append(text, data...)
	}

	sym := ft.entrySymbol
	if sym == "" {
		sym = "start"
	}

	img, err := (&elfobj.File{
		Machine: machine,
		Type:    elf.ET_EXEC,
		Entry:   0x101000,
		Sections: []elfobj.Section{
			{Name: ".boot", Flags: elf.SHF_ALLOC, Addr: 0x100000, Align: 8, Data: header},
			{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x101000, Align: 16, Data: text},
		},
		Symbols: []elfobj.Symbol{
			{Name: sym, Section: 1, Value: 0x101000, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL},
		},
	}).Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(flagValue(args, "-o"), img, 0755)
}

// calledTools returns the command names of all recorded calls.
func (ft *fakeTools) calledTools() []string {
	names := make([]string, len(ft.calls))
	for i, c := range ft.calls {
		names[i] = c[0]
	}
	return names
}

func (ft *fakeTools) callsTo(tool string) [][]string {
	var out [][]string
	for _, c := range ft.calls {
		if c[0] == tool {
			out = append(out, c)
		}
	}
	return out
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

type testEnv struct {
	dir   string
	cfg   *Config
	tools *fakeTools
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()

	for _, arch := range ArchNames() {
		srcDir := filepath.Join(dir, "src", "arch", arch)
		require.NoError(t, os.MkdirAll(srcDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, "long_mode_init.asm"), []byte("long mode init\n"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, "boot.asm"), []byte("boot\n"), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "target"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target", "libos.a"), []byte("kernel body v1"), 0644))

	cfg, err := ParseConfig([]byte(`
header:
  tags:
    - information_request: [memory_map, framebuffer_info]
      optional: true
    - module_align: true
iso:
  source_date_epoch: 1700000000
run:
  args: -serial stdio -no-reboot
`))
	require.NoError(t, err)

	cfg.OutDir = filepath.Join(dir, "build")
	cfg.KernelBody = filepath.Join(dir, "target", "libos.a")
	cfg.Sources = []string{filepath.Join(dir, "src", "arch", "${ARCH}", "*.asm")}
	cfg.Run.Disk = filepath.Join(dir, "disk.img")

	return &testEnv{dir: dir, cfg: cfg, tools: &fakeTools{}}
}

func (env *testEnv) builder(t *testing.T) *Builder {
	log, _ := logtest.NewNullLogger()
	b, err := New(env.cfg, log)
	require.NoError(t, err)
	b.Stdout, b.Stderr = io.Discard, io.Discard
	return b.WithExec(env.tools.exec)
}

// touch moves the modification time of path into the future.
func touch(t *testing.T, path string) {
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
}

func TestKernelBuild(t *testing.T) {
	env := newTestEnv(t)
	b := env.builder(t)

	require.NoError(t, b.Kernel(context.Background()))

	assert.Equal(t, []string{"nasm", "nasm", "ld"}, env.tools.calledTools())

	// Sources are assembled in sorted order.
	nasm := env.tools.callsTo("nasm")
	assert.True(t, strings.HasSuffix(nasm[0][len(nasm[0])-1], "boot.asm"))
	assert.True(t, strings.HasSuffix(nasm[1][len(nasm[1])-1], "long_mode_init.asm"))
	assert.Equal(t, []string{"-f", "elf64"}, nasm[0][1:3])

	ld := env.tools.callsTo("ld")[0]
	assert.Equal(t, []string{
		"ld", "-n", "--gc-sections", "--build-id=none",
		"-m", "elf_x86_64",
		"-T", b.LinkerScriptPath(),
		"-o", b.KernelPath() + ".tmp",
		b.HeaderObjectPath(),
		filepath.Join(env.cfg.OutDir, "obj", "boot.o"),
		filepath.Join(env.cfg.OutDir, "obj", "long_mode_init.o"),
		env.cfg.KernelBody,
	}, ld)

	r, err := verify.File(b.KernelPath(), verify.Options{Entry: "start", Machine: elf.EM_X86_64})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100000), r.HeaderAddr)
	require.Len(t, r.Header.Tags, 2)
	assert.Equal(t, multiboot.FlagOptional, r.Header.Tags[0].Flags())

	assert.NoFileExists(t, b.KernelPath()+".tmp")
	assert.FileExists(t, b.LinkerScriptPath())
}

func TestKernelUpToDate(t *testing.T) {
	env := newTestEnv(t)
	b := env.builder(t)
	ctx := context.Background()

	require.NoError(t, b.Kernel(ctx))
	first, err := os.ReadFile(b.KernelPath())
	require.NoError(t, err)

	env.tools.calls = nil
	require.NoError(t, b.Kernel(ctx))
	assert.Empty(t, env.tools.calls, "unchanged inputs must not run any tool")

	// A build from scratch is byte-identical.
	require.NoError(t, b.Clean())
	assert.NoDirExists(t, env.cfg.OutDir)
	require.NoError(t, b.Kernel(ctx))

	second, err := os.ReadFile(b.KernelPath())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKernelBodyChange(t *testing.T) {
	env := newTestEnv(t)
	b := env.builder(t)
	ctx := context.Background()

	require.NoError(t, b.Kernel(ctx))
	before, err := os.ReadFile(b.KernelPath())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(env.cfg.KernelBody, []byte("kernel body v2, now longer"), 0644))
	touch(t, env.cfg.KernelBody)

	env.tools.calls = nil
	require.NoError(t, b.Kernel(ctx))
	assert.Len(t, env.tools.callsTo("ld"), 1)

	after, err := os.ReadFile(b.KernelPath())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	mBefore, err := multiboot.Find(before, 0)
	require.NoError(t, err)
	mAfter, err := multiboot.Find(after, 0)
	require.NoError(t, err)
	assert.Equal(t,
		before[mBefore.Offset:mBefore.Offset+mBefore.Length],
		after[mAfter.Offset:mAfter.Offset+mAfter.Length],
		"header bytes must not depend on the kernel body")
}

func TestKernelHeaderChangeRelinks(t *testing.T) {
	env := newTestEnv(t)
	b := env.builder(t)
	ctx := context.Background()

	require.NoError(t, b.Kernel(ctx))

	env.cfg.Header.Tags = append(env.cfg.Header.Tags, TagConfig{Framebuffer: &FramebufferConfig{Width: 1024, Height: 768, Depth: 32}})
	time.Sleep(10 * time.Millisecond)

	env.tools.calls = nil
	require.NoError(t, b.Kernel(ctx))
	assert.Len(t, env.tools.callsTo("ld"), 1)

	r, err := b.Verify(b.KernelPath())
	require.NoError(t, err)
	assert.Len(t, r.Header.Tags, 3)
	// fixed part, information request, module alignment, framebuffer, end
	assert.Equal(t, 16+16+8+24+8, r.HeaderLength)
}

func TestKernelMissingBody(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.Remove(env.cfg.KernelBody))

	b := env.builder(t)
	err := b.Kernel(context.Background())
	require.ErrorIs(t, err, ErrMissingKernelBody)
	assert.Contains(t, err.Error(), env.cfg.KernelBody)
	assert.Empty(t, env.tools.calls)
	assert.NoFileExists(t, b.KernelPath())
}

func TestKernelUndefinedEntry(t *testing.T) {
	env := newTestEnv(t)
	env.tools.entrySymbol = "kmain"
	b := env.builder(t)

	err := b.Kernel(context.Background())
	require.ErrorIs(t, err, verify.ErrUndefinedEntry)
	assert.NoFileExists(t, b.KernelPath())
	assert.NoFileExists(t, b.KernelPath()+".tmp")
}

func TestKernelLinkFailure(t *testing.T) {
	env := newTestEnv(t)
	b := env.builder(t)
	ctx := context.Background()

	require.NoError(t, b.Kernel(ctx))
	require.FileExists(t, b.KernelPath())

	touch(t, env.cfg.KernelBody)
	env.tools.fail = "ld"

	err := b.Kernel(ctx)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "ld", execErr.Args[0])
	assert.Equal(t, 1, execErr.Status)

	// The stale image is gone, not left next to a failed link.
	assert.NoFileExists(t, b.KernelPath())
	assert.NoFileExists(t, b.KernelPath()+".tmp")
}

func TestKernelAssembleFailure(t *testing.T) {
	env := newTestEnv(t)
	env.tools.fail = "nasm"
	b := env.builder(t)

	var execErr *ExecError
	require.ErrorAs(t, b.Kernel(context.Background()), &execErr)
	assert.Empty(t, env.tools.callsTo("ld"))
	assert.NoFileExists(t, b.KernelPath())
}

func TestKernelNoSources(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Sources = []string{filepath.Join(env.dir, "nothing", "*.asm")}

	require.ErrorIs(t, env.builder(t).Kernel(context.Background()), ErrNoSources)
}

func TestKernelDuplicateObject(t *testing.T) {
	env := newTestEnv(t)
	other := filepath.Join(env.dir, "other")
	require.NoError(t, os.MkdirAll(other, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(other, "boot.asm"), []byte("other boot"), 0644))
	env.cfg.Sources = append(env.cfg.Sources, filepath.Join(other, "*.asm"))

	require.ErrorIs(t, env.builder(t).Kernel(context.Background()), ErrDuplicateObject)
}

func TestKernelSourceNamedLikeHeader(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "src", "arch", "x86_64", "multiboot_header.asm"), []byte("hand-written header"), 0644))
	b := env.builder(t)

	err := b.Kernel(context.Background())
	require.ErrorIs(t, err, ErrDuplicateObject)
	assert.Contains(t, err.Error(), "multiboot_header.asm")
	assert.Contains(t, err.Error(), b.HeaderObjectPath())
	assert.Empty(t, env.tools.callsTo("ld"))
}

func TestKernelBodySwitchToOlderArtifact(t *testing.T) {
	env := newTestEnv(t)
	b := env.builder(t)
	ctx := context.Background()

	require.NoError(t, b.Kernel(ctx))
	before, err := os.ReadFile(b.KernelPath())
	require.NoError(t, err)

	// A release body built before the debug one must still be picked up.
	release := filepath.Join(env.dir, "target", "libos-release.a")
	require.NoError(t, os.WriteFile(release, []byte("release kernel body"), 0644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(release, past, past))
	env.cfg.KernelBody = release

	env.tools.calls = nil
	require.NoError(t, b.Kernel(ctx))
	ld := env.tools.callsTo("ld")
	require.Len(t, ld, 1)
	assert.Equal(t, release, ld[0][len(ld[0])-1])

	after, err := os.ReadFile(b.KernelPath())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	manifest, err := os.ReadFile(b.LinkManifestPath())
	require.NoError(t, err)
	assert.Contains(t, string(manifest), release)

	env.tools.calls = nil
	require.NoError(t, b.Kernel(ctx))
	assert.Empty(t, env.tools.calls)
}

func TestKernelRemovedSource(t *testing.T) {
	env := newTestEnv(t)
	b := env.builder(t)
	ctx := context.Background()

	require.NoError(t, b.Kernel(ctx))
	before, err := os.ReadFile(b.KernelPath())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(env.dir, "src", "arch", "x86_64", "long_mode_init.asm")))

	env.tools.calls = nil
	require.NoError(t, b.Kernel(ctx))
	ld := env.tools.callsTo("ld")
	require.Len(t, ld, 1)
	assert.NotContains(t, ld[0], filepath.Join(env.cfg.OutDir, "obj", "long_mode_init.o"))
	assert.Contains(t, ld[0], filepath.Join(env.cfg.OutDir, "obj", "boot.o"))

	after, err := os.ReadFile(b.KernelPath())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestKernelCanceled(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, env.builder(t).Kernel(ctx), context.Canceled)
	assert.Empty(t, env.tools.calls)
}

func TestKernelI386(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Arch = "i386"
	b := env.builder(t)

	require.NoError(t, b.Kernel(context.Background()))
	assert.True(t, strings.HasSuffix(b.KernelPath(), "kernel-i386.bin"))

	assert.Equal(t, "elf32", flagValue(env.tools.callsTo("nasm")[0][1:], "-f"))
	assert.Equal(t, "elf_i386", flagValue(env.tools.callsTo("ld")[0][1:], "-m"))

	hdr, err := os.ReadFile(b.HeaderObjectPath())
	require.NoError(t, err)
	f, err := elf.NewFile(bytes.NewReader(hdr))
	require.NoError(t, err)
	assert.Equal(t, elf.EM_386, f.Machine)
	assert.Equal(t, elf.ELFCLASS32, f.Class)

	script, err := os.ReadFile(b.LinkerScriptPath())
	require.NoError(t, err)
	assert.Contains(t, string(script), "OUTPUT_FORMAT(elf32-i386)")
}

func TestHeaderObject(t *testing.T) {
	h := &multiboot.Header{Tags: []multiboot.Tag{&multiboot.ConsoleFlags{Console: multiboot.ConsoleEGATextSupported}}}
	exp, err := h.MarshalBinary()
	require.NoError(t, err)

	obj, err := HeaderObject(h, elf.EM_X86_64)
	require.NoError(t, err)

	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	assert.Equal(t, elf.ET_REL, f.Type)

	sec := f.Section(multiboot.SectionName)
	require.NotNil(t, sec)
	assert.Equal(t, elf.SHF_ALLOC, sec.Flags)
	assert.Equal(t, uint64(multiboot.Align), sec.Addralign)

	data, err := sec.Data()
	require.NoError(t, err)
	assert.Equal(t, exp, data)

	syms, err := f.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, multiboot.StartSymbol, syms[0].Name)
	assert.Equal(t, uint64(0), syms[0].Value)
	assert.Equal(t, multiboot.EndSymbol, syms[1].Name)
	assert.Equal(t, uint64(len(exp)), syms[1].Value)

	_, err = HeaderObject(h, elf.EM_ARM)
	require.ErrorIs(t, err, elfobj.ErrUnsupportedMachine)
}

func TestHeaderNASM(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Header.Format = FormatNASM
	b := env.builder(t)
	ctx := context.Background()

	obj, err := b.Header(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.HeaderObjectPath(), obj)

	h, err := env.cfg.MultibootHeader()
	require.NoError(t, err)
	exp, err := HeaderSource(h)
	require.NoError(t, err)

	src, err := os.ReadFile(b.HeaderSourcePath())
	require.NoError(t, err)
	assert.Equal(t, exp, src)

	assert.Equal(t, [][]string{
		{"nasm", "-f", "elf64", "-o", b.HeaderObjectPath(), b.HeaderSourcePath()},
	}, env.tools.calls)

	// Unchanged source is not reassembled.
	env.tools.calls = nil
	_, err = b.Header(ctx)
	require.NoError(t, err)
	assert.Empty(t, env.tools.calls)
}

func TestWriteIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "file")

	changed, err := writeIfChanged(path, []byte("one"))
	require.NoError(t, err)
	assert.True(t, changed)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	changed, err = writeIfChanged(path, []byte("one"))
	require.NoError(t, err)
	assert.False(t, changed)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Before(time.Now().Add(-time.Minute)), "unchanged file must keep its modification time")

	changed, err = writeIfChanged(path, []byte("two"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoFileExists(t, path+".tmp")
}
