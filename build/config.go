package build

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/anmitsu/go-shlex"
	"github.com/itamar567/os/layout"
	"github.com/itamar567/os/multiboot"
	"go.yaml.in/yaml/v3"
)

// DefaultConfigFile is read when no -config flag is given. A missing default
// file is not an error.
const DefaultConfigFile = "kernimg.yaml"

// Header formats.
const (
	FormatObject = "object"
	FormatNASM   = "nasm"
)

// NoDisk disables the auxiliary disk image.
const NoDisk = "none"

// ErrBadConfig wraps every configuration validation failure.
var ErrBadConfig = errors.New("build: invalid configuration")

// Config is the on-disk build configuration. Paths are relative to the
// working directory and may reference the target architecture as ${ARCH}.
type Config struct {
	Arch        string       `yaml:"arch"`
	OutDir      string       `yaml:"out_dir"`
	KernelBody  string       `yaml:"kernel_body"`
	Sources     []string     `yaml:"sources"`
	Entry       string       `yaml:"entry"`
	LoadAddress uint64       `yaml:"load_address"`
	Header      HeaderConfig `yaml:"header"`
	ISO         ISOConfig    `yaml:"iso"`
	Run         RunConfig    `yaml:"run"`
	Tools       ToolConfig   `yaml:"tools"`
}

// HeaderConfig selects the tags of the generated multiboot2 header.
type HeaderConfig struct {
	// Format is either object or nasm.
	Format     string      `yaml:"format"`
	ScanWindow int         `yaml:"scan_window"`
	Tags       []TagConfig `yaml:"tags"`
}

// ISOConfig controls the grub menu and the ISO image name.
type ISOConfig struct {
	Name      string `yaml:"name"`
	MenuEntry string `yaml:"menu_entry"`
	Timeout   int    `yaml:"timeout"`
	Cmdline   string `yaml:"cmdline"`

	// SourceDateEpoch is exported to grub-mkrescue so the image timestamps
	// do not depend on the wall clock.
	SourceDateEpoch int64 `yaml:"source_date_epoch"`
}

// RunConfig controls the emulator and debugger sessions.
type RunConfig struct {
	Emulator string `yaml:"emulator"`
	Memory   string `yaml:"memory"`
	Disk     string `yaml:"disk"`
	DiskSize string `yaml:"disk_size"`
	Args     string `yaml:"args"`
	GDBPort  int    `yaml:"gdb_port"`
	GDBArgs  string `yaml:"gdb_args"`
}

// ToolConfig names the external tools. Each may be a path or a name
// looked up in $PATH.
type ToolConfig struct {
	Assembler string `yaml:"assembler"`
	Linker    string `yaml:"linker"`
	Mkrescue  string `yaml:"mkrescue"`
	Debugger  string `yaml:"debugger"`
	QemuImg   string `yaml:"qemu_img"`
	Mkfs      string `yaml:"mkfs"`
}

// DefaultConfig returns the configuration used for any field a config file
// leaves empty.
func DefaultConfig() *Config {
	return &Config{
		Arch:        "x86_64",
		OutDir:      "build",
		KernelBody:  "target/${ARCH}-os/debug/libos.a",
		Sources:     []string{"src/arch/${ARCH}/*.asm"},
		Entry:       layout.DefaultEntry,
		LoadAddress: layout.DefaultLoadAddress,
		Header: HeaderConfig{
			Format:     FormatObject,
			ScanWindow: multiboot.ScanWindow,
		},
		ISO: ISOConfig{
			Name:      "os-${ARCH}.iso",
			MenuEntry: "os",
		},
		Run: RunConfig{
			Memory:   "128M",
			Disk:     "disk.img",
			DiskSize: "32M",
			GDBPort:  1234,
		},
		Tools: ToolConfig{
			Assembler: "nasm",
			Linker:    "ld",
			Mkrescue:  "grub-mkrescue",
			Debugger:  "gdb",
			QemuImg:   "qemu-img",
			Mkfs:      "mkfs.fat",
		},
	}
}

// LoadConfig reads the YAML file at path and fills in defaults. Unknown keys
// are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if path == DefaultConfigFile && errors.Is(err, os.ErrNotExist) {
			return ParseConfig(nil)
		}
		return nil, err
	}

	c, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseConfig decodes a YAML document and fills in defaults.
func ParseConfig(data []byte) (*Config, error) {
	c := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}

	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() error {
	return mergo.Merge(c, DefaultConfig())
}

// Validate checks the fields the build cannot proceed without.
func (c *Config) Validate() error {
	if _, err := LookupArch(c.Arch); err != nil {
		return err
	}

	switch c.Header.Format {
	case FormatObject, FormatNASM:
	default:
		return fmt.Errorf("%w: header format %q", ErrBadConfig, c.Header.Format)
	}

	if c.Header.ScanWindow < 0 || c.Header.ScanWindow%multiboot.Align != 0 {
		return fmt.Errorf("%w: scan window %d", ErrBadConfig, c.Header.ScanWindow)
	}

	if _, err := c.Layout(); err != nil {
		return err
	}
	if _, err := c.MultibootHeader(); err != nil {
		return err
	}
	if _, err := splitArgs(c.Run.Args); err != nil {
		return fmt.Errorf("%w: run.args: %v", ErrBadConfig, err)
	}
	if _, err := splitArgs(c.Run.GDBArgs); err != nil {
		return fmt.Errorf("%w: run.gdb_args: %v", ErrBadConfig, err)
	}

	return nil
}

// Expand substitutes ${ARCH} in s.
func (c *Config) Expand(s string) string {
	return os.Expand(s, func(key string) string {
		if key == "ARCH" {
			return c.Arch
		}
		return "${" + key + "}"
	})
}

// Layout returns the linker layout for the configured architecture.
func (c *Config) Layout() (*layout.Layout, error) {
	a, err := LookupArch(c.Arch)
	if err != nil {
		return nil, err
	}

	l := layout.Default()
	l.Entry = c.Entry
	l.LoadAddress = c.LoadAddress
	l.OutputFormat = a.OutputFormat
	return l, l.Validate()
}

// MultibootHeader builds the header model from the configured tags.
func (c *Config) MultibootHeader() (*multiboot.Header, error) {
	a, err := LookupArch(c.Arch)
	if err != nil {
		return nil, err
	}

	h := &multiboot.Header{Architecture: a.Multiboot}
	for i, tc := range c.Header.Tags {
		tag, err := tc.Tag()
		if err != nil {
			return nil, fmt.Errorf("header tag %d: %w", i, err)
		}
		h.Tags = append(h.Tags, tag)
	}
	return h, nil
}

// TagConfig selects exactly one header tag.
type TagConfig struct {
	Optional bool `yaml:"optional"`

	InformationRequest []string           `yaml:"information_request"`
	Address            *AddressConfig     `yaml:"address"`
	EntryAddress       *uint32            `yaml:"entry_address"`
	ConsoleFlags       *ConsoleConfig     `yaml:"console_flags"`
	Framebuffer        *FramebufferConfig `yaml:"framebuffer"`
	ModuleAlign        bool               `yaml:"module_align"`
	EFIBootServices    bool               `yaml:"efi_boot_services"`
	EFI32EntryAddress  *uint32            `yaml:"efi32_entry_address"`
	EFI64EntryAddress  *uint32            `yaml:"efi64_entry_address"`
	Relocatable        *RelocatableConfig `yaml:"relocatable"`
}

// AddressConfig is the payload of an address tag.
type AddressConfig struct {
	HeaderAddr  uint32 `yaml:"header_addr"`
	LoadAddr    uint32 `yaml:"load_addr"`
	LoadEndAddr uint32 `yaml:"load_end_addr"`
	BSSEndAddr  uint32 `yaml:"bss_end_addr"`
}

// ConsoleConfig is the payload of a console flags tag.
type ConsoleConfig struct {
	Required bool `yaml:"required"`
	EGAText  bool `yaml:"ega_text"`
}

// FramebufferConfig is the preferred graphics mode.
type FramebufferConfig struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
	Depth  uint32 `yaml:"depth"`
}

// RelocatableConfig is the payload of a relocatable tag.
type RelocatableConfig struct {
	MinAddr uint32 `yaml:"min_addr"`
	MaxAddr uint32 `yaml:"max_addr"`
	Align   uint32 `yaml:"align"`

	// Preference is none, lowest or highest.
	Preference string `yaml:"preference"`
}

var loadPreferences = map[string]multiboot.LoadPreference{
	"":        multiboot.PreferNone,
	"none":    multiboot.PreferNone,
	"lowest":  multiboot.PreferLowest,
	"highest": multiboot.PreferHighest,
}

// Tag converts the entry into a multiboot tag.
func (tc TagConfig) Tag() (multiboot.Tag, error) {
	var tags []multiboot.Tag

	if tc.InformationRequest != nil {
		req := &multiboot.InformationRequest{Optional: tc.Optional}
		for _, name := range tc.InformationRequest {
			it, err := multiboot.ParseInfoType(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
			}
			req.Types = append(req.Types, it)
		}
		tags = append(tags, req)
	}
	if a := tc.Address; a != nil {
		tags = append(tags, &multiboot.Address{
			Optional:    tc.Optional,
			HeaderAddr:  a.HeaderAddr,
			LoadAddr:    a.LoadAddr,
			LoadEndAddr: a.LoadEndAddr,
			BSSEndAddr:  a.BSSEndAddr,
		})
	}
	if tc.EntryAddress != nil {
		tags = append(tags, &multiboot.EntryAddress{Optional: tc.Optional, Entry: *tc.EntryAddress})
	}
	if cc := tc.ConsoleFlags; cc != nil {
		var flags multiboot.ConsoleFlag
		if cc.Required {
			flags |= multiboot.ConsoleRequired
		}
		if cc.EGAText {
			flags |= multiboot.ConsoleEGATextSupported
		}
		tags = append(tags, &multiboot.ConsoleFlags{Optional: tc.Optional, Console: flags})
	}
	if fb := tc.Framebuffer; fb != nil {
		tags = append(tags, &multiboot.Framebuffer{Optional: tc.Optional, Width: fb.Width, Height: fb.Height, Depth: fb.Depth})
	}
	if tc.ModuleAlign {
		tags = append(tags, &multiboot.ModuleAlign{Optional: tc.Optional})
	}
	if tc.EFIBootServices {
		tags = append(tags, &multiboot.EFIBootServices{Optional: tc.Optional})
	}
	if tc.EFI32EntryAddress != nil {
		tags = append(tags, &multiboot.EFI32EntryAddress{Optional: tc.Optional, Entry: *tc.EFI32EntryAddress})
	}
	if tc.EFI64EntryAddress != nil {
		tags = append(tags, &multiboot.EFI64EntryAddress{Optional: tc.Optional, Entry: *tc.EFI64EntryAddress})
	}
	if r := tc.Relocatable; r != nil {
		pref, ok := loadPreferences[strings.ToLower(r.Preference)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown load preference %q", ErrBadConfig, r.Preference)
		}
		tags = append(tags, &multiboot.Relocatable{
			Optional:   tc.Optional,
			MinAddr:    r.MinAddr,
			MaxAddr:    r.MaxAddr,
			Align:      r.Align,
			Preference: pref,
		})
	}

	if len(tags) != 1 {
		return nil, fmt.Errorf("%w: each tag entry must select exactly one tag; got %d", ErrBadConfig, len(tags))
	}
	return tags[0], nil
}

func splitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return shlex.Split(s, true)
}
