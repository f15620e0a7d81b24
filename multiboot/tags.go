package multiboot

import (
	"encoding/binary"
	"fmt"
)

// TagType identifies a header tag.
type TagType uint16

// nolint
const (
	TagEnd TagType = iota
	TagInformationRequest
	TagAddress
	TagEntryAddress
	TagConsoleFlags
	TagFramebuffer
	TagModuleAlign
	TagEFIBootServices
	TagEFI32EntryAddress
	TagEFI64EntryAddress
	TagRelocatable
)

var tagNames = map[TagType]string{
	TagEnd:                "end",
	TagInformationRequest: "information request",
	TagAddress:            "address",
	TagEntryAddress:       "entry address",
	TagConsoleFlags:       "console flags",
	TagFramebuffer:        "framebuffer",
	TagModuleAlign:        "module alignment",
	TagEFIBootServices:    "EFI boot services",
	TagEFI32EntryAddress:  "EFI i386 entry address",
	TagEFI64EntryAddress:  "EFI amd64 entry address",
	TagRelocatable:        "relocatable",
}

// String implements fmt.Stringer.
func (t TagType) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", uint16(t))
}

// TagFlags holds the flags field of a tag.
type TagFlags uint16

// FlagOptional tells the bootloader it may ignore a tag it does not
// support instead of refusing to boot.
const FlagOptional TagFlags = 1

// InfoType identifies a boot information tag that the kernel can ask the
// bootloader to provide through an InformationRequest tag.
type InfoType uint32

// nolint
const (
	InfoEnd InfoType = iota
	InfoBootCmdLine
	InfoBootLoaderName
	InfoModules
	InfoBasicMemoryInfo
	InfoBiosBootDevice
	InfoMemoryMap
	InfoVbeInfo
	InfoFramebufferInfo
	InfoElfSymbols
	InfoApmTable
	InfoEFI32SystemTable
	InfoEFI64SystemTable
	InfoSMBIOSTables
	InfoACPIOld
	InfoACPINew
	InfoNetwork
	InfoEFIMemoryMap
	InfoEFIBootServicesNotTerminated
	InfoEFI32ImageHandle
	InfoEFI64ImageHandle
	InfoImageLoadBaseAddr
)

var infoNames = []string{
	"end",
	"boot_cmdline",
	"bootloader_name",
	"modules",
	"basic_meminfo",
	"bios_boot_device",
	"memory_map",
	"vbe_info",
	"framebuffer_info",
	"elf_symbols",
	"apm_table",
	"efi32_system_table",
	"efi64_system_table",
	"smbios_tables",
	"acpi_old",
	"acpi_new",
	"network",
	"efi_memory_map",
	"efi_boot_services_not_terminated",
	"efi32_image_handle",
	"efi64_image_handle",
	"image_load_base_addr",
}

// String implements fmt.Stringer. The returned names are the ones accepted
// by ParseInfoType.
func (t InfoType) String() string {
	if int(t) < len(infoNames) {
		return infoNames[t]
	}
	return fmt.Sprintf("info(%d)", uint32(t))
}

// ParseInfoType maps a boot information name to its InfoType.
func ParseInfoType(name string) (InfoType, error) {
	for i, n := range infoNames {
		if n == name {
			return InfoType(i), nil
		}
	}
	return 0, fmt.Errorf("multiboot: unknown boot information type %q", name)
}

// Tag is an optional header tag. Payload returns the bytes that follow the
// 8-byte tag header, without padding.
type Tag interface {
	Type() TagType
	Flags() TagFlags
	Payload() []byte
}

func optionalFlag(optional bool) TagFlags {
	if optional {
		return FlagOptional
	}
	return 0
}

func words(vals ...uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return buf
}

// InformationRequest asks the bootloader to pass the listed boot
// information tags to the kernel.
type InformationRequest struct {
	Optional bool
	Types    []InfoType
}

// Type implements Tag.
func (t *InformationRequest) Type() TagType { return TagInformationRequest }

// Flags implements Tag.
func (t *InformationRequest) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *InformationRequest) Payload() []byte {
	vals := make([]uint32, len(t.Types))
	for i, it := range t.Types {
		vals[i] = uint32(it)
	}
	return words(vals...)
}

// Address provides the physical load addresses for images that are not in
// ELF format.
type Address struct {
	Optional    bool
	HeaderAddr  uint32
	LoadAddr    uint32
	LoadEndAddr uint32
	BSSEndAddr  uint32
}

// Type implements Tag.
func (t *Address) Type() TagType { return TagAddress }

// Flags implements Tag.
func (t *Address) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *Address) Payload() []byte {
	return words(t.HeaderAddr, t.LoadAddr, t.LoadEndAddr, t.BSSEndAddr)
}

// EntryAddress overrides the ELF entry point.
type EntryAddress struct {
	Optional bool
	Entry    uint32
}

// Type implements Tag.
func (t *EntryAddress) Type() TagType { return TagEntryAddress }

// Flags implements Tag.
func (t *EntryAddress) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *EntryAddress) Payload() []byte { return words(t.Entry) }

// ConsoleFlag is a bit in the ConsoleFlags tag.
type ConsoleFlag uint32

const (
	// ConsoleRequired means at least one supported console must be present.
	ConsoleRequired ConsoleFlag = 1 << iota

	// ConsoleEGATextSupported means the kernel can drive an EGA text console.
	ConsoleEGATextSupported
)

// ConsoleFlags describes the consoles supported by the kernel.
type ConsoleFlags struct {
	Optional bool
	Console  ConsoleFlag
}

// Type implements Tag.
func (t *ConsoleFlags) Type() TagType { return TagConsoleFlags }

// Flags implements Tag.
func (t *ConsoleFlags) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *ConsoleFlags) Payload() []byte { return words(uint32(t.Console)) }

// Framebuffer states the preferred graphics mode. A zero value in any field
// means no preference.
type Framebuffer struct {
	Optional bool
	Width    uint32
	Height   uint32
	Depth    uint32
}

// Type implements Tag.
func (t *Framebuffer) Type() TagType { return TagFramebuffer }

// Flags implements Tag.
func (t *Framebuffer) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *Framebuffer) Payload() []byte { return words(t.Width, t.Height, t.Depth) }

// ModuleAlign requests page aligned boot modules.
type ModuleAlign struct {
	Optional bool
}

// Type implements Tag.
func (t *ModuleAlign) Type() TagType { return TagModuleAlign }

// Flags implements Tag.
func (t *ModuleAlign) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *ModuleAlign) Payload() []byte { return nil }

// EFIBootServices tells an EFI bootloader to leave boot services running.
type EFIBootServices struct {
	Optional bool
}

// Type implements Tag.
func (t *EFIBootServices) Type() TagType { return TagEFIBootServices }

// Flags implements Tag.
func (t *EFIBootServices) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *EFIBootServices) Payload() []byte { return nil }

// EFI32EntryAddress is the entry point used on i386 EFI machines.
type EFI32EntryAddress struct {
	Optional bool
	Entry    uint32
}

// Type implements Tag.
func (t *EFI32EntryAddress) Type() TagType { return TagEFI32EntryAddress }

// Flags implements Tag.
func (t *EFI32EntryAddress) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *EFI32EntryAddress) Payload() []byte { return words(t.Entry) }

// EFI64EntryAddress is the entry point used on amd64 EFI machines.
type EFI64EntryAddress struct {
	Optional bool
	Entry    uint32
}

// Type implements Tag.
func (t *EFI64EntryAddress) Type() TagType { return TagEFI64EntryAddress }

// Flags implements Tag.
func (t *EFI64EntryAddress) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *EFI64EntryAddress) Payload() []byte { return words(t.Entry) }

// LoadPreference selects where a relocatable image is placed.
type LoadPreference uint32

// Placement preferences of a relocatable image.
const (
	PreferNone LoadPreference = iota
	PreferLowest
	PreferHighest
)

// Relocatable marks the image as loadable anywhere in [MinAddr, MaxAddr].
type Relocatable struct {
	Optional   bool
	MinAddr    uint32
	MaxAddr    uint32
	Align      uint32
	Preference LoadPreference
}

// Type implements Tag.
func (t *Relocatable) Type() TagType { return TagRelocatable }

// Flags implements Tag.
func (t *Relocatable) Flags() TagFlags { return optionalFlag(t.Optional) }

// Payload implements Tag.
func (t *Relocatable) Payload() []byte {
	return words(t.MinAddr, t.MaxAddr, t.Align, uint32(t.Preference))
}

// RawTag carries a tag whose type is not known to this package.
type RawTag struct {
	Kind TagType
	Flag TagFlags
	Data []byte
}

// Type implements Tag.
func (t *RawTag) Type() TagType { return t.Kind }

// Flags implements Tag.
func (t *RawTag) Flags() TagFlags { return t.Flag }

// Payload implements Tag.
func (t *RawTag) Payload() []byte { return t.Data }

// decodeTag builds a Tag out of a tag header and its payload.
func decodeTag(t TagType, flags TagFlags, payload []byte) (Tag, error) {
	optional := flags&FlagOptional != 0

	fixed := map[TagType]int{
		TagAddress:           16,
		TagEntryAddress:      4,
		TagConsoleFlags:      4,
		TagFramebuffer:       12,
		TagModuleAlign:       0,
		TagEFIBootServices:   0,
		TagEFI32EntryAddress: 4,
		TagEFI64EntryAddress: 4,
		TagRelocatable:       16,
	}
	if want, ok := fixed[t]; ok && len(payload) != want {
		return nil, fmt.Errorf("%s tag with %d byte payload: %w", t, len(payload), ErrTagSize)
	}

	w := func(i int) uint32 { return binary.LittleEndian.Uint32(payload[4*i:]) }

	switch t {
	case TagInformationRequest:
		if len(payload)%4 != 0 {
			return nil, fmt.Errorf("%s tag with %d byte payload: %w", t, len(payload), ErrTagSize)
		}
		req := &InformationRequest{Optional: optional}
		for i := 0; i < len(payload)/4; i++ {
			req.Types = append(req.Types, InfoType(w(i)))
		}
		return req, nil
	case TagAddress:
		return &Address{Optional: optional, HeaderAddr: w(0), LoadAddr: w(1), LoadEndAddr: w(2), BSSEndAddr: w(3)}, nil
	case TagEntryAddress:
		return &EntryAddress{Optional: optional, Entry: w(0)}, nil
	case TagConsoleFlags:
		return &ConsoleFlags{Optional: optional, Console: ConsoleFlag(w(0))}, nil
	case TagFramebuffer:
		return &Framebuffer{Optional: optional, Width: w(0), Height: w(1), Depth: w(2)}, nil
	case TagModuleAlign:
		return &ModuleAlign{Optional: optional}, nil
	case TagEFIBootServices:
		return &EFIBootServices{Optional: optional}, nil
	case TagEFI32EntryAddress:
		return &EFI32EntryAddress{Optional: optional, Entry: w(0)}, nil
	case TagEFI64EntryAddress:
		return &EFI64EntryAddress{Optional: optional, Entry: w(0)}, nil
	case TagRelocatable:
		return &Relocatable{Optional: optional, MinAddr: w(0), MaxAddr: w(1), Align: w(2), Preference: LoadPreference(w(3))}, nil
	default:
		data := make([]byte, len(payload))
		copy(data, payload)
		return &RawTag{Kind: t, Flag: flags, Data: data}, nil
	}
}
