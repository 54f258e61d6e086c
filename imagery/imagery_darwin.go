//go:build darwin && (amd64 || arm64)

package imagery

import (
	"strings"
	"unsafe"
)

const (
	machMagic64    = 0xfeedfacf
	mhExecute      = 0x2
	mhDylibInCache = 0x80000000
	lcSegment64    = 0x19
)

// machHeader64, loadCommand, segmentCommand64, and section64 mirror the
// corresponding structures from <mach-o/loader.h>.
type machHeader64 struct {
	Magic      uint32
	CPUType    int32
	CPUSubType int32
	FileType   uint32
	NCmds      uint32
	SizeCmds   uint32
	Flags      uint32
	Reserved   uint32
}

type loadCommand struct {
	Cmd     uint32
	CmdSize uint32
}

type segmentCommand64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type section64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

// EnumerateImages snapshots the dyld-fed image registry. The snapshot is a
// copy; callers never iterate while the registry lock is held.
func EnumerateImages() []Image {
	registryInit()
	headers := snapshotImages()
	images := make([]Image, 0, len(headers))
	for _, header := range headers {
		name, _ := imageName(header)
		images = append(images, Image{Base: header, Name: name})
	}
	return images
}

// MainImage returns the image of the executable the process was started
// from.
func MainImage() (Image, bool) {
	for _, image := range EnumerateImages() {
		header := (*machHeader64)(unsafe.Pointer(image.Base))
		if header.FileType == mhExecute {
			return image, true
		}
	}
	return Image{}, false
}

// FindSection locates sectionName in image. Mach-O section names follow the
// "SEGMENT,SECTION" convention; a name without a comma never matches. The
// load commands stay resident in the loaded image, so no file access is
// needed.
func FindSection(image Image, sectionName string) (Section, bool) {
	segmentName, wantSection, ok := strings.Cut(sectionName, ",")
	if !ok {
		return Section{}, false
	}

	header := (*machHeader64)(unsafe.Pointer(image.Base))
	if header.Magic != machMagic64 {
		return Section{}, false
	}

	var (
		slide      uintptr
		slideKnown bool
		start      uintptr
		size       uintptr
		found      bool
	)
	cmdAddr := image.Base + unsafe.Sizeof(machHeader64{})
	for i := uint32(0); i < header.NCmds; i++ {
		cmd := (*loadCommand)(unsafe.Pointer(cmdAddr))
		if cmd.CmdSize < uint32(unsafe.Sizeof(loadCommand{})) {
			// Malformed load command; stop before walking garbage.
			return Section{}, false
		}
		if cmd.Cmd == lcSegment64 {
			segment := (*segmentCommand64)(unsafe.Pointer(cmdAddr))
			name := fixedString(segment.SegName[:])
			if name == "__TEXT" {
				// Segment vmaddrs predate loading; the difference between
				// where __TEXT landed and where it was linked is the slide
				// for every section.
				slide = image.Base - uintptr(segment.VMAddr)
				slideKnown = true
			}
			if name == segmentName {
				sectAddr := cmdAddr + unsafe.Sizeof(segmentCommand64{})
				for j := uint32(0); j < segment.NSects; j++ {
					sect := (*section64)(unsafe.Pointer(sectAddr))
					if fixedString(sect.SectName[:]) == wantSection {
						start = uintptr(sect.Addr)
						size = uintptr(sect.Size)
						found = true
					}
					sectAddr += unsafe.Sizeof(section64{})
				}
			}
		}
		cmdAddr += uintptr(cmd.CmdSize)
	}

	if !found || !slideKnown || size == 0 {
		return Section{}, false
	}
	return Section{Start: start + slide, Size: size}, true
}

// fixedString reads a fixed-width, NUL-padded name field.
func fixedString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Fixed-width name constants for the in-callback section check. Declared as
// [16]byte so the comparison is a plain array compare, no string built.
var (
	segTextName      = [16]byte{'_', '_', 'T', 'E', 'X', 'T'}
	typesSectionName = [16]byte{'_', '_', 's', 'w', 'i', 'f', 't', '5', '_', 't', 'y', 'p', 'e', 's'}
)

// machHasTypesSection reports whether the image at base declares a
// __TEXT,__swift5_types section. It runs inside the dyld add-image callback,
// so it walks the resident load commands in place and allocates nothing.
func machHasTypesSection(base uintptr) bool {
	header := (*machHeader64)(unsafe.Pointer(base))
	if header.Magic != machMagic64 {
		return false
	}
	cmdAddr := base + unsafe.Sizeof(machHeader64{})
	for i := uint32(0); i < header.NCmds; i++ {
		cmd := (*loadCommand)(unsafe.Pointer(cmdAddr))
		if cmd.CmdSize < uint32(unsafe.Sizeof(loadCommand{})) {
			return false
		}
		if cmd.Cmd == lcSegment64 {
			segment := (*segmentCommand64)(unsafe.Pointer(cmdAddr))
			if segment.SegName == segTextName {
				sectAddr := cmdAddr + unsafe.Sizeof(segmentCommand64{})
				for j := uint32(0); j < segment.NSects; j++ {
					if (*section64)(unsafe.Pointer(sectAddr)).SectName == typesSectionName {
						return true
					}
					sectAddr += unsafe.Sizeof(section64{})
				}
			}
		}
		cmdAddr += uintptr(cmd.CmdSize)
	}
	return false
}
