//go:build windows

package imagery

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	getModuleHandleExFlagFromAddress       = 0x4
	getModuleHandleExFlagUnchangedRefcount = 0x2

	peShortNameSize = 8
)

// peSectionHeader mirrors IMAGE_SECTION_HEADER.
type peSectionHeader struct {
	Name                 [peShortNameSize]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// EnumerateImages asks the OS for the modules loaded into the current
// process. The list is re-derived on every call; nothing is cached.
func EnumerateImages() []Image {
	var modules [1024]windows.Handle
	var needed uint32
	process := windows.CurrentProcess()
	if err := windows.EnumProcessModules(process, &modules[0], uint32(unsafe.Sizeof(modules)), &needed); err != nil {
		logger.Debug().Err(err).Msg("enumerate process modules")
		return nil
	}

	count := int(needed) / int(unsafe.Sizeof(windows.Handle(0)))
	if count > len(modules) {
		count = len(modules)
	}
	images := make([]Image, 0, count)
	for i := 0; i < count; i++ {
		images = append(images, Image{
			Base: uintptr(modules[i]),
			Name: moduleFileName(modules[i]),
		})
	}
	return images
}

// MainImage returns the image of the executable the process was started
// from.
func MainImage() (Image, bool) {
	module, err := windows.GetModuleHandle(nil)
	if err != nil {
		return Image{}, false
	}
	return Image{Base: uintptr(module), Name: moduleFileName(module)}, true
}

// ImageContainingAddress finds the loaded module whose mappings cover addr.
func ImageContainingAddress(addr uintptr) (Image, bool) {
	var module windows.Handle
	err := windows.GetModuleHandleEx(
		getModuleHandleExFlagFromAddress|getModuleHandleExFlagUnchangedRefcount,
		(*uint16)(unsafe.Pointer(addr)),
		&module,
	)
	if err != nil || module == 0 {
		return Image{}, false
	}
	return Image{Base: uintptr(module), Name: moduleFileName(module)}, true
}

// FindSection locates sectionName in image by walking the module's resident
// section table. Only the fixed 8-byte short names are compared; long names
// that indirect through the COFF string table (the "/<offset>" form) are
// treated as not found.
func FindSection(image Image, sectionName string) (Section, bool) {
	if len(sectionName) > peShortNameSize {
		return Section{}, false
	}
	var want [peShortNameSize]byte
	copy(want[:], sectionName)

	base := image.Base
	dos := (*[64]byte)(unsafe.Pointer(base))
	if dos[0] != 'M' || dos[1] != 'Z' {
		return Section{}, false
	}
	ntOffset := *(*int32)(unsafe.Pointer(base + 0x3c))
	if ntOffset <= 0 {
		return Section{}, false
	}

	ntBase := base + uintptr(ntOffset)
	signature := *(*uint32)(unsafe.Pointer(ntBase))
	if signature != 0x00004550 { // "PE\0\0"
		return Section{}, false
	}

	// IMAGE_FILE_HEADER follows the 4-byte signature; the section table
	// follows the optional header.
	sectionCount := *(*uint16)(unsafe.Pointer(ntBase + 4 + 2))
	optionalHeaderSize := *(*uint16)(unsafe.Pointer(ntBase + 4 + 16))
	sectionAddr := ntBase + 4 + 20 + uintptr(optionalHeaderSize)

	for i := 0; i < int(sectionCount); i++ {
		section := (*peSectionHeader)(unsafe.Pointer(sectionAddr + uintptr(i)*unsafe.Sizeof(peSectionHeader{})))
		if section.VirtualAddress == 0 {
			continue
		}
		size := section.VirtualSize
		if section.SizeOfRawData < size {
			size = section.SizeOfRawData
		}
		if size == 0 || section.Name != want {
			continue
		}
		return Section{
			Start: base + uintptr(section.VirtualAddress),
			Size:  uintptr(size),
		}, true
	}
	return Section{}, false
}

func moduleFileName(module windows.Handle) string {
	var buf [windows.MAX_PATH]uint16
	err := windows.GetModuleFileNameEx(windows.CurrentProcess(), module, &buf[0], uint32(len(buf)))
	if err != nil {
		return ""
	}
	return windows.UTF16ToString(buf[:])
}
