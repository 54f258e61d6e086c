//go:build linux && (amd64 || arm64)

package imagery

import (
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// elfHeader64 and sectionHeader64 mirror Elf64_Ehdr and Elf64_Shdr.
type elfHeader64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type sectionHeader64 struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// EnumerateImages derives the set of loaded images from /proc/self/maps:
// every readable mapping at file offset zero whose backing path looks like a
// file and whose first bytes carry the ELF magic is an image base. The
// kernel's view is re-read on every call; nothing is cached.
func EnumerateImages() []Image {
	entries, err := readProcMaps()
	if err != nil {
		logger.Debug().Err(err).Msg("enumerate images")
		return nil
	}

	images := make([]Image, 0, 16)
	for _, entry := range entries {
		if entry.path == "" || entry.offset != 0 || !strings.Contains(entry.perms, "r") {
			continue
		}
		if !hasELFMagic(entry.start) {
			continue
		}
		images = append(images, Image{Base: entry.start, Name: entry.path})
	}
	return images
}

// MainImage returns the image of the executable the process was started
// from.
func MainImage() (Image, bool) {
	images := EnumerateImages()
	if exe, err := os.Executable(); err == nil {
		for _, image := range images {
			if image.Name == exe {
				return image, true
			}
		}
	}
	// The lowest-addressed image is the executable on every mainstream
	// linux loader.
	if len(images) > 0 {
		return images[0], true
	}
	return Image{}, false
}

// ImageContainingAddress finds the loaded image whose mappings cover addr.
func ImageContainingAddress(addr uintptr) (Image, bool) {
	entries, err := readProcMaps()
	if err != nil {
		return Image{}, false
	}

	path, ok := imagePathForAddress(entries, addr)
	if !ok {
		return Image{}, false
	}
	for _, entry := range entries {
		if entry.path != path || entry.offset != 0 {
			continue
		}
		// The magic probe dereferences the mapping; PROT_NONE mappings at
		// offset zero are a valid process state and must be skipped, not
		// read.
		if !strings.Contains(entry.perms, "r") || !hasELFMagic(entry.start) {
			continue
		}
		return Image{Base: entry.start, Name: path}, true
	}
	return Image{}, false
}

// imagePathForAddress resolves the backing path of the mapping covering
// addr. Zero-initialized image data (.bss) lives in anonymous mappings the
// loader placed directly after the image's file-backed segments, so an
// anonymous mapping is attributed to the file-backed run it is contiguous
// with; anonymous mappings with a gap below them stay unattributed.
func imagePathForAddress(entries []procMapEntry, addr uintptr) (string, bool) {
	idx := -1
	for i, entry := range entries {
		if addr >= entry.start && addr < entry.end {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	for idx > 0 && entries[idx].path == "" && entries[idx-1].end == entries[idx].start {
		idx--
	}
	if entries[idx].path == "" {
		return "", false
	}
	return entries[idx].path, true
}

// FindSection locates sectionName in image. A loaded ELF image does not
// retain its section header table, so a fresh copy of the on-disk file is
// mapped to read it; the returned start address is in the loaded image, not
// in the temporary copy. Missing sections and malformed headers both report
// not-found, never an error.
func FindSection(image Image, sectionName string) (Section, bool) {
	if image.Name == "" || !hasELFMagic(image.Base) {
		return Section{}, false
	}

	ehdr := (*elfHeader64)(unsafe.Pointer(image.Base))
	if ehdr.Shoff == 0 || ehdr.Shstrndx == uint16(elf.SHN_UNDEF) {
		// No section headers, or no string table holding section names.
		return Section{}, false
	}
	if ehdr.Shnum == 0 || ehdr.Shstrndx == uint16(elf.SHN_XINDEX) {
		// Counts past SHN_LORESERVE live in shdr[0]; unsupported.
		return Section{}, false
	}

	data, err := mapImageFile(image.Name)
	if err != nil {
		logger.Debug().Err(err).Str("image", image.Name).Msg("map image file")
		return Section{}, false
	}
	defer func() {
		_ = unix.Munmap(data)
	}()

	fileSize := uint64(len(data))
	if fileSize < uint64(unsafe.Sizeof(elfHeader64{})) {
		return Section{}, false
	}
	mapped := (*elfHeader64)(unsafe.Pointer(&data[0]))

	shentsize := uint64(mapped.Shentsize)
	shnum := uint64(mapped.Shnum)
	shoff := mapped.Shoff
	if shentsize < uint64(unsafe.Sizeof(sectionHeader64{})) ||
		shoff >= fileSize || shnum > (fileSize-shoff)/shentsize {
		logger.Debug().Str("image", image.Name).Msg("section header table out of range")
		return Section{}, false
	}
	if uint64(mapped.Shstrndx) >= shnum {
		return Section{}, false
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	strtab := (*sectionHeader64)(unsafe.Pointer(base + uintptr(shoff+shentsize*uint64(mapped.Shstrndx))))
	if strtab.Type != uint32(elf.SHT_STRTAB) || strtab.Offset >= fileSize {
		// The string table has the wrong type; is the image corrupted?
		return Section{}, false
	}

	for i := uint64(0); i < shnum; i++ {
		shdr := (*sectionHeader64)(unsafe.Pointer(base + uintptr(shoff+shentsize*i)))
		name, ok := cStringIn(data, strtab.Offset+uint64(shdr.Name))
		if !ok || name != sectionName {
			continue
		}
		return Section{
			Start: image.Base + uintptr(shdr.Offset),
			Size:  uintptr(shdr.Size),
		}, true
	}
	return Section{}, false
}

// mapImageFile maps the file at path read-only and private. The descriptor
// is closed as soon as the mapping is decided; the caller must release the
// returned bytes with unix.Munmap on every path.
//
// The consistency check closes the window between resolving the path and
// mapping it, but the gap between the fstat and the mmap itself stays open:
// a replacement landing exactly there is not detected. Best-effort
// hardening, not a guarantee.
func mapImageFile(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !isFileIDConsistent(path, &st) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mappings of %s disagree with the opened file", path)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	_ = unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	return data, nil
}

// isFileIDConsistent reports whether every live mapping of path still refers
// to the same on-disk file as st. It must run after the file has been
// opened in this process; run earlier, an attacker could substitute the file
// between the check and the open. A mismatch means the path should be
// considered compromised.
func isFileIDConsistent(path string, st *unix.Stat_t) bool {
	entries, err := readProcMaps()
	if err != nil {
		return false
	}
	return mappingsConsistent(entries, path, st.Dev, st.Ino)
}

func mappingsConsistent(entries []procMapEntry, path string, dev, ino uint64) bool {
	for _, entry := range entries {
		if entry.path != path {
			continue
		}
		if entry.dev != dev || entry.ino != ino {
			return false
		}
	}
	return true
}

func hasELFMagic(base uintptr) bool {
	b := (*[4]byte)(unsafe.Pointer(base))
	return b[0] == 0x7f && b[1] == 'E' && b[2] == 'L' && b[3] == 'F'
}

// cStringIn reads the NUL-terminated string starting at off in data.
func cStringIn(data []byte, off uint64) (string, bool) {
	if off >= uint64(len(data)) {
		return "", false
	}
	rest := data[off:]
	for i, ch := range rest {
		if ch == 0 {
			return string(rest[:i]), true
		}
	}
	return "", false
}

type procMapEntry struct {
	start  uintptr
	end    uintptr
	offset uintptr
	dev    uint64
	ino    uint64
	perms  string
	path   string
}

func readProcMaps() ([]procMapEntry, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}
	return parseProcMaps(raw), nil
}

// parseProcMaps parses the maps table format: "start-end perms offset
// major:minor inode [path]". Anonymous mappings are kept with an empty path
// so address attribution can see them; pseudo mappings ([stack], [vdso]...)
// are dropped.
func parseProcMaps(raw []byte) []procMapEntry {
	lines := strings.Split(string(raw), "\n")
	entries := make([]procMapEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := strconv.ParseUint(rangeParts[0], 16, 64)
		end, endErr := strconv.ParseUint(rangeParts[1], 16, 64)
		offset, offsetErr := strconv.ParseUint(fields[2], 16, 64)
		if startErr != nil || endErr != nil || offsetErr != nil {
			continue
		}

		devParts := strings.SplitN(fields[3], ":", 2)
		if len(devParts) != 2 {
			continue
		}
		devMajor, majorErr := strconv.ParseUint(devParts[0], 16, 32)
		devMinor, minorErr := strconv.ParseUint(devParts[1], 16, 32)
		ino, inoErr := strconv.ParseUint(fields[4], 10, 64)
		if majorErr != nil || minorErr != nil || inoErr != nil {
			continue
		}

		var path string
		if len(fields) > 5 {
			path = strings.Join(fields[5:], " ")
			if !strings.HasPrefix(path, "/") {
				continue
			}
		}

		entries = append(entries, procMapEntry{
			start:  uintptr(start),
			end:    uintptr(end),
			offset: uintptr(offset),
			dev:    unix.Mkdev(uint32(devMajor), uint32(devMinor)),
			ino:    ino,
			perms:  fields[1],
			path:   path,
		})
	}
	return entries
}
