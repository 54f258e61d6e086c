// Package imagery models the binary images loaded into the current process
// and locates named sections inside them across three binary formats: ELF
// (linux), Mach-O (darwin), and PE/COFF (windows). One strategy per format
// is compiled in, selected by build tags; on other platforms every lookup
// cleanly yields nothing.
package imagery

import "github.com/rs/zerolog"

// Image is one loaded executable or shared library. Images are discovered,
// never owned: Base is the platform's notion of the load address (the Mach-O
// header address, the ELF mapping base, or the Windows module handle), and
// Name may be empty when the loader does not report a path.
type Image struct {
	Base uintptr
	Name string
}

// Section is a contiguous byte range inside an image's mapped memory.
type Section struct {
	Start uintptr
	Size  uintptr
}

// SectionBounds pairs a section with the base address of the image that
// declared it, so that a walker over the section can report which image a
// record came from.
type SectionBounds struct {
	Section
	Image uintptr
}

var logger = zerolog.Nop()

// SetLogger installs a logger for debug-level diagnostics about skipped
// images and sections. Lookups never fail loudly, so this is the only way
// to observe why an image yielded nothing. The default logger discards
// everything.
func SetLogger(l zerolog.Logger) {
	logger = l
}
