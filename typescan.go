// Package typescan enumerates type metadata records embedded in the binary
// images loaded into the current process. It locates the per-format metadata
// section of every loaded image, walks the section's fixed-stride records,
// filters them by name, and reifies each match through its metadata access
// function.
package typescan

import (
	"iter"
	"runtime"
	"strings"
	"unsafe"

	"github.com/typescan/typescan/imagery"
)

// Type is one matching, non-generic record discovered in a loaded image.
type Type struct {
	// Image is the base address of the image the record was found in.
	Image uintptr
	// Metadata points to the reified type metadata returned by the record's
	// access function.
	Metadata unsafe.Pointer
	// Name is the type's declared name.
	Name string
}

// TypesWithNamesContaining returns a sequence of the types in every loaded
// image whose names contain substring. Breaking out of the range stops
// enumeration; otherwise it runs to exhaustion. Within one image, types
// appear in record-table order; the order across images is unspecified.
func TypesWithNamesContaining(substring string) iter.Seq[Type] {
	return TypesMatching(func(name string) bool {
		return strings.Contains(name, substring)
	})
}

// TypesMatching is the predicate form of TypesWithNamesContaining.
//
// The set of loaded images is re-derived on every call, never cached. Images
// without the metadata section, and malformed or unreadable images, yield no
// types and do not end the sequence.
func TypesMatching(match func(name string) bool) iter.Seq[Type] {
	return func(yield func(Type) bool) {
		for _, image := range imagery.EnumerateImages() {
			section, ok := imagery.FindSection(image, typeMetadataSectionName())
			if !ok || section.Size == 0 {
				continue
			}
			bounds := imagery.SectionBounds{Section: section, Image: image.Base}
			if !walkRecords(bounds, match, yield) {
				return
			}
		}
	}
}

// typeMetadataSectionName returns the name of the section holding type
// metadata records in the current platform's binary format.
func typeMetadataSectionName() string {
	switch runtime.GOOS {
	case "darwin":
		return "__TEXT,__swift5_types"
	case "windows":
		return ".sw5tymd"
	default:
		return "swift5_type_metadata"
	}
}
