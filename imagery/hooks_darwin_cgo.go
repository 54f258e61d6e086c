//go:build darwin && (amd64 || arm64) && cgo

package imagery

// This file holds only the exported dyld callbacks: a file with //export
// directives may not define C functions in its preamble, so the hook
// registration helper lives in imagery_darwin_cgo.go instead.

/*
#include <mach-o/loader.h>
#include <stdint.h>
*/
import "C"

import "unsafe"

// typescanOnAddImage runs while dyld's internal lock is held: nothing on
// this path may load code, log, or allocate outside the registry arena.
//
//export typescanOnAddImage
func typescanOnAddImage(mh *C.struct_mach_header, slide C.intptr_t) {
	_ = slide
	header := uintptr(unsafe.Pointer(mh))
	// Shared-cache images are system libraries; they do not carry the
	// sections this package exists to find, and skipping them keeps the
	// registry small.
	if (*machHeader64)(unsafe.Pointer(header)).Flags&mhDylibInCache != 0 {
		return
	}
	// Same for images that never declared a types section: tracking them
	// only grows the registry with headers every enumeration rejects.
	if !machHasTypesSection(header) {
		return
	}
	addImage(header)
}

//export typescanOnRemoveImage
func typescanOnRemoveImage(mh *C.struct_mach_header, slide C.intptr_t) {
	_ = slide
	removeImage(uintptr(unsafe.Pointer(mh)))
}
