//go:build darwin && (amd64 || arm64) && cgo

package imagery

/*
#include <dlfcn.h>
#include <mach-o/dyld.h>

extern void typescanOnAddImage(struct mach_header *mh, intptr_t slide);
extern void typescanOnRemoveImage(struct mach_header *mh, intptr_t slide);

typedef void (*typescan_image_hook)(const struct mach_header *, intptr_t);

static void typescan_register_image_hooks(void) {
	_dyld_register_func_for_add_image((typescan_image_hook)typescanOnAddImage);
	_dyld_register_func_for_remove_image((typescan_image_hook)typescanOnRemoveImage);
}
*/
import "C"

import "unsafe"

// registerImageHooks asks dyld to call back on every image load and unload.
// dyld replays the add callback synchronously for each already-loaded image,
// so the registry is seeded by the registration itself.
func registerImageHooks() {
	C.typescan_register_image_hooks()
}

func imageName(header uintptr) (string, bool) {
	var info C.Dl_info
	if C.dladdr(unsafe.Pointer(header), &info) == 0 || info.dli_fname == nil {
		return "", false
	}
	return C.GoString(info.dli_fname), true
}

// ImageContainingAddress finds the loaded image whose mappings cover addr.
func ImageContainingAddress(addr uintptr) (Image, bool) {
	var info C.Dl_info
	if C.dladdr(unsafe.Pointer(addr), &info) == 0 || info.dli_fbase == nil {
		return Image{}, false
	}
	image := Image{Base: uintptr(info.dli_fbase)}
	if info.dli_fname != nil {
		image.Name = C.GoString(info.dli_fname)
	}
	return image, true
}
