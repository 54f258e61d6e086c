//go:build darwin && (amd64 || arm64) && !cgo

package imagery

// Without cgo there is no way to receive dyld load callbacks, so the
// registry never sees an image and enumeration yields zero results.

func registerImageHooks() {}

func imageName(header uintptr) (string, bool) {
	_ = header
	return "", false
}

// ImageContainingAddress requires dyld cooperation and is unavailable
// without cgo.
func ImageContainingAddress(addr uintptr) (Image, bool) {
	_ = addr
	return Image{}, false
}
