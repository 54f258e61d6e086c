//go:build !((linux || darwin) && (amd64 || arm64)) && !windows

package imagery

// No image enumeration or section lookup strategy exists for this platform.
// Discovery degrades to zero results rather than failing.

func EnumerateImages() []Image {
	return nil
}

func MainImage() (Image, bool) {
	return Image{}, false
}

func ImageContainingAddress(addr uintptr) (Image, bool) {
	_ = addr
	return Image{}, false
}

func FindSection(image Image, sectionName string) (Section, bool) {
	_, _ = image, sectionName
	return Section{}, false
}
