//go:build darwin && (amd64 || arm64)

package imagery

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var probeVariable int64

func TestEnumerateImagesAndMainImage(t *testing.T) {
	images := EnumerateImages()
	if len(images) == 0 {
		t.Skip("no tracked images: built without cgo, or no loaded image declares a types section")
	}

	image, ok := MainImage()
	require.True(t, ok)
	assert.NotZero(t, image.Base)

	header := (*machHeader64)(unsafe.Pointer(image.Base))
	assert.Equal(t, uint32(machMagic64), header.Magic)
}

func TestFindSectionOnOwnExecutable(t *testing.T) {
	image, ok := MainImage()
	if !ok {
		t.Skip("dyld hooks unavailable (built without cgo)")
	}

	section, ok := FindSection(image, "__TEXT,__text")
	require.True(t, ok)
	assert.NotZero(t, section.Start)
	assert.NotZero(t, section.Size)
}

func TestFindSectionNameNeedsSegmentAndSection(t *testing.T) {
	image, ok := MainImage()
	if !ok {
		t.Skip("dyld hooks unavailable (built without cgo)")
	}

	// Mach-O section names are "SEGMENT,SECTION"; a bare name never matches.
	_, ok = FindSection(image, "__text")
	assert.False(t, ok)

	_, ok = FindSection(image, "__TEXT,__swift5_types")
	assert.False(t, ok, "a Go binary carries no type metadata section")
}

func TestImageContainingAddress(t *testing.T) {
	image, ok := ImageContainingAddress(uintptr(unsafe.Pointer(&probeVariable)))
	if !ok {
		t.Skip("dladdr unavailable (built without cgo)")
	}
	assert.NotZero(t, image.Base)
}

// fakeMachImage lays out a minimal 64-bit image in Go memory: a header, one
// __TEXT segment command, and its section table.
type fakeMachImage struct {
	header  machHeader64
	segment segmentCommand64
	sects   [2]section64
}

func newFakeMachImage() *fakeMachImage {
	img := &fakeMachImage{}
	img.header = machHeader64{
		Magic: machMagic64,
		NCmds: 1,
	}
	img.segment = segmentCommand64{
		Cmd:     lcSegment64,
		CmdSize: uint32(unsafe.Sizeof(segmentCommand64{}) + 2*unsafe.Sizeof(section64{})),
		SegName: segTextName,
		NSects:  2,
	}
	img.sects[0].SegName = segTextName
	img.sects[0].SectName = [16]byte{'_', '_', 't', 'e', 'x', 't'}
	img.sects[1].SegName = segTextName
	img.sects[1].SectName = [16]byte{'_', '_', 'c', 's', 't', 'r', 'i', 'n', 'g'}
	return img
}

func TestMachHasTypesSection(t *testing.T) {
	img := newFakeMachImage()
	base := uintptr(unsafe.Pointer(img))

	assert.False(t, machHasTypesSection(base), "no types section declared yet")

	img.sects[1].SectName = typesSectionName
	assert.True(t, machHasTypesSection(base))

	img.header.Magic = 0xfeedface
	assert.False(t, machHasTypesSection(base), "32-bit and foreign headers are rejected")
	runtime.KeepAlive(img)
}

func TestSnapshotIsACopy(t *testing.T) {
	registryInit()
	first := snapshotImages()
	second := snapshotImages()
	assert.Equal(t, first, second)
	if len(first) > 0 {
		first[0] = 0
		assert.NotEqual(t, first[0], snapshotImages()[0], "mutating a snapshot must not touch the registry")
	}
}
