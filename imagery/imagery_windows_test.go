//go:build windows

package imagery

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var probeVariable int64

func TestEnumerateImagesIncludesSystemModules(t *testing.T) {
	images := EnumerateImages()
	require.NotEmpty(t, images)

	foundNtdll := false
	for _, image := range images {
		assert.NotZero(t, image.Base)
		if strings.EqualFold("ntdll.dll", image.Name[strings.LastIndexByte(image.Name, '\\')+1:]) {
			foundNtdll = true
		}
	}
	assert.True(t, foundNtdll, "every process maps ntdll.dll")
}

func TestMainImage(t *testing.T) {
	image, ok := MainImage()
	require.True(t, ok)
	assert.NotZero(t, image.Base)
	assert.NotEmpty(t, image.Name)
}

func TestImageContainingAddress(t *testing.T) {
	image, ok := ImageContainingAddress(uintptr(unsafe.Pointer(&probeVariable)))
	require.True(t, ok)

	main, ok := MainImage()
	require.True(t, ok)
	assert.Equal(t, main.Base, image.Base)
}

func TestFindSectionOnOwnExecutable(t *testing.T) {
	image, ok := MainImage()
	require.True(t, ok)

	section, ok := FindSection(image, ".text")
	require.True(t, ok)
	assert.NotZero(t, section.Start)
	assert.NotZero(t, section.Size)
}

func TestFindSectionMissingIsNotAnError(t *testing.T) {
	image, ok := MainImage()
	require.True(t, ok)

	_, ok = FindSection(image, ".sw5tymd")
	assert.False(t, ok, "a Go binary carries no type metadata section")

	// Names longer than the fixed 8-byte field would need the COFF string
	// table indirection, which is unsupported and reports not-found.
	_, ok = FindSection(image, ".a.very.long.section.name")
	assert.False(t, ok)
}
