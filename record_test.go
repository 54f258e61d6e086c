package typescan

import (
	"math"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typescan/typescan/imagery"
)

// fixtureRecord describes one record of an in-memory section fixture.
type fixtureRecord struct {
	name     string
	flags    uint32
	indirect bool // encode as a pointer-to-pointer record
	null     bool // store only tag bits, masked displacement zero
	noName   bool
	noAccess bool
	tagBits  int32 // extra low bits to set on the record's displacement
}

type fixture struct {
	words  []uint64
	bounds imagery.SectionBounds
}

// buildFixture lays out descriptors, name strings, indirection slots, and a
// record table in one allocation and returns the record table's bounds. The
// access-function field of each descriptor points at the type's name bytes;
// tests stub the accessor call to return its argument, so a visited type's
// metadata address reads back as the name.
func buildFixture(t *testing.T, specs []fixtureRecord) *fixture {
	t.Helper()

	words := make([]uint64, 1024)
	base := uintptr(unsafe.Pointer(&words[0]))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)

	cursor := uintptr(0)
	alloc := func(size, align uintptr) uintptr {
		cursor = (cursor + align - 1) &^ (align - 1)
		off := cursor
		cursor += size
		require.LessOrEqual(t, int(cursor), len(buf), "fixture arena overflow")
		return off
	}
	put32 := func(off uintptr, v uint32) {
		*(*uint32)(unsafe.Pointer(base + off)) = v
	}
	putPtr := func(off uintptr, v uintptr) {
		*(*uintptr)(unsafe.Pointer(base + off)) = v
	}

	descOffs := make([]uintptr, len(specs))
	nameOffs := make([]uintptr, len(specs))
	slotOffs := make([]uintptr, len(specs))
	for i, spec := range specs {
		descOffs[i] = alloc(16, 4)
		if !spec.noName {
			nameOffs[i] = alloc(uintptr(len(spec.name))+1, 1)
			copy(buf[nameOffs[i]:], spec.name)
		}
		if spec.indirect {
			slotOffs[i] = alloc(8, 8)
		}
	}
	recordsOff := alloc(uintptr(len(specs))*recordStride, 4)

	for i, spec := range specs {
		d := descOffs[i]
		put32(d, spec.flags)
		if !spec.noName {
			put32(d+descriptorNameOffset, uint32(int32(nameOffs[i]-(d+descriptorNameOffset))))
			if !spec.noAccess {
				put32(d+descriptorAccessorOffset, uint32(int32(nameOffs[i]-(d+descriptorAccessorOffset))))
			}
		}
		if spec.indirect {
			putPtr(slotOffs[i], base+d)
		}

		r := recordsOff + uintptr(i)*recordStride
		var raw int32
		switch {
		case spec.null:
			raw = spec.tagBits
		case spec.indirect:
			raw = int32(slotOffs[i]-r) | tagIndirect
		default:
			raw = int32(descOffs[i]-r) | spec.tagBits
		}
		put32(r, uint32(raw))
	}

	return &fixture{
		words: words,
		bounds: imagery.SectionBounds{
			Section: imagery.Section{
				Start: base + recordsOff,
				Size:  uintptr(len(specs)) * recordStride,
			},
			Image: base,
		},
	}
}

// stubAccessor makes callAccessor return the accessor address itself, so
// fixture walks never execute code.
func stubAccessor(t *testing.T) {
	t.Helper()
	prev := callAccessor
	callAccessor = func(fn uintptr) uintptr { return fn }
	t.Cleanup(func() { callAccessor = prev })
}

func collectNames(f *fixture, filter func(string) bool) []string {
	var names []string
	walkRecords(f.bounds, filter, func(typ Type) bool {
		names = append(names, cStringAt(uintptr(typ.Metadata)))
		return true
	})
	return names
}

func matchAll(string) bool { return true }

func TestRelativePointerRoundTrip(t *testing.T) {
	var storage int64
	addr := uintptr(unsafe.Pointer(&storage))

	displacements := []int32{
		4, -4, 124, -124, 1 << 20, -(1 << 20),
		math.MaxInt32 &^ recordTagMask, math.MinInt32,
	}
	for _, d := range displacements {
		*(*int32)(unsafe.Pointer(addr)) = d
		resolved, ok := relativePointerAt(addr).resolve(0)
		require.True(t, ok, "displacement %d", d)
		assert.Equal(t, addr+uintptr(int64(d)), resolved, "displacement %d", d)
	}

	*(*int32)(unsafe.Pointer(addr)) = 0
	_, ok := relativePointerAt(addr).resolve(0)
	assert.False(t, ok, "zero displacement must resolve to absent")

	runtime.KeepAlive(&storage)
}

func TestRelativePointerTagStripping(t *testing.T) {
	var storage int64
	addr := uintptr(unsafe.Pointer(&storage))

	*(*int32)(unsafe.Pointer(addr)) = 8 | 1
	p := relativePointerAt(addr)
	assert.Equal(t, int32(1), p.tag(recordTagMask))

	resolved, ok := p.resolve(recordTagMask)
	require.True(t, ok)
	assert.Equal(t, addr+8, resolved, "tag bits must not leak into the displacement")

	// Tag bits alone are the null encoding once masked.
	*(*int32)(unsafe.Pointer(addr)) = 3
	_, ok = p.resolve(recordTagMask)
	assert.False(t, ok)

	runtime.KeepAlive(&storage)
}

func TestWalkRecordsVisitsInTableOrder(t *testing.T) {
	stubAccessor(t)
	f := buildFixture(t, []fixtureRecord{
		{name: "Alpha"},
		{name: "Beta", indirect: true},
		{name: "Gamma"},
	})

	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, collectNames(f, matchAll))
	runtime.KeepAlive(f.words)
}

func TestWalkRecordsSkipsInvalidRecords(t *testing.T) {
	stubAccessor(t)
	f := buildFixture(t, []fixtureRecord{
		{name: "Kept"},
		{name: "Generic", flags: descriptorFlagGeneric},
		{name: "BadTag", tagBits: 2},
		{name: "NullDirect", null: true},
		{name: "NullIndirect", null: true, tagBits: tagIndirect},
		{name: "NoName", noName: true},
		{name: "NoAccessor", noAccess: true},
		{name: "AlsoKept"},
	})

	assert.Equal(t, []string{"Kept", "AlsoKept"}, collectNames(f, matchAll))
	runtime.KeepAlive(f.words)
}

func TestWalkRecordsGenericNeverVisitedEvenOnNameMatch(t *testing.T) {
	stubAccessor(t)
	f := buildFixture(t, []fixtureRecord{
		{name: "WidgetTests", flags: descriptorFlagGeneric},
		{name: "WidgetSuite"},
	})

	names := collectNames(f, func(name string) bool { return true })
	assert.Equal(t, []string{"WidgetSuite"}, names)
	runtime.KeepAlive(f.words)
}

func TestWalkRecordsNameFilter(t *testing.T) {
	stubAccessor(t)
	f := buildFixture(t, []fixtureRecord{
		{name: "WidgetSuite"},
		{name: "Unrelated"},
		{name: "GadgetWidget"},
	})

	names := collectNames(f, func(name string) bool {
		return strings.Contains(name, "Widget")
	})
	assert.Equal(t, []string{"WidgetSuite", "GadgetWidget"}, names)
	runtime.KeepAlive(f.words)
}

func TestWalkRecordsEarlyStop(t *testing.T) {
	stubAccessor(t)
	f := buildFixture(t, []fixtureRecord{
		{name: "A"},
		{name: "B"},
		{name: "C"},
	})

	var visited []string
	completed := walkRecords(f.bounds, matchAll, func(typ Type) bool {
		visited = append(visited, typ.Name)
		return false
	})
	assert.False(t, completed, "a stopped walk must report termination")
	assert.Equal(t, []string{"A"}, visited)
	runtime.KeepAlive(f.words)
}

func TestWalkRecordsTruncatedSectionSize(t *testing.T) {
	stubAccessor(t)
	f := buildFixture(t, []fixtureRecord{
		{name: "One"},
		{name: "Two"},
		{name: "Three"},
		{name: "Four"},
	})

	// A size that is not a whole multiple of the stride yields only the
	// whole records that fit; the trailing partial record is never read.
	bounds := f.bounds
	bounds.Size = 3*recordStride + 2
	var visited []string
	walkRecords(bounds, matchAll, func(typ Type) bool {
		visited = append(visited, typ.Name)
		return true
	})
	assert.Equal(t, []string{"One", "Two", "Three"}, visited)
	runtime.KeepAlive(f.words)
}

func TestWalkRecordsDeterministicForStaticSection(t *testing.T) {
	stubAccessor(t)
	f := buildFixture(t, []fixtureRecord{
		{name: "First"},
		{name: "Second", indirect: true},
		{name: "Skipped", flags: descriptorFlagGeneric},
		{name: "Third"},
	})

	first := collectNames(f, matchAll)
	second := collectNames(f, matchAll)
	assert.Equal(t, first, second)
	runtime.KeepAlive(f.words)
}
