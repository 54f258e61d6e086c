package typescan

import (
	"unsafe"

	"github.com/typescan/typescan/imagery"
)

// recordStride is the size of one type metadata record: a single
// self-relative int32 pointer.
const recordStride = 4

// The low two bits of a record's relative pointer select the encoding of
// the descriptor reference.
const (
	recordTagMask = 0x3
	tagDirect     = 0
	tagIndirect   = 1
)

// Bit of a descriptor's flags word marking a generic context. Generic types
// cannot be reified without type arguments, so their records are skipped.
const descriptorFlagGeneric = 0x80

// Request value passed to a metadata access function.
const accessorSentinel = 0xFF

// callAccessor invokes a metadata access function and returns the reified
// metadata address. Swappable so tests can walk fixture sections that do not
// contain callable code.
var callAccessor = invokeAccessor

// relativePointer is a self-relative 32-bit displacement: an int32 stored at
// addr, interpreted relative to its own storage address.
type relativePointer struct {
	addr uintptr
}

func relativePointerAt(addr uintptr) relativePointer {
	return relativePointer{addr: addr}
}

func (p relativePointer) raw() int32 {
	return *(*int32)(unsafe.Pointer(p.addr))
}

// tag returns the bits of the displacement reserved by tagMask.
func (p relativePointer) tag(tagMask int32) int32 {
	return p.raw() & tagMask
}

// resolve strips tagMask's bits from the displacement and rebases it against
// the pointer's own address. A masked displacement of zero is the null
// encoding and resolves to absent.
func (p relativePointer) resolve(tagMask int32) (uintptr, bool) {
	masked := p.raw() &^ tagMask
	if masked == 0 {
		return 0, false
	}
	// The displacement is signed and routinely negative; unsigned wraparound
	// on the address gives the right answer for both directions.
	return p.addr + uintptr(int64(masked)), true
}

// typeMetadataRecord is one entry of a type metadata section: a tagged
// self-relative pointer to a type context descriptor.
type typeMetadataRecord struct {
	addr uintptr
}

// descriptor decodes the record's descriptor reference. Tag 0 is a direct
// pointer, tag 1 a pointer to a pointer; every other tag value is an
// unsupported encoding and yields absent.
func (r typeMetadataRecord) descriptor() (typeContextDescriptor, bool) {
	ptr := relativePointerAt(r.addr)
	switch ptr.tag(recordTagMask) {
	case tagDirect:
		if addr, ok := ptr.resolve(recordTagMask); ok {
			return typeContextDescriptor{addr: addr}, true
		}
	case tagIndirect:
		if addr, ok := ptr.resolve(recordTagMask); ok {
			// The inner pointer is signed on architectures with pointer
			// authentication; strip before dereferencing.
			inner := stripDataPointer(*(*uintptr)(unsafe.Pointer(addr)))
			if inner != 0 {
				return typeContextDescriptor{addr: inner}, true
			}
		}
	}
	return typeContextDescriptor{}, false
}

// typeContextDescriptor reads a type context descriptor in place. Layout:
// a uint32 flags word followed by three self-relative pointers (parent,
// name, metadata access function).
type typeContextDescriptor struct {
	addr uintptr
}

const (
	descriptorNameOffset     = 8
	descriptorAccessorOffset = 12
)

func (d typeContextDescriptor) flags() uint32 {
	return *(*uint32)(unsafe.Pointer(d.addr))
}

func (d typeContextDescriptor) isGeneric() bool {
	return d.flags()&descriptorFlagGeneric != 0
}

// name resolves the descriptor's name pointer and reads the UTF-8 string it
// refers to.
func (d typeContextDescriptor) name() (string, bool) {
	addr, ok := relativePointerAt(d.addr + descriptorNameOffset).resolve(0)
	if !ok {
		return "", false
	}
	return cStringAt(addr), true
}

// accessFunction resolves the descriptor's metadata access function pointer.
// The result crosses an ABI boundary that does not understand signed
// pointers, so it is re-signed (a no-op on current targets) before use.
func (d typeContextDescriptor) accessFunction() (uintptr, bool) {
	addr, ok := relativePointerAt(d.addr + descriptorAccessorOffset).resolve(0)
	if !ok {
		return 0, false
	}
	return stripFunctionPointer(addr), true
}

// walkRecords visits the records of one section in table order. Records with
// unsupported tags, absent or generic descriptors, or absent names are
// skipped. filter decides by name; for accepted records the access function
// is invoked and the reified type is yielded. A false return from yield stops
// the walk and is propagated to the per-image loop.
func walkRecords(bounds imagery.SectionBounds, filter func(name string) bool, yield func(Type) bool) bool {
	count := bounds.Size / recordStride
	for i := uintptr(0); i < count; i++ {
		record := typeMetadataRecord{addr: bounds.Start + i*recordStride}

		descriptor, ok := record.descriptor()
		if !ok {
			continue
		}
		if descriptor.isGeneric() {
			continue
		}

		// Checking the name is more expensive than the checks above but much
		// cheaper than realizing the metadata.
		name, ok := descriptor.name()
		if !ok || !filter(name) {
			continue
		}

		accessor, ok := descriptor.accessFunction()
		if !ok {
			continue
		}
		metadata := callAccessor(accessor)
		if metadata == 0 {
			continue
		}

		if !yield(Type{Image: bounds.Image, Metadata: unsafe.Pointer(metadata), Name: name}) {
			return false
		}
	}
	return true
}

// cStringAt reads a NUL-terminated string starting at addr.
func cStringAt(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	const maxLen = 1 << 20
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		ch := *(*byte)(unsafe.Pointer(addr + uintptr(i)))
		if ch == 0 {
			return string(buf)
		}
		buf = append(buf, ch)
	}
	return string(buf)
}
