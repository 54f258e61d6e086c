//go:build (linux || darwin) && !cgo && (amd64 || arm64)

package typescan

import _ "unsafe"

//go:noescape
func cCall1(fn, a0 uintptr) uintptr

//go:linkname runtimeSystemstack runtime.systemstack
func runtimeSystemstack(fn func())

// invokeAccessor calls a metadata access function with the reserved request
// value. The accessor returns a two-word (value, state) pair in registers;
// the trampoline hands back the first word, which is the value. The call is
// made on the system stack because the accessor is foreign code with foreign
// stack expectations.
func invokeAccessor(fn uintptr) uintptr {
	var ret uintptr
	runtimeSystemstack(func() {
		ret = cCall1(fn, accessorSentinel)
	})
	return ret
}
