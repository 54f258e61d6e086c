//go:build windows

package typescan

import "syscall"

// invokeAccessor calls a metadata access function with the reserved request
// value. The accessor's (value, state) result comes back with the value in
// the first return register.
func invokeAccessor(fn uintptr) uintptr {
	ret, _, _ := syscall.SyscallN(fn, accessorSentinel)
	return ret
}
