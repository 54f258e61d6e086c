//go:build (linux || darwin) && cgo && (amd64 || arm64)

package typescan

/*
#include <stdint.h>

typedef struct {
	void *value;
	uintptr_t state;
} typescan_access_result;

typedef typescan_access_result (*typescan_access_fn)(uintptr_t);

static uintptr_t typescan_call_accessor(uintptr_t fn, uintptr_t request) {
	return (uintptr_t)((typescan_access_fn)fn)(request).value;
}
*/
import "C"

// invokeAccessor calls a metadata access function with the reserved request
// value. The accessor returns a two-word (value, state) pair; only the value
// matters here.
func invokeAccessor(fn uintptr) uintptr {
	return uintptr(C.typescan_call_accessor(C.uintptr_t(fn), C.uintptr_t(accessorSentinel)))
}
