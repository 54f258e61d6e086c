//go:build !((linux || darwin) && (amd64 || arm64)) && !windows

package typescan

// No calling convention shim exists for this platform, so accessors cannot
// be invoked and every record reifies to absent.
func invokeAccessor(fn uintptr) uintptr {
	_ = fn
	return 0
}
