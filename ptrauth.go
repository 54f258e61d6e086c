package typescan

// Pointer authentication support is concentrated here so that only one place
// needs to know whether the target architecture signs pointers. None of the
// architectures Go currently targets do (arm64e is not a supported GOARCH),
// so both strips are identity functions.

func stripFunctionPointer(addr uintptr) uintptr {
	return addr
}

func stripDataPointer(addr uintptr) uintptr {
	return addr
}
