//go:build darwin && (amd64 || arm64)

package imagery

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The image registry is mutated from dyld callbacks that run while dyld's
// own internal lock is held. Code on that path must not block on a parking
// mutex or touch the general Go heap: it takes a spin lock and stores into a
// region mapped once up front. Everything else (snapshotting, name lookup)
// happens outside the callback.

// maxTrackedImages bounds the registry. 4096 image slots cost one 32 KiB
// mapping; processes with more non-shared-cache images than that are not a
// realistic target.
const maxTrackedImages = 4096

// spinLock is the os_unfair_lock analogue used around the header list.
// Critical sections are copy-in/copy-out only, so spinning is cheaper than
// parking while the loader lock is also held.
type spinLock struct {
	state atomic.Uint32
}

func (l *spinLock) lock() {
	for !l.state.CompareAndSwap(0, 1) {
	}
}

func (l *spinLock) unlock() {
	l.state.Store(0)
}

var (
	registryOnce    sync.Once
	registryLock    spinLock
	registryHeaders []uintptr // backed by the arena mapping, never grown
)

// registryInit maps the backing storage and registers the dyld hooks,
// exactly once. Registering the add-image hook immediately replays every
// image already loaded, which seeds the list.
func registryInit() {
	registryOnce.Do(func() {
		arena, err := unix.Mmap(-1, 0, maxTrackedImages*int(unsafe.Sizeof(uintptr(0))),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			logger.Debug().Err(err).Msg("map image registry arena")
			return
		}
		registryHeaders = unsafe.Slice((*uintptr)(unsafe.Pointer(&arena[0])), maxTrackedImages)[:0]
		registerImageHooks()
	})
}

// addImage appends a header to the registry. Runs inside the dyld add-image
// callback: spin lock only, no allocation. When the arena is full the image
// is dropped; enumeration then undercounts rather than deadlocks.
func addImage(header uintptr) {
	registryLock.lock()
	if registryHeaders != nil && len(registryHeaders) < cap(registryHeaders) {
		registryHeaders = append(registryHeaders, header)
	}
	registryLock.unlock()
}

// removeImage erases a header under the same lock discipline. Images that
// carry the sections of interest are never unloaded in practice, but the
// hook keeps the list from going stale when other images are.
func removeImage(header uintptr) {
	registryLock.lock()
	for i := 0; i < len(registryHeaders); {
		if registryHeaders[i] == header {
			registryHeaders[i] = registryHeaders[len(registryHeaders)-1]
			registryHeaders = registryHeaders[:len(registryHeaders)-1]
			continue
		}
		i++
	}
	registryLock.unlock()
}

// snapshotImages copies the current list and releases the lock before
// returning, so callers can run arbitrary code per image without holding up
// the loader callbacks.
func snapshotImages() []uintptr {
	registryLock.lock()
	out := make([]uintptr, len(registryHeaders))
	copy(out, registryHeaders)
	registryLock.unlock()
	return out
}
