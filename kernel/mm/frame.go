// Package mm contains the types shared by the kernel memory management
// sub-systems.
package mm

import (
	"blockos/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)

	// InvalidAddress is the physical address reported by the address based
	// allocation helpers when an allocation fails. Address 0 is a valid
	// physical address so callers must compare against this value instead.
	InvalidAddress = uintptr(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers the frame allocator function that is used by
// sub-systems which need physical frames but do not depend on a particular
// allocator implementation.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }
