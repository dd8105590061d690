// Package pmm implements the kernel physical memory manager: a bitmap based
// frame allocator that is bootstrapped from the bootloader memory map.
package pmm

import (
	"blockos/kernel"
	"blockos/kernel/mm"
	"blockos/kernel/sync"
)

var (
	// bitmapAllocator is the allocator used by the kernel for all frame
	// allocations. It lives for the lifetime of the kernel.
	bitmapAllocator BitmapAllocator

	// allocLock serializes access to bitmapAllocator so that a bit update
	// and the matching counter update are observed as a unit.
	allocLock sync.Spinlock
)

// Init sets up the kernel physical memory allocation sub-system and registers
// it as the active mm frame allocator.
func Init(cfg Config) *kernel.Error {
	allocLock.Acquire()
	err := bitmapAllocator.Init(cfg)
	allocLock.Release()

	if err != nil {
		return err
	}

	mm.SetFrameAllocator(AllocFrame)
	return nil
}

// AllocFrame reserves a single free frame.
func AllocFrame() (mm.Frame, *kernel.Error) {
	allocLock.Acquire()
	frame, err := bitmapAllocator.AllocFrame()
	allocLock.Release()
	return frame, err
}

// FreeFrame releases a frame obtained by AllocFrame or AllocFrames.
func FreeFrame(frame mm.Frame) *kernel.Error {
	allocLock.Acquire()
	err := bitmapAllocator.FreeFrame(frame)
	allocLock.Release()
	return err
}

// AllocFrames reserves count physically contiguous frames.
func AllocFrames(count uint32) (mm.Frame, *kernel.Error) {
	allocLock.Acquire()
	frame, err := bitmapAllocator.AllocFrames(count)
	allocLock.Release()
	return frame, err
}

// FreeFrames releases count contiguous frames starting at frame.
func FreeFrames(frame mm.Frame, count uint32) *kernel.Error {
	allocLock.Acquire()
	err := bitmapAllocator.FreeFrames(frame, count)
	allocLock.Release()
	return err
}

// IsFrameAllocated returns true if frame is currently in use.
func IsFrameAllocated(frame mm.Frame) bool {
	allocLock.Acquire()
	allocated := bitmapAllocator.IsFrameAllocated(frame)
	allocLock.Release()
	return allocated
}

// RelocateBitmap re-points the allocator bitmap to virtAddr. It must be
// called once the kernel stops relying on the boot-time identity mapping.
func RelocateBitmap(virtAddr uintptr) {
	allocLock.Acquire()
	bitmapAllocator.RelocateBitmap(virtAddr)
	allocLock.Release()
}

// GetStats returns a snapshot of the allocator counters.
func GetStats() Stats {
	allocLock.Acquire()
	stats := bitmapAllocator.Stats()
	allocLock.Release()
	return stats
}

// The following helpers operate on physical byte addresses. Failed
// allocations are reported as mm.InvalidAddress; address 0 is never returned
// because frame 0 is reserved at boot.

// AllocBlock reserves a single frame and returns its physical address.
func AllocBlock() uintptr {
	frame, err := AllocFrame()
	if err != nil {
		return mm.InvalidAddress
	}
	return frame.Address()
}

// AllocBlocks reserves count contiguous frames and returns the physical
// address of the first one.
func AllocBlocks(count uint32) uintptr {
	frame, err := AllocFrames(count)
	if err != nil {
		return mm.InvalidAddress
	}
	return frame.Address()
}

// FreeBlock releases the frame containing physAddr.
func FreeBlock(physAddr uintptr) *kernel.Error {
	return FreeFrame(mm.FrameFromAddress(physAddr))
}

// FreeBlocks releases count contiguous frames starting with the frame that
// contains physAddr.
func FreeBlocks(physAddr uintptr, count uint32) *kernel.Error {
	return FreeFrames(mm.FrameFromAddress(physAddr), count)
}

// IsBlockAllocated returns true if the frame containing physAddr is in use.
func IsBlockAllocated(physAddr uintptr) bool {
	return IsFrameAllocated(mm.FrameFromAddress(physAddr))
}
