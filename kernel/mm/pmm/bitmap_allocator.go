package pmm

import (
	"blockos/kernel"
	"blockos/kernel/mm"
	"math"
)

var (
	errBitmapAllocOutOfMemory        = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged    = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree         = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
	errBitmapAllocInvalidCount       = &kernel.Error{Module: "bitmap_alloc", Message: "frame count must be greater than zero"}
	errBitmapAllocAlreadyInitialized = &kernel.Error{Module: "bitmap_alloc", Message: "allocator is already initialized"}
)

// BitmapAllocator implements a physical frame allocator that tracks the state
// of every frame of installed memory in a single bitmap.
//
// The allocator is not safe for concurrent use. The kernel-wide instance
// exposed by this package serializes access with a spinlock.
type BitmapAllocator struct {
	// totalFrames is the number of frames backed by installed memory.
	totalFrames uint32

	// usedFrames is the number of set bits in bitmap[0:totalFrames).
	usedFrames uint32

	// Memory totals as reported by the bootloader.
	installedMemory mm.Size
	availableMemory mm.Size

	bitmap frameBitmap

	// Physical extents of the bitmap storage. The range is reserved
	// during bootstrap so the allocator never hands out its own state.
	bitmapStart, bitmapEnd uintptr

	ready bool
}

// Stats describes the state of a BitmapAllocator.
type Stats struct {
	TotalFrames     uint32
	UsedFrames      uint32
	InstalledMemory mm.Size
	AvailableMemory mm.Size

	// Physical address range [BitmapStart, BitmapEnd) of the bitmap.
	BitmapStart, BitmapEnd uintptr
}

// FreeFrames returns the number of frames that can still be allocated.
func (s Stats) FreeFrames() uint32 {
	return s.TotalFrames - s.UsedFrames
}

// Stats returns a snapshot of the allocator counters.
func (alloc *BitmapAllocator) Stats() Stats {
	return Stats{
		TotalFrames:     alloc.totalFrames,
		UsedFrames:      alloc.usedFrames,
		InstalledMemory: alloc.installedMemory,
		AvailableMemory: alloc.availableMemory,
		BitmapStart:     alloc.bitmapStart,
		BitmapEnd:       alloc.bitmapEnd,
	}
}

// AllocFrame reserves the free frame with the lowest address.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.usedFrames >= alloc.totalFrames {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	index, found := alloc.bitmap.findFirstFree(alloc.totalFrames)
	if !found {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	alloc.bitmap.set(index)
	alloc.usedFrames++
	return mm.Frame(index), nil
}

// FreeFrame releases a frame previously reserved by AllocFrame or AllocFrames.
// Frames outside the managed range and frames that are not allocated are
// rejected without modifying the allocator state.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if frame >= mm.Frame(alloc.totalFrames) {
		return errBitmapAllocFrameNotManaged
	}

	index := uint32(frame)
	if !alloc.bitmap.test(index) {
		return errBitmapAllocDoubleFree
	}

	alloc.bitmap.clear(index)
	alloc.usedFrames--
	return nil
}

// IsFrameAllocated returns true if frame is in use. Frames outside the range
// of installed memory are never reported as allocated.
func (alloc *BitmapAllocator) IsFrameAllocated(frame mm.Frame) bool {
	if frame >= mm.Frame(alloc.totalFrames) {
		return false
	}
	return alloc.bitmap.test(uint32(frame))
}

// AllocFrames reserves count physically contiguous frames and returns the
// first one. The lowest-addressed run that fits is selected.
func (alloc *BitmapAllocator) AllocFrames(count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errBitmapAllocInvalidCount
	}

	if count > alloc.totalFrames-alloc.usedFrames {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	start, found := alloc.bitmap.findFirstFreeRun(count, alloc.totalFrames)
	if !found {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	for index := start; index < start+count; index++ {
		alloc.bitmap.set(index)
	}
	alloc.usedFrames += count
	return mm.Frame(start), nil
}

// FreeFrames releases count contiguous frames starting at frame. The whole
// range is validated before any frame is released.
func (alloc *BitmapAllocator) FreeFrames(frame mm.Frame, count uint32) *kernel.Error {
	if count == 0 {
		return nil
	}

	if frame >= mm.Frame(alloc.totalFrames) || mm.Frame(count) > mm.Frame(alloc.totalFrames)-frame {
		return errBitmapAllocFrameNotManaged
	}

	start := uint32(frame)
	for index := start; index < start+count; index++ {
		if !alloc.bitmap.test(index) {
			return errBitmapAllocDoubleFree
		}
	}

	for index := start; index < start+count; index++ {
		alloc.bitmap.clear(index)
	}
	alloc.usedFrames -= count
	return nil
}

// markRangeUsed flags all frames overlapping [addr, addr+length) as used.
// Only frames that change state are added to the used counter.
func (alloc *BitmapAllocator) markRangeUsed(addr, length uint64) {
	if length == 0 {
		return
	}

	end := rangeEnd(addr, length)
	first := addr >> mm.PageShift
	last := end >> mm.PageShift
	if end&uint64(mm.PageSize-1) != 0 {
		last++
	}

	for index := first; index < last && index < uint64(alloc.totalFrames); index++ {
		if !alloc.bitmap.test(uint32(index)) {
			alloc.bitmap.set(uint32(index))
			alloc.usedFrames++
		}
	}
}

// markRangeFree flags all frames that lie completely inside
// [addr, addr+length) as free. Reported regions may not be page-aligned;
// frames only partially covered by the range stay untouched.
func (alloc *BitmapAllocator) markRangeFree(addr, length uint64) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	if addr > math.MaxUint64-pageSizeMinus1 {
		return
	}

	first := (addr + pageSizeMinus1) >> mm.PageShift
	last := rangeEnd(addr, length) >> mm.PageShift

	for index := first; index < last && index < uint64(alloc.totalFrames); index++ {
		if alloc.bitmap.test(uint32(index)) {
			alloc.bitmap.clear(uint32(index))
			alloc.usedFrames--
		}
	}
}

// rangeEnd returns addr+length, saturated at the top of the address space.
func rangeEnd(addr, length uint64) uint64 {
	if end := addr + length; end >= addr {
		return end
	}
	return math.MaxUint64
}

// reserveFrame flags a single frame as used.
func (alloc *BitmapAllocator) reserveFrame(frame mm.Frame) {
	alloc.markRangeUsed(uint64(frame.Address()), uint64(mm.PageSize))
}

// RelocateBitmap points the bitmap to virtAddr. No data is copied: the caller
// must ensure that the bitmap contents are already accessible at the new
// address, e.g. after mapping the bitmap frames into a different virtual
// window.
func (alloc *BitmapAllocator) RelocateBitmap(virtAddr uintptr) {
	alloc.bitmap = overlayBitmap(virtAddr, uint32(len(alloc.bitmap)))
}
