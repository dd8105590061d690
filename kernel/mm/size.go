package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Frames returns the number of frames that are required for storing this size.
func (s Size) Frames() uint64 {
	pageSizeMinus1 := Size(PageSize - 1)
	return uint64((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}
