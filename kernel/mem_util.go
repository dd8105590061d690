package kernel

import "unsafe"

// overlay returns a byte slice backed by the size bytes starting at addr. No
// memory is allocated; the caller must ensure the region is mapped.
func overlay(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-by-byte loop, the first byte is written and then doubled with
// log2(size) copy calls.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := overlay(addr, size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}

// Memcopy copies size bytes from src to dst. Overlapping regions are handled
// the same way the builtin copy handles them.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(overlay(dst, size), overlay(src, size))
}
