// Package multiboot provides read-only access to the multiboot2 information
// structure that the bootloader hands to the kernel. Nothing in this package
// allocates memory so it can be used while the physical memory manager is
// still bootstrapping.
package multiboot

import "unsafe"

var (
	infoData uintptr
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Multiboot2 tags always start at 8-byte aligned addresses.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry. Entries are self-describing: newer
	// bootloaders may append fields so entrySize can exceed
	// unsafe.Sizeof(MemoryMapEntry{}).
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// Regions are visited in the order the bootloader reported them.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	if ptrMapHeader.entrySize == 0 {
		return
	}

	endPtr := curPtr + uintptr(size)
	curPtr += unsafe.Sizeof(mmapHeader{})

	var entry *MemoryMapEntry
	for ; curPtr+uintptr(ptrMapHeader.entrySize) <= endPtr; curPtr += uintptr(ptrMapHeader.entrySize) {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// CmdLineOption scans the kernel command line for an option called key. For
// "key=value" options it returns value; for bare "key" flags it returns key.
// The second return value reports whether the option was present.
//
// The returned string aliases the multiboot data; no memory is allocated.
func CmdLineOption(key string) (string, bool) {
	cmdLine := bootCmdLine()

	for start := 0; start < len(cmdLine); {
		// skip separators
		for start < len(cmdLine) && (cmdLine[start] == ' ' || cmdLine[start] == '\t') {
			start++
		}

		end := start
		for end < len(cmdLine) && cmdLine[end] != ' ' && cmdLine[end] != '\t' {
			end++
		}

		if field := cmdLine[start:end]; len(field) >= len(key) && field[:len(key)] == key {
			switch {
			case len(field) == len(key):
				return field, true
			case field[len(key)] == '=':
				return field[len(key)+1:], true
			}
		}

		start = end
	}

	return "", false
}

// bootCmdLine returns the kernel command line as a string that aliases the
// multiboot data.
func bootCmdLine() string {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return ""
	}

	// The command line is a C-style NULL-terminated string
	length := uintptr(0)
	for ; length < uintptr(size) && *(*byte)(unsafe.Pointer(curPtr + length)) != 0; length++ {
	}

	if length == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(curPtr)), length)
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
