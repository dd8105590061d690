package pmm

import (
	"blockos/kernel/hal/multiboot"
	"blockos/kernel/kfmt"
	"blockos/kernel/mm"
)

var (
	// logWriter tags all boot messages emitted by this package.
	logWriter = kfmt.PrefixWriter{Prefix: []byte("[pmm] ")}
)

// MemRegionsFn invokes a visitor for each memory region reported by the
// bootloader. multiboot.VisitMemRegions satisfies this signature.
type MemRegionsFn func(multiboot.MemRegionVisitor)

// memoryTotals holds the aggregate sizes reported by the memory map.
type memoryTotals struct {
	// installed is the sum of the lengths of all regions.
	installed mm.Size

	// available is the sum of the lengths of the usable regions.
	available mm.Size
}

// scanMemoryMap aggregates the installed and available memory sizes. It does
// not modify any allocator state.
func scanMemoryMap(visitRegions MemRegionsFn) memoryTotals {
	var totals memoryTotals
	visitRegions(func(region *multiboot.MemoryMapEntry) bool {
		totals.installed += mm.Size(region.Length)
		if region.Type == multiboot.MemAvailable {
			totals.available += mm.Size(region.Length)
		}
		return true
	})
	return totals
}

// printMemoryMap writes the system memory map and the memory totals to the
// kernel log.
func printMemoryMap(visitRegions MemRegionsFn, totals memoryTotals) {
	logf("system memory map:\n")
	visitRegions(func(region *multiboot.MemoryMapEntry) bool {
		logf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress,
			region.PhysAddress+region.Length,
			region.Length,
			region.Type.String(),
		)
		return true
	})
	logf("installed memory: %dKb (%dMb)\n", uint64(totals.installed/mm.Kb), uint64(totals.installed/mm.Mb))
	logf("available memory: %dKb (%dMb)\n", uint64(totals.available/mm.Kb), uint64(totals.available/mm.Mb))
}

func logf(format string, args ...interface{}) {
	logWriter.Sink = kfmt.OutputSink()
	kfmt.Fprintf(&logWriter, format, args...)
}
