package pmm

import (
	"blockos/kernel"
	"blockos/kernel/hal/multiboot"
	"blockos/kernel/mm"
	"math"
	"unsafe"
)

var (
	errBootstrapNoMemory           = &kernel.Error{Module: "pmm", Message: "bootloader did not report any installed memory"}
	errBootstrapInsufficientMemory = &kernel.Error{Module: "pmm", Message: "insufficient memory for the frame bitmap"}
	errBootstrapPhaseOrder         = &kernel.Error{Module: "pmm", Message: "bootstrap phase invoked out of order"}
	errBootstrapSelfTest           = &kernel.Error{Module: "pmm", Message: "self-test failed: frame contents do not match"}

	// selfTestPattern is written to and read back from a freshly
	// allocated frame by the bootstrap self-test.
	selfTestPattern  = []byte("physical memory self-test\x00\xff\x55\xaa")
	selfTestReadBack [64]byte

	// memsetFn and memcopyFn are mocked by tests.
	memsetFn  = kernel.Memset
	memcopyFn = kernel.Memcopy
)

// maxFrames is the largest number of frames a BitmapAllocator can track. It
// is a multiple of the bitmap word size so that bit indices never wrap.
const maxFrames = math.MaxUint32 &^ (wordBits - 1)

// Config describes the environment the allocator is bootstrapped in.
type Config struct {
	// Physical address range [KernelStart, KernelEnd) of the loaded
	// kernel image. The frame bitmap is placed right after it.
	KernelStart, KernelEnd uintptr

	// MemRegions enumerates the bootloader memory map. Defaults to
	// multiboot.VisitMemRegions.
	MemRegions MemRegionsFn

	// PhysToVirt converts a physical address into an address the kernel
	// can dereference. Defaults to the identity mapping that is active
	// while the kernel boots.
	PhysToVirt func(uintptr) uintptr

	// SelfTest enables the allocate/write/read-back check that runs once
	// the allocator is ready.
	SelfTest bool
}

// DefaultConfig returns the Config for a kernel image loaded at
// [kernelStart, kernelEnd). The self-test runs unless the kernel command line
// contains pmm.selftest=off or pmm.selftest=0.
func DefaultConfig(kernelStart, kernelEnd uintptr) Config {
	cfg := Config{
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
		MemRegions:  multiboot.VisitMemRegions,
		SelfTest:    true,
	}

	if value, found := multiboot.CmdLineOption("pmm.selftest"); found && (value == "off" || value == "0") {
		cfg.SelfTest = false
	}

	return cfg
}

// Init bootstraps the allocator from the bootloader memory map described by
// cfg. On success every frame of usable RAM that is not occupied by the kernel
// image, the bitmap or frame 0 is available for allocation.
func (alloc *BitmapAllocator) Init(cfg Config) *kernel.Error {
	if alloc.ready {
		return errBitmapAllocAlreadyInitialized
	}

	b := newBootstrapper(alloc, cfg)
	if err := b.run(); err != nil {
		return err
	}

	alloc.ready = true
	return nil
}

func identityMapping(physAddr uintptr) uintptr { return physAddr }

// bootPhase identifies a step of the allocator bootstrap sequence.
type bootPhase uint8

const (
	// phaseSize ingests the memory map and sizes the allocator. All
	// frames start out as used.
	phaseSize bootPhase = iota

	// phasePlace positions the bitmap after the kernel image and marks
	// every frame as used.
	phasePlace

	// phaseFreeUsable releases the regions the bootloader reports as
	// available and reserves frame 0.
	phaseFreeUsable

	// phaseReclaim reserves the frames of the kernel image and the bitmap.
	phaseReclaim

	// phaseSelfCheck optionally exercises the allocator.
	phaseSelfCheck

	// phaseReady is terminal.
	phaseReady
)

// String implements fmt.Stringer for bootPhase.
func (p bootPhase) String() string {
	switch p {
	case phaseSize:
		return "size"
	case phasePlace:
		return "place"
	case phaseFreeUsable:
		return "free-usable"
	case phaseReclaim:
		return "reclaim"
	case phaseSelfCheck:
		return "self-check"
	case phaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// bootstrapper drives a BitmapAllocator from "nothing known" to "all free
// RAM accounted for". Each phase may only run once and only after the
// previous one completed.
type bootstrapper struct {
	alloc *BitmapAllocator
	cfg   Config
	phase bootPhase
}

func newBootstrapper(alloc *BitmapAllocator, cfg Config) bootstrapper {
	if cfg.MemRegions == nil {
		cfg.MemRegions = multiboot.VisitMemRegions
	}
	if cfg.PhysToVirt == nil {
		cfg.PhysToVirt = identityMapping
	}

	return bootstrapper{alloc: alloc, cfg: cfg, phase: phaseSize}
}

// run executes all remaining phases in order.
func (b *bootstrapper) run() *kernel.Error {
	var err *kernel.Error
	if err = b.size(); err != nil {
		return err
	} else if err = b.place(); err != nil {
		return err
	} else if err = b.freeUsable(); err != nil {
		return err
	} else if err = b.reclaim(); err != nil {
		return err
	}
	return b.selfCheck()
}

func (b *bootstrapper) size() *kernel.Error {
	if b.phase != phaseSize {
		return errBootstrapPhaseOrder
	}

	totals := scanMemoryMap(b.cfg.MemRegions)
	printMemoryMap(b.cfg.MemRegions, totals)

	frameCount := uint64(totals.installed) >> mm.PageShift
	if frameCount == 0 {
		return errBootstrapNoMemory
	}
	if frameCount > maxFrames {
		frameCount = maxFrames
	}

	b.alloc.installedMemory = totals.installed
	b.alloc.availableMemory = totals.available
	b.alloc.totalFrames = uint32(frameCount)
	b.alloc.usedFrames = uint32(frameCount)
	logf("total frames: %d\n", b.alloc.totalFrames)

	b.phase = phasePlace
	return nil
}

func (b *bootstrapper) place() *kernel.Error {
	if b.phase != phasePlace {
		return errBootstrapPhaseOrder
	}

	var (
		pageSizeMinus1 = mm.PageSize - 1
		words          = wordsFor(b.alloc.totalFrames)
		start          = (b.cfg.KernelEnd + pageSizeMinus1) &^ pageSizeMinus1
		end            = start + uintptr(words)*wordBytes
	)

	if uint64(end) > uint64(b.alloc.totalFrames)<<mm.PageShift {
		return errBootstrapInsufficientMemory
	}

	b.alloc.bitmapStart, b.alloc.bitmapEnd = start, end

	virtAddr := b.cfg.PhysToVirt(start)
	memsetFn(virtAddr, 0xff, end-start)
	b.alloc.bitmap = overlayBitmap(virtAddr, words)

	b.phase = phaseFreeUsable
	return nil
}

func (b *bootstrapper) freeUsable() *kernel.Error {
	if b.phase != phaseFreeUsable {
		return errBootstrapPhaseOrder
	}

	alloc := b.alloc
	b.cfg.MemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			alloc.markRangeFree(region.PhysAddress, region.Length)
		}
		return true
	})

	// Address 0 doubles as a null pointer; never hand it out.
	alloc.reserveFrame(mm.Frame(0))

	b.phase = phaseReclaim
	return nil
}

func (b *bootstrapper) reclaim() *kernel.Error {
	if b.phase != phaseReclaim {
		return errBootstrapPhaseOrder
	}

	alloc := b.alloc
	if b.cfg.KernelEnd > b.cfg.KernelStart {
		alloc.markRangeUsed(uint64(b.cfg.KernelStart), uint64(b.cfg.KernelEnd-b.cfg.KernelStart))
	}
	alloc.markRangeUsed(uint64(alloc.bitmapStart), uint64(alloc.bitmapEnd-alloc.bitmapStart))

	logf("kernel loaded at 0x%x - 0x%x\n", b.cfg.KernelStart, b.cfg.KernelEnd)
	logf("frame bitmap at 0x%x - 0x%x, size: %d bytes\n", alloc.bitmapStart, alloc.bitmapEnd, uint64(alloc.bitmapEnd-alloc.bitmapStart))
	logf("used frames: %d, free frames: %d\n", alloc.usedFrames, alloc.totalFrames-alloc.usedFrames)

	b.phase = phaseSelfCheck
	return nil
}

func (b *bootstrapper) selfCheck() *kernel.Error {
	if b.phase != phaseSelfCheck {
		return errBootstrapPhaseOrder
	}

	if b.cfg.SelfTest {
		if err := b.probeFrame(); err != nil {
			return err
		}
	}

	b.phase = phaseReady
	return nil
}

// probeFrame allocates a frame, writes selfTestPattern to it, reads it back
// and releases the frame again.
func (b *bootstrapper) probeFrame() *kernel.Error {
	frame, err := b.alloc.AllocFrame()
	if err != nil {
		return err
	}

	var (
		size     = uintptr(len(selfTestPattern))
		virtAddr = b.cfg.PhysToVirt(frame.Address())
	)
	memcopyFn(uintptr(unsafe.Pointer(&selfTestPattern[0])), virtAddr, size)
	memcopyFn(virtAddr, uintptr(unsafe.Pointer(&selfTestReadBack[0])), size)

	matched := true
	for i := range selfTestPattern {
		if selfTestReadBack[i] != selfTestPattern[i] {
			matched = false
			break
		}
	}

	if err = b.alloc.FreeFrame(frame); err != nil {
		return err
	}

	if !matched {
		return errBootstrapSelfTest
	}

	logf("self-test: frame 0x%x passed\n", frame.Address())
	return nil
}
