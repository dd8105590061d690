package pmm

import (
	"blockos/kernel"
	"blockos/kernel/hal/multiboot"
	"blockos/kernel/kfmt"
	"blockos/kernel/mm"
	"bytes"
	"math"
	"testing"
	"unsafe"
)

const (
	testKernelStart = uintptr(0x100000)
	testKernelEnd   = uintptr(0x110000)
)

// testMachine emulates a system with 16M of RAM: [0, 15M) is usable and
// [15M, 16M) is reserved. The kernel image occupies [1M, 1M+64K).
type testMachine struct {
	ram []uint64
}

func newTestMachine() *testMachine {
	return &testMachine{ram: make([]uint64, 16*mm.Mb/8)}
}

func (m *testMachine) physToVirt(physAddr uintptr) uintptr {
	return uintptr(unsafe.Pointer(&m.ram[0])) + physAddr
}

func (m *testMachine) config() Config {
	return Config{
		KernelStart: testKernelStart,
		KernelEnd:   testKernelEnd,
		MemRegions: fakeRegions(
			multiboot.MemoryMapEntry{PhysAddress: 0, Length: uint64(15 * mm.Mb), Type: multiboot.MemAvailable},
			multiboot.MemoryMapEntry{PhysAddress: uint64(15 * mm.Mb), Length: uint64(mm.Mb), Type: multiboot.MemReserved},
		),
		PhysToVirt: m.physToVirt,
		SelfTest:   true,
	}
}

// muteLog discards the boot log for the duration of a test.
func muteLog(t *testing.T) {
	kfmt.SetOutputSink(&bytes.Buffer{})
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
}

func TestBitmapAllocatorInit(t *testing.T) {
	muteLog(t)

	var (
		machine = newTestMachine()
		alloc   BitmapAllocator
	)

	if err := alloc.Init(machine.config()); err != nil {
		t.Fatal(err)
	}

	// 256 reserved frames at the top, frame 0, 16 kernel frames and a
	// single frame for the 512-byte bitmap.
	assertUsedFrames(t, &alloc, 256+1+16+1)

	stats := alloc.Stats()
	if exp := uint32(4096); stats.TotalFrames != exp {
		t.Fatalf("expected total frames to be %d; got %d", exp, stats.TotalFrames)
	}
	if exp := uint32(4096 - 274); stats.FreeFrames() != exp {
		t.Fatalf("expected free frames to be %d; got %d", exp, stats.FreeFrames())
	}
	if stats.InstalledMemory != 16*mm.Mb || stats.AvailableMemory != 15*mm.Mb {
		t.Fatalf("unexpected memory totals: %d, %d", stats.InstalledMemory, stats.AvailableMemory)
	}
	if stats.BitmapStart != 0x110000 || stats.BitmapEnd != 0x110200 {
		t.Fatalf("expected bitmap to occupy [0x110000, 0x110200); got [0x%x, 0x%x)", stats.BitmapStart, stats.BitmapEnd)
	}

	// The bitmap must live in the simulated RAM right after the kernel
	if exp, got := machine.physToVirt(0x110000), uintptr(unsafe.Pointer(&alloc.bitmap[0])); got != exp {
		t.Fatalf("expected bitmap to be overlaid at 0x%x; got 0x%x", exp, got)
	}

	specs := []struct {
		frame mm.Frame
		exp   bool
	}{
		{0, true},
		{1, false},
		{255, false},
		{256, true},
		{271, true},
		{272, true},
		{273, false},
		{3839, false},
		{3840, true},
		{4095, true},
	}
	for specIndex, spec := range specs {
		if got := alloc.IsFrameAllocated(spec.frame); got != spec.exp {
			t.Errorf("[spec %d] expected IsFrameAllocated(%d) to return %t; got %t", specIndex, spec.frame, spec.exp, got)
		}
	}

	// The self-test probe frame is returned so frame 1 is the first one
	// handed out.
	if frame, err := alloc.AllocFrame(); err != nil || frame != 1 {
		t.Fatalf("expected to allocate frame 1; got %d, %v", frame, err)
	}

	t.Run("re-initialization", func(t *testing.T) {
		if err := alloc.Init(machine.config()); err != errBitmapAllocAlreadyInitialized {
			t.Fatalf("expected to get errBitmapAllocAlreadyInitialized; got %v", err)
		}
		assertUsedFrames(t, &alloc, 275)
	})
}

func TestBitmapAllocatorInitDefaults(t *testing.T) {
	muteLog(t)
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))
	defer multiboot.SetInfoPtr(0)

	// Without a memory map or an address translator the allocator falls
	// back to the multiboot data and the identity mapping. Placing the
	// bitmap past installed memory fails before any memory is touched.
	var alloc BitmapAllocator
	err := alloc.Init(Config{KernelEnd: 0x7fff000})
	if err != errBootstrapInsufficientMemory {
		t.Fatalf("expected to get errBootstrapInsufficientMemory; got %v", err)
	}
	if exp := uint32(32752); alloc.totalFrames != exp {
		t.Fatalf("expected total frames to be %d; got %d", exp, alloc.totalFrames)
	}
}

func TestBitmapAllocatorInitErrors(t *testing.T) {
	muteLog(t)

	t.Run("no memory", func(t *testing.T) {
		specs := []MemRegionsFn{
			fakeRegions(),
			fakeRegions(multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0xfff, Type: multiboot.MemAvailable}),
		}

		for specIndex, regions := range specs {
			var alloc BitmapAllocator
			if err := alloc.Init(Config{MemRegions: regions}); err != errBootstrapNoMemory {
				t.Errorf("[spec %d] expected to get errBootstrapNoMemory; got %v", specIndex, err)
			}
		}
	})

	t.Run("bitmap does not fit", func(t *testing.T) {
		var (
			alloc   BitmapAllocator
			touched bool
		)

		cfg := Config{
			KernelEnd:  0x1001,
			MemRegions: fakeRegions(multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x2000, Type: multiboot.MemAvailable}),
			PhysToVirt: func(physAddr uintptr) uintptr {
				touched = true
				return physAddr
			},
		}

		if err := alloc.Init(cfg); err != errBootstrapInsufficientMemory {
			t.Fatalf("expected to get errBootstrapInsufficientMemory; got %v", err)
		}
		if touched {
			t.Fatal("expected bootstrap to abort before accessing memory")
		}
		if alloc.ready {
			t.Fatal("expected allocator not to be marked as ready")
		}
	})

	t.Run("self-test failure", func(t *testing.T) {
		defer func() { memcopyFn = kernel.Memcopy }()

		var (
			machine  = newTestMachine()
			alloc    BitmapAllocator
			numCalls int
		)

		memcopyFn = func(src, dst, size uintptr) {
			numCalls++
			kernel.Memcopy(src, dst, size)

			// corrupt the data read back from the probe frame
			if numCalls == 2 {
				*(*byte)(unsafe.Pointer(dst)) ^= 0xff
			}
		}

		if err := alloc.Init(machine.config()); err != errBootstrapSelfTest {
			t.Fatalf("expected to get errBootstrapSelfTest; got %v", err)
		}

		// The probe frame is released even when the test fails
		assertUsedFrames(t, &alloc, 274)
	})

	t.Run("self-test out of memory", func(t *testing.T) {
		var (
			machine = newTestMachine()
			alloc   BitmapAllocator
			cfg     = machine.config()
		)

		// Only [0, 4K) is usable and frame 0 is always reserved
		cfg.KernelStart, cfg.KernelEnd = 0, 0
		cfg.MemRegions = fakeRegions(
			multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x1000, Type: multiboot.MemAvailable},
			multiboot.MemoryMapEntry{PhysAddress: 0x1000, Length: 0x1000, Type: multiboot.MemReserved},
		)

		if err := alloc.Init(cfg); err != errBitmapAllocOutOfMemory {
			t.Fatalf("expected to get errBitmapAllocOutOfMemory; got %v", err)
		}
	})
}

func TestBitmapAllocatorInitKernelPlacement(t *testing.T) {
	muteLog(t)

	specs := []struct {
		kernelStart, kernelEnd uintptr
		expBitmapStart         uintptr
		expUsed                uint32
	}{
		// frame 0, 16 kernel frames and a bitmap frame
		{0x100000, 0x110000, 0x110000, 256 + 1 + 16 + 1},
		// kernel covers frame 0 which is only counted once
		{0, 0x10000, 0x10000, 256 + 16 + 1},
		// kernel end is rounded up to a frame boundary
		{0, 0x10001, 0x11000, 256 + 17 + 1},
	}

	for specIndex, spec := range specs {
		var (
			machine = newTestMachine()
			alloc   BitmapAllocator
			cfg     = machine.config()
		)
		cfg.KernelStart, cfg.KernelEnd = spec.kernelStart, spec.kernelEnd

		if err := alloc.Init(cfg); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if alloc.usedFrames != spec.expUsed {
			t.Errorf("[spec %d] expected used frame count to be %d; got %d", specIndex, spec.expUsed, alloc.usedFrames)
		}
		if alloc.bitmapStart != spec.expBitmapStart {
			t.Errorf("[spec %d] expected bitmap to start at 0x%x; got 0x%x", specIndex, spec.expBitmapStart, alloc.bitmapStart)
		}
		if !alloc.IsFrameAllocated(0) {
			t.Errorf("[spec %d] expected frame 0 to be reserved", specIndex)
		}
	}
}

func TestBootstrapClampsFrameCount(t *testing.T) {
	muteLog(t)

	var (
		alloc BitmapAllocator
		b     = newBootstrapper(&alloc, Config{
			MemRegions: fakeRegions(
				multiboot.MemoryMapEntry{PhysAddress: 0, Length: 1 << 44, Type: multiboot.MemAvailable},
			),
		})
	)

	if err := b.size(); err != nil {
		t.Fatal(err)
	}

	if alloc.totalFrames != maxFrames {
		t.Fatalf("expected total frames to be clamped to %d; got %d", uint32(maxFrames), alloc.totalFrames)
	}
	if alloc.usedFrames != alloc.totalFrames {
		t.Fatalf("expected all %d frames to start out used; got %d", alloc.totalFrames, alloc.usedFrames)
	}

	// The bitmap for the clamped frame count must not be empty
	if exp, got := uint32(1<<26), wordsFor(alloc.totalFrames); got != exp {
		t.Fatalf("expected bitmap to span %d words; got %d", exp, got)
	}
	if exp := uint64(math.MaxUint32 + 1); uint64(wordsFor(alloc.totalFrames))*wordBits != exp {
		t.Fatalf("expected bitmap to hold %d bits", exp)
	}
}

func TestBootstrapPhases(t *testing.T) {
	muteLog(t)

	var (
		machine = newTestMachine()
		alloc   BitmapAllocator
		b       = newBootstrapper(&alloc, machine.config())
	)

	// Every phase except the first one is rejected on a fresh bootstrapper
	for specIndex, phaseFn := range []func() *kernel.Error{b.place, b.freeUsable, b.reclaim, b.selfCheck} {
		if err := phaseFn(); err != errBootstrapPhaseOrder {
			t.Errorf("[spec %d] expected to get errBootstrapPhaseOrder; got %v", specIndex, err)
		}
	}

	if err := b.size(); err != nil {
		t.Fatal(err)
	}
	if alloc.totalFrames != 4096 || alloc.usedFrames != 4096 {
		t.Fatalf("[%s] expected total/used frames to be 4096/4096; got %d/%d", phaseSize, alloc.totalFrames, alloc.usedFrames)
	}
	if err := b.size(); err != errBootstrapPhaseOrder {
		t.Fatalf("expected repeated phase to fail with errBootstrapPhaseOrder; got %v", err)
	}

	if err := b.place(); err != nil {
		t.Fatal(err)
	}
	if exp, got := 64, len(alloc.bitmap); got != exp {
		t.Fatalf("[%s] expected bitmap to contain %d words; got %d", phasePlace, exp, got)
	}
	for index, word := range alloc.bitmap {
		if word != fullWord {
			t.Fatalf("[%s] expected bitmap word %d to be fully set; got 0x%x", phasePlace, index, word)
		}
	}

	if err := b.freeUsable(); err != nil {
		t.Fatal(err)
	}
	assertUsedFrames(t, &alloc, 256+1)
	if !alloc.IsFrameAllocated(0) {
		t.Fatalf("[%s] expected frame 0 to be reserved", phaseFreeUsable)
	}

	if err := b.reclaim(); err != nil {
		t.Fatal(err)
	}
	assertUsedFrames(t, &alloc, 274)

	if err := b.selfCheck(); err != nil {
		t.Fatal(err)
	}
	assertUsedFrames(t, &alloc, 274)

	if b.phase != phaseReady {
		t.Fatalf("expected bootstrapper to reach phase %s; got %s", phaseReady, b.phase)
	}
}

func TestBootPhaseString(t *testing.T) {
	specs := []struct {
		phase bootPhase
		exp   string
	}{
		{phaseSize, "size"},
		{phasePlace, "place"},
		{phaseFreeUsable, "free-usable"},
		{phaseReclaim, "reclaim"},
		{phaseSelfCheck, "self-check"},
		{phaseReady, "ready"},
		{bootPhase(42), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.phase.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestBootLog(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	var (
		machine = newTestMachine()
		alloc   BitmapAllocator
	)

	if err := alloc.Init(machine.config()); err != nil {
		t.Fatal(err)
	}

	for specIndex, exp := range []string{
		"[pmm] total frames: 4096\n",
		"[pmm] kernel loaded at 0x100000 - 0x110000\n",
		"[pmm] frame bitmap at 0x110000 - 0x110200, size: 512 bytes\n",
		"[pmm] used frames: 274, free frames: 3822\n",
		"[pmm] self-test: frame 0x1000 passed\n",
	} {
		if !bytes.Contains(buf.Bytes(), []byte(exp)) {
			t.Errorf("[spec %d] expected boot log to contain %q; got:\n%s", specIndex, exp, buf.String())
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	defer multiboot.SetInfoPtr(0)

	specs := []struct {
		cmdLine     string
		expSelfTest bool
	}{
		{"", true},
		{"console=ttyS0", true},
		{"pmm.selftest=on", true},
		{"pmm.selftest=off", false},
		{"quiet pmm.selftest=0 console=ttyS0", false},
	}

	for specIndex, spec := range specs {
		info := buildCmdLineInfo(spec.cmdLine)
		multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

		cfg := DefaultConfig(testKernelStart, testKernelEnd)
		if cfg.SelfTest != spec.expSelfTest {
			t.Errorf("[spec %d] expected SelfTest to be %t; got %t", specIndex, spec.expSelfTest, cfg.SelfTest)
		}
		if cfg.KernelStart != testKernelStart || cfg.KernelEnd != testKernelEnd {
			t.Errorf("[spec %d] unexpected kernel extents: 0x%x - 0x%x", specIndex, cfg.KernelStart, cfg.KernelEnd)
		}
		if cfg.MemRegions == nil {
			t.Errorf("[spec %d] expected MemRegions to default to the multiboot memory map", specIndex)
		}
	}
}

// buildCmdLineInfo assembles a multiboot info block with a single command
// line tag. The block is backed by a []uint64 so that tags are 8-byte aligned.
func buildCmdLineInfo(cmdLine string) []uint64 {
	tagSize := 8 + len(cmdLine) + 1
	padded := (tagSize + 7) &^ 7
	total := 8 + padded + 8

	info := make([]uint64, total/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&info[0])), total)

	*(*uint32)(unsafe.Pointer(&data[0])) = uint32(total)
	*(*uint32)(unsafe.Pointer(&data[8])) = 1 // boot command line tag
	*(*uint32)(unsafe.Pointer(&data[12])) = uint32(tagSize)
	copy(data[16:], cmdLine)

	// end tag
	*(*uint32)(unsafe.Pointer(&data[8+padded+4])) = 8
	return info
}

func TestRelocateBitmap(t *testing.T) {
	muteLog(t)

	var (
		machine = newTestMachine()
		alloc   BitmapAllocator
	)

	if err := alloc.Init(machine.config()); err != nil {
		t.Fatal(err)
	}

	// Mirror the bitmap to a different location and switch to it
	mirror := make([]uint64, len(alloc.bitmap))
	copy(mirror, alloc.bitmap)
	alloc.RelocateBitmap(uintptr(unsafe.Pointer(&mirror[0])))

	if exp, got := 64, len(alloc.bitmap); got != exp {
		t.Fatalf("expected relocated bitmap to contain %d words; got %d", exp, got)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame != 1 {
		t.Fatalf("expected to allocate frame 1; got %d", frame)
	}

	if mirror[0]&(1<<1) == 0 {
		t.Fatal("expected allocation to update the relocated bitmap")
	}
	if original := machine.ram[0x110000/8]; original&(1<<1) != 0 {
		t.Fatal("expected the original bitmap storage to remain untouched")
	}
}
