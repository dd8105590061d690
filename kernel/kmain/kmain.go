package kmain

import (
	"blockos/kernel"
	"blockos/kernel/driver/console"
	"blockos/kernel/hal/multiboot"
	"blockos/kernel/kfmt"
	"blockos/kernel/mm/pmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// vgaConsole receives the kernel output once Kmain attaches it.
	vgaConsole console.VgaText

	// attachConsoleFn, pmmInitFn and panicFn are mocked by tests.
	attachConsoleFn = attachVgaConsole
	pmmInitFn       = pmm.Init
	panicFn         = kfmt.Panic
)

const (
	// The EGA text mode framebuffer is identity-mapped by the rt0 code.
	vgaFbPhysAddr = uintptr(0xb8000)
	vgaColumns    = 80
	vgaRows       = 25
)

// attachVgaConsole clears the text mode framebuffer and redirects kfmt output
// (including anything captured before this point) to it.
func attachVgaConsole() {
	vgaConsole.Init(vgaColumns, vgaRows, vgaFbPhysAddr)
	kfmt.SetOutputSink(&vgaConsole)
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	attachConsoleFn()
	kfmt.Printf("Starting blockos\n")

	if err := pmmInitFn(pmm.DefaultConfig(kernelStart, kernelEnd)); err != nil {
		panicFn(err)
		return
	}

	stats := pmm.GetStats()
	kfmt.Printf("physical memory: %d/%d frames free\n", stats.FreeFrames(), stats.TotalFrames)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
