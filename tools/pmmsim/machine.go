package main

import (
	"io"
	"unsafe"

	"blockos/kernel/hal/multiboot"
	"blockos/kernel/kfmt"
	"blockos/kernel/mm/pmm"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Machine is a simulated computer: an anonymous memory mapping plays the role
// of physical RAM and a generated multiboot block describes it.
type Machine struct {
	scenario *Scenario
	ram      []byte
	info     *bootInfo

	// Alloc is the physical memory manager of the machine.
	Alloc pmm.BitmapAllocator
}

// NewMachine maps the RAM for the scenario and assembles its boot info.
func NewMachine(s *Scenario) (*Machine, error) {
	info, err := newBootInfo(s)
	if err != nil {
		return nil, errors.Wrap(err, "building multiboot info")
	}

	ram, err := unix.Mmap(-1, 0, int(s.RAMSize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes of simulated RAM", s.RAMSize())
	}

	return &Machine{scenario: s, ram: ram, info: info}, nil
}

// PhysToVirt translates a simulated physical address to a host address.
func (m *Machine) PhysToVirt(physAddr uintptr) uintptr {
	return uintptr(unsafe.Pointer(&m.ram[0])) + physAddr
}

// Boot bootstraps the machine allocator the same way the kernel does: the
// multiboot info is installed, the configuration is derived from the boot
// command line and the kfmt boot log is sent to log.
func (m *Machine) Boot(log io.Writer) error {
	kfmt.SetOutputSink(log)
	multiboot.SetInfoPtr(m.info.ptr())

	cfg := pmm.DefaultConfig(uintptr(m.scenario.Kernel.Start), uintptr(m.scenario.Kernel.End))
	cfg.PhysToVirt = m.PhysToVirt

	if err := m.Alloc.Init(cfg); err != nil {
		return kernelError(err)
	}
	return nil
}

// Close releases the simulated RAM.
func (m *Machine) Close() error {
	multiboot.SetInfoPtr(0)
	if m.ram == nil {
		return nil
	}

	err := unix.Munmap(m.ram)
	m.ram = nil
	return errors.Wrap(err, "unmapping simulated RAM")
}
