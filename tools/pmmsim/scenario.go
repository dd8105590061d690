package main

import (
	"os"

	"blockos/kernel/hal/multiboot"
	"blockos/kernel/mm"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// maxRAMSize caps the amount of memory that gets mapped to back the
// simulated physical address space.
const maxRAMSize = mm.Gb

var (
	errNoRegions         = errors.New("scenario does not define any memory regions")
	errEmptyRegion       = errors.New("memory region has zero length")
	errUnknownRegionType = errors.New("unknown memory region type")
	errKernelExtents     = errors.New("kernel end must be after kernel start")
	errRAMTooLarge       = errors.New("simulated RAM exceeds 1G")
)

// Region describes an entry of the simulated bootloader memory map.
type Region struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// entryType maps the region type name to a multiboot memory entry type.
func (r Region) entryType() (multiboot.MemoryEntryType, error) {
	switch r.Type {
	case "available":
		return multiboot.MemAvailable, nil
	case "reserved":
		return multiboot.MemReserved, nil
	case "acpi":
		return multiboot.MemAcpiReclaimable, nil
	case "nvs":
		return multiboot.MemNvs, nil
	default:
		return 0, errors.Wrapf(errUnknownRegionType, "type %q", r.Type)
	}
}

// KernelImage describes the physical extents of the kernel image.
type KernelImage struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// Workload configures the stress command.
type Workload struct {
	Ops    int    `yaml:"ops"`
	MaxRun uint32 `yaml:"maxRun"`
	Seed   int64  `yaml:"seed"`
}

// Scenario describes a simulated machine.
type Scenario struct {
	Name     string      `yaml:"name"`
	CmdLine  string      `yaml:"cmdline"`
	Kernel   KernelImage `yaml:"kernel"`
	Regions  []Region    `yaml:"regions"`
	Workload Workload    `yaml:"workload"`
}

// LoadScenario reads and validates the scenario stored at path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading scenario")
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, errors.Wrapf(err, "scenario %s", path)
	}
	return s, nil
}

// ParseScenario decodes a YAML scenario and validates it.
func ParseScenario(data []byte) (*Scenario, error) {
	s := &Scenario{
		Workload: Workload{Ops: 10000, MaxRun: 16, Seed: 1},
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "decoding scenario")
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that the scenario describes a machine that can be
// simulated.
func (s *Scenario) Validate() error {
	if len(s.Regions) == 0 {
		return errNoRegions
	}

	for index, region := range s.Regions {
		if region.Length == 0 {
			return errors.Wrapf(errEmptyRegion, "region %d", index)
		}
		if _, err := region.entryType(); err != nil {
			return errors.Wrapf(err, "region %d", index)
		}
	}

	if s.Kernel.End <= s.Kernel.Start {
		return errKernelExtents
	}

	if s.RAMSize() > maxRAMSize {
		return errRAMTooLarge
	}

	return nil
}

// RAMSize returns the amount of memory needed to back every physical address
// the allocator may touch. Frames are only tracked up to the installed memory
// size so regions reported above it never need backing.
func (s *Scenario) RAMSize() mm.Size {
	var size uint64
	for _, region := range s.Regions {
		size += region.Length
	}

	if s.Kernel.End > size {
		size = s.Kernel.End
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	return mm.Size((size + pageSizeMinus1) &^ pageSizeMinus1)
}
