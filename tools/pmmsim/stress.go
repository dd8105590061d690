package main

import (
	"math/rand"

	"blockos/kernel"
	"blockos/kernel/mm"
	"blockos/kernel/mm/pmm"

	"github.com/pkg/errors"
)

// heldRun is a range of frames owned by the workload.
type heldRun struct {
	frame mm.Frame
	count uint32
}

// StressReport summarizes a workload run.
type StressReport struct {
	Ops       int
	Allocs    int
	Frees     int
	Failed    int
	PeakHeld  uint32
	Baseline  uint32
	FinalUsed uint32
}

// Stress runs a random mix of single and multi-frame allocations and frees
// against alloc. After every operation it checks that the allocator reports
// exactly the frames held by the workload on top of the post-boot baseline.
// onStep, if not nil, is invoked after each operation.
func Stress(alloc *pmm.BitmapAllocator, w Workload, onStep func()) (StressReport, error) {
	var (
		rng    = rand.New(rand.NewSource(w.Seed))
		held   []heldRun
		frames uint32
		report = StressReport{Baseline: alloc.Stats().UsedFrames}
	)

	maxRun := w.MaxRun
	if maxRun == 0 {
		maxRun = 1
	}

	for op := 0; op < w.Ops; op++ {
		if len(held) == 0 || rng.Intn(2) == 0 {
			count := uint32(1)
			if maxRun > 1 && rng.Intn(4) == 0 {
				count += uint32(rng.Intn(int(maxRun)))
			}

			var (
				frame mm.Frame
				err   error
			)
			if count == 1 {
				frame, err = allocOne(alloc)
			} else {
				frame, err = allocRun(alloc, count)
			}

			if err != nil {
				report.Failed++
			} else {
				for index := frame; index < frame+mm.Frame(count); index++ {
					if !alloc.IsFrameAllocated(index) {
						return report, errors.Errorf("op %d: frame %d of allocated run is reported as free", op, index)
					}
				}
				held = append(held, heldRun{frame: frame, count: count})
				frames += count
				report.Allocs++
			}
		} else {
			victim := rng.Intn(len(held))
			run := held[victim]
			held[victim] = held[len(held)-1]
			held = held[:len(held)-1]

			if err := freeRun(alloc, run); err != nil {
				return report, errors.Wrapf(err, "op %d: freeing %d frame(s) at %d", op, run.count, run.frame)
			}
			frames -= run.count
			report.Frees++
		}

		if frames > report.PeakHeld {
			report.PeakHeld = frames
		}

		if exp, got := report.Baseline+frames, alloc.Stats().UsedFrames; got != exp {
			return report, errors.Errorf("op %d: allocator reports %d used frames; expected %d", op, got, exp)
		}

		report.Ops++
		if onStep != nil {
			onStep()
		}
	}

	for _, run := range held {
		if err := freeRun(alloc, run); err != nil {
			return report, errors.Wrapf(err, "draining %d frame(s) at %d", run.count, run.frame)
		}
	}

	report.FinalUsed = alloc.Stats().UsedFrames
	if report.FinalUsed != report.Baseline {
		return report, errors.Errorf("allocator reports %d used frames after draining; expected %d", report.FinalUsed, report.Baseline)
	}

	return report, nil
}

func allocOne(alloc *pmm.BitmapAllocator) (mm.Frame, error) {
	frame, err := alloc.AllocFrame()
	return frame, kernelError(err)
}

func allocRun(alloc *pmm.BitmapAllocator, count uint32) (mm.Frame, error) {
	frame, err := alloc.AllocFrames(count)
	return frame, kernelError(err)
}

func freeRun(alloc *pmm.BitmapAllocator, run heldRun) error {
	if run.count == 1 {
		return kernelError(alloc.FreeFrame(run.frame))
	}
	return kernelError(alloc.FreeFrames(run.frame, run.count))
}

// kernelError converts a kernel error into an error value. A nil
// *kernel.Error must not end up inside a non-nil error interface.
func kernelError(err *kernel.Error) error {
	if err == nil {
		return nil
	}
	return errors.Errorf("[%s] %s", err.Module, err.Message)
}
