package main

import (
	"fmt"
	"io"
	"os"

	"blockos/kernel/mm"
	"blockos/kernel/mm/pmm"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[pmmsim] error: %s\n", err.Error())
	os.Exit(1)
}

// bootScenario loads the scenario named by the first command argument and
// boots a machine for it.
func bootScenario(c *cli.Context, log io.Writer) (*Machine, error) {
	if c.NArg() != 1 {
		return nil, errors.New("expected a single scenario file argument")
	}

	s, err := LoadScenario(c.Args().First())
	if err != nil {
		return nil, err
	}

	m, err := NewMachine(s)
	if err != nil {
		return nil, err
	}

	if err = m.Boot(log); err != nil {
		m.Close()
		return nil, errors.Wrapf(err, "booting %s", s.Name)
	}
	return m, nil
}

func printStats(w io.Writer, stats pmm.Stats) {
	fmt.Fprintf(w, "total frames:     %d\n", stats.TotalFrames)
	fmt.Fprintf(w, "used frames:      %d\n", stats.UsedFrames)
	fmt.Fprintf(w, "free frames:      %d\n", stats.FreeFrames())
	fmt.Fprintf(w, "installed memory: %dKb\n", stats.InstalledMemory/mm.Kb)
	fmt.Fprintf(w, "available memory: %dKb\n", stats.AvailableMemory/mm.Kb)
	fmt.Fprintf(w, "bitmap:           [0x%x - 0x%x)\n", stats.BitmapStart, stats.BitmapEnd)
}

var bootCommand = &cli.Command{
	Name:      "boot",
	Usage:     "bootstrap the allocator for a scenario and print its state",
	ArgsUsage: "<scenario.yaml>",
	Flags: []cli.Flag{&cli.BoolFlag{
		Name:  "quiet",
		Usage: "suppress the kernel boot log",
	}},
	Action: func(c *cli.Context) error {
		log := c.App.Writer
		if c.Bool("quiet") {
			log = io.Discard
		}

		m, err := bootScenario(c, log)
		if err != nil {
			return err
		}
		defer m.Close()

		printStats(c.App.Writer, m.Alloc.Stats())
		return nil
	},
}

var stressCommand = &cli.Command{
	Name:      "stress",
	Usage:     "run a random allocation workload and verify the frame accounting",
	ArgsUsage: "<scenario.yaml>",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "ops",
			Usage: "number of operations (overrides the scenario workload)",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "random seed (overrides the scenario workload)",
		},
		&cli.UintFlag{
			Name:  "max-run",
			Usage: "largest contiguous allocation (overrides the scenario workload)",
		},
	},
	Action: func(c *cli.Context) error {
		m, err := bootScenario(c, io.Discard)
		if err != nil {
			return err
		}
		defer m.Close()

		w := m.scenario.Workload
		if c.IsSet("ops") {
			w.Ops = c.Int("ops")
		}
		if c.IsSet("seed") {
			w.Seed = c.Int64("seed")
		}
		if c.IsSet("max-run") {
			w.MaxRun = uint32(c.Uint("max-run"))
		}

		bar := progressbar.NewOptions64(int64(w.Ops),
			progressbar.OptionSetWriter(c.App.ErrWriter),
			progressbar.OptionSetDescription("stress"),
		)
		report, err := Stress(&m.Alloc, w, func() { bar.Add(1) })
		bar.Finish()
		if err != nil {
			return err
		}

		fmt.Fprintf(c.App.Writer, "ops: %d, allocs: %d, frees: %d, failed allocs: %d, peak frames held: %d\n",
			report.Ops, report.Allocs, report.Frees, report.Failed, report.PeakHeld)
		printStats(c.App.Writer, m.Alloc.Stats())
		return nil
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pmmsim",
		Usage: "exercise the physical memory manager against simulated RAM",
		Commands: []*cli.Command{
			bootCommand,
			stressCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		exit(err)
	}
}
