// Package bench is the command line harness: it sorts random keys on a chosen
// backend, verifies the result and reports the throughput.
package bench

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"slices"
	"sort"
	"strings"

	"github.com/MatiasLyyra/radix/gsort"
	"github.com/MatiasLyyra/radix/gsort/cpu"
	"github.com/MatiasLyyra/radix/gsort/opengl"
	"github.com/MatiasLyyra/radix/gsort/webgpu"
	cli "github.com/urfave/cli/v2"
)

type openFunc func(logger *log.Logger) (gsort.Device, error)

var backends = map[string]openFunc{
	"cpu": func(logger *log.Logger) (gsort.Device, error) {
		return cpu.New(cpu.WithLogger(logger)), nil
	},
	"opengl": func(logger *log.Logger) (gsort.Device, error) {
		return opengl.Open(logger)
	},
	"webgpu": func(logger *log.Logger) (gsort.Device, error) {
		return webgpu.Open(logger)
	},
}

func backendNames() string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to a TOML file overriding the kernel configuration",
	}
	backendFlag = &cli.StringFlag{
		Name:  "backend",
		Usage: "Device to sort on (" + backendNames() + ")",
		Value: "cpu",
	}
	sizeFlag = &cli.IntSliceFlag{
		Name:  "size",
		Usage: "Key counts to sort, one run set per size",
		Value: cli.NewIntSlice(16_000, 160_000, 1_600_000, 16_000_000),
	}
	runsFlag = &cli.IntFlag{
		Name:  "runs",
		Usage: "Runs per size",
		Value: 3,
	}
	seedFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "Seed of the key generator",
	}
	pathFlag = &cli.StringFlag{
		Name:  "path",
		Usage: "Execution path (auto, single, pipeline)",
		Value: gsort.PathAuto.String(),
	}
	checksFlag = &cli.BoolFlag{
		Name:  "checks",
		Usage: "Verify the scan total after every pass",
	}
)

func loadConfig(c *cli.Context) (gsort.Config, error) {
	if path := c.String("config"); path != "" {
		return gsort.LoadConfig(path)
	}
	return gsort.DefaultConfig(), nil
}

// Options is a parsed bench invocation.
type Options struct {
	Backend string
	Config  gsort.Config
	Sizes   []int
	Runs    int
	Seed    int64
	Path    gsort.Path
	Checks  bool
}

func handleBenchCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path, err := gsort.ParsePath(c.String("path"))
	if err != nil {
		return err
	}
	return Run(c.App.Writer, log.Default(), Options{
		Backend: c.String("backend"),
		Config:  cfg,
		Sizes:   c.IntSlice("size"),
		Runs:    c.Int("runs"),
		Seed:    c.Int64("seed"),
		Path:    path,
		Checks:  c.Bool("checks"),
	})
}

// Run sorts opts.Runs batches of random keys for every size and prints one
// line per run to w.
func Run(w io.Writer, logger *log.Logger, opts Options) error {
	open, ok := backends[opts.Backend]
	if !ok {
		return fmt.Errorf("unknown backend %q, expected one of %s", opts.Backend, backendNames())
	}
	if len(opts.Sizes) == 0 {
		return errors.New("at least one size is required")
	}
	if opts.Runs < 1 {
		return fmt.Errorf("runs must be positive, got %d", opts.Runs)
	}
	for _, size := range opts.Sizes {
		if size < 1 {
			return fmt.Errorf("%w: size must be positive, got %d", gsort.ErrInvalidInput, size)
		}
	}

	dev, err := open(logger)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", opts.Backend, err)
	}
	defer dev.Close()

	gs, err := gsort.New(dev, gsort.NewSettings(slices.Max(opts.Sizes)).
		WithConfig(opts.Config).
		WithConsistencyChecks(opts.Checks).
		WithLogger(logger))
	if err != nil {
		return err
	}
	defer gs.Free()

	r := rand.New(rand.NewSource(opts.Seed))
	for _, size := range opts.Sizes {
		keys := make([]uint32, size)
		expected := make([]uint32, size)
		for range opts.Runs {
			for i := range keys {
				keys[i] = r.Uint32()
			}
			copy(expected, keys)
			slices.Sort(expected)

			if err := gs.SortSlicePath(keys, opts.Path); err != nil {
				return err
			}
			if i := firstDifference(expected, keys); i >= 0 {
				return fmt.Errorf("%w: %d keys on %s differ at index %d: %d != %d",
					gsort.ErrResultMismatch, size, dev.Name(), i, expected[i], keys[i])
			}
			printRun(w, gs.Stats())
		}
	}
	return nil
}

func firstDifference(expected, actual []uint32) int {
	for i := range expected {
		if expected[i] != actual[i] {
			return i
		}
	}
	return -1
}

func printRun(w io.Writer, st gsort.Stats) {
	ms := float64(st.Total.Microseconds()) / 1000
	items := float64(st.Keys) / 1000 / 1000
	speed := 0.0
	if ms > 0 {
		speed = items / ms
	}
	fmt.Fprintf(w, "%.2gM items sorted in %.3g ms (%.2g GItems/s)  [%s]\n", items, ms, speed, st.Path)
}

func handleConfigCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return cfg.WriteTOML(c.App.Writer)
}

var App = &cli.App{
	Name:  "radix",
	Usage: "Benchmark the multi-pass radix sort on CPU or GPU backends",
	Commands: []*cli.Command{
		{
			Name:  "bench",
			Usage: "Sort random keys and report throughput",
			Flags: []cli.Flag{
				configFlag,
				backendFlag,
				sizeFlag,
				runsFlag,
				seedFlag,
				pathFlag,
				checksFlag,
			},
			Action: handleBenchCommand,
		},
		{
			Name:  "config",
			Usage: "Print the kernel configuration as TOML",
			Flags: []cli.Flag{
				configFlag,
			},
			Action: handleConfigCommand,
		},
	},
}
