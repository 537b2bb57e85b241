package gsort

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the kernel tuning parameters. The values are baked into the
// device kernels when the engine is constructed and must be changed together:
// changing DigitBits changes both the bin count and the pass count.
type Config struct {
	// KeyBits is the number of low key bits sorted on. Bits above it are
	// carried along unchanged.
	KeyBits int `toml:"keyBits"`
	// DigitBits is the width of the digit sorted in one pass.
	DigitBits int `toml:"digitBits"`

	CountWorkGroupSize int `toml:"countWorkGroupSize"`
	ScanWorkGroupSize  int `toml:"scanWorkGroupSize"`

	SortWorkGroupSize    int `toml:"sortWorkGroupSize"`
	SortItemsPerWorkItem int `toml:"sortItemsPerWorkItem"`

	SingleSortWorkGroupSize    int `toml:"singleSortWorkGroupSize"`
	SingleSortItemsPerWorkItem int `toml:"singleSortItemsPerWorkItem"`

	// PackedScan enables the scan variant working on four 16-bit counters
	// packed into one 64-bit word.
	PackedScan bool `toml:"packedScan"`
}

const (
	defaultDigitBits = 8
	defaultBins      = 1 << defaultDigitBits
)

// DefaultConfig returns the tuned configuration for 32-bit keys and 8-bit digits.
func DefaultConfig() Config {
	return Config{
		KeyBits:                    32,
		DigitBits:                  defaultDigitBits,
		CountWorkGroupSize:         defaultBins,
		ScanWorkGroupSize:          defaultBins,
		SortWorkGroupSize:          64,
		SortItemsPerWorkItem:       12,
		SingleSortWorkGroupSize:    128,
		SingleSortItemsPerWorkItem: 24,
	}
}

// LoadConfig reads a TOML tuning file. Keys missing from the file keep their
// default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteTOML encodes the configuration in the format read by LoadConfig.
func (c Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validate checks that the parameters describe a workable kernel set.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"keyBits", c.KeyBits},
		{"digitBits", c.DigitBits},
		{"countWorkGroupSize", c.CountWorkGroupSize},
		{"scanWorkGroupSize", c.ScanWorkGroupSize},
		{"sortWorkGroupSize", c.SortWorkGroupSize},
		{"sortItemsPerWorkItem", c.SortItemsPerWorkItem},
		{"singleSortWorkGroupSize", c.SingleSortWorkGroupSize},
		{"singleSortItemsPerWorkItem", c.SingleSortItemsPerWorkItem},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	if c.DigitBits > 16 {
		return fmt.Errorf("%w: digitBits must be at most 16, got %d", ErrInvalidConfig, c.DigitBits)
	}
	if c.KeyBits > 32 || c.KeyBits%c.DigitBits != 0 {
		return fmt.Errorf("%w: keyBits %d must be a multiple of digitBits %d and at most 32", ErrInvalidConfig, c.KeyBits, c.DigitBits)
	}
	if c.ScanWorkGroupSize != c.Bins() {
		return fmt.Errorf("%w: scanWorkGroupSize %d must equal the bin count %d", ErrInvalidConfig, c.ScanWorkGroupSize, c.Bins())
	}
	if c.PackedScan {
		if c.DigitBits != 8 {
			return fmt.Errorf("%w: packed scan needs 8-bit digits, got %d", ErrInvalidConfig, c.DigitBits)
		}
		if c.SingleSortCapacity() >= PackedLimit {
			return fmt.Errorf("%w: single sort capacity %d overflows 16-bit packed counters", ErrInvalidConfig, c.SingleSortCapacity())
		}
	}
	return nil
}

// PackedLimit bounds the key count the packed scan can handle: every counter
// and every prefix must fit a 16-bit lane.
const PackedLimit = 1 << 16

func (c Config) Bins() int { return 1 << c.DigitBits }

func (c Config) RadixMask() uint32 { return uint32(c.Bins() - 1) }

func (c Config) Passes() int { return c.KeyBits / c.DigitBits }

// BlockSize is the number of keys owned by one Count or Sort workgroup.
func (c Config) BlockSize() int { return c.SortWorkGroupSize * c.SortItemsPerWorkItem }

func (c Config) CountItemsPerWorkItem() int {
	return (c.BlockSize() + c.CountWorkGroupSize - 1) / c.CountWorkGroupSize
}

// pipelineKernels lists the kernels every multi-pass sort dispatches.
func (c Config) pipelineKernels() []Kernel {
	if c.PackedScan {
		return []Kernel{KernelCount, KernelScan, KernelScanPacked, KernelSort}
	}
	return []Kernel{KernelCount, KernelScan, KernelSort}
}

// BinsPerWorkItem is the number of bins each Count thread zeroes and stores.
func (c Config) BinsPerWorkItem() int {
	return (c.Bins() + c.CountWorkGroupSize - 1) / c.CountWorkGroupSize
}

func (c Config) SingleSortCapacity() int {
	return c.SingleSortWorkGroupSize * c.SingleSortItemsPerWorkItem
}

// WorkGroups returns the number of Count/Sort workgroups covering n keys.
func (c Config) WorkGroups(n int) int {
	return (n + c.BlockSize() - 1) / c.BlockSize()
}

// TableSize is the Histogram Table length for n keys, status slot included.
func (c Config) TableSize(n int) int {
	return c.Bins()*c.WorkGroups(n) + 1
}

// WorkGroupSize returns the thread count a kernel is dispatched with.
func (c Config) WorkGroupSize(k Kernel) int {
	switch k {
	case KernelCount:
		return c.CountWorkGroupSize
	case KernelScan, KernelScanPacked:
		return c.ScanWorkGroupSize
	case KernelSort:
		return c.SortWorkGroupSize
	case KernelSingleSort:
		return c.SingleSortWorkGroupSize
	}
	return 0
}

// SharedBytes returns the shared memory footprint of a kernel.
func (c Config) SharedBytes(k Kernel) int {
	bins := c.Bins()
	var words int
	switch k {
	case KernelCount:
		// counters
		words = bins
	case KernelScan, KernelScanPacked:
		// inclusive totals, own totals, scan scratch
		words = 3 * bins
	case KernelSort:
		// running offsets, digits and ranks of one round
		words = bins + 2*c.SortWorkGroupSize
	case KernelSingleSort:
		// two key arrays, scan arrays, digits and ranks of one round
		words = 2*c.SingleSortCapacity() + 3*bins + 2*c.SingleSortWorkGroupSize
	}
	return words * 4
}
