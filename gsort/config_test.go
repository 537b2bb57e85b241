package gsort_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/MatiasLyyra/radix/gsort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := gsort.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 256, cfg.Bins())
	assert.Equal(t, uint32(0xff), cfg.RadixMask())
	assert.Equal(t, 4, cfg.Passes())
	assert.Equal(t, 768, cfg.BlockSize())
	assert.Equal(t, 3, cfg.CountItemsPerWorkItem())
	assert.Equal(t, 1, cfg.BinsPerWorkItem())
	assert.Equal(t, 3072, cfg.SingleSortCapacity())
	assert.Equal(t, 14, cfg.WorkGroups(10_000))
	assert.Equal(t, 256*14+1, cfg.TableSize(10_000))
	assert.Equal(t, 256, cfg.WorkGroupSize(gsort.KernelCount))
	assert.Equal(t, 64, cfg.WorkGroupSize(gsort.KernelSort))
	assert.Equal(t, 128, cfg.WorkGroupSize(gsort.KernelSingleSort))
	assert.Equal(t, 1024, cfg.SharedBytes(gsort.KernelCount))
	assert.Equal(t, (2*3072+3*256+2*128)*4, cfg.SharedBytes(gsort.KernelSingleSort))
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc   string
		modify func(*gsort.Config)
	}{
		{"zero digit bits", func(c *gsort.Config) { c.DigitBits = 0 }},
		{"wide digits", func(c *gsort.Config) { c.DigitBits = 17 }},
		{"negative work group", func(c *gsort.Config) { c.SortWorkGroupSize = -64 }},
		{"zero items", func(c *gsort.Config) { c.SingleSortItemsPerWorkItem = 0 }},
		{"key bits not a digit multiple", func(c *gsort.Config) { c.KeyBits = 12 }},
		{"key bits above 32", func(c *gsort.Config) { c.KeyBits = 40 }},
		{"scan work group not bin count", func(c *gsort.Config) { c.ScanWorkGroupSize = 128 }},
		{"packed scan with 4-bit digits", func(c *gsort.Config) {
			c.PackedScan = true
			c.DigitBits = 4
			c.ScanWorkGroupSize = 16
		}},
		{"packed scan overflowing lanes", func(c *gsort.Config) {
			c.PackedScan = true
			c.SingleSortItemsPerWorkItem = 1024
		}},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			cfg := gsort.DefaultConfig()
			tC.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), gsort.ErrInvalidConfig)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
sortWorkGroupSize = 128
sortItemsPerWorkItem = 8
packedScan = true
`), 0o644))

	cfg, err := gsort.LoadConfig(path)
	require.NoError(t, err)
	expected := gsort.DefaultConfig()
	expected.SortWorkGroupSize = 128
	expected.SortItemsPerWorkItem = 8
	expected.PackedScan = true
	assert.Equal(t, expected, cfg)
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`digitBits = "eight"`), 0o644))
	_, err := gsort.LoadConfig(bad)
	assert.ErrorIs(t, err, gsort.ErrInvalidConfig)

	invalid := filepath.Join(dir, "invalid.toml")
	require.NoError(t, os.WriteFile(invalid, []byte(`digitBits = 6`), 0o644))
	_, err = gsort.LoadConfig(invalid)
	assert.ErrorIs(t, err, gsort.ErrInvalidConfig)

	_, err = gsort.LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestConfigWriteTOMLRoundTrip(t *testing.T) {
	cfg := gsort.DefaultConfig()
	cfg.PackedScan = true

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteTOML(&buf))
	assert.Contains(t, buf.String(), "digitBits = 8")

	path := filepath.Join(t.TempDir(), "out.toml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	loaded, err := gsort.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
