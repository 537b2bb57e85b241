package bench

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/MatiasLyyra/radix/gsort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

var runLine = regexp.MustCompile(`^\S+M items sorted in \S+ ms \(\S+ GItems/s\)  \[(single|pipeline)\]$`)

func TestRunCPU(t *testing.T) {
	var out bytes.Buffer
	err := Run(&out, quiet, Options{
		Backend: "cpu",
		Config:  gsort.DefaultConfig(),
		Sizes:   []int{1000, 5000},
		Runs:    2,
		Path:    gsort.PathAuto,
		Checks:  true,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		assert.Regexp(t, runLine, line)
	}
	assert.True(t, strings.HasSuffix(lines[0], "[single]"))
	assert.True(t, strings.HasSuffix(lines[3], "[pipeline]"))
}

func TestRunErrors(t *testing.T) {
	testCases := []struct {
		desc string
		opts Options
	}{
		{"unknown backend", Options{Backend: "vulkan", Config: gsort.DefaultConfig(), Sizes: []int{10}, Runs: 1}},
		{"no sizes", Options{Backend: "cpu", Config: gsort.DefaultConfig(), Runs: 1}},
		{"zero runs", Options{Backend: "cpu", Config: gsort.DefaultConfig(), Sizes: []int{10}}},
		{"zero size", Options{Backend: "cpu", Config: gsort.DefaultConfig(), Sizes: []int{0}, Runs: 1}},
		{"invalid config", Options{Backend: "cpu", Sizes: []int{10}, Runs: 1}},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			assert.Error(t, Run(io.Discard, quiet, tC.opts))
		})
	}
}

func TestAppBench(t *testing.T) {
	var out bytes.Buffer
	App.Writer = &out
	defer func() { App.Writer = os.Stdout }()

	err := App.Run([]string{"radix", "bench", "--backend", "cpu", "--size", "3000", "--runs", "1", "--path", "pipeline", "--seed", "7"})
	require.NoError(t, err)
	assert.Regexp(t, runLine, strings.TrimSpace(out.String()))
	assert.Contains(t, out.String(), "[pipeline]")
}

func TestAppBenchInvalidPath(t *testing.T) {
	App.Writer = io.Discard
	defer func() { App.Writer = os.Stdout }()

	err := App.Run([]string{"radix", "bench", "--size", "10", "--path", "bitonic"})
	assert.ErrorIs(t, err, gsort.ErrInvalidInput)
}

func TestAppConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.toml")
	require.NoError(t, os.WriteFile(path, []byte("sortItemsPerWorkItem = 8\n"), 0o644))

	var out bytes.Buffer
	App.Writer = &out
	defer func() { App.Writer = os.Stdout }()

	require.NoError(t, App.Run([]string{"radix", "config", "--config", path}))
	assert.Contains(t, out.String(), "sortItemsPerWorkItem = 8")
	assert.Contains(t, out.String(), "digitBits = 8")
}
