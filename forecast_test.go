package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/rtm0/pangu/internal/config"
	"github.com/rtm0/pangu/internal/rollout"
	"github.com/rtm0/pangu/internal/store"
	"github.com/rtm0/pangu/internal/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pangu.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
init_time = "2018-09-27T00"
steps = 12
format = "arrow"

[models]
threads = 4
`), 0o644))

	require.NoError(t, flag.Set("config", path))
	require.NoError(t, flag.Set("steps", "8"))
	require.NoError(t, flag.Set("model-24", "/models/pangu_weather_24.onnx"))
	t.Cleanup(func() {
		flag.Set("config", "")
	})

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "2018-09-27T00", cfg.InitTime)
	assert.Equal(t, 8, cfg.Steps)
	assert.Equal(t, "arrow", cfg.Format)
	assert.Equal(t, 4, cfg.Models.Threads)
	assert.Equal(t, "/models/pangu_weather_24.onnx", cfg.Models.Coarse)
	assert.Equal(t, "pangu_weather_6.onnx", cfg.Models.Fine)
}

func TestRunMissingModelLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	grid := tensor.Grid{
		UpperVars:   []string{"z", "t"},
		Levels:      []int{850, 500},
		SurfaceVars: []string{"msl"},
		Lat:         3,
		Lon:         4,
	}
	cfg := config.Default()
	cfg.InputDir = filepath.Join(dir, "input_data")
	cfg.OutputDir = filepath.Join(dir, "output_data")
	cfg.Grid = &grid
	cfg.Models.Fine = filepath.Join(dir, "pangu_weather_6.onnx")
	cfg.Models.Coarse = filepath.Join(dir, "missing", "pangu_weather_24.onnx")
	require.NoError(t, cfg.Validate())

	l, err := cfg.Layout()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0o755))
	init := grid.Zero()
	require.NoError(t, store.NPY{}.Save(l.InputUpper(), init.Upper))
	require.NoError(t, store.NPY{}.Save(l.InputSurface(), init.Surface))
	require.NoError(t, os.WriteFile(cfg.Models.Fine, nil, 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err = run(context.Background(), logger, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "model 24h")
	assert.NoDirExists(t, l.RunDir())
}

func TestRunMissingInputLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.InputDir = filepath.Join(dir, "input_data")
	cfg.OutputDir = filepath.Join(dir, "output_data")

	l, err := cfg.Layout()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err = run(context.Background(), logger, cfg)
	assert.ErrorIs(t, err, rollout.ErrInput)
	assert.NoDirExists(t, l.RunDir())
}
