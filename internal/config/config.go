// Package config holds the settings of a forecast run. A Config is read from
// an optional TOML file, overridden by command-line flags, validated once and
// then passed around by value.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rtm0/pangu/internal/layout"
	"github.com/rtm0/pangu/internal/rollout"
	"github.com/rtm0/pangu/internal/store"
	"github.com/rtm0/pangu/internal/tensor"
)

// Config is the complete run configuration.
type Config struct {
	InitTime    string `toml:"init_time"`
	InputDir    string `toml:"input_dir"`
	OutputDir   string `toml:"output_dir"`
	InputFormat string `toml:"input_format"` // npy, netcdf, arrow or era5
	ERA5Upper   string `toml:"era5_upper"`
	ERA5Surface string `toml:"era5_surface"` // defaults to ERA5Upper
	Format      string `toml:"format"`       // output store
	Steps       int    `toml:"steps"`
	Save        string `toml:"save"` // all, final or an interval
	CheckFinite bool   `toml:"check_finite"`
	Ledger      string `toml:"ledger"`
	Progress    bool   `toml:"progress"`

	Models  Models       `toml:"models"`
	Metrics Metrics      `toml:"metrics"`
	Redis   Redis        `toml:"redis"`
	Grid    *tensor.Grid `toml:"grid"`
}

// Models locates the networks and the runtime.
type Models struct {
	Fine       string `toml:"fine"`
	Coarse     string `toml:"coarse"`
	ORTLib     string `toml:"ort_lib"`
	Threads    int    `toml:"threads"`
	CUDA       bool   `toml:"cuda"`
	CUDADevice int    `toml:"cuda_device"`
}

// Metrics configures the Victoria Metrics export. Empty InsertURL disables
// it.
type Metrics struct {
	InsertURL     string `toml:"insert_url"`
	Prefix        string `toml:"prefix"`
	Concurrency   int    `toml:"concurrency"`
	RecsPerInsert int    `toml:"recs_per_insert"`
}

// Redis configures step notifications. Empty Addr disables them.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Default returns the settings of the published Pangu-Weather example.
func Default() Config {
	return Config{
		InitTime:    "2020-01-01T18",
		InputDir:    "input_data",
		OutputDir:   "output_data",
		InputFormat: "npy",
		Format:      "npy",
		Steps:       28,
		Save:        "all",
		Models: Models{
			Fine:    "pangu_weather_6.onnx",
			Coarse:  "pangu_weather_24.onnx",
			Threads: 1,
		},
		Metrics: Metrics{
			Prefix:        "pangu",
			Concurrency:   2,
			RecsPerInsert: 500,
		},
	}
}

// Load reads a TOML file on top of the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("could not read config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %q has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

var inputFormats = append(slices.Clone(store.Formats), "era5")

// Validate checks the configuration without touching the filesystem.
func (c Config) Validate() error {
	if _, err := layout.ParseInitTime(c.InitTime); err != nil {
		return err
	}
	if !slices.Contains(inputFormats, c.InputFormat) {
		return fmt.Errorf("input format %q is not one of %v", c.InputFormat, inputFormats)
	}
	if c.InputFormat == "era5" && c.ERA5Upper == "" {
		return fmt.Errorf("input format era5 needs era5_upper")
	}
	if !slices.Contains(store.Formats, c.Format) {
		return fmt.Errorf("output format %q is not one of %v", c.Format, store.Formats)
	}
	if c.Steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", c.Steps)
	}
	if _, err := rollout.ParseSavePolicy(c.Save); err != nil {
		return err
	}
	if c.Models.Fine == "" || c.Models.Coarse == "" {
		return fmt.Errorf("both the 6-hour and the 24-hour model are required")
	}
	if c.Metrics.InsertURL != "" && (c.Metrics.Concurrency <= 0 || c.Metrics.RecsPerInsert <= 0) {
		return fmt.Errorf("metrics concurrency and recs_per_insert must be positive")
	}
	if c.Grid != nil {
		if err := c.Grid.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GridOrDefault returns the configured grid or the Pangu-Weather one.
func (c Config) GridOrDefault() tensor.Grid {
	if c.Grid != nil {
		return *c.Grid
	}
	return tensor.Pangu
}

// ERA5SurfaceOrUpper returns the file holding the surface fields.
func (c Config) ERA5SurfaceOrUpper() string {
	if c.ERA5Surface != "" {
		return c.ERA5Surface
	}
	return c.ERA5Upper
}

// Layout returns the file layout of the run. The input extension is empty
// for ERA5 input, which is not read through a store.
func (c Config) Layout() (layout.Layout, error) {
	init, err := layout.ParseInitTime(c.InitTime)
	if err != nil {
		return layout.Layout{}, err
	}
	l := layout.Layout{InputDir: c.InputDir, OutputDir: c.OutputDir, InitTime: init}
	out, err := store.New(c.Format)
	if err != nil {
		return layout.Layout{}, err
	}
	l.OutputExt = out.Ext()
	if c.InputFormat != "era5" {
		in, err := store.New(c.InputFormat)
		if err != nil {
			return layout.Layout{}, err
		}
		l.InputExt = in.Ext()
	}
	return l, nil
}

// Rollout returns the driver configuration.
func (c Config) Rollout() (rollout.Config, error) {
	init, err := layout.ParseInitTime(c.InitTime)
	if err != nil {
		return rollout.Config{}, err
	}
	save, err := rollout.ParseSavePolicy(c.Save)
	if err != nil {
		return rollout.Config{}, err
	}
	rc := rollout.DefaultConfig
	rc.InitTime = init
	rc.Steps = c.Steps
	rc.Grid = c.GridOrDefault()
	rc.Save = save
	rc.CheckFinite = c.CheckFinite
	return rc, nil
}

// RunName is the label a run carries in metrics and notifications.
func (c Config) RunName() string {
	init, err := layout.ParseInitTime(c.InitTime)
	if err != nil {
		return c.InitTime
	}
	return layout.Stamp(init)
}

// LeadTime is the total forecast horizon.
func (c Config) LeadTime() time.Duration {
	return time.Duration(c.Steps*rollout.DefaultConfig.FineHours) * time.Hour
}
