// Package layout names the input and output files of a forecast run.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// InitTimeFormat is the layout of the initialization time given on the
	// command line, e.g. 2020-01-01T18.
	InitTimeFormat = "2006-01-02T15"
	// StampFormat is the YYYYMMDDHH form embedded in file and directory names.
	StampFormat = "2006010215"
)

// ParseInitTime parses an initialization time in InitTimeFormat as UTC.
func ParseInitTime(s string) (time.Time, error) {
	t, err := time.Parse(InitTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("init time %q does not match %q: %w", s, InitTimeFormat, err)
	}
	return t.UTC(), nil
}

// Stamp formats t as YYYYMMDDHH.
func Stamp(t time.Time) string {
	return t.UTC().Format(StampFormat)
}

// Layout maps a run onto input and output paths.
type Layout struct {
	InputDir  string
	OutputDir string
	InitTime  time.Time
	// Extensions of the input and output stores, including the dot.
	InputExt  string
	OutputExt string
}

// InputUpper is the upper-air initial condition file.
func (l Layout) InputUpper() string {
	return filepath.Join(l.InputDir, "input_upper_"+Stamp(l.InitTime)+l.InputExt)
}

// InputSurface is the surface initial condition file.
func (l Layout) InputSurface() string {
	return filepath.Join(l.InputDir, "input_surface_"+Stamp(l.InitTime)+l.InputExt)
}

// RunDir is the directory holding every output of the run.
func (l Layout) RunDir() string {
	return filepath.Join(l.OutputDir, Stamp(l.InitTime))
}

// OutputUpper is the upper-air file for the given step index.
func (l Layout) OutputUpper(step int) string {
	return filepath.Join(l.RunDir(), fmt.Sprintf("output_upper_%d%s", step, l.OutputExt))
}

// OutputSurface is the surface file for the given step index.
func (l Layout) OutputSurface(step int) string {
	return filepath.Join(l.RunDir(), fmt.Sprintf("output_surface_%d%s", step, l.OutputExt))
}

// MakeRunDir creates the run directory if it does not exist yet.
func (l Layout) MakeRunDir() error {
	return os.MkdirAll(l.RunDir(), 0o755)
}
