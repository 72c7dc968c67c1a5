// Package store persists tensors. A Store is the load/save capability the
// driver depends on; npy matches the arrays the networks were published with,
// NetCDF and Arrow IPC are there for downstream tooling.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rtm0/pangu/internal/layout"
	"github.com/rtm0/pangu/internal/tensor"
)

// Store loads and saves single tensors.
type Store interface {
	Load(path string) (tensor.Tensor, error)
	Save(path string, t tensor.Tensor) error
	// Ext is the file extension the store writes, including the dot.
	Ext() string
}

// Formats lists the accepted store names.
var Formats = []string{"npy", "netcdf", "arrow"}

// New returns the store registered under format.
func New(format string) (Store, error) {
	switch format {
	case "npy":
		return NPY{}, nil
	case "netcdf":
		return NetCDF{}, nil
	case "arrow":
		return Arrow{}, nil
	}
	return nil, fmt.Errorf("unknown store format %q, want one of %v", format, Formats)
}

// LoadInput reads the upper-air and surface initial conditions of a run.
func LoadInput(s Store, l layout.Layout) (tensor.State, error) {
	upper, err := s.Load(l.InputUpper())
	if err != nil {
		return tensor.State{}, err
	}
	surface, err := s.Load(l.InputSurface())
	if err != nil {
		return tensor.State{}, err
	}
	return tensor.State{Upper: upper, Surface: surface}, nil
}

// writeAtomic lets write fill a temporary file next to path and renames it
// into place, so a reader never sees a half-written array.
func writeAtomic(path string, write func(tmp string) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not write %q: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// writeFile lets write fill the temporary file tmp, then syncs and closes it.
// The file is closed on every path.
func writeFile(tmp string, write func(f *os.File) error) error {
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// nopWriteCloser hands a writer to encoders that close what they write to.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
