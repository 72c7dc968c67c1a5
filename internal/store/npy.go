package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/kshedden/gonpy"
	"github.com/rtm0/pangu/internal/tensor"
)

// NPY stores tensors as NumPy .npy files.
type NPY struct{}

// Ext implements Store.
func (NPY) Ext() string { return ".npy" }

// Load reads a C-ordered float32 or float64 array. float64 data is narrowed
// to float32, which is what the networks consume.
func (NPY) Load(path string) (tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return tensor.Tensor{}, err
	}
	defer f.Close()

	r, err := gonpy.NewReader(f)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("could not read npy header of %q: %w", path, err)
	}
	if r.ColumnMajor {
		return tensor.Tensor{}, fmt.Errorf("%q is in Fortran order", path)
	}

	var data []float32
	switch {
	case strings.HasSuffix(r.Dtype, "f4"):
		data, err = r.GetFloat32()
	case strings.HasSuffix(r.Dtype, "f8"):
		var wide []float64
		wide, err = r.GetFloat64()
		data = make([]float32, len(wide))
		for i, x := range wide {
			data[i] = float32(x)
		}
	default:
		return tensor.Tensor{}, fmt.Errorf("%q has dtype %q, want f4 or f8", path, r.Dtype)
	}
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("could not read %q: %w", path, err)
	}

	t := tensor.FromDims(r.Shape, data)
	if err := t.Validate(); err != nil {
		return tensor.Tensor{}, fmt.Errorf("%q: %w", path, err)
	}
	return t, nil
}

// Save writes t as a little-endian float32 array.
func (NPY) Save(path string, t tensor.Tensor) error {
	return writeAtomic(path, func(tmp string) error {
		return writeFile(tmp, func(f *os.File) error {
			w, err := gonpy.NewWriter(nopWriteCloser{f})
			if err != nil {
				return err
			}
			w.Shape = t.Dims()
			return w.WriteFloat32(t.Data)
		})
	})
}
