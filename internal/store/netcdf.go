package store

import (
	"fmt"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/rtm0/pangu/internal/tensor"
)

// ncVar is the name of the single variable in every file the NetCDF store
// writes.
const ncVar = "values"

// NetCDF stores tensors as classic NetCDF files holding one float variable.
type NetCDF struct{}

// Ext implements Store.
func (NetCDF) Ext() string { return ".nc" }

// Load reads the values variable back into a tensor.
func (NetCDF) Load(path string) (tensor.Tensor, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return tensor.Tensor{}, err
	}
	defer nc.Close()

	v, err := nc.GetVariable(ncVar)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%q: %w", path, err)
	}
	dims, data, err := flatten(v.Values)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%q: %w", path, err)
	}
	return tensor.FromDims(dims, data), nil
}

// Save writes t with dimensions named after the state axes.
func (NetCDF) Save(path string, t tensor.Tensor) error {
	values, err := nest(t)
	if err != nil {
		return err
	}
	attrs, err := util.NewOrderedMap(
		[]string{"long_name"},
		map[string]interface{}{"long_name": "pangu state tensor"})
	if err != nil {
		return err
	}
	return writeAtomic(path, func(tmp string) error {
		cw, err := cdf.OpenWriter(tmp)
		if err != nil {
			return err
		}
		err = cw.AddVar(ncVar, api.Variable{
			Values:     values,
			Dimensions: dimNames(len(t.Shape)),
			Attributes: attrs,
		})
		if err != nil {
			cw.Close()
			return err
		}
		return cw.Close()
	})
}

func dimNames(rank int) []string {
	switch rank {
	case 3:
		return []string{"variable", "latitude", "longitude"}
	case 4:
		return []string{"variable", "level", "latitude", "longitude"}
	}
	names := make([]string, rank)
	for i := range names {
		names[i] = fmt.Sprintf("d%d", i)
	}
	return names
}

// nest reshapes the flat data into the nested slices the NetCDF writer
// expects. The rows share the tensor's backing array.
func nest(t tensor.Tensor) (any, error) {
	d := t.Dims()
	switch len(d) {
	case 1:
		return t.Data, nil
	case 2:
		return split(t.Data, d[1]), nil
	case 3:
		return split(split(t.Data, d[2]), d[1]), nil
	case 4:
		return split(split(split(t.Data, d[3]), d[2]), d[1]), nil
	}
	return nil, fmt.Errorf("rank %d tensors are not supported", len(d))
}

func split[T any](s []T, n int) [][]T {
	out := make([][]T, len(s)/n)
	for i := range out {
		out[i] = s[i*n : (i+1)*n : (i+1)*n]
	}
	return out
}

func join[T any](s [][]T) []T {
	if len(s) == 0 {
		return nil
	}
	out := make([]T, 0, len(s)*len(s[0]))
	for _, row := range s {
		out = append(out, row...)
	}
	return out
}

// flatten is the inverse of nest.
func flatten(values any) ([]int, []float32, error) {
	switch v := values.(type) {
	case []float32:
		return []int{len(v)}, v, nil
	case [][]float32:
		if len(v) == 0 {
			break
		}
		return []int{len(v), len(v[0])}, join(v), nil
	case [][][]float32:
		if len(v) == 0 || len(v[0]) == 0 {
			break
		}
		return []int{len(v), len(v[0]), len(v[0][0])}, join(join(v)), nil
	case [][][][]float32:
		if len(v) == 0 || len(v[0]) == 0 || len(v[0][0]) == 0 {
			break
		}
		return []int{len(v), len(v[0]), len(v[0][0]), len(v[0][0][0])}, join(join(join(v))), nil
	default:
		return nil, nil, fmt.Errorf("unsupported variable type %T", values)
	}
	return nil, nil, fmt.Errorf("variable is empty")
}
