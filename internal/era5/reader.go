// Package era5 reads ERA5 reanalysis NetCDF files from the Copernicus
// Climate Data Store into initial states.
package era5

import (
	"fmt"
	"slices"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/rtm0/pangu/internal/tensor"
)

// TZ=UTC date --date="1900-01-01 00:00:00" +%s
const unixSecs1900 = -2208988800

// Reader retrieves fields of an ERA5 file one timestamp at a time.
type Reader struct {
	nc     api.Group
	la     []float32
	lo     []float32
	ts     []time.Time
	levels []int // hPa; nil for single-level files
}

// Open opens an ERA5 file. Pressure-level and single-level downloads are
// both accepted.
func Open(filePath string) (*Reader, error) {
	nc, err := netcdf.Open(filePath)
	if err != nil {
		return nil, err
	}
	r := &Reader{nc: nc}
	if err := r.init(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%q: %w", filePath, err)
	}
	return r, nil
}

func (r *Reader) init() error {
	var err error
	r.la, err = dimValues[float32](r.nc, "latitude")
	if err != nil {
		return err
	}
	r.lo, err = dimValues[float32](r.nc, "longitude")
	if err != nil {
		return err
	}
	hours, err := dimValues[int32](r.nc, "time")
	if err != nil {
		return err
	}
	r.ts = make([]time.Time, len(hours))
	for i, h := range hours {
		r.ts[i] = time.Unix(int64(h)*3600+unixSecs1900, 0).UTC()
	}
	if slices.Contains(r.nc.ListVariables(), "level") {
		levels, err := dimValues[int32](r.nc, "level")
		if err != nil {
			return err
		}
		r.levels = make([]int, len(levels))
		for i, l := range levels {
			r.levels[i] = int(l)
		}
	}
	return nil
}

func dimValues[T int32 | float32](nc api.Group, dimName string) ([]T, error) {
	dim, err := nc.GetVarGetter(dimName)
	if err != nil {
		return nil, err
	}
	v, err := dim.Values()
	if err != nil {
		return nil, err
	}
	vals, ok := v.([]T)
	if !ok {
		return nil, fmt.Errorf("%s has type %T, want %T", dimName, v, vals)
	}
	return vals, nil
}

// Close closes the reader.
func (r *Reader) Close() {
	r.nc.Close()
}

// Summary returns the summary information about the dataset suitable for
// logging.
func (r *Reader) Summary() []any {
	return []any{
		"vars", r.nc.ListVariables(),
		"tsCnt", len(r.ts),
		"laCnt", len(r.la),
		"loCnt", len(r.lo),
		"levels", r.levels,
	}
}

// Times returns the timestamps in the file.
func (r *Reader) Times() []time.Time {
	return slices.Clone(r.ts)
}

func (r *Reader) pos(at time.Time) (int64, error) {
	for i, t := range r.ts {
		if t.Equal(at) {
			return int64(i), nil
		}
	}
	return 0, fmt.Errorf("no data for %s", at.Format(time.RFC3339))
}

func (r *Reader) checkGrid(g tensor.Grid) error {
	if len(r.la) != g.Lat || len(r.lo) != g.Lon {
		return fmt.Errorf("file grid is %dx%d, want %dx%d", len(r.la), len(r.lo), g.Lat, g.Lon)
	}
	return nil
}

// Pangu-Weather expects latitudes from north to south.
func (r *Reader) southFirst() bool {
	return len(r.la) > 1 && r.la[0] < r.la[len(r.la)-1]
}

// Upper reads the upper-air tensor at the given time, ordering levels as
// in g.
func (r *Reader) Upper(at time.Time, g tensor.Grid) (tensor.Tensor, error) {
	if err := r.checkGrid(g); err != nil {
		return tensor.Tensor{}, err
	}
	pos, err := r.pos(at)
	if err != nil {
		return tensor.Tensor{}, err
	}
	idx := make([]int, len(g.Levels))
	for i, lvl := range g.Levels {
		idx[i] = slices.Index(r.levels, lvl)
		if idx[i] < 0 {
			return tensor.Tensor{}, fmt.Errorf("file has no %d hPa level", lvl)
		}
	}

	out := tensor.New(g.UpperShape()...)
	block := len(g.Levels) * g.Lat * g.Lon
	for vi, name := range g.UpperVars {
		vg, err := r.nc.GetVarGetter(name)
		if err != nil {
			return tensor.Tensor{}, err
		}
		raw, err := vg.GetSlice(pos, pos+1)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("%s: %w", name, err)
		}
		dst := out.Data[vi*block : (vi+1)*block]
		p := packingOf(vg)
		switch v := raw.(type) {
		case [][][][]int16:
			err = copyLevels(dst, v[0], idx, p, r.southFirst())
		case [][][][]float32:
			err = copyLevels(dst, v[0], idx, p, r.southFirst())
		default:
			err = fmt.Errorf("unsupported type %T", raw)
		}
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("%s: %w", name, err)
		}
	}
	return out, nil
}

// Surface reads the surface tensor at the given time.
func (r *Reader) Surface(at time.Time, g tensor.Grid) (tensor.Tensor, error) {
	if err := r.checkGrid(g); err != nil {
		return tensor.Tensor{}, err
	}
	pos, err := r.pos(at)
	if err != nil {
		return tensor.Tensor{}, err
	}

	out := tensor.New(g.SurfaceShape()...)
	plane := g.Lat * g.Lon
	for vi, name := range g.SurfaceVars {
		vg, err := r.nc.GetVarGetter(name)
		if err != nil {
			return tensor.Tensor{}, err
		}
		raw, err := vg.GetSlice(pos, pos+1)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("%s: %w", name, err)
		}
		dst := out.Data[vi*plane : (vi+1)*plane]
		p := packingOf(vg)
		switch v := raw.(type) {
		case [][][]int16:
			err = copyPlane(dst, v[0], p, r.southFirst())
		case [][][]float32:
			err = copyPlane(dst, v[0], p, r.southFirst())
		default:
			err = fmt.Errorf("unsupported type %T", raw)
		}
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("%s: %w", name, err)
		}
	}
	return out, nil
}

func copyLevels[T int16 | float32](dst []float32, levels [][][]T, idx []int, p packing, flip bool) error {
	plane := len(dst) / len(idx)
	for i, k := range idx {
		if k >= len(levels) {
			return fmt.Errorf("level index %d out of range", k)
		}
		if err := copyPlane(dst[i*plane:(i+1)*plane], levels[k], p, flip); err != nil {
			return err
		}
	}
	return nil
}

func copyPlane[T int16 | float32](dst []float32, src [][]T, p packing, flip bool) error {
	if len(src) == 0 || len(src)*len(src[0]) != len(dst) {
		return fmt.Errorf("field does not match the grid")
	}
	nlo := len(src[0])
	for i := range src {
		row := src[i]
		if flip {
			row = src[len(src)-1-i]
		}
		for j, x := range row {
			dst[i*nlo+j] = p.value(float64(x))
		}
	}
	return nil
}

// Load reads the initial state at time at. upperPath and surfacePath may
// name the same file.
func Load(upperPath, surfacePath string, at time.Time, g tensor.Grid) (tensor.State, error) {
	ur, err := Open(upperPath)
	if err != nil {
		return tensor.State{}, err
	}
	defer ur.Close()
	upper, err := ur.Upper(at, g)
	if err != nil {
		return tensor.State{}, fmt.Errorf("%q: %w", upperPath, err)
	}

	sr := ur
	if surfacePath != upperPath {
		sr, err = Open(surfacePath)
		if err != nil {
			return tensor.State{}, err
		}
		defer sr.Close()
	}
	surface, err := sr.Surface(at, g)
	if err != nil {
		return tensor.State{}, fmt.Errorf("%q: %w", surfacePath, err)
	}
	return tensor.State{Upper: upper, Surface: surface}, nil
}
