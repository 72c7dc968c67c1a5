package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/ipc"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/rtm0/pangu/internal/tensor"
)

const shapeKey = "pangu.shape"

// Arrow stores tensors as Arrow IPC files with a single float32 column. The
// tensor shape travels in the schema metadata.
type Arrow struct{}

// Ext implements Store.
func (Arrow) Ext() string { return ".arrow" }

// Load reads every record batch of the file and concatenates the column.
func (Arrow) Load(path string) (tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return tensor.Tensor{}, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("could not open arrow file %q: %w", path, err)
	}
	defer r.Close()

	md := r.Schema().Metadata()
	i := md.FindKey(shapeKey)
	if i < 0 {
		return tensor.Tensor{}, fmt.Errorf("%q has no %s metadata", path, shapeKey)
	}
	shape, err := parseShape(md.Values()[i])
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%q: %w", path, err)
	}

	var data []float32
	for k := 0; k < r.NumRecords(); k++ {
		rec, err := r.Record(k)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("%q record %d: %w", path, k, err)
		}
		col, ok := rec.Column(0).(*array.Float32)
		if !ok {
			return tensor.Tensor{}, fmt.Errorf("%q column has type %s, want float32", path, rec.Column(0).DataType())
		}
		data = append(data, col.Float32Values()...)
	}

	t := tensor.Tensor{Shape: shape, Data: data}
	if err := t.Validate(); err != nil {
		return tensor.Tensor{}, fmt.Errorf("%q: %w", path, err)
	}
	return t, nil
}

// Save writes t as one record batch.
func (Arrow) Save(path string, t tensor.Tensor) error {
	mem := memory.NewGoAllocator()
	md := arrow.NewMetadata([]string{shapeKey}, []string{formatShape(t.Shape)})
	schema := arrow.NewSchema([]arrow.Field{{Name: "values", Type: arrow.PrimitiveTypes.Float32}}, &md)

	b := array.NewFloat32Builder(mem)
	defer b.Release()
	b.AppendValues(t.Data, nil)
	col := b.NewFloat32Array()
	defer col.Release()
	rec := array.NewRecord(schema, []arrow.Array{col}, int64(col.Len()))
	defer rec.Release()

	return writeAtomic(path, func(tmp string) error {
		return writeFile(tmp, func(f *os.File) error {
			w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
			if err != nil {
				return err
			}
			if err := w.Write(rec); err != nil {
				w.Close()
				return err
			}
			return w.Close()
		})
	})
}

func formatShape(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	shape := make([]int64, len(parts))
	for i, p := range parts {
		d, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad shape %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}
