package era5

import (
	"math"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// packing is the linear encoding CDS uses for int16 variables:
// value = raw*scale_factor + add_offset. Cells equal to the fill value are
// missing.
type packing struct {
	scale   float64
	offset  float64
	fill    float64
	hasFill bool
}

func packingOf(vg api.VarGetter) packing {
	p := packing{scale: 1}
	attrs := vg.Attributes()
	if attrs == nil {
		return p
	}
	if v, ok := number(attrs, "scale_factor"); ok {
		p.scale = v
	}
	if v, ok := number(attrs, "add_offset"); ok {
		p.offset = v
	}
	if v, ok := number(attrs, "_FillValue"); ok {
		p.fill, p.hasFill = v, true
	} else if v, ok := number(attrs, "missing_value"); ok {
		p.fill, p.hasFill = v, true
	}
	return p
}

func number(attrs api.AttributeMap, key string) (float64, bool) {
	v, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case []float64:
		if len(x) == 1 {
			return x[0], true
		}
	case []float32:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	case []int16:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	}
	return 0, false
}

func (p packing) value(raw float64) float32 {
	if p.hasFill && raw == p.fill {
		return float32(math.NaN())
	}
	return float32(raw*p.scale + p.offset)
}
