package tensor

import "math"

// FieldStats summarizes one horizontal field of a state.
type FieldStats struct {
	Var   string
	Level int // hPa; 0 for surface fields
	Min   float32
	Max   float32
	Mean  float64
	// NonFinite counts NaN and Inf cells, which are excluded from the other
	// statistics.
	NonFinite int
}

// Summarize computes statistics for every upper-air (variable, level) field
// followed by every surface field. The state must be valid for g.
func Summarize(s State, g Grid) []FieldStats {
	plane := g.Lat * g.Lon
	stats := make([]FieldStats, 0, len(g.UpperVars)*len(g.Levels)+len(g.SurfaceVars))
	k := 0
	for _, v := range g.UpperVars {
		for _, lvl := range g.Levels {
			fs := fieldStats(s.Upper.Data[k*plane : (k+1)*plane])
			fs.Var, fs.Level = v, lvl
			stats = append(stats, fs)
			k++
		}
	}
	for i, v := range g.SurfaceVars {
		fs := fieldStats(s.Surface.Data[i*plane : (i+1)*plane])
		fs.Var = v
		stats = append(stats, fs)
	}
	return stats
}

func fieldStats(data []float32) FieldStats {
	fs := FieldStats{Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	var sum float64
	n := 0
	for _, x := range data {
		if isNonFinite(x) {
			fs.NonFinite++
			continue
		}
		fs.Min = min(fs.Min, x)
		fs.Max = max(fs.Max, x)
		sum += float64(x)
		n++
	}
	if n == 0 {
		fs.Min, fs.Max = float32(math.NaN()), float32(math.NaN())
		fs.Mean = math.NaN()
		return fs
	}
	fs.Mean = sum / float64(n)
	return fs
}

// NonFinite returns the number of NaN or Inf elements.
func (t Tensor) NonFinite() int {
	n := 0
	for _, x := range t.Data {
		if isNonFinite(x) {
			n++
		}
	}
	return n
}

func isNonFinite(x float32) bool {
	f := float64(x)
	return math.IsNaN(f) || math.IsInf(f, 0)
}
