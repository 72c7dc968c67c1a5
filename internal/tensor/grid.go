package tensor

import "fmt"

// Grid describes the variables, pressure levels and horizontal size of a
// state.
type Grid struct {
	UpperVars   []string `toml:"upper_vars"`
	Levels      []int    `toml:"levels"` // hPa, in tensor order
	SurfaceVars []string `toml:"surface_vars"`
	Lat         int      `toml:"lat"`
	Lon         int      `toml:"lon"`
}

// Pangu is the 0.25 degree grid the Pangu-Weather networks are trained on.
var Pangu = Grid{
	UpperVars:   []string{"z", "q", "t", "u", "v"},
	Levels:      []int{1000, 925, 850, 700, 600, 500, 400, 300, 250, 200, 150, 100, 50},
	SurfaceVars: []string{"msl", "u10", "v10", "t2m"},
	Lat:         721,
	Lon:         1440,
}

// UpperShape returns the expected upper-air tensor shape.
func (g Grid) UpperShape() []int64 {
	return []int64{int64(len(g.UpperVars)), int64(len(g.Levels)), int64(g.Lat), int64(g.Lon)}
}

// SurfaceShape returns the expected surface tensor shape.
func (g Grid) SurfaceShape() []int64 {
	return []int64{int64(len(g.SurfaceVars)), int64(g.Lat), int64(g.Lon)}
}

// Zero allocates a zero-filled state on the grid.
func (g Grid) Zero() State {
	return State{Upper: New(g.UpperShape()...), Surface: New(g.SurfaceShape()...)}
}

// Validate checks that the grid is usable.
func (g Grid) Validate() error {
	switch {
	case len(g.UpperVars) == 0:
		return fmt.Errorf("grid has no upper-air variables")
	case len(g.Levels) == 0:
		return fmt.Errorf("grid has no pressure levels")
	case len(g.SurfaceVars) == 0:
		return fmt.Errorf("grid has no surface variables")
	case g.Lat <= 0 || g.Lon <= 0:
		return fmt.Errorf("grid size %dx%d is not positive", g.Lat, g.Lon)
	}
	return nil
}
