package store

import (
	"context"

	"github.com/rtm0/pangu/internal/layout"
	"github.com/rtm0/pangu/internal/tensor"
	"github.com/sourcegraph/conc/pool"
)

// Sink writes the states of a run under its layout.
type Sink struct {
	store  Store
	layout layout.Layout
}

// NewSink creates the run directory and returns a sink writing into it.
func NewSink(s Store, l layout.Layout) (*Sink, error) {
	if err := l.MakeRunDir(); err != nil {
		return nil, err
	}
	return &Sink{store: s, layout: l}, nil
}

// Save writes the upper-air and surface files of one step in parallel and
// returns their paths once both are on disk.
func (s *Sink) Save(_ context.Context, step int, st tensor.State) ([]string, error) {
	upper, surface := s.layout.OutputUpper(step), s.layout.OutputSurface(step)
	p := pool.New().WithErrors()
	p.Go(func() error { return s.store.Save(upper, st.Upper) })
	p.Go(func() error { return s.store.Save(surface, st.Surface) })
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return []string{upper, surface}, nil
}
