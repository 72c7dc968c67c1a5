package rollout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/rtm0/pangu/internal/layout"
	"github.com/rtm0/pangu/internal/store"
	"github.com/rtm0/pangu/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	tiny    = tensor.Grid{
		UpperVars:   []string{"z", "t"},
		Levels:      []int{850, 500},
		SurfaceVars: []string{"msl"},
		Lat:         3,
		Lon:         4,
	}
	initTime = time.Date(2020, 1, 1, 18, 0, 0, 0, time.UTC)
)

// addModel adds delta to every cell and records the value of the first cell
// of each input it sees.
type addModel struct {
	delta  float32
	seen   []float32
	failAt int // 1-based call number that fails; 0 never fails
	mutate func(*tensor.State)
}

func (m *addModel) Advance(ctx context.Context, in tensor.State) (tensor.State, error) {
	m.seen = append(m.seen, in.Upper.Data[0])
	if m.failAt == len(m.seen) {
		return tensor.State{}, errors.New("device lost")
	}
	out := in.Clone()
	for i := range out.Upper.Data {
		out.Upper.Data[i] += m.delta
	}
	for i := range out.Surface.Data {
		out.Surface.Data[i] += m.delta
	}
	if m.mutate != nil {
		m.mutate(&out)
	}
	return out, nil
}

// memSink keeps every saved state by step index.
type memSink struct {
	saved map[int]tensor.State
	order []int
	err   error
}

func newMemSink() *memSink { return &memSink{saved: map[int]tensor.State{}} }

func (s *memSink) Save(_ context.Context, step int, st tensor.State) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.saved[step] = st.Clone()
	s.order = append(s.order, step)
	return []string{"upper", "surface"}, nil
}

func testConfig() Config {
	cfg := DefaultConfig
	cfg.InitTime = initTime
	cfg.Grid = tiny
	return cfg
}

func newDriver(t *testing.T, cfg Config, fine, coarse Model, sink Sink, hooks ...Hook) *Driver {
	t.Helper()
	d, err := New(discard, cfg, fine, coarse, sink, hooks...)
	require.NoError(t, err)
	return d
}

func TestUsesCoarse(t *testing.T) {
	var coarse []int
	for i := 0; i < 28; i++ {
		if UsesCoarse(i, 4) {
			coarse = append(coarse, i)
		}
	}
	assert.Equal(t, []int{3, 7, 11, 15, 19, 23, 27}, coarse)
}

func TestRunSchedule(t *testing.T) {
	fine, coarse := &addModel{delta: 1}, &addModel{delta: 100}
	sink := newMemSink()
	var models []string
	hook := HookFunc(func(_ context.Context, s Step) error {
		models = append(models, s.Model)
		return nil
	})

	sum, err := newDriver(t, testConfig(), fine, coarse, sink, hook).Run(context.Background(), tiny.Zero())
	require.NoError(t, err)

	assert.Equal(t, 28, sum.Steps)
	assert.Equal(t, 21, sum.FineCalls)
	assert.Equal(t, 7, sum.CoarseCalls)
	assert.Equal(t, 29, sum.Saved)
	assert.Len(t, fine.seen, 21)
	assert.Len(t, coarse.seen, 7)

	require.Len(t, models, 29)
	assert.Equal(t, "init", models[0])
	for k := 1; k <= 28; k++ {
		if k%4 == 0 {
			assert.Equal(t, "24h", models[k], "step %d", k)
		} else {
			assert.Equal(t, "6h", models[k], "step %d", k)
		}
	}

	// The coarse model always starts from the state one day earlier, so the
	// fine increments since the last coarse step are dropped.
	assert.Equal(t, []float32{0, 100, 200, 300, 400, 500, 600}, coarse.seen)
	for k := 0; k <= 28; k++ {
		want := float32(100*(k/4) + k%4)
		st := sink.saved[k]
		assert.Equal(t, want, st.Upper.Data[0], "step %d", k)
		assert.Equal(t, want, st.Surface.Data[len(st.Surface.Data)-1], "step %d", k)
		assert.True(t, st.SameShape(tiny.Zero()))
	}
}

func TestRunStepTimes(t *testing.T) {
	var steps []Step
	hook := HookFunc(func(_ context.Context, s Step) error {
		steps = append(steps, s)
		return nil
	})
	_, err := newDriver(t, testConfig(), &addModel{}, &addModel{}, newMemSink(), hook).Run(context.Background(), tiny.Zero())
	require.NoError(t, err)

	require.Len(t, steps, 29)
	for k, s := range steps {
		assert.Equal(t, k, s.Index)
		assert.Equal(t, 6*k, s.LeadHours)
		assert.Equal(t, initTime.Add(time.Duration(6*k)*time.Hour), s.ValidTime)
		assert.Len(t, s.Paths, 2)
	}
	assert.Equal(t, 168, steps[28].LeadHours)
}

func TestRunInitialStateUnchanged(t *testing.T) {
	init := tiny.Zero()
	for i := range init.Upper.Data {
		init.Upper.Data[i] = float32(i)
	}
	want := tensor.Digest(init.Upper)
	sink := newMemSink()
	_, err := newDriver(t, testConfig(), &addModel{delta: 1}, &addModel{delta: 2}, sink).Run(context.Background(), init)
	require.NoError(t, err)
	assert.Equal(t, want, tensor.Digest(sink.saved[0].Upper))
	assert.Equal(t, want, tensor.Digest(init.Upper))
}

func TestRunWritesCompleteLayout(t *testing.T) {
	l := layout.Layout{OutputDir: t.TempDir(), InitTime: initTime, OutputExt: ".npy"}
	sink, err := store.NewSink(store.NPY{}, l)
	require.NoError(t, err)

	init := tiny.Zero()
	_, err = newDriver(t, testConfig(), &addModel{delta: 1}, &addModel{delta: 10}, sink).Run(context.Background(), init)
	require.NoError(t, err)

	entries, err := os.ReadDir(l.RunDir())
	require.NoError(t, err)
	assert.Len(t, entries, 58)
	for k := 0; k <= 28; k++ {
		assert.FileExists(t, l.OutputUpper(k))
		assert.FileExists(t, l.OutputSurface(k))
	}

	got, err := store.NPY{}.Load(l.OutputUpper(0))
	require.NoError(t, err)
	assert.Equal(t, tensor.Digest(init.Upper), tensor.Digest(got))

	last, err := store.NPY{}.Load(l.OutputSurface(28))
	require.NoError(t, err)
	assert.Equal(t, float32(70), last.Data[0])
}

func TestRunIsReproducible(t *testing.T) {
	run := func() map[int]tensor.State {
		sink := newMemSink()
		_, err := newDriver(t, testConfig(), &addModel{delta: 0.25}, &addModel{delta: 3}, sink).Run(context.Background(), tiny.Zero())
		require.NoError(t, err)
		return sink.saved
	}
	a, b := run(), run()
	for k := 0; k <= 28; k++ {
		assert.Equal(t, tensor.Digest(a[k].Upper), tensor.Digest(b[k].Upper), "step %d", k)
		assert.Equal(t, tensor.Digest(a[k].Surface), tensor.Digest(b[k].Surface), "step %d", k)
	}
}

func TestRunCoarseFailureKeepsPrefix(t *testing.T) {
	coarse := &addModel{failAt: 1}
	sink := newMemSink()
	sum, err := newDriver(t, testConfig(), &addModel{delta: 1}, coarse, sink).Run(context.Background(), tiny.Zero())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInference)
	assert.Contains(t, err.Error(), "device lost")

	assert.Equal(t, []int{0, 1, 2, 3}, sink.order)
	assert.Equal(t, 3, sum.Steps)
	assert.Equal(t, 3, sum.FineCalls)
	assert.Equal(t, 0, sum.CoarseCalls)
}

func TestRunRejectsShapeChange(t *testing.T) {
	fine := &addModel{mutate: func(s *tensor.State) {
		s.Surface = tensor.New(1, 2, 2)
	}}
	sink := newMemSink()
	_, err := newDriver(t, testConfig(), fine, &addModel{}, sink).Run(context.Background(), tiny.Zero())
	assert.ErrorIs(t, err, ErrInference)
	assert.Equal(t, []int{0}, sink.order)
}

func TestRunCheckFinite(t *testing.T) {
	nan := func(s *tensor.State) { s.Upper.Data[3] = float32(math.NaN()) }

	cfg := testConfig()
	cfg.CheckFinite = true
	_, err := newDriver(t, cfg, &addModel{mutate: nan}, &addModel{}, newMemSink()).Run(context.Background(), tiny.Zero())
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = newDriver(t, testConfig(), &addModel{mutate: nan}, &addModel{}, newMemSink()).Run(context.Background(), tiny.Zero())
	assert.NoError(t, err)
}

func TestRunRejectsBadInput(t *testing.T) {
	fine := &addModel{}
	sink := newMemSink()
	bad := tiny.Zero()
	bad.Upper = tensor.New(2, 2, 3, 5)

	_, err := newDriver(t, testConfig(), fine, &addModel{}, sink).Run(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInput)
	assert.Empty(t, sink.order)
	assert.Empty(t, fine.seen)
}

func TestRunSinkFailure(t *testing.T) {
	sink := newMemSink()
	sink.err = errors.New("disk full")
	fine := &addModel{}
	_, err := newDriver(t, testConfig(), fine, &addModel{}, sink).Run(context.Background(), tiny.Zero())
	assert.ErrorIs(t, err, ErrPersist)
	assert.Empty(t, fine.seen)
}

func TestRunHookFailure(t *testing.T) {
	hook := HookFunc(func(_ context.Context, s Step) error {
		if s.Index == 2 {
			return errors.New("ledger closed")
		}
		return nil
	})
	sink := newMemSink()
	_, err := newDriver(t, testConfig(), &addModel{}, &addModel{}, sink, hook).Run(context.Background(), tiny.Zero())
	assert.ErrorContains(t, err, "ledger closed")
	assert.Equal(t, []int{0, 1, 2}, sink.order)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hook := HookFunc(func(_ context.Context, s Step) error {
		if s.Index == 5 {
			cancel()
		}
		return nil
	})
	sink := newMemSink()
	_, err := newDriver(t, testConfig(), &addModel{}, &addModel{}, sink, hook).Run(ctx, tiny.Zero())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, sink.order)
}

func TestSavePolicies(t *testing.T) {
	tests := []struct {
		policy string
		want   []int
	}{
		{"all", []int{0, 1, 2, 3, 4, 5, 6, 7, 8}},
		{"final", []int{8}},
		{"4", []int{0, 4, 8}},
		{"3", []int{0, 3, 6, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			p, err := ParseSavePolicy(tt.policy)
			require.NoError(t, err)

			cfg := testConfig()
			cfg.Steps = 8
			cfg.Save = p
			sink := newMemSink()
			calls := 0
			hook := HookFunc(func(context.Context, Step) error { calls++; return nil })

			sum, err := newDriver(t, cfg, &addModel{}, &addModel{}, sink, hook).Run(context.Background(), tiny.Zero())
			require.NoError(t, err)
			assert.Equal(t, tt.want, sink.order)
			assert.Equal(t, len(tt.want), sum.Saved)
			assert.Equal(t, 9, calls)
		})
	}

	for _, bad := range []string{"0", "-2", "daily"} {
		_, err := ParseSavePolicy(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig()
	cfg.CoarseRatio = 0
	_, err := New(discard, cfg, &addModel{}, &addModel{}, newMemSink())
	assert.Error(t, err)

	_, err = New(discard, testConfig(), nil, &addModel{}, newMemSink())
	assert.Error(t, err)

	_, err = New(discard, testConfig(), &addModel{}, &addModel{}, nil)
	assert.Error(t, err)

	cfg = testConfig()
	assert.Equal(t, "6h", cfg.FineName())
	assert.Equal(t, "24h", cfg.CoarseName())
}
