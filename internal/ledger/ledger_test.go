package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rtm0/pangu/internal/rollout"
	"github.com/rtm0/pangu/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var initTime = time.Date(2020, 1, 1, 18, 0, 0, 0, time.UTC)

func state(v float32) tensor.State {
	s := tensor.State{Upper: tensor.New(2, 2, 2, 2), Surface: tensor.New(2, 2, 2)}
	s.Upper.Data[0] = v
	s.Surface.Data[0] = v
	return s
}

func key(steps int, input tensor.State) Key {
	return Key{
		InitTime:    initTime,
		FineModel:   "pangu_weather_6.onnx",
		CoarseModel: "pangu_weather_24.onnx",
		Steps:       steps,
		Input:       InputDigest(input),
	}
}

func record(t *testing.T, l *Ledger, values ...float32) *Run {
	t.Helper()
	ctx := context.Background()
	r, err := l.Begin(ctx, key(len(values)-1, state(values[0])))
	require.NoError(t, err)
	for i, v := range values {
		err := r.StepDone(ctx, rollout.Step{
			Index:     i,
			LeadHours: 6 * i,
			ValidTime: initTime.Add(time.Duration(6*i) * time.Hour),
			Model:     "6h",
			State:     state(v),
			Paths:     []string{"u", "s"},
		})
		require.NoError(t, err)
	}
	require.NoError(t, r.Finish(ctx, nil))
	return r
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	t.Run("Identical", func(t *testing.T) {
		a := record(t, l, 0, 1, 2)
		b := record(t, l, 0, 1, 2)

		prev, err := l.Previous(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, a.ID, prev)

		diff, err := l.Compare(ctx, a.ID, b.ID)
		require.NoError(t, err)
		assert.Empty(t, diff)
	})

	t.Run("Different", func(t *testing.T) {
		a := record(t, l, 0, 1, 2)
		b := record(t, l, 0, 1.5)

		diff, err := l.Compare(ctx, a.ID, b.ID)
		require.NoError(t, err)
		assert.Equal(t, []Mismatch{
			{Index: 1, Reason: "upper-air differs"},
			{Index: 2, Reason: "missing"},
		}, diff)
	})
}

func TestPreviousMatchesWholeKey(t *testing.T) {
	ctx := context.Background()
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	short := record(t, l, 0, 1, 2)
	other := record(t, l, 7, 1, 2, 3, 4)

	long := record(t, l, 0, 1, 2, 3, 4)
	prev, err := l.Previous(ctx, long)
	require.NoError(t, err)
	assert.Empty(t, prev, "runs of other lengths or inputs are not reruns")

	again := record(t, l, 0, 1, 2, 3, 4)
	prev, err = l.Previous(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, long.ID, prev)
	assert.NotEqual(t, short.ID, prev)
	assert.NotEqual(t, other.ID, prev)

	diff, err := l.Compare(ctx, prev, again.ID)
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestOpenMigratesOldLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE runs (
    id           TEXT PRIMARY KEY,
    init_time    TEXT NOT NULL,
    fine_model   TEXT NOT NULL,
    coarse_model TEXT NOT NULL,
    started_at   DATETIME NOT NULL,
    finished_at  DATETIME,
    status       TEXT NOT NULL,
    error        TEXT
)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()
	r := record(t, l, 0, 1)
	status, err := l.Status(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)
}

func TestPreviousSkipsFailedRuns(t *testing.T) {
	ctx := context.Background()
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	first, err := l.Begin(ctx, key(28, state(0)))
	require.NoError(t, err)
	require.NoError(t, first.Finish(ctx, errors.New("device lost")))

	status, err := l.Status(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	second, err := l.Begin(ctx, key(28, state(0)))
	require.NoError(t, err)
	prev, err := l.Previous(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, prev)

	status, err = l.Status(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
}

func TestDuplicateStepRejected(t *testing.T) {
	ctx := context.Background()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	r, err := l.Begin(ctx, key(28, state(0)))
	require.NoError(t, err)
	s := rollout.Step{Index: 0, Model: "init", State: state(0)}
	require.NoError(t, r.StepDone(ctx, s))
	assert.Error(t, r.StepDone(ctx, s))
}
