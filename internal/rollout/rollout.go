// Package rollout drives an iterative forecast: it chains a fine (6-hour)
// and a coarse (24-hour) network from one initial condition and hands every
// intermediate state to a sink.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rtm0/pangu/internal/tensor"
)

// Failure kinds. Every error returned by Run wraps one of them, except a
// cancelled context, which is returned as is.
var (
	ErrInput     = errors.New("invalid initial state")
	ErrInference = errors.New("inference failed")
	ErrNonFinite = errors.New("forecast has non-finite values")
	ErrPersist   = errors.New("could not persist step")
)

// Model advances a state by its fixed lead time.
type Model interface {
	Advance(ctx context.Context, in tensor.State) (tensor.State, error)
}

// Sink persists the state of one step and returns the files it wrote.
type Sink interface {
	Save(ctx context.Context, step int, st tensor.State) ([]string, error)
}

// Hook is told about every step after the sink has handled it. An error
// aborts the run.
type Hook interface {
	StepDone(ctx context.Context, s Step) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, s Step) error

// StepDone implements Hook.
func (f HookFunc) StepDone(ctx context.Context, s Step) error {
	return f(ctx, s)
}

// Config is fixed for the lifetime of a Driver.
type Config struct {
	InitTime time.Time
	// Steps is the number of fine steps to roll out.
	Steps int
	// FineHours is the lead time of the fine model; the coarse model covers
	// CoarseRatio fine steps.
	FineHours   int
	CoarseRatio int
	Grid        tensor.Grid
	Save        SavePolicy
	// CheckFinite aborts the run on the first NaN or Inf in a forecast.
	CheckFinite bool
}

// DefaultConfig is a 7-day Pangu-Weather rollout: 28 six-hour steps with the
// 24-hour network every fourth step.
var DefaultConfig = Config{
	Steps:       28,
	FineHours:   6,
	CoarseRatio: 4,
	Grid:        tensor.Pangu,
	Save:        SaveAll,
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Steps <= 0:
		return fmt.Errorf("step count %d is not positive", c.Steps)
	case c.FineHours <= 0:
		return fmt.Errorf("fine step of %d hours is not positive", c.FineHours)
	case c.CoarseRatio <= 0:
		return fmt.Errorf("coarse ratio %d is not positive", c.CoarseRatio)
	case c.Save == nil:
		return fmt.Errorf("no save policy")
	}
	return c.Grid.Validate()
}

// FineName and CoarseName label the two models, e.g. "6h" and "24h".
func (c Config) FineName() string   { return fmt.Sprintf("%dh", c.FineHours) }
func (c Config) CoarseName() string { return fmt.Sprintf("%dh", c.FineHours*c.CoarseRatio) }

// Step is one state of the trajectory.
type Step struct {
	Index     int
	LeadHours int
	ValidTime time.Time
	// Model is "init" for the initial condition, otherwise the name of the
	// model that produced the state.
	Model string
	State tensor.State
	// Paths lists the files written by the sink; empty when the save policy
	// skipped the step.
	Paths []string
	// Elapsed is the inference time.
	Elapsed time.Duration
}

// Summary describes a finished run.
type Summary struct {
	Steps       int
	FineCalls   int
	CoarseCalls int
	Saved       int
	Elapsed     time.Duration
}

// Driver runs forecasts. It is not safe for concurrent use, but a new Driver
// can be built for every run from the same models.
type Driver struct {
	logger *slog.Logger
	cfg    Config
	fine   Model
	coarse Model
	sink   Sink
	hooks  []Hook
}

// New creates a Driver.
func New(logger *slog.Logger, cfg Config, fine, coarse Model, sink Sink, hooks ...Hook) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fine == nil || coarse == nil {
		return nil, fmt.Errorf("both models are required")
	}
	if sink == nil {
		return nil, fmt.Errorf("no sink")
	}
	return &Driver{
		logger: logger,
		cfg:    cfg,
		fine:   fine,
		coarse: coarse,
		sink:   sink,
		hooks:  hooks,
	}, nil
}

// Run rolls the forecast out from init. Step 0 is init itself. On failure
// the steps handled so far stay persisted.
func (d *Driver) Run(ctx context.Context, init tensor.State) (Summary, error) {
	var sum Summary
	if err := init.Validate(d.cfg.Grid); err != nil {
		return sum, fmt.Errorf("%w: %w", ErrInput, err)
	}
	start := time.Now()

	if err := d.emit(ctx, &sum, Step{Model: "init", State: init}); err != nil {
		return sum, err
	}

	fine, coarse := init, init
	for i := 0; i < d.cfg.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		model, in, name := d.fine, fine, d.cfg.FineName()
		useCoarse := UsesCoarse(i, d.cfg.CoarseRatio)
		if useCoarse {
			model, in, name = d.coarse, coarse, d.cfg.CoarseName()
		}

		t0 := time.Now()
		out, err := model.Advance(ctx, in)
		if err != nil {
			return sum, fmt.Errorf("%w: step %d (%s): %w", ErrInference, i+1, name, err)
		}
		elapsed := time.Since(t0)
		if !out.SameShape(in) {
			return sum, fmt.Errorf("%w: step %d (%s) changed the state shape from %v, %v to %v, %v",
				ErrInference, i+1, name, in.Upper.Shape, in.Surface.Shape, out.Upper.Shape, out.Surface.Shape)
		}
		if err := out.Validate(d.cfg.Grid); err != nil {
			return sum, fmt.Errorf("%w: step %d (%s): %w", ErrInference, i+1, name, err)
		}
		if d.cfg.CheckFinite {
			if n := out.Upper.NonFinite() + out.Surface.NonFinite(); n > 0 {
				return sum, fmt.Errorf("%w: step %d (%s) has %d bad cells", ErrNonFinite, i+1, name, n)
			}
		}

		if useCoarse {
			coarse = out
			sum.CoarseCalls++
		} else {
			sum.FineCalls++
		}
		fine = out

		err = d.emit(ctx, &sum, Step{Index: i + 1, Model: name, State: out, Elapsed: elapsed})
		if err != nil {
			return sum, err
		}
	}

	sum.Elapsed = time.Since(start)
	return sum, nil
}

func (d *Driver) emit(ctx context.Context, sum *Summary, s Step) error {
	s.LeadHours = s.Index * d.cfg.FineHours
	s.ValidTime = d.cfg.InitTime.Add(time.Duration(s.LeadHours) * time.Hour)

	if d.cfg.Save.Keep(s.Index, d.cfg.Steps) {
		paths, err := d.sink.Save(ctx, s.Index, s.State)
		if err != nil {
			return fmt.Errorf("%w %d: %w", ErrPersist, s.Index, err)
		}
		s.Paths = paths
		sum.Saved++
	}
	sum.Steps = s.Index

	for _, h := range d.hooks {
		if err := h.StepDone(ctx, s); err != nil {
			return fmt.Errorf("step %d: %w", s.Index, err)
		}
	}
	d.logger.Info("step",
		"index", s.Index,
		"lead", fmt.Sprintf("+%dh", s.LeadHours),
		"model", s.Model,
		"saved", len(s.Paths) > 0,
		"in", s.Elapsed.Round(time.Millisecond))
	return nil
}
