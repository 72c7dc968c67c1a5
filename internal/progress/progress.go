// Package progress draws a terminal progress bar for a rollout.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gosuri/uiprogress"
	"github.com/rtm0/pangu/internal/rollout"
)

// Bar is a rollout hook advancing a bar by one per forecast step.
type Bar struct {
	progress *uiprogress.Progress
	bar      *uiprogress.Bar

	mu    sync.Mutex
	label string
}

// New starts drawing a bar for a run of the given number of steps to out.
func New(out io.Writer, steps int) *Bar {
	b := &Bar{progress: uiprogress.New(), label: "+0h"}
	b.progress.SetOut(out)
	b.bar = b.progress.AddBar(steps).AppendCompleted().PrependElapsed()
	b.bar.PrependFunc(func(*uiprogress.Bar) string {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.label
	})
	b.progress.Start()
	return b
}

// StepDone implements rollout.Hook.
func (b *Bar) StepDone(_ context.Context, s rollout.Step) error {
	b.mu.Lock()
	b.label = fmt.Sprintf("%5s %-4s", fmt.Sprintf("+%dh", s.LeadHours), s.Model)
	b.mu.Unlock()
	if s.Index > 0 {
		b.bar.Incr()
	}
	return nil
}

// Current returns the number of completed steps.
func (b *Bar) Current() int {
	return b.bar.Current()
}

// Stop stops redrawing.
func (b *Bar) Stop() {
	b.progress.Stop()
}
