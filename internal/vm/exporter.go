package vm

import (
	"context"
	"math"

	"github.com/rtm0/pangu/internal/rollout"
	"github.com/rtm0/pangu/internal/tensor"
	"github.com/sourcegraph/conc/pool"
)

// Exporter is a rollout hook that pushes field statistics of every step.
type Exporter struct {
	cli           *Client
	grid          tensor.Grid
	run           string
	recsPerInsert int
}

// NewExporter creates an exporter labelling its series with run.
func NewExporter(cli *Client, grid tensor.Grid, run string, recsPerInsert int) *Exporter {
	return &Exporter{cli: cli, grid: grid, run: run, recsPerInsert: max(recsPerInsert, 1)}
}

// StepDone implements rollout.Hook. Batches are posted over as many
// connections as the client allows and have all been sent when it returns.
func (e *Exporter) StepDone(_ context.Context, s rollout.Step) error {
	recs := e.records(s)
	n := len(recs)
	p := pool.New().WithMaxGoroutines(e.cli.maxConns)
	for i := 0; i < n; i += e.recsPerInsert {
		batch := recs[i:min(i+e.recsPerInsert, n)]
		p.Go(func() { e.cli.Insert(batch) })
	}
	p.Wait()
	return nil
}

func (e *Exporter) records(s rollout.Step) []Record {
	stats := tensor.Summarize(s.State, e.grid)
	recs := make([]Record, 0, len(stats))
	for _, fs := range stats {
		// A field without a single finite cell has no min, max or mean.
		if math.IsNaN(fs.Mean) {
			e.cli.logger.Warn("Field has no finite values", "lead", s.LeadHours, "var", fs.Var, "level", fs.Level)
			continue
		}
		recs = append(recs, Record{
			Timestamp: s.ValidTime.UnixMilli(),
			Run:       e.run,
			Lead:      s.LeadHours,
			Var:       fs.Var,
			Level:     fs.Level,
			Min:       fs.Min,
			Max:       fs.Max,
			Mean:      fs.Mean,
			NonFinite: fs.NonFinite,
		})
	}
	return recs
}
