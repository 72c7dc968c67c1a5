// Package ledger records forecast runs and the digests of their states in
// SQLite, so reruns can be checked for byte-identical output.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rtm0/pangu/internal/rollout"
	"github.com/rtm0/pangu/internal/tensor"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    init_time    TEXT NOT NULL,
    fine_model   TEXT NOT NULL,
    coarse_model TEXT NOT NULL,
    steps        INTEGER NOT NULL DEFAULT 0,
    input_digest TEXT NOT NULL DEFAULT '',
    started_at   DATETIME NOT NULL,
    finished_at  DATETIME,
    status       TEXT NOT NULL,
    error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_init_time ON runs(init_time);

CREATE TABLE IF NOT EXISTS steps (
    run_id         TEXT NOT NULL REFERENCES runs(id),
    idx            INTEGER NOT NULL,
    lead_hours     INTEGER NOT NULL,
    valid_time     TEXT NOT NULL,
    model          TEXT NOT NULL,
    upper_path     TEXT,
    surface_path   TEXT,
    upper_digest   TEXT NOT NULL,
    surface_digest TEXT NOT NULL,
    elapsed_ms     INTEGER NOT NULL,
    PRIMARY KEY (run_id, idx)
);
`

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Ledger is a SQLite-backed run history.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path. ":memory:" gives a private
// in-memory ledger.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("could not open ledger %q: %w", path, err)
	}
	// One writer at a time, and an in-memory database lives on a single
	// connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize ledger %q: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate ledger %q: %w", path, err)
	}
	return &Ledger{db: db}, nil
}

// runColumns are the runs columns added after the first schema, with their
// definitions.
var runColumns = [][2]string{
	{"steps", "INTEGER NOT NULL DEFAULT 0"},
	{"input_digest", "TEXT NOT NULL DEFAULT ''"},
}

// migrate adds missing runs columns to a ledger created by an older build.
func migrate(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('runs')`)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, c := range runColumns {
		if have[c[0]] {
			continue
		}
		if _, err := db.Exec(`ALTER TABLE runs ADD COLUMN ` + c[0] + ` ` + c[1]); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Key identifies a forecast. Two runs with equal keys must produce the same
// states.
type Key struct {
	InitTime    time.Time
	FineModel   string
	CoarseModel string
	Steps       int
	// Input is the InputDigest of the initial state.
	Input string
}

// InputDigest fingerprints an initial state, shapes included.
func InputDigest(s tensor.State) string {
	return digest(s.Upper) + "/" + digest(s.Surface)
}

// Run is one forecast being recorded.
type Run struct {
	ID string
	Key

	l *Ledger
}

// Begin registers a new run.
func (l *Ledger) Begin(ctx context.Context, key Key) (*Run, error) {
	key.InitTime = key.InitTime.UTC()
	r := &Run{ID: uuid.NewString(), Key: key, l: l}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, init_time, fine_model, coarse_model, steps, input_digest, started_at, status)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, key.InitTime.Format(time.RFC3339), key.FineModel, key.CoarseModel, key.Steps, key.Input,
		time.Now().UTC(), StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("could not record run: %w", err)
	}
	return r, nil
}

// StepDone records the digests of a step. It implements rollout.Hook.
func (r *Run) StepDone(ctx context.Context, s rollout.Step) error {
	var upperPath, surfacePath sql.NullString
	if len(s.Paths) == 2 {
		upperPath = sql.NullString{String: s.Paths[0], Valid: true}
		surfacePath = sql.NullString{String: s.Paths[1], Valid: true}
	}
	_, err := r.l.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, idx, lead_hours, valid_time, model, upper_path, surface_path, upper_digest, surface_digest, elapsed_ms)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, s.Index, s.LeadHours, s.ValidTime.UTC().Format(time.RFC3339), s.Model,
		upperPath, surfacePath,
		digest(s.State.Upper), digest(s.State.Surface),
		s.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("could not record step %d of run %s: %w", s.Index, r.ID, err)
	}
	return nil
}

// Finish marks the run complete, or failed when runErr is not nil.
func (r *Run) Finish(ctx context.Context, runErr error) error {
	status := StatusComplete
	var msg sql.NullString
	if runErr != nil {
		status = StatusFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), status, msg, r.ID)
	return err
}

// Status returns the recorded status of a run.
func (l *Ledger) Status(ctx context.Context, runID string) (string, error) {
	var status string
	err := l.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	return status, err
}

// Previous returns the most recent complete run other than r with the same
// key, or "" if there is none.
func (l *Ledger) Previous(ctx context.Context, r *Run) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx,
		`SELECT id FROM runs
         WHERE init_time = ? AND fine_model = ? AND coarse_model = ? AND steps = ? AND input_digest = ?
           AND status = ? AND id != ?
         ORDER BY started_at DESC LIMIT 1`,
		r.InitTime.Format(time.RFC3339), r.FineModel, r.CoarseModel, r.Steps, r.Input,
		StatusComplete, r.ID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// Mismatch is a step whose digests differ between two runs.
type Mismatch struct {
	Index  int
	Reason string
}

// Compare lists the steps at which runs a and b differ.
func (l *Ledger) Compare(ctx context.Context, a, b string) ([]Mismatch, error) {
	da, err := l.digests(ctx, a)
	if err != nil {
		return nil, err
	}
	db, err := l.digests(ctx, b)
	if err != nil {
		return nil, err
	}

	var out []Mismatch
	last := max(maxKey(da), maxKey(db))
	for i := 0; i <= last; i++ {
		x, okA := da[i]
		y, okB := db[i]
		switch {
		case !okA && !okB:
		case !okA || !okB:
			out = append(out, Mismatch{Index: i, Reason: "missing"})
		case x[0] != y[0]:
			out = append(out, Mismatch{Index: i, Reason: "upper-air differs"})
		case x[1] != y[1]:
			out = append(out, Mismatch{Index: i, Reason: "surface differs"})
		}
	}
	return out, nil
}

func (l *Ledger) digests(ctx context.Context, runID string) (map[int][2]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT idx, upper_digest, surface_digest FROM steps WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := make(map[int][2]string)
	for rows.Next() {
		var idx int
		var d [2]string
		if err := rows.Scan(&idx, &d[0], &d[1]); err != nil {
			return nil, err
		}
		m[idx] = d
	}
	return m, rows.Err()
}

func maxKey(m map[int][2]string) int {
	n := -1
	for k := range m {
		n = max(n, k)
	}
	return n
}

func digest(t tensor.Tensor) string {
	return fmt.Sprintf("%016x", tensor.Digest(t))
}
