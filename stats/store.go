// Package stats keeps a history of reference-processing cycles in SQLite.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chazu/refgc/weak"
)

// ErrCycleNotFound indicates the requested cycle is not in the store.
var ErrCycleNotFound = errors.New("cycle not found")

// Cycle is one stored cycle.
type Cycle struct {
	ID    uuid.UUID
	Run   string
	Stats weak.CycleStats
}

// Store records cycle statistics.
type Store struct {
	db  *sql.DB
	run string
	mu  sync.Mutex
}

const schema = `CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	run TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	nursery INTEGER NOT NULL,
	soft_cleared INTEGER NOT NULL,
	weak_cleared INTEGER NOT NULL,
	late_cleared INTEGER NOT NULL,
	phantom_cleared INTEGER NOT NULL,
	readied INTEGER NOT NULL,
	candidates INTEGER NOT NULL,
	enqueued INTEGER NOT NULL
)`

// Open opens or creates the history database at path. Every cycle recorded
// through the returned store is tagged with a fresh run id.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, run: uuid.NewString()}, nil
}

// Run returns the id shared by every cycle recorded by this store.
func (s *Store) Run() string { return s.run }

// Record stores one cycle and returns its id.
func (s *Store) Record(ctx context.Context, st weak.CycleStats) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, run, started_at, duration_ns, nursery, soft_cleared, weak_cleared,
			late_cleared, phantom_cleared, readied, candidates, enqueued)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), s.run, st.Timestamp.UnixNano(), int64(st.Duration), st.Nursery,
		st.SoftCleared, st.WeakCleared, st.LateCleared, st.PhantomCleared,
		st.Readied, st.Candidates, st.Enqueued)
	if err != nil {
		return uuid.Nil, fmt.Errorf("recording cycle: %w", err)
	}
	return id, nil
}

const selectCycle = `SELECT id, run, started_at, duration_ns, nursery, soft_cleared, weak_cleared,
	late_cleared, phantom_cleared, readied, candidates, enqueued FROM cycles`

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(row scanner) (Cycle, error) {
	var (
		c        Cycle
		id       string
		started  int64
		duration int64
	)
	err := row.Scan(&id, &c.Run, &started, &duration, &c.Stats.Nursery,
		&c.Stats.SoftCleared, &c.Stats.WeakCleared, &c.Stats.LateCleared, &c.Stats.PhantomCleared,
		&c.Stats.Readied, &c.Stats.Candidates, &c.Stats.Enqueued)
	if err != nil {
		return Cycle{}, err
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return Cycle{}, fmt.Errorf("cycle id %q: %w", id, err)
	}
	c.Stats.Timestamp = time.Unix(0, started)
	c.Stats.Duration = time.Duration(duration)
	return c, nil
}

// Get returns a single cycle.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Cycle, error) {
	c, err := scanCycle(s.db.QueryRowContext(ctx, selectCycle+" WHERE id = ?", id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Cycle{}, ErrCycleNotFound
	}
	if err != nil {
		return Cycle{}, fmt.Errorf("loading cycle %s: %w", id, err)
	}
	return c, nil
}

// Recent returns up to limit cycles, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Cycle, error) {
	rows, err := s.db.QueryContext(ctx, selectCycle+" ORDER BY started_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("listing cycles: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Totals sums the cleared and readied counts of every cycle in run.
func (s *Store) Totals(ctx context.Context, run string) (weak.CycleStats, int, error) {
	var (
		t weak.CycleStats
		n int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(soft_cleared), 0), COALESCE(SUM(weak_cleared), 0),
			COALESCE(SUM(late_cleared), 0), COALESCE(SUM(phantom_cleared), 0),
			COALESCE(SUM(readied), 0), COALESCE(SUM(enqueued), 0)
		FROM cycles WHERE run = ?`, run).
		Scan(&n, &t.SoftCleared, &t.WeakCleared, &t.LateCleared, &t.PhantomCleared, &t.Readied, &t.Enqueued)
	if err != nil {
		return weak.CycleStats{}, 0, fmt.Errorf("summing run %s: %w", run, err)
	}
	return t, n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
