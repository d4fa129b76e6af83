package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"mercator-hq/relay/pkg/engine"

	_ "modernc.org/sqlite" // SQLite driver
)

// Default store settings.
const (
	DefaultBusyTimeout        = 5 * time.Second
	DefaultCheckpointInterval = 5 * time.Minute
)

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Retention is how long snapshots are kept. Zero keeps them forever.
	Retention time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// CheckpointInterval is how often the WAL is checkpointed.
	// Default: 5 minutes
	CheckpointInterval time.Duration
}

// Snapshot is one provider's state at a point in time.
type Snapshot struct {
	Time        time.Time     `json:"time"`
	Provider    string        `json:"provider"`
	Healthy     bool          `json:"healthy"`
	Circuit     string        `json:"circuit"`
	Weight      float64       `json:"weight"`
	P95Latency  time.Duration `json:"p95_latency"`
	SuccessRate float64       `json:"success_rate"`
	Requests    int64         `json:"requests"`
	InFlight    int           `json:"in_flight"`
	Pending     int           `json:"pending"`
}

// Filter selects snapshots in Query.
type Filter struct {
	// Provider restricts results to one provider when set.
	Provider string
	// Since and Until bound the snapshot time. Zero values are open.
	Since time.Time
	Until time.Time
	// Limit caps the number of rows. Zero means no limit.
	Limit int
}

// Store is a SQLite-backed snapshot store. It is safe for concurrent use.
type Store struct {
	db        *sql.DB
	retention time.Duration
	done      chan struct{}
	closeOnce sync.Once

	insertStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
}

// Open opens or creates the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:        db,
		retention: cfg.Retention,
		done:      make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}

	go s.checkpointLoop(cfg.CheckpointInterval)
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS provider_snapshots (
		taken_at     INTEGER NOT NULL,
		provider     TEXT NOT NULL,
		healthy      INTEGER NOT NULL,
		circuit      TEXT NOT NULL,
		weight       REAL NOT NULL,
		p95_us       INTEGER NOT NULL,
		success_rate REAL NOT NULL,
		requests     INTEGER NOT NULL,
		in_flight    INTEGER NOT NULL,
		pending      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_time ON provider_snapshots(taken_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_provider ON provider_snapshots(provider, taken_at);
	`)
	return err
}

func (s *Store) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO provider_snapshots
			(taken_at, provider, healthy, circuit, weight, p95_us, success_rate, requests, in_flight, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`DELETE FROM provider_snapshots WHERE taken_at < ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}
	return nil
}

// Save writes snapshots in a single transaction.
func (s *Store) Save(ctx context.Context, snapshots []Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.insertStmt)
	for _, snap := range snapshots {
		if snap.Provider == "" {
			return fmt.Errorf("snapshot provider cannot be empty")
		}
		healthy := 0
		if snap.Healthy {
			healthy = 1
		}
		if _, err := stmt.ExecContext(ctx,
			snap.Time.UnixMilli(),
			snap.Provider,
			healthy,
			snap.Circuit,
			snap.Weight,
			snap.P95Latency.Microseconds(),
			snap.SuccessRate,
			snap.Requests,
			snap.InFlight,
			snap.Pending,
		); err != nil {
			return fmt.Errorf("failed to save snapshot for %s: %w", snap.Provider, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshots: %w", err)
	}
	return nil
}

// Record saves one snapshot per provider in stats, taken at at, and prunes
// rows older than the retention window.
func (s *Store) Record(ctx context.Context, stats engine.Stats, at time.Time) error {
	if err := s.Save(ctx, SnapshotsFromStats(stats, at)); err != nil {
		return err
	}
	if s.retention > 0 {
		if _, err := s.Cleanup(ctx, at.Add(-s.retention)); err != nil {
			return err
		}
	}
	return nil
}

// Query returns snapshots matching f, oldest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if !f.Since.IsZero() {
		where = append(where, "taken_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "taken_at <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	query := `SELECT taken_at, provider, healthy, circuit, weight, p95_us, success_rate, requests, in_flight, pending
		FROM provider_snapshots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY taken_at, provider"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			takenAt int64
			healthy int
			p95     int64
		)
		if err := rows.Scan(&takenAt, &snap.Provider, &healthy, &snap.Circuit, &snap.Weight,
			&p95, &snap.SuccessRate, &snap.Requests, &snap.InFlight, &snap.Pending); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Time = time.UnixMilli(takenAt)
		snap.Healthy = healthy == 1
		snap.P95Latency = time.Duration(p95) * time.Microsecond
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// Cleanup deletes snapshots taken before olderThan and returns how many
// were removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.cleanupStmt.ExecContext(ctx, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Close releases the database. It is safe to call more than once.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.insertStmt != nil {
			s.insertStmt.Close()
		}
		if s.cleanupStmt != nil {
			s.cleanupStmt.Close()
		}
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) checkpointLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// SnapshotsFromStats flattens an engine snapshot into one row per provider.
func SnapshotsFromStats(stats engine.Stats, at time.Time) []Snapshot {
	circuits := make(map[string]string, len(stats.Circuits))
	for _, c := range stats.Circuits {
		circuits[c.Provider] = c.StateName
	}
	pending := make(map[string]int, len(stats.Queues))
	for _, q := range stats.Queues {
		pending[q.Provider] = q.Pending
	}

	out := make([]Snapshot, 0, len(stats.Balancer.Providers))
	for _, p := range stats.Balancer.Providers {
		state := circuits[p.ID]
		if state == "" {
			state = "CLOSED"
		}
		out = append(out, Snapshot{
			Time:        at,
			Provider:    p.ID,
			Healthy:     p.Healthy,
			Circuit:     state,
			Weight:      p.ComputedWeight,
			P95Latency:  p.P95Latency,
			SuccessRate: p.SuccessRate,
			Requests:    p.TotalRequests,
			InFlight:    p.CurrentConcurrent,
			Pending:     pending[p.ID],
		})
	}
	return out
}
