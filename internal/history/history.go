// Package history keeps one SQLite row per finished motion operation.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/telemetry"
)

var _ telemetry.Recorder = (*Store)(nil)

const (
	defaultLimit      = 50
	maxLimit          = 1000
	connectionTimeout = 5 * time.Second
	// queueSize bounds the operations waiting to be written.
	queueSize = 256
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id          TEXT PRIMARY KEY,
	device      TEXT NOT NULL,
	name        TEXT NOT NULL,
	start_ns    INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	code        TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS operations_device_start ON operations (device, start_ns);
`

// Store writes operations in the background and answers history queries.
type Store struct {
	db    *sql.DB
	log   *logging.Logger
	queue chan motion.Operation
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database at path.
func Open(path string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:    db,
		log:   log.With("component", "history"),
		queue: make(chan motion.Operation, queueSize),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer s.wg.Done()
	for op := range s.queue {
		if err := s.Insert(context.Background(), op); err != nil {
			s.log.Warn("recording operation", "op_id", op.ID, "error", err)
		}
	}
}

// Insert writes op immediately.
func (s *Store) Insert(ctx context.Context, op motion.Operation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (id, device, name, start_ns, duration_ns, code, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Device, op.Name, op.Start.UnixNano(), int64(op.Duration), string(op.Code), op.Error)
	if err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}
	return nil
}

// RecordOperation queues op for writing. Operations are dropped if the
// queue is full.
func (s *Store) RecordOperation(op motion.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- op:
	default:
		s.log.Warn("history queue full, dropping operation", "op_id", op.ID)
	}
}

func (s *Store) RecordStatus(telemetry.StatusChange) {}

// List returns the most recent operations of device, newest first. An
// empty device lists every device.
func (s *Store) List(ctx context.Context, device string, limit int) ([]motion.Operation, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, name, start_ns, duration_ns, code, error
		 FROM operations
		 WHERE ? = '' OR device = ?
		 ORDER BY start_ns DESC
		 LIMIT ?`,
		device, device, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	ops := []motion.Operation{}
	for rows.Next() {
		var op motion.Operation
		var start, duration int64
		var code string
		if err := rows.Scan(&op.ID, &op.Device, &op.Name, &start, &duration, &code, &op.Error); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.Start = time.Unix(0, start)
		op.Duration = time.Duration(duration)
		op.Code = motion.Code(code)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}

// Prune deletes operations that started before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE start_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning operations: %w", err)
	}
	return res.RowsAffected()
}

// Close writes the queued operations and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}
