// Package store persists channels and their logs in SQLite via the pure-Go
// modernc.org/sqlite driver. Connection pragmas and pool invariants follow
// the same WAL + busy_timeout discipline as the rest of our persistence
// code; schema evolution rides PRAGMA user_version.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/streamforge/supervisor/internal/log"
)

// Options defines SQLite operational parameters.
type Options struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int

	// MaxLogEntriesPerChannel bounds per-channel log retention; inserts
	// beyond the cap prune oldest entries. Zero means the default.
	MaxLogEntriesPerChannel int
}

// Store is the channels/channel_logs persistence layer.
type Store struct {
	db      *sql.DB
	maxLogs int
}

// Open initializes the SQLite pool with mandatory PRAGMAs (applied via DSN
// so they hold for every pooled connection) and runs pending migrations.
func Open(opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxLogEntriesPerChannel <= 0 {
		opts.MaxLogEntriesPerChannel = 1000
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		opts.Path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &Store{db: db, maxLogs: opts.MaxLogEntriesPerChannel}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// migrations is the ordered schema history; user_version records how many
// have been applied.
var migrations = []string{
	`
	CREATE TABLE channels (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'STOPPED',
		input_url    TEXT NOT NULL,
		ffmpeg_params TEXT NOT NULL DEFAULT '{}',
		outputs      TEXT NOT NULL DEFAULT '[]',
		auto_restart INTEGER NOT NULL DEFAULT 0,
		pid          INTEGER,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	);
	CREATE INDEX idx_channels_status ON channels(status);
	CREATE INDEX idx_channels_pid ON channels(pid);
	CREATE INDEX idx_channels_created_at ON channels(created_at);

	CREATE TABLE channel_logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		level      TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX idx_channel_logs_channel_id ON channel_logs(channel_id);
	CREATE INDEX idx_channel_logs_created_at ON channel_logs(created_at);
	CREATE INDEX idx_channel_logs_level ON channel_logs(level);
	`,
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}

	logger := log.WithComponent("store")
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: migration %d failed: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: bump user_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", i+1, err)
		}
		logger.Info().Int("version", i+1).Msg("applied schema migration")
	}
	return nil
}
