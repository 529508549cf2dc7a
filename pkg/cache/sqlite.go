package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteConfig configures the durable cache store.
type SQLiteConfig struct {
	// DBPath is the path to the SQLite database file. Required.
	DBPath string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds.
	BusyTimeout time.Duration

	// SweepSchedule is a cron expression for the expired-row sweep
	// (e.g. "0 * * * *" for hourly). Empty disables the sweep.
	SweepSchedule string

	// MaxEntryAge is the age past which the sweep deletes rows.
	// Default: 24 hours.
	MaxEntryAge time.Duration
}

// SQLiteStore is a durable cache Store backed by SQLite in WAL mode with a
// cron-scheduled sweep of expired rows. Suitable for single-instance
// deployments where cache survival across restarts matters.
type SQLiteStore struct {
	db          *sql.DB
	sweeper     *cron.Cron
	maxEntryAge time.Duration
	mu          sync.RWMutex
	closeOnce   sync.Once

	lookupUnaryStmt  *sql.Stmt
	lookupStreamStmt *sql.Stmt
	writeUnaryStmt   *sql.Stmt
	writeStreamStmt  *sql.Stmt
	sweepUnaryStmt   *sql.Stmt
	sweepStreamStmt  *sql.Stmt
}

// NewSQLiteStore opens (or creates) the cache database and starts the sweep
// schedule when configured.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxEntryAge == 0 {
		cfg.MaxEntryAge = 24 * time.Hour
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{db: db, maxEntryAge: cfg.MaxEntryAge}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare cache statements: %w", err)
	}

	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
		store.sweeper = cron.New()
		if _, err := store.sweeper.AddFunc(cfg.SweepSchedule, store.sweep); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to schedule cache sweep: %w", err)
		}
		store.sweeper.Start()
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS unary_cache (
		fingerprint TEXT PRIMARY KEY,
		entry TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stream_cache (
		fingerprint TEXT PRIMARY KEY,
		entry TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_unary_created ON unary_cache(created_at);
	CREATE INDEX IF NOT EXISTS idx_stream_created ON stream_cache(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.lookupUnaryStmt, err = s.db.Prepare(`
		SELECT entry, created_at FROM unary_cache WHERE fingerprint = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare unary lookup: %w", err)
	}

	s.lookupStreamStmt, err = s.db.Prepare(`
		SELECT entry, created_at FROM stream_cache WHERE fingerprint = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stream lookup: %w", err)
	}

	s.writeUnaryStmt, err = s.db.Prepare(`
		INSERT INTO unary_cache (fingerprint, entry, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			entry = excluded.entry,
			created_at = excluded.created_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare unary write: %w", err)
	}

	s.writeStreamStmt, err = s.db.Prepare(`
		INSERT INTO stream_cache (fingerprint, entry, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			entry = excluded.entry,
			created_at = excluded.created_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stream write: %w", err)
	}

	s.sweepUnaryStmt, err = s.db.Prepare(`DELETE FROM unary_cache WHERE created_at < ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare unary sweep: %w", err)
	}
	s.sweepStreamStmt, err = s.db.Prepare(`DELETE FROM stream_cache WHERE created_at < ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare stream sweep: %w", err)
	}
	return nil
}

// LookupUnary implements Store.
func (s *SQLiteStore) LookupUnary(ctx context.Context, fingerprint string, maxAge time.Duration) (*UnaryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		raw       string
		createdAt int64
	)
	err := s.lookupUnaryStmt.QueryRowContext(ctx, fingerprint).Scan(&raw, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up unary entry: %w", err)
	}
	created := time.Unix(createdAt, 0)
	if expired(created, maxAge, time.Now()) {
		return nil, nil
	}

	entry := &UnaryEntry{}
	if err := json.Unmarshal([]byte(raw), entry); err != nil {
		return nil, fmt.Errorf("failed to decode unary entry: %w", err)
	}
	entry.CreatedAt = created
	return entry, nil
}

// LookupStream implements Store.
func (s *SQLiteStore) LookupStream(ctx context.Context, fingerprint string, maxAge time.Duration) (*StreamEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		raw       string
		createdAt int64
	)
	err := s.lookupStreamStmt.QueryRowContext(ctx, fingerprint).Scan(&raw, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up stream entry: %w", err)
	}
	created := time.Unix(createdAt, 0)
	if expired(created, maxAge, time.Now()) {
		return nil, nil
	}

	entry := &StreamEntry{}
	if err := json.Unmarshal([]byte(raw), entry); err != nil {
		return nil, fmt.Errorf("failed to decode stream entry: %w", err)
	}
	entry.CreatedAt = created
	return entry, nil
}

// WriteUnary implements Store.
func (s *SQLiteStore) WriteUnary(ctx context.Context, fingerprint string, entry *UnaryEntry) error {
	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode unary entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writeUnaryStmt.ExecContext(ctx, fingerprint, string(raw), stored.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("failed to write unary entry: %w", err)
	}
	return nil
}

// WriteStream implements Store.
func (s *SQLiteStore) WriteStream(ctx context.Context, fingerprint string, entry *StreamEntry) error {
	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode stream entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writeStreamStmt.ExecContext(ctx, fingerprint, string(raw), stored.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("failed to write stream entry: %w", err)
	}
	return nil
}

// sweep deletes rows older than the configured max entry age.
func (s *SQLiteStore) sweep() {
	cutoff := time.Now().Add(-s.maxEntryAge).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := int64(0)
	for _, stmt := range []*sql.Stmt{s.sweepUnaryStmt, s.sweepStreamStmt} {
		result, err := stmt.Exec(cutoff)
		if err != nil {
			slog.Error("cache sweep failed", "error", err)
			return
		}
		if n, err := result.RowsAffected(); err == nil {
			deleted += n
		}
	}
	if deleted > 0 {
		slog.Info("cache sweep completed", "deleted_rows", deleted)
	}
}

// Sweep runs one sweep cycle immediately, outside the schedule.
func (s *SQLiteStore) Sweep() { s.sweep() }

// Close stops the sweep schedule and closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.sweeper != nil {
			<-s.sweeper.Stop().Done()
		}
		for _, stmt := range []*sql.Stmt{
			s.lookupUnaryStmt, s.lookupStreamStmt,
			s.writeUnaryStmt, s.writeStreamStmt,
			s.sweepUnaryStmt, s.sweepStreamStmt,
		} {
			if stmt != nil {
				stmt.Close()
			}
		}
		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})
	return closeErr
}
