package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the kbsync SQLite database: vector rows, sync state, and
// ingest/sync history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) kbsync.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "kbsync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and avoids
	// "database is locked" under concurrent ingest.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection for packages that own their own tables
// (retrieval.SQLiteStore).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migrations that have not been recorded in
// schema_version yet, in filename order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if err := s.applyMigration(version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, script string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(script); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Sync state ---

// GetState returns the value stored under key, or ErrNotFound.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetState overwrites the value stored under key in a single statement, so
// readers observe either the old or the new value, never a mix.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteState removes key. Deleting a missing key is not an error.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_state WHERE key = ?", key)
	return err
}

// --- Ingested documents ---

func (s *Store) SaveIngestedDocument(ctx context.Context, d IngestedDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (source_id, filename, chunk_count, char_count, ingested_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			filename = excluded.filename,
			chunk_count = excluded.chunk_count,
			char_count = excluded.char_count,
			ingested_at = excluded.ingested_at`,
		d.SourceID, d.Filename, d.ChunkCount, d.CharCount, d.IngestedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetIngestedDocument(ctx context.Context, sourceID string) (IngestedDocument, error) {
	var d IngestedDocument
	var ingestedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, filename, chunk_count, char_count, ingested_at
		FROM documents WHERE source_id = ?`, sourceID,
	).Scan(&d.SourceID, &d.Filename, &d.ChunkCount, &d.CharCount, &ingestedAt)
	if err == sql.ErrNoRows {
		return IngestedDocument{}, ErrNotFound
	}
	if err != nil {
		return IngestedDocument{}, err
	}
	t, err := time.Parse(time.RFC3339, ingestedAt)
	if err != nil {
		return IngestedDocument{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	d.IngestedAt = t
	return d, nil
}

// ListIngestedDocuments returns the most recently ingested uploads first.
func (s *Store) ListIngestedDocuments(ctx context.Context, limit int) ([]IngestedDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, filename, chunk_count, char_count, ingested_at
		FROM documents ORDER BY ingested_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestedDocument
	for rows.Next() {
		var d IngestedDocument
		var ingestedAt string
		if err := rows.Scan(&d.SourceID, &d.Filename, &d.ChunkCount, &d.CharCount, &ingestedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, ingestedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing ingested_at: %w", err)
		}
		d.IngestedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

// DeleteIngestedDocuments forgets every recorded upload.
func (s *Store) DeleteIngestedDocuments(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	return err
}

// --- Sync runs ---

func (s *Store) SaveSyncRun(ctx context.Context, r SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, started_at, finished_at, status, tickets_synced, watermark_from, watermark_to, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.Status, r.TicketsSynced,
		r.WatermarkFrom.UTC().Format(time.RFC3339Nano), r.WatermarkTo.UTC().Format(time.RFC3339Nano),
		r.LastError,
	)
	return err
}

// RecentSyncRuns returns up to limit runs, newest first.
func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, tickets_synced, watermark_from, watermark_to, last_error
		FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		var started, finished, from, to string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.TicketsSynced, &from, &to, &r.LastError); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			raw string
			dst *time.Time
		}{{started, &r.StartedAt}, {finished, &r.FinishedAt}, {from, &r.WatermarkFrom}, {to, &r.WatermarkTo}} {
			t, err := time.Parse(time.RFC3339Nano, f.raw)
			if err != nil {
				return nil, fmt.Errorf("parsing sync run %s timestamps: %w", r.ID, err)
			}
			*f.dst = t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
