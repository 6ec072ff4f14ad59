// Package persistence keeps the durable side of the session core in
// SQLite: the project registry, the last snapshot of each project and the
// audit log. Live session state stays in memory; on restart the registry
// and snapshots let a returning client resync instead of starting over.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"

	"github.com/basket/clawremote/internal/codec"
	"github.com/basket/clawremote/internal/protocol"
)

const (
	// v1: project registry and snapshot blobs.
	schemaVersionV1  = 1
	schemaChecksumV1 = "cr-v1-2026-03-02-projects"

	// v2: audit_log mirror and kv_store.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cr-v2-2026-03-09-audit-kv"

	schemaVersionLatest = schemaVersionV2
)

type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  schemaVersionV1,
		checksum: schemaChecksumV1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				path TEXT NOT NULL DEFAULT '',
				repo_url TEXT NOT NULL DEFAULT '',
				agent_session_id TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL DEFAULT 'DISCONNECTED',
				initialized INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS project_snapshots (
				project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
				latest_id INTEGER NOT NULL,
				blob BLOB NOT NULL,
				taken_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_project_snapshots_taken_at ON project_snapshots(taken_at);`,
		},
	},
	{
		version:  schemaVersionV2,
		checksum: schemaChecksumV2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				project_id TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				decision TEXT NOT NULL CHECK(decision IN ('allow', 'deny')),
				reason TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at);`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		},
	},
}

// ProjectRecord is one row of the project registry.
type ProjectRecord struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	RepoURL        string    `json:"repo_url,omitempty"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	State          string    `json:"state"`
	Initialized    bool      `json:"initialized"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("persistence: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, on top of the
// driver's busy_timeout. Any other error ends the loop at once.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.RandomizationFactor = 0.25

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f()
		if err != nil && !isSQLiteBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries)+1),
		backoff.WithMaxElapsedTime(0),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	// Errors that crossed a fmt.Errorf("%v") boundary only keep the text.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing)
			if err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// UpsertProject inserts or updates a project. Empty string fields leave
// the stored value untouched; Initialized only ever moves to true.
func (s *Store) UpsertProject(ctx context.Context, rec ProjectRecord) error {
	if rec.ID == "" {
		return errors.New("upsert project: empty id")
	}
	state := rec.State
	if state == "" {
		state = "DISCONNECTED"
	}
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, path, repo_url, agent_session_id, state, initialized, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				path = CASE WHEN excluded.path != '' THEN excluded.path ELSE projects.path END,
				repo_url = CASE WHEN excluded.repo_url != '' THEN excluded.repo_url ELSE projects.repo_url END,
				agent_session_id = CASE WHEN excluded.agent_session_id != '' THEN excluded.agent_session_id ELSE projects.agent_session_id END,
				state = CASE WHEN ? != '' THEN excluded.state ELSE projects.state END,
				initialized = MAX(projects.initialized, excluded.initialized),
				updated_at = excluded.updated_at;
		`, rec.ID, rec.Path, rec.RepoURL, rec.AgentSessionID, state, boolToInt(rec.Initialized), now, now, rec.State)
		if err != nil {
			return fmt.Errorf("upsert project %s: %w", rec.ID, err)
		}
		return nil
	})
}

// SetProjectState records the latest connection state for a project,
// creating the row if needed.
func (s *Store) SetProjectState(ctx context.Context, projectID, state string) error {
	return s.UpsertProject(ctx, ProjectRecord{ID: projectID, State: state})
}

// GetProject returns nil, nil when the project is unknown.
func (s *Store) GetProject(ctx context.Context, projectID string) (*ProjectRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, repo_url, agent_session_id, state, initialized, created_at, updated_at
		FROM projects WHERE id = ?;
	`, projectID)
	rec, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return &rec, nil
}

// ListProjects returns every registered project, most recently updated first.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, repo_url, agent_session_id, state, initialized, created_at, updated_at
		FROM projects ORDER BY updated_at DESC, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectRecord
	for rows.Next() {
		rec, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteProject removes a project and, by cascade, its snapshot.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?;`, projectID)
		return err
	})
}

func scanProject(scan func(dest ...any) error) (ProjectRecord, error) {
	var rec ProjectRecord
	var initialized int
	err := scan(&rec.ID, &rec.Path, &rec.RepoURL, &rec.AgentSessionID, &rec.State, &initialized, &rec.CreatedAt, &rec.UpdatedAt)
	rec.Initialized = initialized != 0
	return rec, err
}

// SaveSnapshot replaces the stored snapshot of snap.ProjectID. The blob is
// deterministic CBOR.
func (s *Store) SaveSnapshot(ctx context.Context, snap protocol.Snapshot) error {
	if snap.ProjectID == "" {
		return errors.New("save snapshot: empty project id")
	}
	blob, err := codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	takenAt := snap.TakenAt.UTC()
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	if err := s.UpsertProject(ctx, ProjectRecord{ID: snap.ProjectID}); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO project_snapshots (project_id, latest_id, blob, taken_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET
				latest_id = excluded.latest_id,
				blob = excluded.blob,
				taken_at = excluded.taken_at;
		`, snap.ProjectID, int64(snap.LatestID), blob, takenAt)
		if err != nil {
			return fmt.Errorf("save snapshot %s: %w", snap.ProjectID, err)
		}
		return nil
	})
}

// LoadSnapshot returns nil, nil when no snapshot is stored.
func (s *Store) LoadSnapshot(ctx context.Context, projectID string) (*protocol.Snapshot, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM project_snapshots WHERE project_id = ?;`, projectID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", projectID, err)
	}
	var snap protocol.Snapshot
	if err := codec.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", projectID, err)
	}
	return &snap, nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
	`, key, val, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("kv_set: %w", err)
	}
	return nil
}

// KVGet returns "" for a missing key.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
