package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/sitesync/internal/codec"
	"github.com/hyperengineering/sitesync/internal/types"
	_ "modernc.org/sqlite"
)

const stateKey = "state"

// SQLiteStore is the SQLite-backed implementation of LocalStore and
// ContentStore. A client uses the kv table; the self-hosted contents server
// uses the contents tables. Both share one schema.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ LocalStore   = (*SQLiteStore)(nil)
	_ ContentStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas. synchronous=FULL makes every committed
// Save survive power loss, not just process crashes.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the persisted snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (*types.Snapshot, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, stateKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := codec.UnmarshalSnapshot([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

// Save replaces the persisted snapshot.
func (s *SQLiteStore) Save(ctx context.Context, snap *types.Snapshot) error {
	if snap == nil {
		return errors.New("save snapshot: nil snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.put(ctx, stateKey, string(data))
}

// GetMeta returns a metadata value.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, metaKey(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	return s.put(ctx, metaKey(key), value)
}

func (s *SQLiteStore) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func metaKey(key string) string { return "meta:" + key }

// GetContent returns the current revision of path.
func (s *SQLiteStore) GetContent(ctx context.Context, path string) (*Content, error) {
	var c Content
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT path, content, sha, updated_at FROM contents WHERE path = ?`, path,
	).Scan(&c.Path, &c.Data, &c.SHA, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", path, err)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

// PutContent performs the compare-and-swap write described on ContentStore.
// The read of the current sha and the write happen in one transaction.
func (s *SQLiteStore) PutContent(ctx context.Context, path string, data []byte, expectedSHA, message string) (*Content, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT sha FROM contents WHERE path = ?`, path).Scan(&current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, false, fmt.Errorf("read current sha: %w", err)
	}

	switch {
	case !exists && expectedSHA != "":
		return nil, false, fmt.Errorf("%w: %s does not exist", ErrConflict, path)
	case exists && expectedSHA == "":
		return nil, false, ErrSHARequired
	case exists && expectedSHA != current:
		return nil, false, fmt.Errorf("%w: have %s", ErrConflict, current)
	}

	now := time.Now().UTC()
	sha := codec.ContentSHA(data)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO contents (path, content, sha, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET content = excluded.content, sha = excluded.sha, updated_at = excluded.updated_at
	`, path, data, sha, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("write content: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contents_history (path, sha, parent_sha, message, created_at) VALUES (?, ?, ?, ?, ?)
	`, path, sha, current, message, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("record history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	return &Content{Path: path, Data: data, SHA: sha, UpdatedAt: now}, !exists, nil
}

// History returns up to limit revisions of path, newest first.
func (s *SQLiteStore) History(ctx context.Context, path string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sha, parent_sha, message, created_at FROM contents_history
		WHERE path = ? ORDER BY id DESC LIMIT ?
	`, path, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		var r Revision
		var createdAt string
		if err := rows.Scan(&r.SHA, &r.ParentSHA, &r.Message, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		revs = append(revs, r)
	}
	return revs, rows.Err()
}
