// Package workspace implements the workspace sync engine and its backing
// file-record store: database/sql over modernc.org/sqlite, WAL mode, a
// single connection, and a slice-of-DDL migrate().
package workspace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"silexa/substrate/internal/errs"
)

// Source distinguishes who produced a workspace file.
type Source string

const (
	SourceUserUpload Source = "user_upload"
	SourceAICreated  Source = "ai_created"
)

// Record is one workspace file's metadata row.
type Record struct {
	FileID               string
	ConversationID       string
	FilePath             string
	OriginalName         string
	OriginalRelativePath string
	SizeBytes            int64
	MimeType             string
	Version              int
	Source               Source
	IsPresented          bool
	ContentHash          string
	UpdatedAt            time.Time
}

// Store is the SQLite-backed workspace record table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the workspace record database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("workspace: db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("workspace: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("workspace: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS workspace_files (
			file_id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			original_name TEXT NOT NULL,
			original_relative_path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			mime_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			source TEXT NOT NULL,
			is_presented INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(tenant, conversation_id, file_path)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("workspace: migrate: %w", err)
		}
	}
	return nil
}

// Upsert writes rec, bumping version if the (tenant, conv, path) row
// already exists at a different content hash.
func (s *Store) Upsert(ctx context.Context, tenant string, rec Record) error {
	existing, err := s.get(ctx, tenant, rec.ConversationID, rec.FilePath)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.ContentHash == rec.ContentHash {
			return nil // identical content, no version bump, no-op write
		}
		rec.Version = existing.Version + 1
		rec.FileID = existing.FileID
	} else if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.FileID == "" {
		rec.FileID = fmt.Sprintf("%s/%s/%s", tenant, rec.ConversationID, rec.FilePath)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspace_files
			(file_id, tenant, conversation_id, file_path, original_name, original_relative_path,
			 size_bytes, mime_type, version, source, is_presented, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, conversation_id, file_path) DO UPDATE SET
			original_name=excluded.original_name,
			original_relative_path=excluded.original_relative_path,
			size_bytes=excluded.size_bytes,
			mime_type=excluded.mime_type,
			version=excluded.version,
			source=excluded.source,
			is_presented=excluded.is_presented,
			content_hash=excluded.content_hash,
			updated_at=excluded.updated_at
	`,
		rec.FileID, tenant, rec.ConversationID, rec.FilePath, rec.OriginalName, rec.OriginalRelativePath,
		rec.SizeBytes, rec.MimeType, rec.Version, string(rec.Source), boolInt(rec.IsPresented), rec.ContentHash, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errs.Infra("upsert workspace record", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, tenant, conv, filePath string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, original_name, original_relative_path, size_bytes, mime_type,
		       version, source, is_presented, content_hash, updated_at
		FROM workspace_files WHERE tenant=? AND conversation_id=? AND file_path=?`,
		tenant, conv, filePath)
	var rec Record
	var isPresented int
	var updatedAt string
	var source string
	err := row.Scan(&rec.FileID, &rec.OriginalName, &rec.OriginalRelativePath, &rec.SizeBytes,
		&rec.MimeType, &rec.Version, &source, &isPresented, &rec.ContentHash, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Infra("read workspace record", err)
	}
	rec.ConversationID = conv
	rec.FilePath = filePath
	rec.Source = Source(source)
	rec.IsPresented = isPresented != 0
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

// List returns every record for (tenant, conv).
func (s *Store) List(ctx context.Context, tenant, conv string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, file_path, original_name, original_relative_path, size_bytes, mime_type,
		       version, source, is_presented, content_hash, updated_at
		FROM workspace_files WHERE tenant=? AND conversation_id=? ORDER BY file_path`, tenant, conv)
	if err != nil {
		return nil, errs.Infra("list workspace records", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var isPresented int
		var updatedAt string
		var source string
		if err := rows.Scan(&rec.FileID, &rec.FilePath, &rec.OriginalName, &rec.OriginalRelativePath,
			&rec.SizeBytes, &rec.MimeType, &rec.Version, &source, &isPresented, &rec.ContentHash, &updatedAt); err != nil {
			return nil, errs.Infra("scan workspace record", err)
		}
		rec.ConversationID = conv
		rec.Source = Source(source)
		rec.IsPresented = isPresented != 0
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Presented returns the records flagged is_presented=true, serving
// `GET …/files/presented`.
func (s *Store) Presented(ctx context.Context, tenant, conv string) ([]Record, error) {
	all, err := s.List(ctx, tenant, conv)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.IsPresented {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkPresented flips is_presented for every path in paths, called once a
// run completes and the presented-file set has been computed.
func (s *Store) MarkPresented(ctx context.Context, tenant, conv string, paths []string) error {
	for _, p := range paths {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE workspace_files SET is_presented=1 WHERE tenant=? AND conversation_id=? AND file_path=?`,
			tenant, conv, p); err != nil {
			return errs.Infra("mark presented", err)
		}
	}
	return nil
}

// Delete removes one record, used by the explicit-delete API path.
func (s *Store) Delete(ctx context.Context, tenant, conv, filePath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspace_files WHERE tenant=? AND conversation_id=? AND file_path=?`, tenant, conv, filePath)
	if err != nil {
		return errs.Infra("delete workspace record", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
