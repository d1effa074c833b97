package workspace

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"silexa/substrate/internal/errs"
	"silexa/substrate/internal/objectstore"
)

// FileStatus is one file's outcome in a sync pass. Partial failures keep
// the pass going and surface here rather than aborting the whole sync.
type FileStatus struct {
	Path  string
	OK    bool
	Error string
}

// Engine is the Workspace Sync Engine: bidirectional reconciliation
// between a conversation's object-store prefix and the sandbox's bound
// directory.
type Engine struct {
	gw  *objectstore.Gateway
	log zerolog.Logger
}

func NewEngine(gw *objectstore.Gateway, log zerolog.Logger) *Engine {
	return &Engine{gw: gw, log: log.With().Str("subsystem", "workspace_sync").Logger()}
}

// normalizePath validates a conversation-relative path per the shared
// PATH_TRAVERSAL rule used by both the gateway and the sync engine.
// The raw input is checked for ".." segments before cleaning, so a
// leading traversal cannot be silently clamped away.
func normalizePath(relPath string) (string, error) {
	slashed := filepath.ToSlash(relPath)
	if relPath == "" || strings.HasPrefix(slashed, "/") || filepath.IsAbs(relPath) {
		return "", errs.PathTraversalf("path %q escapes the conversation root", relPath)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", errs.PathTraversalf("path %q escapes the conversation root", relPath)
		}
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == "" {
		return "", errs.PathTraversalf("path %q escapes the conversation root", relPath)
	}
	return clean, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashBytes is the content hash shared by the sync engine, the record
// store, and the workspace tools, so "changed" means the same thing
// everywhere.
func HashBytes(b []byte) string { return hashBytes(b) }

// UploadPath places a caller-relative upload path under the uploads/
// reserved subtree, preserving identifier-suffixed names verbatim.
// Invalid paths pass through unchanged so the gateway rejects them with
// PATH_TRAVERSAL instead of this helper silently rewriting them.
func UploadPath(rel string) string {
	norm, err := normalizePath(rel)
	if err != nil {
		return rel
	}
	if strings.HasPrefix(norm, "uploads/") {
		return norm
	}
	return "uploads/" + norm
}

// etagHash mirrors S3's single-part-upload ETag convention (MD5 of the
// object body), used only to cheaply decide whether a local file already
// matches the remote object before paying for a full download.
func etagHash(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// SyncIn pulls the object store's authoritative listing down into
// hostPath, downloading new or changed files and deleting local files not
// present remotely. Retried by the caller on infrastructure failure
// (idempotent: re-running with an unchanged remote listing is a no-op
// locally).
func (e *Engine) SyncIn(ctx context.Context, tenant, conv, hostPath string) ([]FileStatus, error) {
	entries, err := e.gw.List(ctx, tenant, conv, "")
	if err != nil {
		return nil, err
	}

	remote := make(map[string]struct{}, len(entries))
	var statuses []FileStatus

	for _, entry := range entries {
		remote[entry.Path] = struct{}{}
		rel, err := normalizePath(entry.Path)
		if err != nil {
			statuses = append(statuses, FileStatus{Path: entry.Path, OK: false, Error: err.Error()})
			continue
		}
		localPath := filepath.Join(hostPath, filepath.FromSlash(rel))

		needDownload := true
		if data, readErr := os.ReadFile(localPath); readErr == nil {
			needDownload = etagHash(data) != entry.ETag
		}
		if !needDownload {
			statuses = append(statuses, FileStatus{Path: rel, OK: true})
			continue
		}

		data, err := e.gw.Get(ctx, tenant, conv, entry.Path)
		if err != nil {
			statuses = append(statuses, FileStatus{Path: rel, OK: false, Error: err.Error()})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
			statuses = append(statuses, FileStatus{Path: rel, OK: false, Error: err.Error()})
			continue
		}
		if err := os.WriteFile(localPath, data, 0o640); err != nil {
			statuses = append(statuses, FileStatus{Path: rel, OK: false, Error: err.Error()})
			continue
		}
		statuses = append(statuses, FileStatus{Path: rel, OK: true})
	}

	if err := deleteUnlisted(hostPath, remote); err != nil {
		return statuses, errs.Wrap(errs.SDKError, errs.CategoryInfrastructure, "prune unlisted local files", err)
	}

	e.log.Debug().Str("conversation_id", conv).Int("files", len(statuses)).Msg("sync-in complete")
	return statuses, nil
}

func deleteUnlisted(hostPath string, remote map[string]struct{}) error {
	return filepath.WalkDir(hostPath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(hostPath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := remote[rel]; !ok {
			_ = os.Remove(p)
		}
		return nil
	})
}

// LocalManifest is a path -> content-hash snapshot of the sandbox bind
// mount, used before and after a run to compute the presented-file set.
type LocalManifest map[string]string

// Snapshot walks hostPath and hashes every file's content.
func (e *Engine) Snapshot(hostPath string) (LocalManifest, error) {
	manifest := make(LocalManifest)
	err := filepath.WalkDir(hostPath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostPath, p)
		if err != nil {
			return err
		}
		manifest[filepath.ToSlash(rel)] = hashBytes(data)
		return nil
	})
	if err != nil {
		return nil, errs.Infra("snapshot workspace", err)
	}
	return manifest, nil
}

// SyncOut pushes every local file whose hash differs from (or is absent
// from) the stored record set up to the gateway, bumping version on
// change. Local deletions are never propagated remotely by default;
// remote keys go away only through an explicit delete call.
func (e *Engine) SyncOut(ctx context.Context, tenant, conv, hostPath string, store *Store, preRun LocalManifest) ([]FileStatus, []string, error) {
	var statuses []FileStatus
	var written []string

	existing, err := store.List(ctx, tenant, conv)
	if err != nil {
		return nil, nil, err
	}
	existingHash := make(map[string]string, len(existing))
	existingSource := make(map[string]Source, len(existing))
	for _, rec := range existing {
		existingHash[rec.FilePath] = rec.ContentHash
		existingSource[rec.FilePath] = rec.Source
	}

	err = filepath.WalkDir(hostPath, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(hostPath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(p)
		if err != nil {
			statuses = append(statuses, FileStatus{Path: rel, OK: false, Error: err.Error()})
			return nil
		}
		hash := hashBytes(data)
		if existingHash[rel] == hash {
			statuses = append(statuses, FileStatus{Path: rel, OK: true})
			return nil
		}

		mimeType := mime.TypeByExtension(filepath.Ext(p))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		if err := e.gw.Put(ctx, tenant, conv, rel, data, mimeType); err != nil {
			statuses = append(statuses, FileStatus{Path: rel, OK: false, Error: err.Error()})
			return nil
		}

		source := SourceUserUpload
		if _, existed := preRun[rel]; !existed {
			source = SourceAICreated
		} else if s, ok := existingSource[rel]; ok {
			source = s
		}

		if err := store.Upsert(ctx, tenant, Record{
			ConversationID:       conv,
			FilePath:             rel,
			OriginalName:         filepath.Base(rel),
			OriginalRelativePath: rel,
			SizeBytes:            int64(len(data)),
			MimeType:             mimeType,
			Source:               source,
			ContentHash:          hash,
		}); err != nil {
			statuses = append(statuses, FileStatus{Path: rel, OK: false, Error: err.Error()})
			return nil
		}

		statuses = append(statuses, FileStatus{Path: rel, OK: true})
		written = append(written, rel)
		return nil
	})
	if err != nil {
		return statuses, written, errs.Wrap(errs.SDKError, errs.CategoryInfrastructure, "sync-out walk", err)
	}
	return statuses, written, nil
}

// PresentedFiles computes the presented-file set: files created or
// modified since preRun, i.e. paths absent from preRun or whose content
// hash changed during the run. Source attribution is resolved by SyncOut;
// this just derives the set of paths a run actually touched.
func PresentedFiles(preRun, postRun LocalManifest) []string {
	var out []string
	for path, hash := range postRun {
		if prevHash, existed := preRun[path]; !existed || prevHash != hash {
			out = append(out, path)
		}
	}
	return out
}

// ExplicitDelete removes a file from both the gateway and the record
// store, the only path by which a remote key is deleted.
func (e *Engine) ExplicitDelete(ctx context.Context, tenant, conv string, store *Store, relPath string) error {
	rel, err := normalizePath(relPath)
	if err != nil {
		return err
	}
	if err := e.gw.Delete(ctx, tenant, conv, rel); err != nil {
		return err
	}
	return store.Delete(ctx, tenant, conv, rel)
}
