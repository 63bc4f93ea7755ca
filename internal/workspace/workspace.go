// Package workspace owns the on-disk layout of per-session workspaces.
// Every session gets an isolated directory tree under a single base
// directory:
//
//	{base}/{sessionID}/uploads/   user-uploaded source files
//	{base}/{sessionID}/exports/   files produced by executed code
//	{base}/{sessionID}/temp/      scratch space for one execution
//	{base}/{sessionID}/config.json
//
// Workspaces are created lazily on first touch and destroyed only by
// reaper-triggered expiry or an explicit purge, never by a normal request.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/hesabu/internal/identity"
	"github.com/jkaninda/hesabu/internal/pathguard"
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("session disk quota exceeded")
)

// timestampLayout prefixes stored filenames so repeated uploads and
// exports of the same name never collide. 14 digits, lexically sortable.
const timestampLayout = "20060102150405"

const configFileName = "config.json"

// Workspace is the resolved directory set for one session. All four paths
// are descendants of Root; Root is a descendant of the store's base.
type Workspace struct {
	ID      identity.SessionID
	Root    string
	Uploads string
	Exports string
	Temp    string
}

// FileInfo describes one stored file for listings and downloads.
type FileInfo struct {
	Name        string    `json:"name"`         // stored filename, timestamp prefix included
	DisplayName string    `json:"display_name"` // original name, prefix stripped
	Path        string    `json:"-"`            // absolute path, server-side only
	Kind        string    `json:"kind"`         // "excel", "csv", "text", "pdf", "word", "json", "other"
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mtime"`
}

// Usage aggregates storage consumption across all known workspaces.
type Usage struct {
	SessionCount int   `json:"session_count"`
	BytesUsed    int64 `json:"bytes_used"`
}

// Store manages all session workspaces under one base directory.
type Store struct {
	base   string
	quota  int64 // per-session byte quota; 0 = unlimited
	logger *slog.Logger

	// Per-id creation locks: concurrent Ensure calls for the same session
	// serialize, calls for different sessions proceed independently.
	mu    sync.Mutex
	locks map[identity.SessionID]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithQuota sets the per-session disk quota in bytes. Zero disables it.
func WithQuota(bytes int64) Option {
	return func(s *Store) { s.quota = bytes }
}

// NewStore creates the base directory if needed and returns a Store.
func NewStore(baseDir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving base dir %q: %w", baseDir, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating base dir: %w", err)
	}

	s := &Store{
		base:   abs,
		logger: logger,
		locks:  make(map[identity.SessionID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Base returns the process-wide base directory.
func (s *Store) Base() string { return s.base }

// Ensure creates the workspace scaffold for id if absent and returns it.
// Idempotent; concurrent calls with the same id are serialized so no two
// callers race-create partial scaffolding.
func (s *Store) Ensure(id identity.SessionID) (Workspace, error) {
	ws, err := s.resolve(id)
	if err != nil {
		return Workspace{}, err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	created := false
	for _, dir := range []string{ws.Root, ws.Uploads, ws.Exports, ws.Temp} {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return Workspace{}, fmt.Errorf("creating workspace dir %s: %w", dir, err)
		}
		created = true
	}
	if created {
		s.logger.Info("workspace created",
			slog.String("session_id", string(id)),
			slog.String("root", ws.Root),
		)
	}
	return ws, nil
}

// Exists reports whether a workspace scaffold is present for id.
func (s *Store) Exists(id identity.SessionID) bool {
	ws, err := s.resolve(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(ws.Root)
	return err == nil
}

// SaveUpload streams an uploaded file into the session's uploads
// directory under a timestamped, sanitized name. The session quota, when
// set, bounds used+upload: an upload that would push the session past the
// quota is removed entirely and reported as ErrQuotaExceeded, never stored
// truncated.
func (s *Store) SaveUpload(id identity.SessionID, filename string, r io.Reader) (FileInfo, error) {
	ws, err := s.Ensure(id)
	if err != nil {
		return FileInfo{}, err
	}

	remaining := int64(-1) // unlimited
	if s.quota > 0 {
		used, err := dirSize(ws.Root)
		if err != nil {
			return FileInfo{}, fmt.Errorf("measuring workspace: %w", err)
		}
		if used >= s.quota {
			return FileInfo{}, fmt.Errorf("%w: %d bytes used of %d", ErrQuotaExceeded, used, s.quota)
		}
		remaining = s.quota - used
	}

	stored := StoredName(filename, time.Now())
	dest, err := pathguard.Resolve(stored, ws.Uploads)
	if err != nil {
		return FileInfo{}, err
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return FileInfo{}, fmt.Errorf("creating upload file: %w", err)
	}

	var n int64
	if remaining >= 0 {
		// One byte past the remaining budget distinguishes an upload that
		// exactly fits from one that must be rejected.
		n, err = io.Copy(f, io.LimitReader(r, remaining+1))
	} else {
		n, err = io.Copy(f, r)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest) // no partial uploads left behind
		return FileInfo{}, fmt.Errorf("writing upload: %w", err)
	}
	if remaining >= 0 && n > remaining {
		_ = os.Remove(dest)
		return FileInfo{}, fmt.Errorf("%w: upload exceeds remaining %d of %d bytes", ErrQuotaExceeded, remaining, s.quota)
	}

	s.logger.Info("upload saved",
		slog.String("session_id", string(id)),
		slog.String("file", stored),
		slog.Int64("bytes", n),
	)
	return fileInfo(dest)
}

// ListUploads returns the session's uploaded files, newest first.
func (s *Store) ListUploads(id identity.SessionID) ([]FileInfo, error) {
	ws, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	return listDir(ws.Uploads)
}

// ListExports returns files produced by executed code, newest first.
func (s *Store) ListExports(id identity.SessionID) ([]FileInfo, error) {
	ws, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	return listDir(ws.Exports)
}

// UploadByName finds an uploaded file by stored or display name.
// Returns ErrNotFound when no upload matches.
func (s *Store) UploadByName(id identity.SessionID, name string) (FileInfo, error) {
	files, err := s.ListUploads(id)
	if err != nil {
		return FileInfo{}, err
	}
	for _, f := range files {
		if f.Name == name || f.DisplayName == name {
			return f, nil
		}
	}
	return FileInfo{}, fmt.Errorf("upload %q: %w", name, ErrNotFound)
}

// ExportByName finds a produced file by stored name, for downloads.
func (s *Store) ExportByName(id identity.SessionID, name string) (FileInfo, error) {
	files, err := s.ListExports(id)
	if err != nil {
		return FileInfo{}, err
	}
	for _, f := range files {
		if f.Name == name {
			return f, nil
		}
	}
	return FileInfo{}, fmt.Errorf("export %q: %w", name, ErrNotFound)
}

// CleanTemp empties the session's scratch directory between executions.
func (s *Store) CleanTemp(id identity.SessionID) error {
	ws, err := s.resolve(id)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(ws.Temp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(ws.Temp, e.Name())); err != nil {
			return fmt.Errorf("removing temp entry %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Purge recursively deletes the session's workspace. Idempotent: purging
// an absent workspace is a no-op success.
func (s *Store) Purge(id identity.SessionID) error {
	ws, err := s.resolve(id)
	if err != nil {
		return err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(ws.Root); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("purging workspace %s: %w", id, err)
	}
	s.logger.Info("workspace purged", slog.String("session_id", string(id)))
	return nil
}

// TotalUsage aggregates session count and bytes used across the base dir.
func (s *Store) TotalUsage() (Usage, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return Usage{}, fmt.Errorf("reading base dir: %w", err)
	}

	var u Usage
	for _, e := range entries {
		if !e.IsDir() || !identity.Valid(e.Name()) {
			continue
		}
		u.SessionCount++
		size, err := dirSize(filepath.Join(s.base, e.Name()))
		if err != nil {
			// A workspace vanishing mid-walk (concurrent purge) is fine.
			continue
		}
		u.BytesUsed += size
	}
	return u, nil
}

// StoredName builds the on-disk filename: a 14-digit timestamp prefix
// joined to the sanitized original name.
func StoredName(original string, now time.Time) string {
	return now.Format(timestampLayout) + "_" + pathguard.SanitizeFilename(original)
}

// DisplayName strips the timestamp prefix from a stored filename. Names
// without the prefix are returned unchanged.
func DisplayName(stored string) string {
	prefix, rest, ok := strings.Cut(stored, "_")
	if !ok || len(prefix) != len(timestampLayout) {
		return stored
	}
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return stored
		}
	}
	return rest
}

// --- internal helpers ---

// resolve builds the Workspace value for id without touching the disk.
// The id is validated both structurally and through pathguard, so a
// corrupt id can never address a directory outside the base.
func (s *Store) resolve(id identity.SessionID) (Workspace, error) {
	if !identity.Valid(string(id)) {
		return Workspace{}, fmt.Errorf("malformed session id %q", id)
	}
	root, err := pathguard.Resolve(string(id), s.base)
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{
		ID:      id,
		Root:    root,
		Uploads: filepath.Join(root, "uploads"),
		Exports: filepath.Join(root, "exports"),
		Temp:    filepath.Join(root, "temp"),
	}, nil
}

func (s *Store) lockFor(id identity.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// listDir reads a directory into FileInfo values sorted by mtime, newest
// first. A missing directory yields an empty list, not an error.
func listDir(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := fileInfo(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // raced with a delete
		}
		files = append(files, fi)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

func fileInfo(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	name := filepath.Base(path)
	return FileInfo{
		Name:        name,
		DisplayName: DisplayName(name),
		Path:        path,
		Kind:        kindOf(name),
		Size:        st.Size(),
		ModTime:     st.ModTime(),
	}, nil
}

func kindOf(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xls", ".xlsm", ".xlsb":
		return "excel"
	case ".csv":
		return "csv"
	case ".txt", ".md":
		return "text"
	case ".pdf":
		return "pdf"
	case ".doc", ".docx":
		return "word"
	case ".json":
		return "json"
	default:
		return "other"
	}
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
