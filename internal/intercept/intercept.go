// Package intercept redirects file-producing operations performed on
// behalf of untrusted code into the owning session's export directory.
//
// Rather than mutating a process-wide operation table, a Session is a
// capability object: the executed code (and the harness around it) is
// handed the Session and its ops are the only write paths available.
// Concurrent executions therefore never contend; each holds its own
// Session bound to its own export root.
//
// Every op takes the caller's requested filename, reduces it to a
// sanitized basename, prefixes a timestamp, and resolves the result
// against the session's export root through pathguard. Absolute paths and
// traversal payloads are always redirected, never honored: untrusted code
// does not choose its own destination.
package intercept

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/hesabu/internal/pathguard"
	"github.com/jkaninda/hesabu/internal/workspace"
)

var (
	// ErrSessionEnded is returned by every op after End has run. It is what
	// makes End equivalent to "restoring the original operations": a
	// finished session can never produce another file.
	ErrSessionEnded = errors.New("interception session already ended")

	// ErrWriteFailed wraps underlying storage errors. The failed save is
	// recorded per-file; it does not abort the rest of the execution.
	ErrWriteFailed = errors.New("write failed")
)

// ProducedFile is one entry in a session's output list. Failed saves keep
// their slot with Error set so the caller can report them alongside the
// successes.
type ProducedFile struct {
	Name  string `json:"name"` // stored filename inside exports
	Path  string `json:"-"`    // absolute path, server-side only
	Size  int64  `json:"size"`
	Error string `json:"error,omitempty"` // non-empty when the save failed
}

// Session is one interception scope, bound to a single code execution.
// Never persisted, never shared across requests.
type Session struct {
	exportRoot string
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	produced []ProducedFile
	ended    bool
}

// Begin opens an interception session bound to the workspace's export
// root. The caller must guarantee End runs on every exit path, normal or
// not, typically via defer immediately after Begin.
func Begin(ws workspace.Workspace, logger *slog.Logger) *Session {
	return &Session{
		exportRoot: ws.Exports,
		logger:     logger,
		now:        time.Now,
	}
}

// End finalizes the session and returns the ordered produced-file list.
// Idempotent: the first call wins, later calls return the same list.
// After End, every op fails with ErrSessionEnded.
func (s *Session) End() []ProducedFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ended {
		s.ended = true
		s.logger.Info("interception session ended",
			slog.String("export_root", s.exportRoot),
			slog.Int("produced", len(s.produced)),
		)
	}
	return s.snapshotLocked()
}

// Create opens a new file for writing inside exports, the generic
// open-for-write operation. The caller owns closing the returned file.
func (s *Session) Create(name string) (*os.File, error) {
	dest, err := s.redirect(name)
	if err != nil {
		return nil, err
	}
	f, dest, err := openNew(dest)
	if err != nil {
		return nil, s.recordFailure(name, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}
	s.record(dest)
	return f, nil
}

// ExportTable writes tabular data as CSV, the spreadsheet-export
// operation.
func (s *Session) ExportTable(name string, header []string, rows [][]string) error {
	return s.write(name, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if len(header) > 0 {
			if err := cw.Write(header); err != nil {
				return err
			}
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	})
}

// DumpJSON serializes v as indented JSON, the structured-data-dump
// operation.
func (s *Session) DumpJSON(name string, v any) error {
	return s.write(name, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// WriteDocument writes plain text, the document-write operation.
func (s *Session) WriteDocument(name, text string) error {
	return s.write(name, func(w io.Writer) error {
		_, err := io.WriteString(w, text)
		return err
	})
}

// CollectFile copies an existing file (e.g. dropped into the execution
// scratch dir by a sandboxed process) into exports under a redirected
// name. The source is read as-is; only the destination is controlled.
func (s *Session) CollectFile(srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return s.recordFailure(filepath.Base(srcPath), fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}
	defer src.Close()

	return s.write(filepath.Base(srcPath), func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
}

// write runs fill against a freshly redirected file, recording the
// outcome either way.
func (s *Session) write(name string, fill func(io.Writer) error) error {
	dest, err := s.redirect(name)
	if err != nil {
		return err
	}

	f, dest, err := openNew(dest)
	if err != nil {
		return s.recordFailure(name, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}

	if err := fill(f); err != nil {
		f.Close()
		_ = os.Remove(dest) // failed save leaves no partial write behind
		return s.recordFailure(name, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dest)
		return s.recordFailure(name, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}

	s.record(dest)
	return nil
}

// redirect synthesizes the sandboxed destination for a requested name:
// {exports}/{timestamp}_{sanitized basename}, validated by pathguard.
func (s *Session) redirect(name string) (string, error) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return "", ErrSessionEnded
	}

	stored := workspace.StoredName(name, s.now())
	dest, err := pathguard.Resolve(stored, s.exportRoot)
	if err != nil {
		// Unreachable for sanitized names; kept as a hard stop in case
		// sanitization and resolution ever disagree.
		return "", err
	}

	if name != stored {
		s.logger.Debug("file save redirected",
			slog.String("requested", name),
			slog.String("redirected", dest),
		)
	}
	return dest, nil
}

// openNew creates dest exclusively. When two saves in the same second
// request the same name, a numeric suffix is inserted before the
// extension rather than overwriting the earlier file.
func openNew(dest string) (*os.File, string, error) {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err == nil || !os.IsExist(err) {
		return f, dest, err
	}

	ext := filepath.Ext(dest)
	base := dest[:len(dest)-len(ext)]
	for i := 1; i <= 100; i++ {
		alt := fmt.Sprintf("%s(%d)%s", base, i, ext)
		f, err := os.OpenFile(alt, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
		if err == nil {
			return f, alt, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free name for %s", dest)
}

func (s *Session) record(dest string) {
	var size int64
	if st, err := os.Stat(dest); err == nil {
		size = st.Size()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.produced = append(s.produced, ProducedFile{
		Name: filepath.Base(dest),
		Path: dest,
		Size: size,
	})
}

func (s *Session) recordFailure(name string, err error) error {
	s.logger.Warn("intercepted save failed",
		slog.String("requested", name),
		slog.String("error", err.Error()),
	)

	s.mu.Lock()
	s.produced = append(s.produced, ProducedFile{
		Name:  pathguard.SanitizeFilename(name),
		Error: err.Error(),
	})
	s.mu.Unlock()
	return err
}

// Produced returns a snapshot of the list so far without ending the
// session. Sizes for files recorded via Create are refreshed, since the
// caller may still have been writing when the record was taken.
func (s *Session) Produced() []ProducedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// snapshotLocked copies the produced list, refreshing sizes for entries
// recorded via Create before the caller finished writing. s.mu held.
func (s *Session) snapshotLocked() []ProducedFile {
	out := make([]ProducedFile, len(s.produced))
	copy(out, s.produced)
	for i := range out {
		if out[i].Error != "" || out[i].Path == "" {
			continue
		}
		if st, err := os.Stat(out[i].Path); err == nil {
			out[i].Size = st.Size()
		}
	}
	return out
}
