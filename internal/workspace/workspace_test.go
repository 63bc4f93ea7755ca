package workspace

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/hesabu/internal/identity"
)

const testID = identity.SessionID("user_0123456789abcdef")

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sessions"), slog.New(slog.DiscardHandler), opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestEnsureCreatesScaffold(t *testing.T) {
	s := newTestStore(t)

	ws, err := s.Ensure(testID)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	for _, dir := range []string{ws.Root, ws.Uploads, ws.Exports, ws.Temp} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("dir %s not created: %v", dir, err)
		}
		if !strings.HasPrefix(dir, s.Base()) {
			t.Errorf("dir %s outside base %s", dir, s.Base())
		}
	}
}

func TestEnsureIdempotent(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Ensure(testID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Ensure(testID)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("repeated Ensure returned different workspaces: %+v vs %+v", a, b)
	}
}

func TestEnsureConcurrent(t *testing.T) {
	s := newTestStore(t)

	const n = 32
	var wg sync.WaitGroup
	results := make([]Workspace, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Ensure(testID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("concurrent Ensure #%d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("concurrent Ensure #%d returned %+v, want %+v", i, results[i], results[0])
		}
	}

	// Exactly one scaffold on disk.
	entries, err := os.ReadDir(s.Base())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("base contains %d entries, want 1", len(entries))
	}
}

func TestEnsureRejectsMalformedID(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"../../etc", "user_XYZ", "", "user_0123456789abcdef/.."} {
		if _, err := s.Ensure(identity.SessionID(id)); err == nil {
			t.Errorf("Ensure(%q) succeeded, want error", id)
		}
	}
}

func TestSaveUploadAndList(t *testing.T) {
	s := newTestStore(t)

	fi, err := s.SaveUpload(testID, "sales.csv", strings.NewReader("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if fi.DisplayName != "sales.csv" {
		t.Errorf("DisplayName = %q, want sales.csv", fi.DisplayName)
	}
	if fi.Kind != "csv" {
		t.Errorf("Kind = %q, want csv", fi.Kind)
	}
	if !strings.HasSuffix(fi.Name, "_sales.csv") || len(fi.Name) != len("20060102150405_sales.csv") {
		t.Errorf("stored name %q missing 14-digit timestamp prefix", fi.Name)
	}

	files, err := s.ListUploads(testID)
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	if len(files) != 1 || files[0].Name != fi.Name {
		t.Errorf("ListUploads = %+v, want the saved file", files)
	}
}

func TestSaveUploadTraversalPayload(t *testing.T) {
	s := newTestStore(t)

	fi, err := s.SaveUpload(testID, "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	ws, _ := s.Ensure(testID)
	if filepath.Dir(fi.Path) != ws.Uploads {
		t.Errorf("upload landed at %s, want inside %s", fi.Path, ws.Uploads)
	}
}

func TestSaveUploadQuota(t *testing.T) {
	s := newTestStore(t, WithQuota(16))

	if _, err := s.SaveUpload(testID, "a.txt", strings.NewReader("0123456789abcdef")); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	_, err := s.SaveUpload(testID, "b.txt", strings.NewReader("more"))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("second upload err = %v, want ErrQuotaExceeded", err)
	}
}

func TestSaveUploadOverQuotaNotTruncated(t *testing.T) {
	s := newTestStore(t, WithQuota(100))

	// 200 bytes against a 100-byte quota on an empty workspace: rejected
	// outright, never stored as a 100-byte fragment.
	_, err := s.SaveUpload(testID, "big.bin", strings.NewReader(strings.Repeat("x", 200)))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("oversized upload err = %v, want ErrQuotaExceeded", err)
	}
	files, err := s.ListUploads(testID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("rejected upload left %d file(s) behind: %+v", len(files), files)
	}
}

func TestSaveUploadQuotaBoundsRemainingBudget(t *testing.T) {
	s := newTestStore(t, WithQuota(100))

	if _, err := s.SaveUpload(testID, "a.bin", strings.NewReader(strings.Repeat("a", 60))); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	// 60 more bytes fit under the full quota but not under the remaining
	// 40: the session must not overshoot its budget.
	_, err := s.SaveUpload(testID, "b.bin", strings.NewReader(strings.Repeat("b", 60)))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second upload err = %v, want ErrQuotaExceeded", err)
	}

	// An upload that exactly consumes the remainder still succeeds.
	fi, err := s.SaveUpload(testID, "c.bin", strings.NewReader(strings.Repeat("c", 40)))
	if err != nil {
		t.Fatalf("exact-fit upload: %v", err)
	}
	if fi.Size != 40 {
		t.Errorf("exact-fit upload stored %d bytes, want 40", fi.Size)
	}
}

func TestListExportsOrder(t *testing.T) {
	s := newTestStore(t)
	ws, err := s.Ensure(testID)
	if err != nil {
		t.Fatal(err)
	}

	older := filepath.Join(ws.Exports, "20240101000000_old.json")
	newer := filepath.Join(ws.Exports, "20240102000000_new.json")
	if err := os.WriteFile(older, []byte("{}"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newer, []byte("{}"), 0640); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	files, err := s.ListExports(testID)
	if err != nil {
		t.Fatalf("ListExports: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d exports, want 2", len(files))
	}
	if files[0].Name != "20240102000000_new.json" {
		t.Errorf("newest first: got %q", files[0].Name)
	}
}

func TestUploadByName(t *testing.T) {
	s := newTestStore(t)

	saved, err := s.SaveUpload(testID, "report.xlsx", strings.NewReader("data"))
	if err != nil {
		t.Fatal(err)
	}

	// Lookup by display name and by stored name both work.
	for _, name := range []string{"report.xlsx", saved.Name} {
		fi, err := s.UploadByName(testID, name)
		if err != nil {
			t.Errorf("UploadByName(%q): %v", name, err)
			continue
		}
		if fi.Path != saved.Path {
			t.Errorf("UploadByName(%q) = %q, want %q", name, fi.Path, saved.Path)
		}
	}

	if _, err := s.UploadByName(testID, "missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing upload err = %v, want ErrNotFound", err)
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ws, err := s.Ensure(testID)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Purge(testID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Errorf("workspace root still exists after purge")
	}

	// Idempotent: purging again is a no-op success.
	if err := s.Purge(testID); err != nil {
		t.Errorf("second Purge: %v", err)
	}
}

func TestTotalUsage(t *testing.T) {
	s := newTestStore(t)

	other := identity.SessionID("user_fedcba9876543210")
	if _, err := s.SaveUpload(testID, "a.txt", strings.NewReader("12345")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveUpload(other, "b.txt", strings.NewReader("1234567890")); err != nil {
		t.Fatal(err)
	}

	// A stray directory that is not a session must not be counted.
	if err := os.MkdirAll(filepath.Join(s.Base(), "lost+found"), 0750); err != nil {
		t.Fatal(err)
	}

	u, err := s.TotalUsage()
	if err != nil {
		t.Fatalf("TotalUsage: %v", err)
	}
	if u.SessionCount != 2 {
		t.Errorf("SessionCount = %d, want 2", u.SessionCount)
	}
	if u.BytesUsed != 15 {
		t.Errorf("BytesUsed = %d, want 15", u.BytesUsed)
	}
}

func TestCleanTemp(t *testing.T) {
	s := newTestStore(t)
	ws, err := s.Ensure(testID)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.Temp, "scratch.bin"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := s.CleanTemp(testID); err != nil {
		t.Fatalf("CleanTemp: %v", err)
	}
	entries, err := os.ReadDir(ws.Temp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not emptied: %d entries remain", len(entries))
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"20240101123000_report.xlsx", "report.xlsx"},
		{"plain.csv", "plain.csv"},
		{"2024_short_prefix.txt", "2024_short_prefix.txt"},
		{"2024010112300x_bad.txt", "2024010112300x_bad.txt"},
	}
	for _, tc := range tests {
		if got := DisplayName(tc.in); got != tc.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
