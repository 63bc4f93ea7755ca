package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestProcessSandbox(t *testing.T) *ProcessSandbox {
	t.Helper()
	return NewProcessSandbox(ProcessConfig{}, slog.New(slog.DiscardHandler))
}

// writeScript drops a shell script into dir and returns its path.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessSandbox_BasicRun(t *testing.T) {
	sbx := newTestProcessSandbox(t)
	scratch := t.TempDir()

	result, err := sbx.Run(context.Background(), RunRequest{
		Interpreter: "/bin/sh",
		ScriptPath:  writeScript(t, scratch, "echo hello"),
		ScratchDir:  scratch,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	sbx := newTestProcessSandbox(t)
	scratch := t.TempDir()

	result, err := sbx.Run(context.Background(), RunRequest{
		Interpreter: "/bin/sh",
		ScriptPath:  writeScript(t, scratch, "exit 42"),
		ScratchDir:  scratch,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
}

func TestProcessSandbox_Timeout(t *testing.T) {
	sbx := newTestProcessSandbox(t)
	scratch := t.TempDir()

	_, err := sbx.Run(context.Background(), RunRequest{
		Interpreter: "/bin/sh",
		ScriptPath:  writeScript(t, scratch, "sleep 60"),
		ScratchDir:  scratch,
		Timeout:     time.Second,
	})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout error", err.Error())
	}
}

func TestProcessSandbox_RunsInScratchDir(t *testing.T) {
	sbx := newTestProcessSandbox(t)
	scratch := t.TempDir()

	_, err := sbx.Run(context.Background(), RunRequest{
		Interpreter: "/bin/sh",
		ScriptPath:  writeScript(t, scratch, "echo marker > produced.txt"),
		ScratchDir:  scratch,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(scratch, "produced.txt")); err != nil {
		t.Errorf("script output not written to scratch dir: %v", err)
	}
}

func TestProcessSandbox_NoHostEnvInheritance(t *testing.T) {
	t.Setenv("HESABU_TEST_SECRET", "should-not-leak")

	sbx := newTestProcessSandbox(t)
	scratch := t.TempDir()

	result, err := sbx.Run(context.Background(), RunRequest{
		Interpreter: "/bin/sh",
		ScriptPath:  writeScript(t, scratch, `echo "secret=[$HESABU_TEST_SECRET]"`),
		ScratchDir:  scratch,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Stdout, "secret=[]") {
		t.Errorf("host environment leaked into sandbox: %q", result.Stdout)
	}
}

func TestProcessSandbox_EnvPropagation(t *testing.T) {
	sbx := newTestProcessSandbox(t)
	scratch := t.TempDir()

	result, err := sbx.Run(context.Background(), RunRequest{
		Interpreter: "/bin/sh",
		ScriptPath:  writeScript(t, scratch, `echo "$MY_VAR"`),
		ScratchDir:  scratch,
		Env:         map[string]string{"MY_VAR": "test_value"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "test_value" {
		t.Errorf("env MY_VAR = %q, want %q", got, "test_value")
	}
}

func TestProcessSandbox_RejectsEmptyRequest(t *testing.T) {
	sbx := newTestProcessSandbox(t)

	if _, err := sbx.Run(context.Background(), RunRequest{ScriptPath: "/x.sh"}); err == nil {
		t.Error("empty interpreter accepted")
	}
	if _, err := sbx.Run(context.Background(), RunRequest{Interpreter: "/bin/sh"}); err == nil {
		t.Error("empty script path accepted")
	}
}
