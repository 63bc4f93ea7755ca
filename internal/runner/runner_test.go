package runner

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/hesabu/internal/config"
	"github.com/jkaninda/hesabu/internal/identity"
	"github.com/jkaninda/hesabu/internal/sandbox"
	"github.com/jkaninda/hesabu/internal/workspace"
)

const testID = identity.SessionID("user_0123456789abcdef")

func newTestRunner(t *testing.T) (*Runner, *workspace.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	ws, err := workspace.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, logger)
	r := New(ws, sbx, config.SandboxConfig{Interpreter: "/bin/sh", MaxExecutionSeconds: 30}, logger)
	return r, ws
}

func TestExecuteProducesExport(t *testing.T) {
	r, ws := newTestRunner(t)

	res, err := r.Execute(context.Background(), Request{
		SessionID: testID,
		Script:    `printf 'a,b\n1,2\n' > result.csv; echo done`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "done") {
		t.Errorf("stdout = %q", res.Stdout)
	}

	if len(res.Produced) != 1 {
		t.Fatalf("produced %d files, want 1", len(res.Produced))
	}
	pattern := regexp.MustCompile(`^\d{14}_result\.csv$`)
	if !pattern.MatchString(res.Produced[0].Name) {
		t.Errorf("produced name %q does not match timestamped pattern", res.Produced[0].Name)
	}

	exports, err := ws.ListExports(testID)
	if err != nil {
		t.Fatal(err)
	}
	if len(exports) != 1 || exports[0].Name != res.Produced[0].Name {
		t.Errorf("export listing %v does not match produced file", exports)
	}
}

func TestExecuteStagesUploads(t *testing.T) {
	r, ws := newTestRunner(t)

	if _, err := ws.SaveUpload(testID, "data.csv", strings.NewReader("x,y\n1,2\n")); err != nil {
		t.Fatal(err)
	}

	res, err := r.Execute(context.Background(), Request{
		SessionID: testID,
		Script:    `cat data.csv`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "x,y") {
		t.Errorf("staged upload not readable by script: stdout = %q", res.Stdout)
	}
	// Reading an input must not produce an export.
	if len(res.Produced) != 0 {
		t.Errorf("staged input leaked into exports: %v", res.Produced)
	}
}

func TestExecuteScriptNotExported(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Execute(context.Background(), Request{
		SessionID: testID,
		Script:    `echo only-stdout`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Produced) != 0 {
		t.Errorf("script file itself was harvested: %v", res.Produced)
	}
}

func TestExecuteUploadCannotShadowScript(t *testing.T) {
	r, ws := newTestRunner(t)

	// An upload aimed at the synthesized script filename: sanitization
	// strips the leading dot, so it stages as "run.sh" and the submitted
	// script, not the upload, is what the sandbox executes.
	if _, err := ws.SaveUpload(testID, ".run.sh", strings.NewReader("echo hijacked\n")); err != nil {
		t.Fatal(err)
	}

	res, err := r.Execute(context.Background(), Request{
		SessionID: testID,
		Script:    `cat run.sh; echo genuine`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "genuine") {
		t.Errorf("submitted script did not run: stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "echo hijacked") {
		t.Errorf("staged upload content lost: stdout = %q", res.Stdout)
	}
}

func TestExecuteFailedScriptKeepsPartialOutput(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Execute(context.Background(), Request{
		SessionID: testID,
		Script:    `echo partial > out.txt; exit 3`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if len(res.Produced) != 1 {
		t.Errorf("partial output lost: produced = %v", res.Produced)
	}
}

func TestExecuteCanceled(t *testing.T) {
	r, _ := newTestRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := r.Execute(ctx, Request{
		SessionID: testID,
		Script:    `sleep 30`,
	})
	if err == nil {
		t.Fatal("expected error for canceled execution")
	}
}

func TestExecuteRejectsEmptyScript(t *testing.T) {
	r, _ := newTestRunner(t)
	if _, err := r.Execute(context.Background(), Request{SessionID: testID, Script: "  "}); err == nil {
		t.Error("empty script accepted")
	}
}

func TestExecuteUnknownInput(t *testing.T) {
	r, _ := newTestRunner(t)
	_, err := r.Execute(context.Background(), Request{
		SessionID: testID,
		Script:    "echo hi",
		Inputs:    []string{"missing.csv"},
	})
	if err == nil {
		t.Error("unknown input accepted")
	}
}

func TestScriptExt(t *testing.T) {
	cases := map[string]string{
		"python3":         ".py",
		"/usr/bin/python": ".py",
		"node":            ".js",
		"/bin/sh":         ".sh",
		"bash":            ".sh",
		"rscript":         "",
	}
	for in, want := range cases {
		if got := scriptExt(in); got != want {
			t.Errorf("scriptExt(%q) = %q, want %q", in, got, want)
		}
	}
}
