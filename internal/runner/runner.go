// Package runner executes one analysis script against a session's
// workspace. It stages the session's uploads into the scratch directory,
// runs the script through the sandbox, then funnels every file the script
// produced through an interception session into the export directory.
// The script itself never sees the export root.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/hesabu/internal/config"
	"github.com/jkaninda/hesabu/internal/identity"
	"github.com/jkaninda/hesabu/internal/intercept"
	"github.com/jkaninda/hesabu/internal/sandbox"
	"github.com/jkaninda/hesabu/internal/workspace"
)

// Request names the session and the script to run against its files.
type Request struct {
	SessionID identity.SessionID
	Script    string

	// Inputs selects which uploads to stage into the scratch dir, by
	// stored or display name. Empty = stage every upload.
	Inputs []string
}

// Result carries the sandbox outcome plus the produced-file list.
type Result struct {
	Stdout   string                   `json:"stdout"`
	Stderr   string                   `json:"stderr"`
	ExitCode int                      `json:"exit_code"`
	Duration time.Duration            `json:"duration"`
	Produced []intercept.ProducedFile `json:"produced"`
}

// Runner wires the workspace store, the sandbox, and the interception
// layer into one execute operation.
type Runner struct {
	ws          *workspace.Store
	sbx         sandbox.Sandbox
	interpreter string
	timeout     time.Duration
	limits      sandbox.ResourceLimits
	logger      *slog.Logger
}

// New builds a Runner from the sandbox section of the config.
func New(ws *workspace.Store, sbx sandbox.Sandbox, cfg config.SandboxConfig, logger *slog.Logger) *Runner {
	return &Runner{
		ws:          ws,
		sbx:         sbx,
		interpreter: cfg.InterpreterName(),
		timeout:     cfg.ExecutionTimeout(),
		limits:      sandbox.ResourceLimits{MaxMemoryMB: cfg.MaxMemoryMB},
		logger:      logger,
	}
}

// Execute runs one script for one session. The interception session is
// closed on every exit path; a script failure still returns the files it
// managed to produce before failing.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Script) == "" {
		return nil, fmt.Errorf("empty script")
	}

	wsp, err := r.ws.Ensure(req.SessionID)
	if err != nil {
		return nil, err
	}

	// Scratch is per-execution: leftovers from the previous run are gone
	// before anything is staged.
	if err := r.ws.CleanTemp(req.SessionID); err != nil {
		return nil, err
	}

	staged, err := r.stageInputs(req, wsp)
	if err != nil {
		return nil, err
	}

	// Sanitized upload names never begin with a dot, so a dotted script
	// name cannot collide with any staged input.
	scriptFile := ".run" + scriptExt(r.interpreter)
	scriptPath := filepath.Join(wsp.Temp, scriptFile)
	if err := os.WriteFile(scriptPath, []byte(req.Script), 0600); err != nil {
		return nil, fmt.Errorf("writing script: %w", err)
	}
	staged[scriptFile] = true

	isess := intercept.Begin(wsp, r.logger)
	defer isess.End()

	runRes, err := r.sbx.Run(ctx, sandbox.RunRequest{
		Interpreter: r.interpreter,
		ScriptPath:  scriptPath,
		ScratchDir:  wsp.Temp,
		Timeout:     r.timeout,
		Limits:      r.limits,
	})
	if err != nil {
		return nil, err
	}

	r.harvest(wsp.Temp, staged, isess)
	produced := isess.End()

	r.logger.Info("execution finished",
		slog.String("session_id", string(req.SessionID)),
		slog.Int("exit_code", runRes.ExitCode),
		slog.Duration("duration", runRes.Duration),
		slog.Int("produced", len(produced)),
	)

	return &Result{
		Stdout:   runRes.Stdout,
		Stderr:   runRes.Stderr,
		ExitCode: runRes.ExitCode,
		Duration: runRes.Duration,
		Produced: produced,
	}, nil
}

// stageInputs copies the selected uploads into the scratch dir under
// their display names, so scripts address files the way the user named
// them. Returns the set of staged names, which harvest must skip.
func (r *Runner) stageInputs(req Request, wsp workspace.Workspace) (map[string]bool, error) {
	var files []workspace.FileInfo
	if len(req.Inputs) == 0 {
		all, err := r.ws.ListUploads(req.SessionID)
		if err != nil {
			return nil, err
		}
		files = all
	} else {
		for _, name := range req.Inputs {
			fi, err := r.ws.UploadByName(req.SessionID, name)
			if err != nil {
				return nil, err
			}
			files = append(files, fi)
		}
	}

	staged := make(map[string]bool, len(files))
	for _, fi := range files {
		if staged[fi.DisplayName] {
			continue // newest upload wins for duplicate display names
		}
		if err := copyFile(fi.Path, filepath.Join(wsp.Temp, fi.DisplayName)); err != nil {
			return nil, fmt.Errorf("staging %s: %w", fi.DisplayName, err)
		}
		staged[fi.DisplayName] = true
	}
	return staged, nil
}

// harvest walks the scratch dir and collects every file the script left
// behind, skipping the staged inputs and the script itself. Collection
// failures are recorded in the session; the loop keeps going.
func (r *Runner) harvest(scratch string, staged map[string]bool, isess *intercept.Session) {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		r.logger.Warn("reading scratch dir after run", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		if e.IsDir() || staged[e.Name()] {
			continue
		}
		_ = isess.CollectFile(filepath.Join(scratch, e.Name()))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// scriptExt picks a file extension matching the interpreter so error
// messages and tracebacks read naturally.
func scriptExt(interpreter string) string {
	base := filepath.Base(interpreter)
	switch {
	case strings.HasPrefix(base, "python"):
		return ".py"
	case base == "node":
		return ".js"
	case base == "sh" || base == "bash":
		return ".sh"
	default:
		return ""
	}
}
