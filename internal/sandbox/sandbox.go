// Package sandbox provides isolated execution environments for analysis
// scripts. Untrusted script code never runs directly on the host: every
// run goes through a sandbox that sanitizes the environment, enforces
// resource limits, and confines filesystem access to the session's
// scratch directory.
package sandbox

import (
	"context"
	"time"
)

// Sandbox runs one analysis script in an isolated environment.
type Sandbox interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// RunRequest defines which script to run and under what constraints.
type RunRequest struct {
	// Interpreter is the program that executes the script, e.g. "python3".
	Interpreter string

	// ScriptPath is the absolute path of the script file. For container
	// backends it must live inside ScratchDir.
	ScriptPath string

	// ScratchDir is the working directory for the run, the only writable
	// location the script is given. Empty = isolated temp dir.
	ScratchDir string

	// Env adds extra environment variables to the sanitized base set.
	// These are merged on top of the sandbox's minimal safe environment.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// RunResult captures the outcome of a sandboxed script run.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
