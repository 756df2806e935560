package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// ErrUnavailable is returned when the container runtime is required but
// not reachable.
var ErrUnavailable = errors.New("sandbox runtime unavailable")

// Execution policies a tool may declare.
const (
	PolicyHostOnly    = "host_only"
	PolicySandboxOnly = "sandbox_only"
	PolicyDual        = "dual"
)

// Locations describe where a command actually ran.
const (
	LocationHost         = "host"
	LocationContainer    = "container"
	LocationHostFallback = "host_fallback"
)

// ExecResult is the captured outcome of one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerRunner is the container backend the router dispatches to.
type ContainerRunner interface {
	Available(ctx context.Context) bool
	Exec(ctx context.Context, command, hostDir string) (ExecResult, error)
}

// Router decides host vs. container per command. With mode "off"
// everything runs on the host; with mode "all" any tool whose policy is
// not host_only runs containerized. When the runtime is down,
// require_runtime picks between failing closed and falling back to the
// host with a warning.
type Router struct {
	mode           string // "off" or "all"
	requireRuntime bool
	runner         ContainerRunner
	logger         *slog.Logger
}

func NewRouter(mode string, requireRuntime bool, runner ContainerRunner, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{mode: mode, requireRuntime: requireRuntime, runner: runner, logger: logger}
}

// Exec runs command under the given tool policy, rooted at workDir.
// The returned location reports where it actually ran.
func (r *Router) Exec(ctx context.Context, policy, command, workDir string) (ExecResult, string, error) {
	if !r.sandboxed(policy) {
		if policy == PolicySandboxOnly && r.mode != "all" {
			return ExecResult{ExitCode: -1}, "", fmt.Errorf("tool requires sandbox but sandbox.mode is %q: %w", r.mode, ErrUnavailable)
		}
		res, err := execHost(ctx, command, workDir)
		return res, LocationHost, err
	}

	if r.runner == nil || !r.runner.Available(ctx) {
		if r.requireRuntime {
			return ExecResult{ExitCode: -1}, "", ErrUnavailable
		}
		r.logger.Warn("container runtime unavailable, falling back to host", "policy", policy)
		res, err := execHost(ctx, command, workDir)
		return res, LocationHostFallback, err
	}

	res, err := r.runner.Exec(ctx, command, workDir)
	return res, LocationContainer, err
}

func (r *Router) sandboxed(policy string) bool {
	return r.mode == "all" && policy != PolicyHostOnly
}

func execHost(ctx context.Context, command, workDir string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, fmt.Errorf("exec: %w", err)
}
