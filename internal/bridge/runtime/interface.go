package runtime

import (
	"context"
	"io"
	"time"
)

// Runtime abstracts the process-spawn backend for agent instances (host
// exec, a Docker container, ...).
type Runtime interface {
	// Spawn starts one agent instance from spec and returns a handle to its
	// stdio pipes and lifecycle controls.
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// Process is a running (or just-exited) agent instance. Implementations
// must make Stdin/Stdout/Stderr available immediately after Spawn returns.
type Process interface {
	// ID returns the Spec.ID this process was spawned with.
	ID() string

	// Stdin is the pipe the caller writes JSON-RPC frames to.
	Stdin() io.WriteCloser
	// Stdout is the pipe the caller reads JSON-RPC frames from.
	Stdout() io.ReadCloser
	// Stderr is the pipe diagnostic output is drained from.
	Stderr() io.ReadCloser

	// Wait blocks until the process exits and returns its terminal status.
	// It is safe to call Wait from exactly one goroutine; callers that need
	// the result from multiple goroutines should fan it out themselves.
	Wait() ExitStatus

	// Terminate sends a graceful stop signal, waits up to grace, then kills
	// the process outright. Terminate is idempotent: calling it more than
	// once, or after the process has already exited, is a no-op.
	Terminate(ctx context.Context, grace time.Duration) error
}
