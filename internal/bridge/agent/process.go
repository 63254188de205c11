// Package agent wraps a runtime.Process with the newline-delimited framing
// the bridge speaks to agents over. It never parses JSON-RPC itself; a
// "frame" is just the bytes between two newlines, so the bridge stays
// opaque to whatever method/params shape the agent and client exchange.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/runtime"
)

// maxFrameBytes bounds a single line so a misbehaving agent can't exhaust
// memory by never sending a newline.
const maxFrameBytes = 16 * 1024 * 1024

// ErrClosed is returned by WriteFrame once the process has been
// terminated.
var ErrClosed = fmt.Errorf("agent: process closed")

// Process wraps a runtime.Process, adding line framing over stdin/stdout and
// a drained stderr reader.
type Process struct {
	rp runtime.Process

	writeMu sync.Mutex
	scanner *bufio.Scanner

	closeOnce sync.Once
	closed    chan struct{}
}

// Wrap adapts an already-spawned runtime.Process to the frame API.
func Wrap(rp runtime.Process) *Process {
	sc := bufio.NewScanner(rp.Stdout())
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	sc.Split(bufio.ScanLines)
	return &Process{
		rp:      rp,
		scanner: sc,
		closed:  make(chan struct{}),
	}
}

// ID returns the underlying runtime.Process identifier.
func (p *Process) ID() string { return p.rp.ID() }

// WriteFrame writes one frame followed by a trailing newline. Concurrent
// callers are serialized so frames are never interleaved.
func (p *Process) WriteFrame(frame []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.rp.Stdin().Write(frame); err != nil {
		return fmt.Errorf("agent: write frame: %w", err)
	}
	if _, err := p.rp.Stdin().Write([]byte("\n")); err != nil {
		return fmt.Errorf("agent: write frame newline: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next newline-terminated frame from stdout. It
// returns io.EOF once the agent has exited and stdout has drained, and
// never requires the frame to be valid UTF-8 beyond what JSON itself
// demands.
func (p *Process) ReadFrame() ([]byte, error) {
	if p.scanner.Scan() {
		line := p.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := p.scanner.Err(); err != nil {
		// The exec backend's Wait closes the stdout pipe once the child
		// exits; a read that meets the closed pipe is end of stream.
		if errors.Is(err, os.ErrClosed) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("agent: read frame: %w", err)
	}
	return nil, io.EOF
}

// DrainStderr copies the agent's stderr into sink line by line until the
// stream closes. It is meant to run in its own goroutine for the lifetime
// of the process.
func (p *Process) DrainStderr(sink func(line []byte)) {
	sc := bufio.NewScanner(p.rp.Stderr())
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	sc.Split(bufio.ScanLines)
	for sc.Scan() {
		line := sc.Bytes()
		cp := make([]byte, len(line))
		copy(cp, line)
		sink(cp)
	}
}

// WaitExit blocks until the agent process has exited.
func (p *Process) WaitExit() runtime.ExitStatus {
	return p.rp.Wait()
}

// Terminate stops the underlying process, giving it grace to exit cleanly
// before killing it outright. Terminate is idempotent.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.rp.Terminate(ctx, grace)
	})
	return err
}
