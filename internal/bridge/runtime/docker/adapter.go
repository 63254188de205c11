// Package docker implements runtime.Runtime by running each agent inside its
// own container, attached over the Docker Engine API instead of a host pipe.
// It offers the same interface as runtime/exec so the pool and session bridge
// never need to know which backend spawned a given agent.
package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/kestrel-run/acpbridge/internal/bridge/runtime"
)

const (
	labelManagedBy = "acpbridge.managed-by"
	labelAgentID   = "acpbridge.agent-id"
	managedByValue = "acpbridge"
)

// Runtime spawns agents as Docker containers, attached over the Engine API.
type Runtime struct {
	client  *dockerclient.Client
	network string
}

// New returns a Runtime using the DOCKER_HOST env var or the default socket,
// attaching agents to runtime.DefaultNetwork.
func New() (*Runtime, error) {
	return NewWithNetwork(runtime.DefaultNetwork)
}

// NewWithNetwork returns a Runtime that attaches agents to networkName.
func NewWithNetwork(networkName string) (*Runtime, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker: new client: %w", err)
	}
	return &Runtime{client: cli, network: networkName}, nil
}

// EnsureNetwork creates the runtime's Docker network if it does not exist.
func (r *Runtime) EnsureNetwork(ctx context.Context) error {
	nets, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", r.network)),
	})
	if err != nil {
		return fmt.Errorf("docker: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == r.network {
			return nil
		}
	}
	_, err = r.client.NetworkCreate(ctx, r.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("docker: create network %q: %w", r.network, err)
	}
	return nil
}

// Spawn creates, starts, and attaches to a container running spec.Command.
func (r *Runtime) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("docker: spec.Image is required")
	}

	networkName := spec.NetworkName
	if networkName == "" {
		networkName = r.network
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelAgentID:   spec.ID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cmd := append([]string{spec.Command}, spec.Args...)

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          cmd,
		Env:          spec.Env,
		Labels:       labels,
		WorkingDir:   spec.Dir,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	name := runtime.ContainerNameFor(spec.ID)
	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("docker: create container: %w", err)
	}

	hijack, err := r.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("docker: attach: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijack.Close()
		_ = r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("docker: start container: %w", err)
	}

	p := &process{
		id:          spec.ID,
		containerID: resp.ID,
		client:      r.client,
		hijack:      hijack,
		done:        make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	go p.demux()
	go p.waitLoop(context.Background())
	return p, nil
}

// process implements runtime.Process over an attached Docker container.
type process struct {
	id          string
	containerID string
	client      *dockerclient.Client
	hijack      types.HijackedResponse

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done     chan struct{}
	status   runtime.ExitStatus
	termOnce sync.Once
}

func (p *process) ID() string           { return p.id }
func (p *process) Stdin() io.WriteCloser { return hijackWriteCloser{&p.hijack} }
func (p *process) Stdout() io.ReadCloser { return p.stdoutR }
func (p *process) Stderr() io.ReadCloser { return p.stderrR }

// hijackWriteCloser adapts the attach connection's write half (which must
// stay open for reads to keep flowing) to io.WriteCloser: Close half-closes
// stdin instead of tearing down the whole connection.
type hijackWriteCloser struct {
	h *types.HijackedResponse
}

func (w hijackWriteCloser) Write(b []byte) (int, error) { return w.h.Conn.Write(b) }
func (w hijackWriteCloser) Close() error                { return w.h.CloseWrite() }

// demux splits the attach connection's multiplexed stream into separate
// stdout/stderr pipes using Docker's stream framing.
func (p *process) demux() {
	_, err := stdcopy.StdCopy(p.stdoutW, p.stderrW, p.hijack.Reader)
	p.stdoutW.CloseWithError(err)
	p.stderrW.CloseWithError(err)
}

// waitLoop blocks on the Engine API's wait call and publishes the terminal
// status exactly once.
func (p *process) waitLoop(ctx context.Context) {
	bodyCh, errCh := p.client.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)
	select {
	case body := <-bodyCh:
		if body.Error != nil {
			p.status = runtime.ExitStatus{Err: fmt.Errorf("docker: wait: %s", body.Error.Message)}
		} else {
			p.status = runtime.ExitStatus{Code: int(body.StatusCode)}
		}
	case err := <-errCh:
		p.status = runtime.ExitStatus{Err: err}
	}
	close(p.done)
}

func (p *process) Wait() runtime.ExitStatus {
	<-p.done
	return p.status
}

// Terminate stops the container gracefully (SIGTERM, then grace, then
// SIGKILL via the Engine API) and releases the attach connection.
func (p *process) Terminate(ctx context.Context, grace time.Duration) error {
	var termErr error
	p.termOnce.Do(func() {
		timeout := int(grace.Seconds())
		if err := p.client.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
			termErr = fmt.Errorf("docker: stop container: %w", err)
		}
		select {
		case <-p.done:
		case <-time.After(grace + runtime.ShutdownGrace):
			_ = p.client.ContainerKill(ctx, p.containerID, "KILL")
		}
	})
	p.hijack.Close()
	return termErr
}
