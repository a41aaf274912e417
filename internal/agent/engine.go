package agent

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// containerSpec describes a worker container to create.
type containerSpec struct {
	name   string
	image  string
	env    []string
	binds  []string // host:container[:ro]
	labels map[string]string
}

// attachStream is the bidirectional stdin/stdout connection to a
// running container.
type attachStream interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

// engine abstracts the Docker Engine API. The SDK implementation is the
// only production one; tests substitute a fake.
type engine interface {
	Create(ctx context.Context, spec containerSpec) (string, error)
	Attach(ctx context.Context, id string) (attachStream, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (<-chan int64, <-chan error)
	Kill(ctx context.Context, id, signal string) error
	Remove(ctx context.Context, id string) error
	Ping(ctx context.Context) (string, error)
}

// sdkEngine implements engine using the official Docker SDK.
type sdkEngine struct {
	cli *dockerclient.Client
}

// newSDKEngine creates a Docker client from the environment (DOCKER_HOST
// et al.) with API version negotiation.
func newSDKEngine() (*sdkEngine, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &sdkEngine{cli: cli}, nil
}

func (e *sdkEngine) Create(ctx context.Context, spec containerSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.image,
		Env:          spec.env,
		Labels:       spec.labels,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		// Tty merges stdout/stderr into one unframed stream, which is
		// what the NDJSON reader expects.
		Tty: true,
	}
	hostCfg := &container.HostConfig{
		Binds:      spec.binds,
		AutoRemove: false,
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

// hijackStream adapts the SDK's hijacked connection to attachStream.
type hijackStream struct {
	resp types.HijackedResponse
}

func (h *hijackStream) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h *hijackStream) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h *hijackStream) CloseWrite() error           { return h.resp.CloseWrite() }
func (h *hijackStream) Close() error {
	h.resp.Close()
	return nil
}

func (e *sdkEngine) Attach(ctx context.Context, id string) (attachStream, error) {
	resp, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container attach: %w", err)
	}
	return &hijackStream{resp: resp}, nil
}

func (e *sdkEngine) Start(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (e *sdkEngine) Wait(ctx context.Context, id string) (<-chan int64, <-chan error) {
	respCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	out := make(chan int64, 1)
	outErr := make(chan error, 1)
	go func() {
		select {
		case resp := <-respCh:
			if resp.Error != nil {
				outErr <- fmt.Errorf("container wait: %s", resp.Error.Message)
				return
			}
			out <- resp.StatusCode
		case err := <-errCh:
			outErr <- fmt.Errorf("container wait: %w", err)
		}
	}()
	return out, outErr
}

func (e *sdkEngine) Kill(ctx context.Context, id, signal string) error {
	err := e.cli.ContainerKill(ctx, id, signal)
	if err != nil && !strings.Contains(err.Error(), "is not running") {
		return fmt.Errorf("container kill: %w", err)
	}
	return nil
}

func (e *sdkEngine) Remove(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Ping returns the Docker server version, used by the /docker command.
func (e *sdkEngine) Ping(ctx context.Context) (string, error) {
	ver, err := e.cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("docker ping: %w", err)
	}
	return ver.Version, nil
}
