// Package runtime provisions per-user Docker containers and opens
// interactive shells in them over the engine's exec API.
package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/artpar/terminal-broker/internal/broker"
	"github.com/artpar/terminal-broker/internal/logging"
	"github.com/artpar/terminal-broker/internal/termio"
)

// DockerConfig configures the per-user workspace containers.
type DockerConfig struct {
	// Image is the workspace image started for each user.
	Image string
	// User is the unix account commands run as inside the container.
	User string
	// WorkingDir is the default directory for new shells.
	WorkingDir string
	// NamePrefix prefixes the per-user container names.
	NamePrefix string
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.Image == "" {
		c.Image = "ubuntu:24.04"
	}
	if c.User == "" {
		c.User = "developer"
	}
	if c.WorkingDir == "" {
		c.WorkingDir = "/home/developer"
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "terminal-broker-user-"
	}
	return c
}

// Docker implements broker.ContainerRuntime against a Docker engine.
type Docker struct {
	cli *client.Client
	cfg DockerConfig
	log *logging.Logger

	mu sync.Mutex // serializes container lookup/create per process
}

// NewDocker connects to the engine using the standard environment
// configuration (DOCKER_HOST and friends).
func NewDocker(cfg DockerConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{
		cli: cli,
		cfg: cfg.withDefaults(),
		log: logging.WithComponent("docker"),
	}, nil
}

func (d *Docker) containerName(userID string) string {
	return d.cfg.NamePrefix + userID
}

// EnsureUserContainer finds or creates the user's workspace container and
// makes sure it is running.
func (d *Docker) EnsureUserContainer(ctx context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := d.containerName(userID)
	args := filters.NewArgs(filters.Arg("name", name))
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	for _, c := range list {
		for _, n := range c.Names {
			if n == "/"+name {
				if c.State != "running" {
					if err := d.cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
						return "", fmt.Errorf("start container %s: %w", name, err)
					}
					d.log.Info("restarted user container", logging.F("user", userID, "container", c.ID[:12]))
				}
				return c.ID, nil
			}
		}
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.cfg.Image,
		User:       d.cfg.User,
		WorkingDir: d.cfg.WorkingDir,
		Cmd:        []string{"sleep", "infinity"},
		Tty:        false,
		Labels: map[string]string{
			"terminal-broker.user": userID,
		},
	}, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", name, err)
	}
	d.log.Info("created user container", logging.F("user", userID, "container", created.ID[:12]))
	return created.ID, nil
}

// OpenExec starts an interactive TTY exec in the container and returns it
// as a broker.Pty.
func (d *Docker) OpenExec(ctx context.Context, containerID string, opts broker.ExecOptions) (broker.Pty, error) {
	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = []string{"/bin/bash"}
	}
	user := opts.User
	if user == "" {
		user = d.cfg.User
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = d.cfg.WorkingDir
	}
	env := append([]string{"TERM=xterm-256color", "COLORTERM=truecolor"}, opts.Env...)

	exec, err := d.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		User:         user,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          env,
		WorkingDir:   workingDir,
		Cmd:          cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := d.cli.ContainerExecResize(ctx, exec.ID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	}); err != nil {
		d.log.Debug("initial exec resize failed", logging.F("error", err.Error()))
	}

	resize := func(cols, rows uint16) error {
		return d.cli.ContainerExecResize(context.Background(), exec.ID, container.ResizeOptions{
			Width:  uint(cols),
			Height: uint(rows),
		})
	}
	exitCode := func() int {
		inspect, err := d.cli.ContainerExecInspect(context.Background(), exec.ID)
		if err != nil {
			return 0
		}
		return inspect.ExitCode
	}

	// A TTY exec should hand back a raw byte stream, but some engine
	// frontends frame it anyway, so let the demuxer sniff.
	return termio.NewContainerPty(&hijackedStream{resp: resp}, false, resize, exitCode), nil
}

// Close releases the engine connection.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// hijackedStream adapts the engine's hijacked connection to io.ReadWriteCloser.
type hijackedStream struct {
	resp types.HijackedResponse

	closeOnce sync.Once
}

func (h *hijackedStream) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h *hijackedStream) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h *hijackedStream) Close() error {
	h.closeOnce.Do(h.resp.Close)
	return nil
}

var _ io.ReadWriteCloser = (*hijackedStream)(nil)
