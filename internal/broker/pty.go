package broker

import "context"

// Pty is the uniform capability the broker holds over an interactive shell,
// whether it runs on the host or inside a container. Read delivers bytes in
// the order the shell emitted them; after Kill or exit, writes are dropped
// rather than erroring.
type Pty interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
	// Done is closed once the shell process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed.
	ExitCode() int
	// PID returns the shell process id, or 0 when unknown (container exec).
	PID() int
}

// SpawnOptions configures a new local shell PTY.
type SpawnOptions struct {
	Cols       uint16
	Rows       uint16
	WorkingDir string
	Env        []string
}

// PtySpawner forks a local shell with a pseudo-terminal.
type PtySpawner interface {
	Spawn(opts SpawnOptions) (Pty, error)
}

// ExecOptions configures an interactive exec stream inside a container.
type ExecOptions struct {
	Cmd        []string
	User       string
	WorkingDir string
	Env        []string
	Cols       uint16
	Rows       uint16
}

// ContainerRuntime provisions per-user containers and opens interactive
// exec streams in them.
type ContainerRuntime interface {
	EnsureUserContainer(ctx context.Context, userID string) (string, error)
	OpenExec(ctx context.Context, containerID string, opts ExecOptions) (Pty, error)
}
