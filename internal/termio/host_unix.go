//go:build !windows

package termio

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/artpar/terminal-broker/internal/broker"
	"github.com/artpar/terminal-broker/internal/logging"
)

// Spawner forks local shells under pseudo-terminals. It implements
// broker.PtySpawner.
type Spawner struct {
	// Shell overrides the launched shell binary. Defaults to $SHELL, then
	// /bin/bash.
	Shell string

	// Grace is how long a killed shell gets between SIGTERM and SIGKILL.
	Grace time.Duration
}

// HostPty is a local shell attached to a pseudo-terminal.
type HostPty struct {
	file  *os.File
	cmd   *exec.Cmd
	grace time.Duration

	mu       sync.Mutex
	killed   bool
	done     chan struct{}
	exitCode int

	log *logging.Logger
}

// Spawn starts a shell with the requested geometry and working directory.
func (s *Spawner) Spawn(opts broker.SpawnOptions) (broker.Pty, error) {
	shell := s.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.WorkingDir
	if cmd.Dir == "" {
		cmd.Dir, _ = os.UserHomeDir()
	}
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	cmd.Env = append(cmd.Env, opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	file, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start shell %s: %w", shell, err)
	}

	grace := s.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	p := &HostPty{
		file:  file,
		cmd:   cmd,
		grace: grace,
		done:  make(chan struct{}),
		log:   logging.WithComponent("pty"),
	}
	go p.wait()
	p.log.Debug("shell started", logging.F("shell", shell, "pid", fmt.Sprint(cmd.Process.Pid)))
	return p, nil
}

func (p *HostPty) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if code < 0 {
				code = 1
			}
		}
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
	p.file.Close()
}

func (p *HostPty) Read(b []byte) (int, error) {
	return p.file.Read(b)
}

// Write drops input silently once the shell has exited; a dead session is
// detached, not an error source.
func (p *HostPty) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return len(b), nil
	default:
	}
	return p.file.Write(b)
}

func (p *HostPty) Resize(cols, rows uint16) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill asks the shell's process group to exit and escalates to SIGKILL
// after the grace period.
func (p *HostPty) Kill() error {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	time.AfterFunc(p.grace, func() {
		select {
		case <-p.done:
		default:
			p.log.Warn("shell ignored SIGTERM, sending SIGKILL", logging.F("pid", fmt.Sprint(pid)))
			syscall.Kill(-pid, syscall.SIGKILL)
		}
	})
	return nil
}

func (p *HostPty) Done() <-chan struct{} { return p.done }

func (p *HostPty) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *HostPty) PID() int { return p.cmd.Process.Pid }
