package termio

import (
	"io"
	"sync"
)

// ContainerPty adapts a hijacked container exec stream to the broker's Pty
// interface. Reads pass through a Demuxer so framed and raw-TTY streams look
// identical to the caller.
type ContainerPty struct {
	stream io.ReadWriteCloser
	resize func(cols, rows uint16) error
	demux  *Demuxer

	mu      sync.Mutex
	queued  [][]byte
	partial []byte

	done     chan struct{}
	doneOnce sync.Once

	// exitCode, when set, is consulted after the stream closes.
	exitCode func() int
}

// NewContainerPty wraps an exec stream. resize forwards geometry changes to
// the runtime; exitCode, optional, resolves the command's exit status once
// the stream ends.
func NewContainerPty(stream io.ReadWriteCloser, raw bool, resize func(cols, rows uint16) error, exitCode func() int) *ContainerPty {
	return &ContainerPty{
		stream:   stream,
		resize:   resize,
		demux:    NewDemuxer(raw),
		done:     make(chan struct{}),
		exitCode: exitCode,
	}
}

// Read returns the next demuxed payload bytes. A payload larger than p is
// delivered across successive reads.
func (c *ContainerPty) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.partial) == 0 && len(c.queued) == 0 {
		buf := make([]byte, 4096)
		c.mu.Unlock()
		n, err := c.stream.Read(buf)
		c.mu.Lock()
		if n > 0 {
			c.queued = append(c.queued, c.demux.Feed(buf[:n])...)
		}
		if err != nil {
			if len(c.queued) > 0 {
				break
			}
			c.finish()
			return 0, err
		}
	}

	if len(c.partial) == 0 {
		c.partial = c.queued[0]
		c.queued = c.queued[1:]
	}
	n := copy(p, c.partial)
	c.partial = c.partial[n:]
	return n, nil
}

func (c *ContainerPty) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return len(p), nil
	default:
	}
	return c.stream.Write(p)
}

func (c *ContainerPty) Resize(cols, rows uint16) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if c.resize == nil {
		return nil
	}
	return c.resize(cols, rows)
}

// Kill tears down the exec stream. The shell inside the container receives
// a hangup when its controlling terminal goes away.
func (c *ContainerPty) Kill() error {
	err := c.stream.Close()
	c.finish()
	return err
}

func (c *ContainerPty) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *ContainerPty) Done() <-chan struct{} { return c.done }

func (c *ContainerPty) ExitCode() int {
	select {
	case <-c.done:
	default:
		return 0
	}
	if c.exitCode != nil {
		return c.exitCode()
	}
	return 0
}

// PID is unknown for container exec sessions.
func (c *ContainerPty) PID() int { return 0 }
