//go:build windows

package termio

import (
	"errors"
	"time"

	"github.com/artpar/terminal-broker/internal/broker"
)

// Spawner is not supported on Windows; the broker refuses to start local
// shells there.
type Spawner struct {
	Shell string
	Grace time.Duration
}

func (s *Spawner) Spawn(opts broker.SpawnOptions) (broker.Pty, error) {
	return nil, errors.New("local shell sessions are not supported on windows")
}
