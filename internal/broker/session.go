package broker

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusDetached Status = "detached"
	StatusDead     Status = "dead"
)

// maxHistory bounds the in-memory command history per session.
const maxHistory = 100

// CommandRecord is one entry in a session's command history.
type CommandRecord struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo is the projection of a session handed to clients.
type SessionInfo struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	DeviceID         string    `json:"deviceId,omitempty"`
	Name             string    `json:"name"`
	Status           Status    `json:"status"`
	WorkingDir       string    `json:"workingDir,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
	ConnectedClients int       `json:"connectedClients"`
	IsExecuting      bool      `json:"isExecuting"`
	LastCommand      string    `json:"lastCommand,omitempty"`
}

// Session is one live interactive shell owned by the broker. All mutable
// state is guarded by mu; the PTY reader and broker mutations both go
// through it.
type Session struct {
	id       string
	userID   string
	deviceID string

	mu               sync.Mutex
	name             string
	status           Status
	createdAt        time.Time
	lastActivity     time.Time
	workingDir       string
	connectedClients int
	pty              Pty
	output           *OutputBuffer
	scratch          []byte
	history          []CommandRecord
	subs             []*OutputSub
	cwdPending       bool
	deleted          bool
	exitSent         bool
}

// ID returns the session's immutable identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the owning principal.
func (s *Session) UserID() string { return s.userID }

// DeviceID returns the spawning device id, if any.
func (s *Session) DeviceID() string { return s.deviceID }

// Shell prompt shapes recognized by the execution-state heuristic.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[\$%>#]\s*$`),
	regexp.MustCompile(`\[.*\]\s*[\$%>#]\s*$`),
	regexp.MustCompile(`>\s*$`),
}

// Info projects the current state into a SessionInfo.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() SessionInfo {
	info := SessionInfo{
		ID:               s.id,
		UserID:           s.userID,
		DeviceID:         s.deviceID,
		Name:             s.name,
		Status:           s.status,
		WorkingDir:       s.workingDir,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
		ConnectedClients: s.connectedClients,
		IsExecuting:      s.isExecutingLocked(time.Now()),
	}
	if n := len(s.history); n > 0 {
		info.LastCommand = s.history[n-1].Command
	}
	return info
}

// isExecutingLocked is a coarse heuristic: recent activity means a command
// is probably running, unless the tail of the output looks like a prompt.
func (s *Session) isExecutingLocked(now time.Time) bool {
	idle := now.Sub(s.lastActivity)
	if idle < 3*time.Second {
		return true
	}
	tail := bytes.Join(s.output.Snapshot(3), nil)
	trimmed := strings.TrimSpace(string(tail))
	for _, re := range promptPatterns {
		if re.MatchString(trimmed) {
			return false
		}
	}
	return idle < 10*time.Second
}

// Snapshot returns the newest k output chunks.
func (s *Session) Snapshot(k int) [][]byte {
	return s.output.Snapshot(k)
}

// History returns a copy of the recorded command history.
func (s *Session) History() []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CommandRecord, len(s.history))
	copy(out, s.history)
	return out
}

// feedScratchLocked runs client input through the command scratch buffer.
// It is an echo-less best-effort approximation of the user's last command,
// not a shell parser. Returns true if at least one command was recorded.
func (s *Session) feedScratchLocked(data []byte, now time.Time) bool {
	recorded := false
	for _, c := range data {
		switch {
		case c == '\r' || c == '\n':
			cmd := strings.TrimSpace(string(s.scratch))
			if cmd != "" {
				s.history = append(s.history, CommandRecord{Command: cmd, Timestamp: now})
				if len(s.history) > maxHistory {
					s.history = s.history[len(s.history)-maxHistory:]
				}
				recorded = true
			}
			s.scratch = s.scratch[:0]
		case c == '\b' || c == 0x7f:
			if len(s.scratch) > 0 {
				s.scratch = s.scratch[:len(s.scratch)-1]
			}
		case c == '\t':
			// Completion is resolved by the shell; recorded on Enter.
		case c >= 32:
			s.scratch = append(s.scratch, c)
		default:
			// Other control bytes do not contribute to the command.
		}
	}
	return recorded
}

// subscribeLocked registers an output subscriber and returns the replay
// block in the same critical section, so no live chunk can be missed or
// duplicated between the snapshot and the first delivery.
func (s *Session) subscribeLocked(replayChunks, queue int) ([]byte, *OutputSub) {
	replay := bytes.Join(s.output.Snapshot(replayChunks), nil)
	sub := newOutputSub(queue)
	s.subs = append(s.subs, sub)
	return replay, sub
}

func (s *Session) unsubscribeLocked(sub *OutputSub) {
	for i, cur := range s.subs {
		if cur == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
}

// snapshotSubsLocked returns a copy of the subscriber list for fan-out
// outside the session lock.
func (s *Session) snapshotSubsLocked() []*OutputSub {
	subs := make([]*OutputSub, len(s.subs))
	copy(subs, s.subs)
	return subs
}
