// Package broker owns the set of live PTY-backed terminal sessions and
// bridges each one to any number of connected clients. It is the stateful
// switchboard of the system: registry, authorization, replay buffering,
// fan-out, and reaping all live here.
package broker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/terminal-broker/internal/logging"
	"github.com/artpar/terminal-broker/internal/metrics"
)

// Config carries the broker's tunables and collaborators. Zero values fall
// back to the documented defaults.
type Config struct {
	MaxSessionsPerUser int
	MaxOutputChunks    int
	MaxOutputBytes     int
	ReplayChunks       int
	SubscriberQueue    int

	DetachReap           time.Duration
	DetachedTTL          time.Duration
	DeadTTL              time.Duration
	ReapInterval         time.Duration
	AuditInterval        time.Duration
	StaleClientThreshold time.Duration
	ShutdownGrace        time.Duration
	CwdDelay             time.Duration

	// ContainerMode selects the container exec path over host PTYs.
	ContainerMode bool

	Spawner PtySpawner
	Runtime ContainerRuntime

	// CwdProbe resolves the live working directory of a host shell by pid.
	// Optional; when nil (or pid unknown) the stored workingDir is kept.
	CwdProbe func(pid int) (string, error)

	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 50
	}
	if c.MaxOutputChunks <= 0 {
		c.MaxOutputChunks = DefaultMaxChunks
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxBytes
	}
	if c.ReplayChunks <= 0 {
		c.ReplayChunks = DefaultReplayK
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 256
	}
	if c.DetachReap <= 0 {
		c.DetachReap = 10 * time.Minute
	}
	if c.DetachedTTL <= 0 {
		c.DetachedTTL = 2 * time.Hour
	}
	if c.DeadTTL <= 0 {
		c.DeadTTL = 24 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 60 * time.Second
	}
	if c.AuditInterval <= 0 {
		c.AuditInterval = 30 * time.Second
	}
	if c.StaleClientThreshold <= 0 {
		c.StaleClientThreshold = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.CwdDelay <= 0 {
		c.CwdDelay = time.Second
	}
	return c
}

// Broker is the singleton session registry and scheduler. Construct one per
// process with New and pass it by interface to collaborators.
type Broker struct {
	cfg Config
	log *logging.Logger

	mu         sync.Mutex
	sessions   map[string]*Session            // id -> session (non-dead)
	byUser     map[string]map[string]*Session // userID -> id -> session
	byDevice   map[string]*Session            // userID/deviceID -> session
	tombstones map[string]time.Time           // dead session id -> time of death

	evMu      sync.Mutex
	eventSubs []*EventSub

	wg     sync.WaitGroup
	closed bool
}

// CreateOptions are the optional parameters of CreateSession.
type CreateOptions struct {
	SessionID  string
	Name       string
	WorkingDir string
	DeviceID   string
	Env        []string
}

// New constructs a broker. cfg.Spawner is required unless cfg.ContainerMode
// is set, in which case cfg.Runtime is.
func New(cfg Config) *Broker {
	return &Broker{
		cfg:        cfg.withDefaults(),
		log:        logging.WithComponent("broker"),
		sessions:   make(map[string]*Session),
		byUser:     make(map[string]map[string]*Session),
		byDevice:   make(map[string]*Session),
		tombstones: make(map[string]time.Time),
	}
}

func deviceKey(userID, deviceID string) string {
	return userID + "/" + deviceID
}

// CreateSession opens a new PTY-backed session for userID and registers it.
func (b *Broker) CreateSession(ctx context.Context, userID string, opts CreateOptions) (*Session, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: broker is shut down", ErrUnavailable)
	}
	if len(b.byUser[userID]) >= b.cfg.MaxSessionsPerUser {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: user %s has %d sessions", ErrCapacityExceeded, userID, b.cfg.MaxSessionsPerUser)
	}
	if opts.SessionID != "" {
		if _, ok := b.sessions[opts.SessionID]; ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrConflict, opts.SessionID)
		}
	}
	b.mu.Unlock()

	pty, workingDir, err := b.openPty(ctx, userID, opts)
	if err != nil {
		return nil, err
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	name := opts.Name
	if name == "" {
		name = "session-" + shortID(id)
	}

	now := time.Now()
	sess := &Session{
		id:           id,
		userID:       userID,
		deviceID:     opts.DeviceID,
		name:         name,
		status:       StatusActive,
		createdAt:    now,
		lastActivity: now,
		workingDir:   workingDir,
		pty:          pty,
		output:       NewOutputBuffer(b.cfg.MaxOutputChunks, b.cfg.MaxOutputBytes),
	}

	b.mu.Lock()
	// Re-validate under the lock; the PTY open happened outside it.
	if b.closed || len(b.byUser[userID]) >= b.cfg.MaxSessionsPerUser {
		b.mu.Unlock()
		pty.Kill()
		return nil, fmt.Errorf("%w: user %s", ErrCapacityExceeded, userID)
	}
	if _, ok := b.sessions[id]; ok {
		b.mu.Unlock()
		pty.Kill()
		return nil, fmt.Errorf("%w: %s", ErrConflict, id)
	}
	b.sessions[id] = sess
	if b.byUser[userID] == nil {
		b.byUser[userID] = make(map[string]*Session)
	}
	b.byUser[userID][id] = sess
	if opts.DeviceID != "" {
		b.byDevice[deviceKey(userID, opts.DeviceID)] = sess
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.readLoop(sess, pty)

	b.cfg.Metrics.SessionCreated()
	b.cfg.Metrics.SetLiveSessions(b.liveCount())
	b.log.Info("session created", logging.F("session", id, "user", userID, "device", opts.DeviceID))
	b.publish(Event{Type: EventSessionCreated, Session: sess.Info()})
	return sess, nil
}

func (b *Broker) openPty(ctx context.Context, userID string, opts CreateOptions) (Pty, string, error) {
	if b.cfg.ContainerMode {
		if b.cfg.Runtime == nil {
			return nil, "", fmt.Errorf("%w: no container runtime configured", ErrUnavailable)
		}
		containerID, err := b.cfg.Runtime.EnsureUserContainer(ctx, userID)
		if err != nil {
			return nil, "", fmt.Errorf("%w: ensure container: %v", ErrUnavailable, err)
		}
		workingDir := opts.WorkingDir
		if workingDir == "" {
			workingDir = "/home/developer"
		}
		pty, err := b.cfg.Runtime.OpenExec(ctx, containerID, ExecOptions{
			Cmd:        []string{"/bin/bash"},
			User:       "developer",
			WorkingDir: workingDir,
			Env:        opts.Env,
			Cols:       80,
			Rows:       24,
		})
		if err != nil {
			return nil, "", fmt.Errorf("%w: open exec: %v", ErrUnavailable, err)
		}
		return pty, workingDir, nil
	}

	if b.cfg.Spawner == nil {
		return nil, "", fmt.Errorf("%w: no pty spawner configured", ErrUnavailable)
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir, _ = os.UserHomeDir()
	}
	pty, err := b.cfg.Spawner.Spawn(SpawnOptions{
		Cols:       80,
		Rows:       24,
		WorkingDir: workingDir,
		Env:        opts.Env,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: spawn pty: %v", ErrUnavailable, err)
	}
	return pty, workingDir, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Attach connects one more client to a session.
func (b *Broker) Attach(sessionID, userID, deviceID string) (*Session, error) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.userID != userID {
		return nil, fmt.Errorf("%w: session %s", ErrForbidden, sessionID)
	}

	sess.mu.Lock()
	if sess.status == StatusDead {
		sess.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess.connectedClients++
	sess.status = StatusActive
	sess.lastActivity = time.Now()
	info := sess.infoLocked()
	sess.mu.Unlock()

	b.publish(Event{Type: EventSessionUpdated, Session: info})
	return sess, nil
}

// GetOrCreateForDevice implements the per-device reuse rule: at most one
// non-dead session per (user, device). Detached leftovers on other devices
// are scheduled for cleanup before a new session is created.
func (b *Broker) GetOrCreateForDevice(ctx context.Context, userID, deviceID string, opts CreateOptions) (*Session, error) {
	b.mu.Lock()
	if sess, ok := b.byDevice[deviceKey(userID, deviceID)]; ok {
		b.mu.Unlock()
		sess.mu.Lock()
		dead := sess.status == StatusDead
		sess.mu.Unlock()
		if !dead {
			return sess, nil
		}
	} else {
		b.mu.Unlock()
	}

	b.scheduleOrphanCleanup(userID, deviceID)

	opts.DeviceID = deviceID
	return b.CreateSession(ctx, userID, opts)
}

// scheduleOrphanCleanup marks detached zero-client sessions of the user on
// other devices for deferred reaping.
func (b *Broker) scheduleOrphanCleanup(userID, deviceID string) {
	b.mu.Lock()
	var orphans []*Session
	for _, sess := range b.byUser[userID] {
		if sess.deviceID != "" && sess.deviceID != deviceID {
			orphans = append(orphans, sess)
		}
	}
	b.mu.Unlock()

	for _, sess := range orphans {
		sess.mu.Lock()
		idle := sess.status == StatusDetached && sess.connectedClients == 0
		sess.mu.Unlock()
		if idle {
			b.scheduleReap(sess)
		}
	}
}

// Detach disconnects one client. When the last client leaves, the session
// becomes detached and, if the device matches, a deferred reap is scheduled.
func (b *Broker) Detach(sessionID, userID, deviceID string) bool {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok || sess.userID != userID {
		return false
	}

	sess.mu.Lock()
	if sess.status == StatusDead {
		sess.mu.Unlock()
		return false
	}
	if sess.connectedClients > 0 {
		sess.connectedClients--
	}
	if sess.connectedClients == 0 && sess.status == StatusActive {
		sess.status = StatusDetached
	}
	matchesDevice := deviceID != "" && deviceID == sess.deviceID
	info := sess.infoLocked()
	sess.mu.Unlock()

	if matchesDevice {
		b.scheduleReap(sess)
	}
	b.publish(Event{Type: EventSessionUpdated, Session: info})
	return true
}

// scheduleReap kills the session after DetachReap if it is still detached
// with no clients by then.
func (b *Broker) scheduleReap(sess *Session) {
	time.AfterFunc(b.cfg.DetachReap, func() {
		sess.mu.Lock()
		idle := sess.status == StatusDetached && sess.connectedClients == 0
		sess.mu.Unlock()
		if idle {
			b.log.Info("reaping detached session", logging.F("session", sess.id))
			b.terminate(sess)
		}
	})
}

// Kill terminates a session's shell and removes it from the registry.
// Unknown sessions return false rather than an error; a foreign session
// returns ErrForbidden with state unchanged.
func (b *Broker) Kill(sessionID, userID string) (bool, error) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false, nil
	}
	if sess.userID != userID {
		return false, fmt.Errorf("%w: session %s", ErrForbidden, sessionID)
	}
	b.terminate(sess)
	return true, nil
}

// terminate moves a session to dead, removes it from every index, emits
// session_deleted exactly once, and kills the shell. The PTY reader then
// observes the closed stream and notifies output subscribers of the exit.
func (b *Broker) terminate(sess *Session) {
	sess.mu.Lock()
	if sess.status == StatusDead {
		sess.mu.Unlock()
		return
	}
	sess.status = StatusDead
	sess.connectedClients = 0
	pty := sess.pty
	sess.pty = nil
	emit := !sess.deleted
	sess.deleted = true
	info := sess.infoLocked()
	sess.mu.Unlock()

	b.removeFromIndices(sess)

	if pty != nil {
		pty.Kill()
	}
	if emit {
		b.cfg.Metrics.SetLiveSessions(b.liveCount())
		b.log.Info("session deleted", logging.F("session", sess.id, "user", sess.userID))
		b.publish(Event{Type: EventSessionDeleted, Session: info})
	}
}

func (b *Broker) removeFromIndices(sess *Session) {
	b.mu.Lock()
	delete(b.sessions, sess.id)
	if m := b.byUser[sess.userID]; m != nil {
		delete(m, sess.id)
		if len(m) == 0 {
			delete(b.byUser, sess.userID)
		}
	}
	if sess.deviceID != "" {
		key := deviceKey(sess.userID, sess.deviceID)
		if b.byDevice[key] == sess {
			delete(b.byDevice, key)
		}
	}
	b.tombstones[sess.id] = time.Now()
	b.mu.Unlock()
}

// Write feeds client input to the shell and the command scratch buffer.
// Returns false if the session is absent or dead.
func (b *Broker) Write(sessionID string, data []byte) bool {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	now := time.Now()
	sess.mu.Lock()
	if sess.status == StatusDead || sess.pty == nil {
		sess.mu.Unlock()
		return false
	}
	pty := sess.pty
	recorded := sess.feedScratchLocked(data, now)
	sess.lastActivity = now
	var info SessionInfo
	if recorded {
		info = sess.infoLocked()
	}
	sess.mu.Unlock()

	if _, err := pty.Write(data); err != nil {
		b.log.Debug("pty write failed", logging.F("session", sessionID, "error", err.Error()))
	}
	if recorded {
		b.publish(Event{Type: EventSessionUpdated, Session: info})
		b.scheduleCwdRefresh(sess, pty.PID())
	}
	return true
}

// scheduleCwdRefresh queries the OS for the shell's real working directory
// shortly after a command is submitted, so `cd` is reflected without
// parsing shell input.
func (b *Broker) scheduleCwdRefresh(sess *Session, pid int) {
	if b.cfg.CwdProbe == nil || pid <= 0 {
		return
	}
	sess.mu.Lock()
	if sess.cwdPending {
		sess.mu.Unlock()
		return
	}
	sess.cwdPending = true
	sess.mu.Unlock()

	time.AfterFunc(b.cfg.CwdDelay, func() {
		cwd, err := b.cfg.CwdProbe(pid)

		sess.mu.Lock()
		sess.cwdPending = false
		changed := err == nil && cwd != "" && cwd != sess.workingDir && sess.status != StatusDead
		if changed {
			sess.workingDir = cwd
		}
		info := sess.infoLocked()
		sess.mu.Unlock()

		if changed {
			b.publish(Event{Type: EventSessionUpdated, Session: info})
		}
	})
}

// Resize forwards a terminal size change to the shell.
func (b *Broker) Resize(sessionID string, cols, rows uint16) bool {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	pty := sess.pty
	sess.mu.Unlock()
	if pty == nil {
		return false
	}
	if err := pty.Resize(cols, rows); err != nil {
		b.log.Debug("pty resize failed", logging.F("session", sessionID, "error", err.Error()))
	}
	return true
}

// Snapshot returns the newest k output chunks of a session.
func (b *Broker) Snapshot(sessionID string, k int) [][]byte {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Snapshot(k)
}

// History returns the session's recorded command history.
func (b *Broker) History(sessionID, userID string) ([]CommandRecord, error) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.userID != userID {
		return nil, fmt.Errorf("%w: session %s", ErrForbidden, sessionID)
	}
	return sess.History(), nil
}

// Rename changes the session's human label.
func (b *Broker) Rename(sessionID, userID, name string) error {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.userID != userID {
		return fmt.Errorf("%w: session %s", ErrForbidden, sessionID)
	}
	sess.mu.Lock()
	sess.name = name
	info := sess.infoLocked()
	sess.mu.Unlock()
	b.publish(Event{Type: EventSessionUpdated, Session: info})
	return nil
}

// ListByUser returns the non-dead sessions of a user, oldest first.
func (b *Broker) ListByUser(userID string) []SessionInfo {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.byUser[userID]))
	for _, sess := range b.byUser[userID] {
		sessions = append(sessions, sess)
	}
	b.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := sess.Info()
		if info.Status != StatusDead {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// AttachStream registers an output subscriber for a session and returns the
// replay block captured in the same critical section: the replay is a prefix
// of everything the subscriber will see.
func (b *Broker) AttachStream(sessionID string, replayChunks int) ([]byte, *OutputSub, bool) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	if replayChunks <= 0 || replayChunks > b.cfg.MaxOutputChunks {
		replayChunks = b.cfg.ReplayChunks
	}
	sess.mu.Lock()
	if sess.status == StatusDead {
		sess.mu.Unlock()
		return nil, nil, false
	}
	replay, sub := sess.subscribeLocked(replayChunks, b.cfg.SubscriberQueue)
	sess.mu.Unlock()
	return replay, sub, true
}

// DetachStream removes and closes an output subscriber.
func (b *Broker) DetachStream(sessionID string, sub *OutputSub) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if ok {
		sess.mu.Lock()
		sess.unsubscribeLocked(sub)
		sess.mu.Unlock()
	}
	sub.Close()
}

// readLoop drains the PTY until exit, feeding the output buffer and every
// subscriber. One runs per session for the session's whole life.
func (b *Broker) readLoop(sess *Session, pty Pty) {
	defer b.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := pty.Read(buf)
		if n > 0 {
			b.dispatchOutput(sess, buf[:n])
		}
		if err != nil {
			break
		}
	}

	code := 0
	select {
	case <-pty.Done():
		code = pty.ExitCode()
	default:
	}
	b.log.Debug("pty reader finished", logging.F("session", sess.id))
	b.notifyExit(sess, code)
	b.terminate(sess)
}

func (b *Broker) dispatchOutput(sess *Session, data []byte) {
	sess.mu.Lock()
	sess.output.Append(data)
	sess.lastActivity = time.Now()
	subs := sess.snapshotSubsLocked()
	sess.mu.Unlock()

	b.cfg.Metrics.AddOutputBytes(len(data))

	chunk := make([]byte, len(data))
	copy(chunk, data)
	for _, sub := range subs {
		if !sub.send(OutputEvent{Data: chunk}) {
			// Slow consumer: drop the subscriber, never the session.
			b.log.Warn("dropping slow output subscriber", logging.F("session", sess.id))
			sess.mu.Lock()
			sess.unsubscribeLocked(sub)
			sess.mu.Unlock()
			sub.Close()
		}
	}
}

// notifyExit delivers the exit event to output subscribers exactly once and
// closes their streams.
func (b *Broker) notifyExit(sess *Session, code int) {
	sess.mu.Lock()
	if sess.exitSent {
		sess.mu.Unlock()
		return
	}
	sess.exitSent = true
	subs := sess.snapshotSubsLocked()
	sess.subs = nil
	sess.mu.Unlock()

	for _, sub := range subs {
		sub.send(OutputEvent{Exit: true, ExitCode: code})
		sub.Close()
	}
}

func (b *Broker) liveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Run drives the maintenance loops until ctx is cancelled: a reap pass
// every ReapInterval and a stale-client audit every AuditInterval.
func (b *Broker) Run(ctx context.Context) error {
	reap := time.NewTicker(b.cfg.ReapInterval)
	audit := time.NewTicker(b.cfg.AuditInterval)
	defer reap.Stop()
	defer audit.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reap.C:
			b.reapOnce(time.Now())
		case <-audit.C:
			b.auditOnce(time.Now())
		}
	}
}

// reapOnce expires idle detached sessions, purges old tombstones, and drops
// orphaned device index entries.
func (b *Broker) reapOnce(now time.Time) {
	b.mu.Lock()
	candidates := make([]*Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		candidates = append(candidates, sess)
	}
	for id, died := range b.tombstones {
		if now.Sub(died) > b.cfg.DeadTTL {
			delete(b.tombstones, id)
		}
	}
	for key, sess := range b.byDevice {
		if b.sessions[sess.id] != sess {
			delete(b.byDevice, key)
		}
	}
	b.mu.Unlock()

	for _, sess := range candidates {
		sess.mu.Lock()
		expired := sess.status == StatusDetached &&
			sess.connectedClients == 0 &&
			now.Sub(sess.lastActivity) > b.cfg.DetachedTTL
		sess.mu.Unlock()
		if expired {
			b.log.Info("reaping idle detached session", logging.F("session", sess.id))
			b.terminate(sess)
		}
	}
}

// auditOnce zeroes the client counter of detached sessions whose clients
// have silently gone away (stale-connection guard).
func (b *Broker) auditOnce(now time.Time) {
	b.mu.Lock()
	candidates := make([]*Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		candidates = append(candidates, sess)
	}
	b.mu.Unlock()

	for _, sess := range candidates {
		sess.mu.Lock()
		stale := sess.status == StatusDetached &&
			sess.connectedClients > 0 &&
			now.Sub(sess.lastActivity) > b.cfg.StaleClientThreshold
		var info SessionInfo
		if stale {
			sess.connectedClients = 0
			info = sess.infoLocked()
		}
		sess.mu.Unlock()
		if stale {
			b.log.Warn("forcing stale client counter to zero", logging.F("session", sess.id))
			b.publish(Event{Type: EventSessionUpdated, Session: info})
		}
	}
}

// Shutdown detaches every session, kills the shells, and waits up to
// ShutdownGrace for the readers to drain before returning.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.status == StatusActive {
			sess.status = StatusDetached
		}
		sess.connectedClients = 0
		sess.mu.Unlock()
		b.terminate(sess)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.ShutdownGrace):
		b.log.Warn("shutdown grace expired with readers still running")
	}
}
