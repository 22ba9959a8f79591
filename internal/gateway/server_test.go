package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/artpar/terminal-broker/internal/broker"
	"github.com/artpar/terminal-broker/internal/identity"
)

// fakePty is a scriptable shell stand-in for gateway tests.
type fakePty struct {
	mu    sync.Mutex
	input bytes.Buffer

	// ignoreKill keeps the stream open across Kill, for tests that need a
	// session to die in the registry while its reader is still blocked.
	ignoreKill bool

	out      chan []byte
	done     chan struct{}
	exitOnce sync.Once
	exitCode int
}

func newFakePty() *fakePty {
	return &fakePty{out: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakePty) Read(p []byte) (int, error) {
	data, ok := <-f.out
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (f *fakePty) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.Write(p)
}

func (f *fakePty) Resize(cols, rows uint16) error { return nil }

func (f *fakePty) Kill() error {
	f.mu.Lock()
	ignore := f.ignoreKill
	f.mu.Unlock()
	if !ignore {
		f.exit(0)
	}
	return nil
}

func (f *fakePty) Done() <-chan struct{} { return f.done }

func (f *fakePty) ExitCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode
}

func (f *fakePty) PID() int { return 0 }

func (f *fakePty) emit(data string) { f.out <- []byte(data) }

func (f *fakePty) exit(code int) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.exitCode = code
		f.mu.Unlock()
		close(f.done)
		close(f.out)
	})
}

func (f *fakePty) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.String()
}

type fakeSpawner struct {
	mu   sync.Mutex
	ptys []*fakePty
}

func (s *fakeSpawner) Spawn(opts broker.SpawnOptions) (broker.Pty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakePty()
	s.ptys = append(s.ptys, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakePty {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ptys) == 0 {
		return nil
	}
	return s.ptys[len(s.ptys)-1]
}

type testEnv struct {
	ts      *httptest.Server
	brk     *broker.Broker
	spawner *fakeSpawner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	spawner := &fakeSpawner{}
	brk := broker.New(broker.Config{
		Spawner:    spawner,
		DetachReap: time.Hour,
	})
	t.Cleanup(brk.Shutdown)

	auth := identity.StaticProvider{
		"alice-token": "alice",
		"bob-token":   "bob",
	}
	srv := NewServer(ServerConfig{PingInterval: 5 * time.Second}, brk, auth, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, brk: brk, spawner: spawner}
}

func (e *testEnv) dial(t *testing.T, path, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func waitForType(t *testing.T, conn *websocket.Conn, typ string) serverMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMsg(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("never received %q", typ)
	return serverMessage{}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAPISessionsRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := http.Get(env.ts.URL + "/api/sessions")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token should be 401, got %d", resp.StatusCode)
	}

	resp, _ = http.Get(env.ts.URL + "/api/sessions?token=bogus")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should be 401, got %d", resp.StatusCode)
	}
}

func TestAPISessionsLists(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.brk.CreateSession(context.Background(), "alice", broker.CreateOptions{Name: "work"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.brk.CreateSession(context.Background(), "bob", broker.CreateOptions{})

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Sessions []broker.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ID != sess.ID() {
		t.Fatalf("alice should see only her session: %+v", body.Sessions)
	}
}

func TestWebsocketRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/terminal", "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want 1008", closeErr.Code)
	}
	if closeErr.Text != "Authentication required" {
		t.Fatalf("close reason = %q", closeErr.Text)
	}
}

func TestTerminalSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/terminal", "token=alice-token&deviceId=phone&cols=100&rows=30")

	info := waitForType(t, conn, msgSessionInfo)
	if info.Session == nil || info.Session.UserID != "alice" {
		t.Fatalf("session info wrong: %+v", info)
	}

	// Input reaches the shell.
	conn.WriteJSON(clientMessage{Type: msgTerminalInput, Data: "echo hi\r"})
	deadline := time.Now().Add(2 * time.Second)
	for env.spawner.last().written() != "echo hi\r" {
		if time.Now().After(deadline) {
			t.Fatalf("input not forwarded, shell saw %q", env.spawner.last().written())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Output comes back.
	env.spawner.last().emit("hi\r\n")
	data := waitForType(t, conn, msgTerminalData)
	if data.Data != "hi\r\n" {
		t.Fatalf("terminal data wrong: %q", data.Data)
	}

	// History round-trip.
	conn.WriteJSON(clientMessage{Type: msgGetHistory})
	history := waitForType(t, conn, msgCommandHistory)
	if len(history.History) != 1 || history.History[0].Command != "echo hi" {
		t.Fatalf("history wrong: %+v", history.History)
	}

	// Rename surfaces as an update.
	conn.WriteJSON(clientMessage{Type: msgSessionRename, Name: "demo"})
	for {
		msg := waitForType(t, conn, msgSessionUpdated)
		if msg.Session.Name == "demo" {
			break
		}
	}
}

func TestTerminalPingPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/terminal", "token=alice-token")
	waitForType(t, conn, msgSessionInfo)

	conn.WriteJSON(clientMessage{Type: msgPing})
	waitForType(t, conn, msgPong)
}

func TestReplayOnReconnect(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t, "/ws/terminal", "token=alice-token&deviceId=phone")
	info := waitForType(t, first, msgSessionInfo)
	sessionID := info.Session.ID

	env.spawner.last().emit("banner text\r\n")
	waitForType(t, first, msgTerminalData)
	first.Close()

	// Give the server a moment to detach.
	deadline := time.Now().Add(2 * time.Second)
	for {
		list := env.brk.ListByUser("alice")
		if len(list) == 1 && list[0].Status == broker.StatusDetached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never detached: %+v", list)
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := env.dial(t, "/ws/terminal", "token=alice-token&deviceId=phone")
	info2 := waitForType(t, second, msgSessionInfo)
	if info2.Session.ID != sessionID {
		t.Fatalf("device should reattach to the same session: %s vs %s", info2.Session.ID, sessionID)
	}
	waitForType(t, second, msgTerminalClear)
	replay := waitForType(t, second, msgTerminalData)
	if !strings.Contains(replay.Data, "banner text") {
		t.Fatalf("replay missing earlier output: %q", replay.Data)
	}
}

func TestReplayPrecedesLiveOutput(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t, "/ws/terminal", "token=alice-token&deviceId=phone")
	waitForType(t, first, msgSessionInfo)
	pty := env.spawner.last()
	pty.emit("OLD-BANNER\r\n")
	waitForType(t, first, msgTerminalData)
	first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		list := env.brk.ListByUser("alice")
		if len(list) == 1 && list[0].Status == broker.StatusDetached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never detached: %+v", list)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Keep the shell chatty for the whole reconnect, so any ordering gap
	// between replay and live delivery would surface.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case pty.out <- []byte("LIVE"):
				case <-stop:
					return
				}
			}
		}
	}()
	defer wg.Wait()
	defer close(stop)

	second := env.dial(t, "/ws/terminal", "token=alice-token&deviceId=phone")
	waitForType(t, second, msgSessionInfo)
	for {
		msg := readMsg(t, second)
		if msg.Type != msgTerminalData {
			continue
		}
		// The first data message must be the replay block; live chunks only
		// follow it.
		if !strings.Contains(msg.Data, "OLD-BANNER") {
			t.Fatalf("live output arrived before the replay block: %q", msg.Data)
		}
		break
	}
}

func TestHistoryErrorReported(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/terminal", "token=alice-token")
	info := waitForType(t, conn, msgSessionInfo)

	// Remove the session from the registry while the bridge stays up.
	pty := env.spawner.last()
	pty.mu.Lock()
	pty.ignoreKill = true
	pty.mu.Unlock()
	if ok, err := env.brk.Kill(info.Session.ID, "alice"); !ok || err != nil {
		t.Fatalf("kill: (%v, %v)", ok, err)
	}
	defer pty.exit(0)

	conn.WriteJSON(clientMessage{Type: msgGetHistory})
	msg := waitForType(t, conn, msgError)
	if msg.Message == "" {
		t.Fatal("error message should carry a reason")
	}
}

func TestTerminalExitDelivered(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/terminal", "token=alice-token")
	waitForType(t, conn, msgSessionInfo)

	env.spawner.last().exit(5)
	msg := waitForType(t, conn, msgTerminalExit)
	if msg.ExitCode == nil || *msg.ExitCode != 5 {
		t.Fatalf("exit code wrong: %+v", msg.ExitCode)
	}
}

func TestSessionsWebsocket(t *testing.T) {
	env := newTestEnv(t)
	existing, _ := env.brk.CreateSession(context.Background(), "alice", broker.CreateOptions{})

	conn := env.dial(t, "/ws/sessions", "token=alice-token")
	list := waitForType(t, conn, msgSessionList)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != existing.ID() {
		t.Fatalf("initial list wrong: %+v", list.Sessions)
	}

	created, _ := env.brk.CreateSession(context.Background(), "alice", broker.CreateOptions{})
	ev := waitForType(t, conn, msgSessionCreated)
	if ev.Session.ID != created.ID() {
		t.Fatalf("created event wrong: %+v", ev.Session)
	}

	// Another user's sessions never show up.
	env.brk.CreateSession(context.Background(), "bob", broker.CreateOptions{})
	env.brk.Kill(created.ID(), "alice")
	ev = waitForType(t, conn, msgSessionDeleted)
	if ev.Session.ID != created.ID() {
		t.Fatalf("bob's lifecycle leaked in or deletion lost: %+v", ev.Session)
	}

	conn.WriteJSON(clientMessage{Type: msgGetSessions})
	list = waitForType(t, conn, msgSessionList)
	if len(list.Sessions) != 1 {
		t.Fatalf("refreshed list wrong: %+v", list.Sessions)
	}
}

func TestOriginCheck(t *testing.T) {
	env := newTestEnv(t)
	srv := NewServer(ServerConfig{AllowedOrigins: []string{"https://app.example.com"}}, env.brk, identity.StaticProvider{}, nil)

	r := httptest.NewRequest(http.MethodGet, "/ws/terminal", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	if srv.checkOrigin(r) {
		t.Fatal("foreign origin should be rejected")
	}
	r.Header.Set("Origin", "https://app.example.com")
	if !srv.checkOrigin(r) {
		t.Fatal("allowed origin should pass")
	}
	r.Header.Del("Origin")
	if !srv.checkOrigin(r) {
		t.Fatal("non-browser clients have no origin and should pass")
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/sessions?token=q", nil)
	if got := bearerToken(r); got != "q" {
		t.Fatalf("query token: %q", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := bearerToken(r); got != "h" {
		t.Fatalf("header token: %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := bearerToken(r); got != "" {
		t.Fatalf("non-bearer auth should be ignored: %q", got)
	}
}
