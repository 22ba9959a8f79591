package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/artpar/terminal-broker/internal/broker"
	"github.com/artpar/terminal-broker/internal/logging"
	"github.com/artpar/terminal-broker/internal/metrics"
)

const (
	writeTimeout = 10 * time.Second
	sendQueue    = 256
)

// attachParams describe what the client asked for when opening a terminal
// websocket.
type attachParams struct {
	SessionID  string
	DeviceID   string
	Name       string
	WorkingDir string
	Cols       uint16
	Rows       uint16
}

// clientBridge pumps one websocket against one session: input down, output
// and lifecycle events up. It owns the connection for its whole life.
type clientBridge struct {
	conn *websocket.Conn
	brk  *broker.Broker
	met  *metrics.Metrics
	log  *logging.Logger

	ctx          context.Context
	userID       string
	pingInterval time.Duration

	send     chan serverMessage
	done     chan struct{}
	doneOnce sync.Once
}

func newClientBridge(ctx context.Context, conn *websocket.Conn, brk *broker.Broker, met *metrics.Metrics, userID string, pingInterval time.Duration) *clientBridge {
	return &clientBridge{
		ctx:          ctx,
		conn:         conn,
		brk:          brk,
		met:          met,
		log:          logging.WithComponent("bridge"),
		userID:       userID,
		pingInterval: pingInterval,
		send:         make(chan serverMessage, sendQueue),
		done:         make(chan struct{}),
	}
}

func (c *clientBridge) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// enqueue hands a message to the write pump. Returns false once the bridge
// is shutting down or the client cannot drain its queue.
func (c *clientBridge) enqueue(msg serverMessage) bool {
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	default:
		c.log.Warn("client send queue full, closing", logging.F("user", c.userID))
		c.finish()
		return false
	}
}

// run drives the bridge until the client disconnects or the session dies.
func (c *clientBridge) run(params attachParams) {
	c.met.ClientConnected()
	defer c.met.ClientDisconnected()
	defer c.conn.Close()

	sess, err := c.attachOrCreate(params)
	if err != nil {
		c.log.Warn("attach failed", logging.F("user", c.userID, "error", err.Error()))
		c.writeDirect(serverMessage{Type: msgError, Message: attachErrorText(err)})
		code := websocket.ClosePolicyViolation
		if errors.Is(err, broker.ErrUnavailable) {
			code = websocket.CloseInternalServerErr
		}
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, attachErrorText(err)), time.Now().Add(writeTimeout))
		return
	}
	sessionID := sess.ID()
	defer c.brk.Detach(sessionID, c.userID, params.DeviceID)

	if params.Cols > 0 && params.Rows > 0 {
		c.brk.Resize(sessionID, params.Cols, params.Rows)
	}

	// Replay and live subscription come from one critical section, so the
	// replay is a strict prefix of what follows on the stream.
	replay, sub, ok := c.brk.AttachStream(sessionID, 0)
	if !ok {
		c.writeDirect(serverMessage{Type: msgError, Message: "session is gone"})
		return
	}
	defer c.brk.DetachStream(sessionID, sub)

	events := c.brk.SubscribeEvents()
	defer c.brk.UnsubscribeEvents(events)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.forwardEvents(sessionID, events) }()

	// The replay block must reach the send queue before any live chunk, so
	// output forwarding starts only after it is enqueued. Chunks emitted in
	// the meantime wait in the subscription's bounded queue.
	info := sess.Info()
	c.enqueue(serverMessage{Type: msgSessionInfo, Session: &info})
	if len(replay) > 0 {
		// Clear first, pause briefly so the client terminal resets, then
		// deliver the whole replay block as one message.
		c.enqueue(serverMessage{Type: msgTerminalClear, SessionID: sessionID})
		time.Sleep(50 * time.Millisecond)
		c.enqueue(serverMessage{Type: msgTerminalData, SessionID: sessionID, Data: string(replay)})
	}

	wg.Add(1)
	go func() { defer wg.Done(); c.forwardOutput(sessionID, sub) }()

	c.readPump(sessionID)
	c.finish()
	wg.Wait()
}

func (c *clientBridge) attachOrCreate(params attachParams) (*broker.Session, error) {
	if params.SessionID != "" {
		sess, err := c.brk.Attach(params.SessionID, c.userID, params.DeviceID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, broker.ErrNotFound) {
			return nil, err
		}
	}

	opts := broker.CreateOptions{
		SessionID:  params.SessionID,
		Name:       params.Name,
		WorkingDir: params.WorkingDir,
	}
	var (
		sess *broker.Session
		err  error
	)
	if params.DeviceID != "" {
		sess, err = c.brk.GetOrCreateForDevice(c.ctx, c.userID, params.DeviceID, opts)
	} else {
		sess, err = c.brk.CreateSession(c.ctx, c.userID, opts)
	}
	if err != nil {
		return nil, err
	}
	if _, err := c.brk.Attach(sess.ID(), c.userID, params.DeviceID); err != nil {
		return nil, err
	}
	return sess, nil
}

func attachErrorText(err error) string {
	switch {
	case errors.Is(err, broker.ErrForbidden):
		return "session belongs to another user"
	case errors.Is(err, broker.ErrCapacityExceeded):
		return "session limit reached"
	case errors.Is(err, broker.ErrNotFound):
		return "session not found"
	default:
		return "failed to open session"
	}
}

// readPump processes inbound messages until the socket errors or closes.
func (c *clientBridge) readPump(sessionID string) {
	c.conn.SetReadDeadline(time.Now().Add(c.readWait()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.readWait()))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", logging.F("error", err.Error()))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.readWait()))

		switch msg.Type {
		case msgTerminalInput:
			if !c.brk.Write(sessionID, []byte(msg.Data)) {
				return
			}
		case msgTerminalResize:
			if msg.Cols > 0 && msg.Rows > 0 {
				c.brk.Resize(sessionID, msg.Cols, msg.Rows)
			}
		case msgGetHistory:
			history, err := c.brk.History(sessionID, c.userID)
			if err != nil {
				c.enqueue(serverMessage{Type: msgError, Message: attachErrorText(err)})
				continue
			}
			c.enqueue(serverMessage{Type: msgCommandHistory, SessionID: sessionID, History: history})
		case msgSessionRename:
			if msg.Name != "" {
				if err := c.brk.Rename(sessionID, c.userID, msg.Name); err != nil {
					c.enqueue(serverMessage{Type: msgError, Message: "rename failed"})
				}
			}
		case msgPing:
			c.enqueue(serverMessage{Type: msgPong})
		case msgPong:
			// Application-level keepalive response, nothing to do.
		default:
			c.log.Debug("unknown message type", logging.F("type", msg.Type))
		}
	}
}

// writePump is the only goroutine that writes to the socket. It interleaves
// queued messages with protocol pings.
func (c *clientBridge) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			// Flush whatever is queued so the client sees the final
			// messages (exit notifications in particular).
			for {
				select {
				case msg := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := c.conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
					return
				}
			}
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.finish()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.finish()
				return
			}
		}
	}
}

// forwardOutput relays the session's output stream to the client.
func (c *clientBridge) forwardOutput(sessionID string, sub *broker.OutputSub) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				c.finish()
				return
			}
			if ev.Exit {
				code := ev.ExitCode
				c.enqueue(serverMessage{Type: msgTerminalExit, SessionID: sessionID, ExitCode: &code})
				c.finish()
				return
			}
			c.enqueue(serverMessage{Type: msgTerminalData, SessionID: sessionID, Data: string(ev.Data)})
		}
	}
}

// forwardEvents relays lifecycle events about this bridge's own session.
func (c *clientBridge) forwardEvents(sessionID string, events *broker.EventSub) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events.C:
			if !ok {
				return
			}
			if ev.Session.ID != sessionID {
				continue
			}
			info := ev.Session
			c.enqueue(serverMessage{Type: string(ev.Type), Session: &info})
			if ev.Type == broker.EventSessionDeleted {
				// The exit notification on the output stream closes the
				// bridge; nothing more will arrive for this session.
				return
			}
		}
	}
}

// writeDirect is used before the write pump starts.
func (c *clientBridge) writeDirect(msg serverMessage) {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteJSON(msg)
}

func (c *clientBridge) readWait() time.Duration {
	return c.pingInterval * 2
}
