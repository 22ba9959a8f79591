package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/artpar/terminal-broker/internal/broker"
	"github.com/artpar/terminal-broker/internal/logging"
)

// listBridge streams the user's session registry over one websocket: an
// initial session_list followed by live lifecycle events.
type listBridge struct {
	conn *websocket.Conn
	brk  *broker.Broker
	log  *logging.Logger

	userID       string
	pingInterval time.Duration

	send     chan serverMessage
	done     chan struct{}
	doneOnce sync.Once
}

func newListBridge(conn *websocket.Conn, brk *broker.Broker, userID string, pingInterval time.Duration) *listBridge {
	return &listBridge{
		conn:         conn,
		brk:          brk,
		log:          logging.WithComponent("bridge"),
		userID:       userID,
		pingInterval: pingInterval,
		send:         make(chan serverMessage, sendQueue),
		done:         make(chan struct{}),
	}
}

func (l *listBridge) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *listBridge) enqueue(msg serverMessage) {
	select {
	case <-l.done:
	case l.send <- msg:
	default:
		l.log.Warn("list client send queue full, closing", logging.F("user", l.userID))
		l.finish()
	}
}

func (l *listBridge) run() {
	defer l.conn.Close()

	events := l.brk.SubscribeEvents()
	defer l.brk.UnsubscribeEvents(events)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.writePump() }()
	go func() { defer wg.Done(); l.forwardEvents(events) }()

	l.enqueue(serverMessage{Type: msgSessionList, Sessions: l.brk.ListByUser(l.userID)})

	l.readPump()
	l.finish()
	wg.Wait()
}

func (l *listBridge) readPump() {
	l.conn.SetReadDeadline(time.Now().Add(l.pingInterval * 2))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(l.pingInterval * 2))
		return nil
	})

	for {
		var msg clientMessage
		if err := l.conn.ReadJSON(&msg); err != nil {
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(l.pingInterval * 2))

		switch msg.Type {
		case msgGetSessions:
			l.enqueue(serverMessage{Type: msgSessionList, Sessions: l.brk.ListByUser(l.userID)})
		case msgPing:
			l.enqueue(serverMessage{Type: msgPong})
		case msgPong:
		default:
			l.log.Debug("unknown message type", logging.F("type", msg.Type))
		}
	}
}

func (l *listBridge) writePump() {
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			for {
				select {
				case msg := <-l.send:
					l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := l.conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					l.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
					return
				}
			}
		case msg := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteJSON(msg); err != nil {
				l.finish()
				return
			}
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				l.finish()
				return
			}
		}
	}
}

// forwardEvents relays lifecycle events for this user's sessions only.
func (l *listBridge) forwardEvents(events *broker.EventSub) {
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-events.C:
			if !ok {
				l.finish()
				return
			}
			if ev.Session.UserID != l.userID {
				continue
			}
			info := ev.Session
			l.enqueue(serverMessage{Type: string(ev.Type), Session: &info})
		}
	}
}
