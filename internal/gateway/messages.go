// Package gateway exposes the broker over websocket and HTTP. Each terminal
// websocket is bridged to exactly one session; a separate sessions websocket
// streams the registry for dashboards.
package gateway

import "github.com/artpar/terminal-broker/internal/broker"

// Client to server message types.
const (
	msgTerminalInput  = "terminal_input"
	msgTerminalResize = "terminal_resize"
	msgGetHistory     = "get_history"
	msgSessionRename  = "session_rename"
	msgGetSessions    = "get_sessions"
	msgPing           = "ping"
	msgPong           = "pong"
)

// Server to client message types.
const (
	msgSessionInfo    = "session_info"
	msgSessionList    = "session_list"
	msgSessionCreated = "session_created"
	msgSessionUpdated = "session_updated"
	msgSessionDeleted = "session_deleted"
	msgTerminalData   = "terminal_data"
	msgTerminalClear  = "terminal_clear"
	msgTerminalExit   = "terminal_exit"
	msgCommandHistory = "command_history"
	msgError          = "error"
)

// clientMessage is the envelope of every inbound websocket message.
type clientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Name string `json:"name,omitempty"`
}

// serverMessage is the envelope of every outbound websocket message. Fields
// are populated per type; everything else stays omitted.
type serverMessage struct {
	Type      string                 `json:"type"`
	Data      string                 `json:"data,omitempty"`
	Session   *broker.SessionInfo    `json:"session,omitempty"`
	Sessions  []broker.SessionInfo   `json:"sessions,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	ExitCode  *int                   `json:"exitCode,omitempty"`
	History   []broker.CommandRecord `json:"history,omitempty"`
	Message   string                 `json:"message,omitempty"`
}
