package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/artpar/terminal-broker/internal/broker"
	"github.com/artpar/terminal-broker/internal/identity"
	"github.com/artpar/terminal-broker/internal/logging"
	"github.com/artpar/terminal-broker/internal/metrics"
)

// Close code sent when a websocket fails authentication.
const closeAuthRequired = websocket.ClosePolicyViolation // 1008

// ServerConfig configures the HTTP and websocket surface.
type ServerConfig struct {
	Address        string
	AllowedOrigins []string
	PingInterval   time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Server terminates client connections and hands them to bridges.
type Server struct {
	cfg  ServerConfig
	brk  *broker.Broker
	auth identity.Provider
	met  *metrics.Metrics
	log  *logging.Logger

	upgrader websocket.Upgrader
}

// NewServer wires the gateway around a broker and an identity provider.
func NewServer(cfg ServerConfig, brk *broker.Broker, auth identity.Provider, met *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:  cfg,
		brk:  brk,
		auth: auth,
		met:  met,
		log:  logging.WithComponent("gateway"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handler returns the gateway's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/terminal", s.handleTerminal)
	mux.HandleFunc("/ws/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions", s.handleListSessions)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.met.Handler())
	return mux
}

// ListenAndServe runs the gateway until the server errors.
func (s *Server) ListenAndServe() error {
	s.log.Info("gateway listening", logging.F("address", s.cfg.Address))
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

// bearerToken pulls the token from the query string or Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// authenticateWS verifies the token after the upgrade so the failure can be
// reported as a proper close frame.
func (s *Server) authenticateWS(conn *websocket.Conn, r *http.Request) (identity.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		s.closeWith(conn, closeAuthRequired, "Authentication required")
		return identity.Identity{}, false
	}
	id, err := s.auth.Verify(r.Context(), token)
	if err != nil {
		s.closeWith(conn, closeAuthRequired, "Authentication required")
		return identity.Identity{}, false
	}
	return id, true
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	conn.Close()
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", logging.F("error", err.Error()))
		return
	}
	id, ok := s.authenticateWS(conn, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	params := attachParams{
		SessionID:  q.Get("sessionId"),
		DeviceID:   q.Get("deviceId"),
		Name:       q.Get("name"),
		WorkingDir: q.Get("workingDir"),
	}
	if cols, err := strconv.ParseUint(q.Get("cols"), 10, 16); err == nil {
		params.Cols = uint16(cols)
	}
	if rows, err := strconv.ParseUint(q.Get("rows"), 10, 16); err == nil {
		params.Rows = uint16(rows)
	}

	s.log.Info("terminal client connected",
		logging.F("user", id.UserID, "session", params.SessionID, "device", params.DeviceID))
	bridge := newClientBridge(r.Context(), conn, s.brk, s.met, id.UserID, s.cfg.PingInterval)
	bridge.run(params)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", logging.F("error", err.Error()))
		return
	}
	id, ok := s.authenticateWS(conn, r)
	if !ok {
		return
	}
	s.log.Info("sessions client connected", logging.F("user", id.UserID))
	newListBridge(conn, s.brk, id.UserID, s.cfg.PingInterval).run()
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id, err := s.auth.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessions": s.brk.ListByUser(id.UserID),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
