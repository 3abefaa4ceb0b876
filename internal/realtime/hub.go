package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	logx "reminderd/pkg/logx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

type session struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (s *session) close() { s.once.Do(func() { close(s.send) }) }

// Hub tracks websocket sessions per user.
type Hub struct {
	log      logx.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}

	dropped atomic.Uint64
}

func NewHub(log logx.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		log:      log.With(logx.String("comp", "realtime.hub")),
		sessions: map[string]map[*session]struct{}{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP upgrades GET /ws?user_id=<id> into a session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	s := &session{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.add(s)
	go h.writeLoop(s)
	go h.readLoop(s)
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	set := h.sessions[s.userID]
	if set == nil {
		set = map[*session]struct{}{}
		h.sessions[s.userID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("session opened", logx.String("user_id", s.userID))
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	if set := h.sessions[s.userID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.userID)
		}
	}
	h.mu.Unlock()
	s.close()
}

// readLoop drains client frames so control messages are processed and
// detects disconnects.
func (h *Hub) readLoop(s *session) {
	defer func() {
		h.remove(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Push queues ev on every session of userID. Slow sessions drop events.
func (h *Hub) Push(ctx context.Context, userID string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[userID]))
	for s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	var dropped int
	for _, s := range targets {
		func() {
			// send may be closed by a concurrent disconnect
			defer func() { _ = recover() }()
			select {
			case s.send <- b:
			default:
				dropped++
			}
		}()
	}
	if dropped > 0 {
		h.dropped.Add(uint64(dropped))
		return errors.New("realtime: session buffer full")
	}
	return nil
}

// Sessions returns the number of open sessions for userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = map[string]map[*session]struct{}{}
	h.mu.Unlock()
	for _, set := range all {
		for s := range set {
			s.close()
		}
	}
}
