package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptwall/backend/internal/moderation"
	"github.com/promptwall/backend/internal/wall"
)

const (
	cursorMessagePrefix = "C:"
	maxCursorNameLength = 32

	sendBufferSize   = 32
	maxInboundBytes  = 4096
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
	closeTooManyText = "too many connections"
)

// SnapshotSource supplies the initial state pushed to a new session.
type SnapshotSource interface {
	ListRecent(ctx context.Context, limit int) ([]wall.Piece, error)
	GetState(ctx context.Context) (wall.State, error)
}

type cursorState struct {
	set  bool
	name string
	x    float64
	y    float64
}

type session struct {
	id       string
	remoteIP string
	conn     *websocket.Conn
	send     chan []byte

	mu     sync.Mutex
	cursor cursorState
}

func (s *session) setCursor(name string, x, y float64) {
	s.mu.Lock()
	s.cursor = cursorState{set: true, name: name, x: x, y: y}
	s.mu.Unlock()
}

func (s *session) cursorSnapshot() (cursorState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.cursor.set
}

// HubConfig bundles dependencies for the session hub.
type HubConfig struct {
	Source        SnapshotSource
	IDProvider    wall.IDProvider
	MaxSessions   int
	HistoryLimit  int
	CursorTick    time.Duration
	VerifySiteKey string
	Logger        *zap.Logger
}

// Hub owns the live session set and the broadcast fabric. Delivery is
// at-most-once: a session that cannot keep up has events dropped rather
// than stalling the fan-out.
type Hub struct {
	source        SnapshotSource
	idProvider    wall.IDProvider
	maxSessions   int
	historyLimit  int
	cursorTick    time.Duration
	verifySiteKey string
	logger        *zap.Logger
	upgrader      websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub constructs a session hub.
func NewHub(cfg HubConfig) *Hub {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 100
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 50
	}
	cursorTick := cfg.CursorTick
	if cursorTick <= 0 {
		cursorTick = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		source:        cfg.Source,
		idProvider:    cfg.IDProvider,
		maxSessions:   maxSessions,
		historyLimit:  historyLimit,
		cursorTick:    cursorTick,
		verifySiteKey: cfg.VerifySiteKey,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// AttachSource late-binds the snapshot source. The hub must exist before the
// wall service because the service broadcasts through it.
func (h *Hub) AttachSource(source SnapshotSource) {
	h.source = source
}

// LiveCount reports the number of connected sessions by walking the live
// set, never a separately maintained counter.
func (h *Hub) LiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for range h.sessions {
		count++
	}
	return count
}

// Broadcast fans the JSON-encoded event out to every live session.
func (h *Hub) Broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event encode failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		targets = append(targets, sess)
	}
	h.mu.RUnlock()
	for _, sess := range targets {
		select {
		case sess.send <- payload:
		default:
		}
	}
}

func (h *Hub) sendTo(sess *session, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event encode failed", zap.Error(err))
		return
	}
	select {
	case sess.send <- payload:
	default:
	}
}

// HandleConnection upgrades the request and runs the session until the
// client disconnects. A connection arriving over the cap is closed with a
// distinct "too many connections" signal instead of being dropped silently.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, remoteIP string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("session id generation failed", zap.Error(err))
		conn.Close()
		return
	}
	sess := &session{
		id:       sessionID,
		remoteIP: remoteIP,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
	}

	if !h.register(sess) {
		deadline := time.Now().Add(writeWait)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeTooManyText)
		if err := conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			h.logger.Debug("cap close write failed", zap.Error(err))
		}
		conn.Close()
		return
	}

	go h.writeLoop(sess)
	h.sendSnapshot(r.Context(), sess)
	h.readLoop(sess)
}

func (h *Hub) register(sess *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) >= h.maxSessions {
		return false
	}
	h.sessions[sess.id] = sess
	return true
}

func (h *Hub) unregister(sess *session) {
	h.mu.Lock()
	if _, ok := h.sessions[sess.id]; ok {
		delete(h.sessions, sess.id)
		close(sess.send)
	}
	h.mu.Unlock()
}

// sendSnapshot pushes the initial wall history to one freshly connected
// session: recent pieces in chronological order, the aggregate state, and
// the verification site key the client needs to obtain tokens.
func (h *Hub) sendSnapshot(ctx context.Context, sess *session) {
	if h.source == nil {
		return
	}
	pieces, err := h.source.ListRecent(ctx, h.historyLimit)
	if err != nil {
		h.logger.Error("snapshot pieces load failed", zap.Error(err))
		pieces = nil
	}
	state, err := h.source.GetState(ctx)
	if err != nil {
		h.logger.Error("snapshot state load failed", zap.Error(err))
	}
	views := make([]wall.PieceView, 0, len(pieces))
	for _, piece := range pieces {
		views = append(views, wall.ViewOfPiece(piece))
	}
	h.sendTo(sess, wall.HistoryEvent{
		Type:          wall.EventWallHistory,
		Pieces:        views,
		State:         wall.ViewOfState(state),
		VerifySiteKey: h.verifySiteKey,
	})
}

func (h *Hub) readLoop(sess *session) {
	defer func() {
		h.unregister(sess)
		sess.conn.Close()
	}()
	sess.conn.SetReadLimit(maxInboundBytes)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		text := string(raw)
		// Compact cursor frames bypass structured decoding entirely.
		if strings.HasPrefix(text, cursorMessagePrefix) {
			h.applyCursorMessage(sess, text)
			continue
		}
		// Structured inbound traffic is not part of the protocol; state
		// changes arrive over the HTTP surface.
	}
}

func (h *Hub) writeLoop(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// applyCursorMessage parses a "C:<x>,<y>,<name>" frame into the session's
// ephemeral cursor state. Malformed frames are ignored.
func (h *Hub) applyCursorMessage(sess *session, text string) {
	body := text[len(cursorMessagePrefix):]
	parts := strings.SplitN(body, ",", 3)
	if len(parts) < 2 {
		return
	}
	x, errX := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	y, errY := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errX != nil || errY != nil {
		return
	}
	name := ""
	if len(parts) == 3 {
		name = moderation.Truncate(strings.TrimSpace(parts[2]), maxCursorNameLength)
	}
	x, y = wall.ClampPosition(x, y)
	sess.setCursor(name, x, y)
}

// RunCursorTicker broadcasts the cursor aggregate on a fixed tick until ctx
// is done. The aggregate is rebuilt from live session state on every tick,
// so a disconnect can never leave a stale ghost cursor behind.
func (h *Hub) RunCursorTicker(ctx context.Context) {
	ticker := time.NewTicker(h.cursorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcastCursors()
		}
	}
}

func (h *Hub) broadcastCursors() {
	h.mu.RLock()
	cursors := make([]wall.CursorView, 0, len(h.sessions))
	live := len(h.sessions)
	for _, sess := range h.sessions {
		state, ok := sess.cursorSnapshot()
		if !ok {
			continue
		}
		cursors = append(cursors, wall.CursorView{
			SessionID: sess.id,
			Name:      state.name,
			X:         state.x,
			Y:         state.y,
		})
	}
	h.mu.RUnlock()
	if live == 0 {
		return
	}
	h.Broadcast(wall.CursorUpdateEvent{
		Type:    wall.EventCursorUpdate,
		Cursors: cursors,
	})
}
