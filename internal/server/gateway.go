package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/notehive/collab-gateway/internal/auth"
	"github.com/notehive/collab-gateway/internal/collab"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024

	defaultSendBuffer   = 256
	defaultEventTimeout = 5 * time.Second
)

var (
	errMissingSessions = errors.New("collaboration service dependency required")
	errMissingVerifier = errors.New("token verifier dependency required")
)

// CollaborationService is the session manager surface the gateway and REST handlers use.
type CollaborationService interface {
	AddUserToSession(ctx context.Context, noteID, userID, connectionID string) (collab.Session, error)
	RemoveUserFromSession(ctx context.Context, noteID, userID, connectionID string) (collab.Session, bool, error)
	UpdateCursor(ctx context.Context, noteID, userID, connectionID string, cursor collab.CursorPosition) error
	GetActiveUsers(ctx context.Context, noteID string) ([]collab.ActiveUser, error)
	GetAllSessionsForUser(ctx context.Context, userID string) ([]collab.Session, error)
	EndSession(ctx context.Context, noteID string) error
	AttachMeeting(ctx context.Context, noteID string, meeting collab.Meeting) (collab.Session, error)
}

// RequestVerifier authenticates the handshake request of a websocket upgrade.
type RequestVerifier interface {
	VerifyRequest(r *http.Request) (auth.Claims, error)
}

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	Sessions       CollaborationService
	Verifier       RequestVerifier
	Metrics        *Metrics
	Logger         *zap.Logger
	EventTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// connContext is bound to a connection once, after the handshake, and never changes.
type connContext struct {
	ID          string
	UserID      string
	RemoteAddr  string
	ConnectedAt time.Time
}

func (c connContext) fields() []zap.Field {
	return []zap.Field{
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID),
	}
}

type client struct {
	ctx       connContext
	conn      *websocket.Conn
	outbox    *subscriber
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Gateway terminates websocket connections and maps their events onto the session manager.
type Gateway struct {
	sessions     CollaborationService
	verifier     RequestVerifier
	metrics      *Metrics
	logger       *zap.Logger
	hub          *Hub
	upgrader     websocket.Upgrader
	eventTimeout time.Duration
	sendBuffer   int

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eventTimeout := cfg.EventTimeout
	if eventTimeout <= 0 {
		eventTimeout = defaultEventTimeout
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	gateway := &Gateway{
		sessions:     cfg.Sessions,
		verifier:     cfg.Verifier,
		metrics:      cfg.Metrics,
		logger:       logger,
		hub:          NewHub(),
		eventTimeout: eventTimeout,
		sendBuffer:   sendBuffer,
		clients:      make(map[string]*client),
	}
	gateway.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return gateway, nil
}

// Hub exposes the gateway's group registry.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// ServeHTTP authenticates the request, upgrades it and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isClosed() {
		writeJSONError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}
	claims, err := g.verifier.VerifyRequest(r)
	if err != nil {
		logAuthFailure(g.logger, "websocket handshake rejected", err, zap.String("remote_addr", r.RemoteAddr))
		if g.metrics != nil {
			g.metrics.HandshakeFailures.Inc()
		}
		writeJSONError(w, http.StatusUnauthorized, "authentication_error")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connCtx := connContext{
		ID:          ksuid.New().String(),
		UserID:      claims.Subject,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now().UTC(),
	}
	c := &client{
		ctx:    connCtx,
		conn:   conn,
		outbox: newSubscriber(connCtx.ID, g.sendBuffer),
		done:   make(chan struct{}),
	}
	if !g.track(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer g.untrack(c)

	g.logger.Info("websocket connected", append(connCtx.fields(), zap.String("remote_addr", connCtx.RemoteAddr))...)

	go g.writePump(c)
	g.readPump(c)
	c.close()
	g.disconnect(c.ctx)

	g.logger.Info("websocket disconnected", append(connCtx.fields(),
		zap.Duration("connected_for", time.Since(connCtx.ConnectedAt)))...)
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gateway) track(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c.ctx.ID] = c
	g.wg.Add(1)
	if g.metrics != nil {
		g.metrics.ConnectionsActive.Inc()
	}
	return true
}

func (g *Gateway) untrack(c *client) {
	g.mu.Lock()
	delete(g.clients, c.ctx.ID)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ConnectionsActive.Dec()
	}
	g.wg.Done()
}

// Close refuses new connections, closes live ones and waits until their
// disconnect cleanup finished or ctx expires.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	live := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		live = append(live, c)
	}
	g.mu.Unlock()

	for _, c := range live {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.close()
	}

	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) readPump(c *client) {
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket read failed", append(c.ctx.fields(), zap.Error(err))...)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		g.dispatch(c, data)
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbox.stream:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch handles one inbound frame. Failures are logged and never close the connection.
func (g *Gateway) dispatch(c *client, raw []byte) {
	connCtx := c.ctx
	event := "unknown"
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Error("realtime event handler panicked",
				append(connCtx.fields(),
					zap.String("event", event),
					zap.Any("panic", recovered))...)
			g.observeEvent(event, "panic", started)
		}
	}()

	frame, err := decodeFrame(raw)
	if err != nil {
		g.logger.Warn("dropping malformed frame", append(connCtx.fields(), zap.Error(err))...)
		g.observeEvent(event, "malformed", started)
		return
	}
	event = frame.Event

	ctx, cancel := context.WithTimeout(context.Background(), g.eventTimeout)
	defer cancel()

	switch frame.Event {
	case EventJoinNote:
		err = g.handleJoin(ctx, c, frame)
	case EventNoteEdit:
		err = g.handleEdit(ctx, c, frame)
	case EventCursorMove:
		err = g.handleCursorMove(ctx, c, frame)
	case EventLeaveNote:
		err = g.handleLeave(ctx, c, frame)
	default:
		g.logger.Warn("ignoring unknown event", append(connCtx.fields(), zap.String("event", frame.Event))...)
		g.observeEvent("unknown", "ignored", started)
		return
	}

	switch {
	case err == nil:
		g.observeEvent(event, "ok", started)
	case errors.Is(err, errMalformedPayload):
		g.logger.Warn("dropping malformed event", append(connCtx.fields(),
			zap.String("event", event),
			zap.Error(err))...)
		g.observeEvent(event, "malformed", started)
	default:
		g.logger.Error("realtime event failed", append(connCtx.fields(),
			zap.String("event", event),
			zap.Bool("storage_unavailable", errors.Is(err, collab.ErrStorageUnavailable)),
			zap.Error(err))...)
		g.observeEvent(event, "error", started)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, c *client, frame Frame) error {
	connCtx := c.ctx
	noteID, err := decodeNoteRef(frame.Data)
	if err != nil {
		return err
	}
	g.hub.Join(noteID.String(), c.outbox)

	if _, err := g.sessions.AddUserToSession(ctx, noteID.String(), connCtx.UserID, connCtx.ID); err != nil {
		g.hub.Leave(noteID.String(), connCtx.ID)
		return fmt.Errorf("join %s: %w", noteID, err)
	}
	activeUsers, err := g.sessions.GetActiveUsers(ctx, noteID.String())
	if err != nil {
		return fmt.Errorf("join %s: %w", noteID, err)
	}
	return g.broadcast(noteID.String(), EventUserJoined, PresencePayload{
		UserID:      connCtx.UserID,
		ActiveUsers: activeUsers,
	}, "")
}

func (g *Gateway) handleEdit(ctx context.Context, c *client, frame Frame) error {
	connCtx := c.ctx
	noteID, payload, err := decodeNoteEdit(frame.Data)
	if err != nil {
		return err
	}
	if payload.CursorPosition != nil {
		if err := g.sessions.UpdateCursor(ctx, noteID.String(), connCtx.UserID, connCtx.ID, *payload.CursorPosition); err != nil {
			return fmt.Errorf("edit %s: %w", noteID, err)
		}
	}
	return g.broadcast(noteID.String(), EventNoteUpdated, NoteUpdatedPayload{
		Changes:        payload.Changes,
		UserID:         connCtx.UserID,
		CursorPosition: payload.CursorPosition,
	}, connCtx.ID)
}

func (g *Gateway) handleCursorMove(ctx context.Context, c *client, frame Frame) error {
	connCtx := c.ctx
	noteID, cursor, err := decodeCursorMove(frame.Data)
	if err != nil {
		return err
	}
	if err := g.sessions.UpdateCursor(ctx, noteID.String(), connCtx.UserID, connCtx.ID, cursor); err != nil {
		return fmt.Errorf("cursor %s: %w", noteID, err)
	}
	return g.broadcast(noteID.String(), EventCursorUpdated, CursorUpdatedPayload{
		UserID:         connCtx.UserID,
		CursorPosition: cursor,
	}, connCtx.ID)
}

func (g *Gateway) handleLeave(ctx context.Context, c *client, frame Frame) error {
	connCtx := c.ctx
	noteID, err := decodeNoteRef(frame.Data)
	if err != nil {
		return err
	}
	g.hub.Leave(noteID.String(), connCtx.ID)
	return g.evict(ctx, connCtx, noteID.String())
}

// evict removes the user from the note's session and tells the remaining group.
func (g *Gateway) evict(ctx context.Context, connCtx connContext, noteID string) error {
	if _, _, err := g.sessions.RemoveUserFromSession(ctx, noteID, connCtx.UserID, connCtx.ID); err != nil {
		return fmt.Errorf("leave %s: %w", noteID, err)
	}
	activeUsers, err := g.sessions.GetActiveUsers(ctx, noteID)
	if err != nil {
		return fmt.Errorf("leave %s: %w", noteID, err)
	}
	return g.broadcast(noteID, EventUserLeft, PresencePayload{
		UserID:      connCtx.UserID,
		ActiveUsers: activeUsers,
	}, "")
}

// disconnect runs after the read loop ends, whether or not the connection ever joined a note.
// Each note gets its own event timeout so one slow eviction cannot starve the rest.
func (g *Gateway) disconnect(connCtx connContext) {
	g.hub.LeaveAll(connCtx.ID)

	lookupCtx, cancel := context.WithTimeout(context.Background(), g.eventTimeout)
	sessions, err := g.sessions.GetAllSessionsForUser(lookupCtx, connCtx.UserID)
	cancel()
	if err != nil {
		g.logger.Error("disconnect cleanup failed", append(connCtx.fields(), zap.Error(err))...)
		return
	}
	for _, session := range sessions {
		if err := g.evictWithTimeout(connCtx, session.NoteID); err != nil {
			g.logger.Error("disconnect cleanup failed for note", append(connCtx.fields(),
				zap.String("note_id", session.NoteID),
				zap.Error(err))...)
			continue
		}
		if g.metrics != nil {
			g.metrics.DisconnectRemoved.Inc()
		}
	}
}

func (g *Gateway) evictWithTimeout(connCtx connContext, noteID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.eventTimeout)
	defer cancel()
	return g.evict(ctx, connCtx, noteID)
}

func (g *Gateway) broadcast(noteID, event string, payload interface{}, exclude string) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	delivered, dropped := g.hub.Broadcast(noteID, frame, exclude)
	if dropped > 0 {
		g.logger.Warn("send buffer full, frame dropped",
			zap.String("note_id", noteID),
			zap.String("event", event),
			zap.Int("dropped", dropped))
	}
	g.metrics.observeBroadcast(event, delivered, dropped)
	return nil
}

func (g *Gateway) observeEvent(event, outcome string, started time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.EventsTotal.WithLabelValues(event, outcome).Inc()
	g.metrics.EventDuration.WithLabelValues(event).Observe(time.Since(started).Seconds())
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
