package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/auth"
)

// GatewayConfig tunes per-connection buffering and keepalive.
type GatewayConfig struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	return c
}

// pongWait is how long a connection may stay silent before it is dropped.
func (c GatewayConfig) pongWait() time.Duration { return c.PingInterval * 2 }

// ClientMessage is what clients send over the socket.
type ClientMessage struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	Timestamp any    `json:"timestamp,omitempty"`
}

// ServerMessage is the reply to a ClientMessage.
type ServerMessage struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	Timestamp any    `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrRoomForbidden is returned by a RoomAuthorizer refusing a join.
var ErrRoomForbidden = errors.New("room forbidden")

// RoomAuthorizer decides whether a connection may join a room.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, h Handle, room string) error
}

// Gateway upgrades authenticated HTTP requests into registry connections.
type Gateway struct {
	registry *Registry
	secret   string
	cfg      GatewayConfig
	upgrader websocket.Upgrader
	rooms    RoomAuthorizer
	logger   *zap.Logger
}

// NewGateway builds a gateway over registry.
func NewGateway(registry *Registry, secret string, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry: registry,
		secret:   secret,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// WithRoomAuthorizer guards join_room. Without one every room is open.
func (g *Gateway) WithRoomAuthorizer(a RoomAuthorizer) *Gateway {
	g.rooms = a
	return g
}

// Router mounts the socket endpoint and the presence endpoint.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/ws", g.ServeWS)
	r.Get("/v1/presence", g.presence)
	return r
}

func (g *Gateway) presence(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"connections": g.registry.ConnectionCount(),
		"rooms":       g.registry.RoomCount(),
	})
}

// ServeWS authenticates, upgrades and serves one connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.Parse(g.secret, auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := newWSConn(ws, g.cfg, g.logger.With(zap.String("user_id", claims.Subject)))
	h := g.registry.Connect(claims.Subject, claims.Role, c)
	go c.writePump()
	c.readPump(func(msg ClientMessage) { g.handle(r.Context(), c, h, msg) })
	g.registry.Release(h)
}

func (g *Gateway) handle(ctx context.Context, c *wsConn, h Handle, msg ClientMessage) {
	var reply ServerMessage
	switch msg.Type {
	case "ping", "join_room", "leave_room":
		clientMessages.WithLabelValues(msg.Type).Inc()
	default:
		clientMessages.WithLabelValues("other").Inc()
	}
	switch msg.Type {
	case "ping":
		reply = ServerMessage{Type: "pong", Timestamp: msg.Timestamp}
	case "join_room":
		if msg.Room == "" {
			reply = ServerMessage{Type: "error", Error: "room is required"}
			break
		}
		if err := g.authorizeRoom(ctx, h, msg.Room); err != nil {
			g.logger.Debug("room join refused", zap.String("room", msg.Room), zap.String("user_id", h.UserID), zap.Error(err))
			reply = ServerMessage{Type: "error", Room: msg.Room, Error: "not allowed to join room"}
			break
		}
		if err := g.registry.JoinRoom(h.UserID, msg.Room); err != nil {
			reply = ServerMessage{Type: "error", Room: msg.Room, Error: err.Error()}
			break
		}
		reply = ServerMessage{Type: "room_joined", Room: msg.Room}
	case "leave_room":
		if msg.Room == "" {
			reply = ServerMessage{Type: "error", Error: "room is required"}
			break
		}
		g.registry.LeaveRoom(h.UserID, msg.Room)
		reply = ServerMessage{Type: "room_left", Room: msg.Room}
	default:
		g.logger.Debug("unknown client message", zap.String("type", msg.Type), zap.String("user_id", h.UserID))
		reply = ServerMessage{Type: "error", Error: "unsupported message type " + strconv.Quote(msg.Type)}
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	c.Send(payload)
}

// wsConn owns one socket. Writes happen only on the write pump goroutine.
type wsConn struct {
	ws     *websocket.Conn
	cfg    GatewayConfig
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newWSConn(ws *websocket.Conn, cfg GatewayConfig, logger *zap.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues msg. A full queue means the client is not keeping up; the
// connection is closed rather than blocking the sender.
func (c *wsConn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.Close()
		return false
	}
}

// Close asks the write pump to send a close frame and release the socket.
func (c *wsConn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) readPump(handle func(ClientMessage)) {
	defer c.Close()
	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			msg = ClientMessage{Type: "malformed"}
		}
		handle(msg)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) authorizeRoom(ctx context.Context, h Handle, room string) error {
	if g.rooms == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()
	return g.rooms.AuthorizeRoom(ctx, h, room)
}
