// Package realtime tracks live client connections by user id, groups them
// into rooms and fans messages out to them.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a room operation names a user without a
// live connection.
var ErrNotConnected = errors.New("user not connected")

// Conn is one live client connection. Send must not block; it reports
// false when the message could not be queued.
type Conn interface {
	Send(msg []byte) bool
	Close()
}

// Handle identifies one registration of a user. A later Connect for the
// same user yields a different handle.
type Handle struct {
	ID          string
	UserID      string
	Role        string
	ConnectedAt time.Time
}

type session struct {
	handle Handle
	conn   Conn
	rooms  map[string]struct{}
}

// Registry holds at most one connection per user. All mutations happen
// under one lock so membership can never outlive the connection it was
// created for.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]struct{}
	logger   *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Connect registers conn for userID. An existing connection for the user is
// closed and its room memberships dropped.
func (r *Registry) Connect(userID, role string, conn Conn) Handle {
	h := Handle{ID: uuid.NewString(), UserID: userID, Role: role, ConnectedAt: time.Now().UTC()}

	r.mu.Lock()
	old := r.removeLocked(userID)
	r.sessions[userID] = &session{handle: h, conn: conn, rooms: make(map[string]struct{})}
	r.updateGaugesLocked()
	r.mu.Unlock()

	if old != nil {
		old.conn.Close()
		connectionsReplaced.Inc()
		r.logger.Info("connection replaced", zap.String("user_id", userID), zap.String("previous", old.handle.ID))
	}
	r.logger.Debug("connected", zap.String("user_id", userID), zap.String("role", role), zap.String("conn_id", h.ID))
	return h
}

// Disconnect removes the user's connection and memberships. Disconnecting
// an unknown user is a no-op.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	old := r.removeLocked(userID)
	r.updateGaugesLocked()
	r.mu.Unlock()
	if old != nil {
		old.conn.Close()
		r.logger.Debug("disconnected", zap.String("user_id", userID), zap.String("conn_id", old.handle.ID))
	}
}

// Release disconnects h only if it is still the user's current connection,
// so a replaced connection shutting down cannot evict its successor.
func (r *Registry) Release(h Handle) {
	r.mu.Lock()
	s, ok := r.sessions[h.UserID]
	if !ok || s.handle.ID != h.ID {
		r.mu.Unlock()
		return
	}
	r.removeLocked(h.UserID)
	r.updateGaugesLocked()
	r.mu.Unlock()
	s.conn.Close()
}

// JoinRoom adds a connected user to room.
func (r *Registry) JoinRoom(userID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return ErrNotConnected
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[userID] = struct{}{}
	s.rooms[room] = struct{}{}
	r.updateGaugesLocked()
	return nil
}

// LeaveRoom removes the user from room. Leaving a room one is not in is a no-op.
func (r *Registry) LeaveRoom(userID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		delete(s.rooms, room)
	}
	r.dropMemberLocked(room, userID)
	r.updateGaugesLocked()
}

// SendToUser queues msg for the user's connection. It returns false when
// the user is offline or the connection refused the message.
func (r *Registry) SendToUser(userID string, msg []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		deliveries.WithLabelValues("offline").Inc()
		return false
	}
	if !s.conn.Send(msg) {
		deliveries.WithLabelValues("dropped").Inc()
		return false
	}
	deliveries.WithLabelValues("delivered").Inc()
	return true
}

// BroadcastToRoom sends msg to every member of room and returns how many
// connections accepted it.
func (r *Registry) BroadcastToRoom(room string, msg []byte) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.rooms[room]))
	for userID := range r.rooms[room] {
		if s, ok := r.sessions[userID]; ok {
			conns = append(conns, s.conn)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.Send(msg) {
			delivered++
		}
	}
	deliveries.WithLabelValues("room").Add(float64(delivered))
	return delivered
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// IsOnline reports whether the user has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// Members lists the users currently in room.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	return out
}

func (r *Registry) removeLocked(userID string) *session {
	s, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	delete(r.sessions, userID)
	for room := range s.rooms {
		r.dropMemberLocked(room, userID)
	}
	return s
}

func (r *Registry) dropMemberLocked(room, userID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) updateGaugesLocked() {
	activeConnections.Set(float64(len(r.sessions)))
	activeRooms.Set(float64(len(r.rooms)))
}
