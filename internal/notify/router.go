// Package notify turns lifecycle events into deliveries on live client
// connections. It never mutates request state, so replaying an event only
// repeats notifications.
package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/example/servicematch/internal/eventbus"
)

// Notification kinds as seen by clients.
const (
	KindOffer        = "offer.new"
	KindAssigned     = "offer.assigned"
	KindWithdrawn    = "offer.withdrawn"
	KindOffered      = "request.offered"
	KindAccepted     = "request.accepted"
	KindStatus       = "request.status_changed"
	KindNoCandidates = "request.no_candidates"
)

// Deliverer is the registry surface the router needs.
type Deliverer interface {
	SendToUser(userID string, msg []byte) bool
	BroadcastToRoom(room string, msg []byte) int
}

// Notification is the outbound client payload.
type Notification struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	Event     eventbus.Event `json:"event"`
}

// RoomFor names the room that follows one request.
func RoomFor(requestID string) string { return roomPrefix + requestID }

// Router consumes the lifecycle topic.
type Router struct {
	conns  Deliverer
	logger *zap.Logger
}

// NewRouter builds a router delivering through conns.
func NewRouter(conns Deliverer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{conns: conns, logger: logger}
}

// Handle routes one event. Undeliverable notifications are counted, not
// retried: an offline recipient is normal.
func (r *Router) Handle(_ context.Context, evt eventbus.Event) error {
	switch evt.Type {
	case eventbus.TypeRequestCreated:
		for _, id := range evt.CandidateIDs {
			r.send(id, KindOffer, evt)
		}
	case eventbus.TypeRequestOffered:
		r.send(evt.RequesterID, KindOffered, evt)
	case eventbus.TypeRequestAccepted:
		r.send(evt.RequesterID, KindAccepted, evt)
		r.send(evt.WorkerID, KindAssigned, evt)
		r.withdraw(evt)
	case eventbus.TypeRequestStatusChanged:
		r.broadcast(RoomFor(evt.RequestID), KindStatus, evt)
		r.withdraw(evt)
	case eventbus.TypeRequestNoCandidates:
		r.send(evt.RequesterID, KindNoCandidates, evt)
	default:
		routedEvents.WithLabelValues("unknown").Inc()
		r.logger.Warn("dropping unknown event", zap.String("type", string(evt.Type)), zap.String("event_id", evt.ID))
		return nil
	}
	routedEvents.WithLabelValues(string(evt.Type)).Inc()
	return nil
}

func (r *Router) withdraw(evt eventbus.Event) {
	for _, id := range evt.WithdrawnWorkerIDs {
		if id == evt.WorkerID {
			continue
		}
		r.send(id, KindWithdrawn, evt)
	}
}

func (r *Router) send(userID, kind string, evt eventbus.Event) {
	if userID == "" {
		return
	}
	msg, ok := r.encode(kind, evt)
	if !ok {
		return
	}
	if r.conns.SendToUser(userID, msg) {
		notifications.WithLabelValues(kind, "delivered").Inc()
		return
	}
	notifications.WithLabelValues(kind, "offline").Inc()
	r.logger.Debug("recipient offline", zap.String("user_id", userID), zap.String("kind", kind), zap.String("request_id", evt.RequestID))
}

func (r *Router) broadcast(room, kind string, evt eventbus.Event) {
	msg, ok := r.encode(kind, evt)
	if !ok {
		return
	}
	n := r.conns.BroadcastToRoom(room, msg)
	notifications.WithLabelValues(kind, "room").Add(float64(n))
	r.logger.Debug("room broadcast", zap.String("room", room), zap.Int("delivered", n))
}

func (r *Router) encode(kind string, evt eventbus.Event) ([]byte, bool) {
	msg, err := json.Marshal(Notification{Type: kind, RequestID: evt.RequestID, Event: evt})
	if err != nil {
		r.logger.Error("encode notification", zap.Error(err), zap.String("kind", kind))
		return nil, false
	}
	return msg, true
}
