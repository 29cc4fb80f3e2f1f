// Package eventbus carries lifecycle events between the dispatch engine, the
// notification router and the location bridge over a durable pub/sub
// transport with consumer groups and at-least-once delivery.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/servicematch/internal/geo"
)

// Topics.
const (
	TopicIntake    = "requests.intake.v1"
	TopicLifecycle = "requests.lifecycle.v1"
	TopicLocation  = "providers.location.v1"
)

// Type discriminates event variants.
type Type string

const (
	TypeRequestCreated       Type = "request.created"
	TypeRequestOffered       Type = "request.offered"
	TypeRequestAccepted      Type = "request.accepted"
	TypeRequestStatusChanged Type = "request.status_changed"
	TypeRequestNoCandidates  Type = "request.no_candidates"
	TypeProviderLocation     Type = "provider.location"
)

// Event is the flat wire representation shared by every variant. Fields that
// do not apply to a variant are left empty and omitted from the payload.
type Event struct {
	Type       Type      `json:"type"`
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`

	RequestID   string     `json:"requestId,omitempty"`
	RequesterID string     `json:"requesterId,omitempty"`
	Category    string     `json:"category,omitempty"`
	Origin      *geo.Point `json:"originCoords,omitempty"`
	Price       float64    `json:"price,omitempty"`

	CandidateIDs       []string   `json:"candidateIds,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	Round              int        `json:"round,omitempty"`
	WorkerID           string     `json:"workerId,omitempty"`
	WithdrawnWorkerIDs []string   `json:"withdrawnWorkerIds,omitempty"`
	Status             string     `json:"status,omitempty"`
	PreviousStatus     string     `json:"previousStatus,omitempty"`
	Reason             string     `json:"reason,omitempty"`

	Point     *geo.Point `json:"point,omitempty"`
	Available *bool      `json:"available,omitempty"`
	SampledAt *time.Time `json:"sampledAt,omitempty"`
}

// New stamps a fresh event of the given type.
func New(t Type, now time.Time) Event {
	return Event{Type: t, ID: uuid.NewString(), OccurredAt: now.UTC()}
}

// Key is the partitioning key: events of one request stay ordered.
func (e Event) Key() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.WorkerID
}

// Encode serialises the event for the wire.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Decode parses a wire payload and rejects untyped events.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("event without type")
	}
	return e, nil
}
