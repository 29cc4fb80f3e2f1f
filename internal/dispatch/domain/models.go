package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/servicematch/internal/geo"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusOffered    Status = "offered"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusOffered, StatusCancelled},
	StatusOffered:    {StatusAccepted, StatusPending, StatusCancelled},
	StatusAccepted:   {StatusInProgress},
	StatusInProgress: {StatusCompleted},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type OfferOutcome string

const (
	OfferPending   OfferOutcome = "pending"
	OfferAccepted  OfferOutcome = "accepted"
	OfferDeclined  OfferOutcome = "declined"
	OfferExpired   OfferOutcome = "expired"
	OfferWithdrawn OfferOutcome = "withdrawn"
)

// Offer binds a request to one candidate for a bounded time.
type Offer struct {
	RequestID      string       `json:"requestId"`
	WorkerID       string       `json:"workerId"`
	Round          int          `json:"round"`
	IssuedAt       time.Time    `json:"issuedAt"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	Outcome        OfferOutcome `json:"outcome"`
	ResolvedAt     *time.Time   `json:"resolvedAt,omitempty"`
	DistanceMeters float64      `json:"distanceMeters"`
	ETASeconds     int64        `json:"etaSeconds"`
}

func (o *Offer) resolve(outcome OfferOutcome, now time.Time) {
	o.Outcome = outcome
	t := now
	o.ResolvedAt = &t
}

// Request is the dispatch record. Offers live inside it so a single
// compare-and-set covers the status, the assignment and every offer.
type Request struct {
	ID                string    `json:"id"`
	RequesterID       string    `json:"requesterId"`
	Category          string    `json:"category"`
	Origin            geo.Point `json:"originCoords"`
	Price             float64   `json:"price"`
	Status            Status    `json:"status"`
	AssignedWorkerID  string    `json:"assignedWorkerId,omitempty"`
	DeclinedWorkerIDs []string  `json:"declinedWorkerIds,omitempty"`
	ExpiredWorkerIDs  []string  `json:"expiredWorkerIds,omitempty"`
	Offers            []Offer   `json:"offers,omitempty"`
	Round             int       `json:"round"`
	SearchExhausted   bool      `json:"searchExhausted"`
	CancelReason      string    `json:"cancelReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	Version           int64     `json:"version"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("%w: missing category", ErrInvalidInput)
	}
	if r.Price < 0 {
		return fmt.Errorf("%w: negative price", ErrInvalidInput)
	}
	if err := r.Origin.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Transition moves the request to next or fails with ErrInvalidTransition.
func (r *Request) Transition(next Status, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// Involves reports whether userID is the requester, the assigned worker or
// a worker that was ever offered the request.
func (r *Request) Involves(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == r.RequesterID || userID == r.AssignedWorkerID {
		return true
	}
	_, offered := r.Offer(userID)
	return offered
}

// Offer returns the most recent offer made to workerID.
func (r *Request) Offer(workerID string) (*Offer, bool) {
	for i := len(r.Offers) - 1; i >= 0; i-- {
		if r.Offers[i].WorkerID == workerID {
			return &r.Offers[i], true
		}
	}
	return nil, false
}

func (r *Request) PendingOffers() []*Offer {
	var out []*Offer
	for i := range r.Offers {
		if r.Offers[i].Outcome == OfferPending {
			out = append(out, &r.Offers[i])
		}
	}
	return out
}

// WithdrawPending resolves every still-pending offer as withdrawn and returns
// the affected workers.
func (r *Request) WithdrawPending(now time.Time) []string {
	var ids []string
	for _, o := range r.PendingOffers() {
		o.resolve(OfferWithdrawn, now)
		ids = append(ids, o.WorkerID)
	}
	return ids
}

// Resolve settles a pending offer.
func (r *Request) Resolve(o *Offer, outcome OfferOutcome, now time.Time) {
	o.resolve(outcome, now)
	switch outcome {
	case OfferDeclined:
		r.DeclinedWorkerIDs = appendUnique(r.DeclinedWorkerIDs, o.WorkerID)
	case OfferExpired:
		r.ExpiredWorkerIDs = appendUnique(r.ExpiredWorkerIDs, o.WorkerID)
	}
	r.UpdatedAt = now
}

// Excluded returns workers that must not receive another offer for this request.
func (r Request) Excluded() map[string]struct{} {
	out := make(map[string]struct{}, len(r.DeclinedWorkerIDs)+len(r.ExpiredWorkerIDs))
	for _, id := range r.DeclinedWorkerIDs {
		out[id] = struct{}{}
	}
	for _, id := range r.ExpiredWorkerIDs {
		out[id] = struct{}{}
	}
	return out
}

// NextDeadline is the earliest expiry among pending offers.
func (r Request) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, o := range r.Offers {
		if o.Outcome != OfferPending {
			continue
		}
		if !found || o.ExpiresAt.Before(next) {
			next = o.ExpiresAt
			found = true
		}
	}
	return next, found
}

// Clone returns a deep copy.
func (r Request) Clone() Request {
	cp := r
	cp.DeclinedWorkerIDs = append([]string(nil), r.DeclinedWorkerIDs...)
	cp.ExpiredWorkerIDs = append([]string(nil), r.ExpiredWorkerIDs...)
	if r.Offers != nil {
		cp.Offers = make([]Offer, len(r.Offers))
		for i, o := range r.Offers {
			if o.ResolvedAt != nil {
				t := *o.ResolvedAt
				o.ResolvedAt = &t
			}
			cp.Offers[i] = o
		}
	}
	return cp
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// UpdateFunc mutates a request in place. It may run more than once when the
// backing store retries a contended compare-and-set, so it must not have side
// effects outside the record.
type UpdateFunc func(r *Request) error

type Repository interface {
	Create(ctx context.Context, r Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	// Update applies fn atomically against the current stored version.
	Update(ctx context.Context, id string, fn UpdateFunc) (Request, error)
	// ListDue returns ids of requests with a pending offer expiring at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
