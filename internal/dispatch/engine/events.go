package engine

import (
	"time"

	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/eventbus"
)

func baseEvent(t eventbus.Type, r domain.Request, now time.Time) eventbus.Event {
	evt := eventbus.New(t, now)
	evt.RequestID = r.ID
	evt.RequesterID = r.RequesterID
	evt.Category = r.Category
	evt.Round = r.Round
	return evt
}

// roundOffers lists the workers offered in the current round and the
// earliest expiry among them.
func roundOffers(r domain.Request) ([]string, *time.Time) {
	var ids []string
	var expires *time.Time
	for _, o := range r.Offers {
		if o.Round != r.Round {
			continue
		}
		ids = append(ids, o.WorkerID)
		if expires == nil || o.ExpiresAt.Before(*expires) {
			t := o.ExpiresAt
			expires = &t
		}
	}
	return ids, expires
}

func withdrawnInRound(r domain.Request) []string {
	var ids []string
	for _, o := range r.Offers {
		if o.Round == r.Round && o.Outcome == domain.OfferWithdrawn {
			ids = append(ids, o.WorkerID)
		}
	}
	return ids
}

func createdEvent(r domain.Request, now time.Time) eventbus.Event {
	evt := baseEvent(eventbus.TypeRequestCreated, r, now)
	origin := r.Origin
	evt.Origin = &origin
	evt.Price = r.Price
	evt.CandidateIDs, evt.ExpiresAt = roundOffers(r)
	return evt
}

func offeredEvent(r domain.Request, now time.Time) eventbus.Event {
	evt := baseEvent(eventbus.TypeRequestOffered, r, now)
	evt.Status = string(r.Status)
	evt.CandidateIDs, evt.ExpiresAt = roundOffers(r)
	return evt
}

func acceptedEvent(r domain.Request, reason string, withdrawn []string, now time.Time) eventbus.Event {
	evt := baseEvent(eventbus.TypeRequestAccepted, r, now)
	evt.Status = string(r.Status)
	evt.WorkerID = r.AssignedWorkerID
	evt.WithdrawnWorkerIDs = withdrawn
	evt.Reason = reason
	return evt
}

func statusChangedEvent(r domain.Request, prev domain.Status, reason string, withdrawn []string, now time.Time) eventbus.Event {
	evt := baseEvent(eventbus.TypeRequestStatusChanged, r, now)
	evt.Status = string(r.Status)
	evt.PreviousStatus = string(prev)
	evt.WorkerID = r.AssignedWorkerID
	evt.WithdrawnWorkerIDs = withdrawn
	evt.Reason = reason
	return evt
}

func noCandidatesEvent(r domain.Request, now time.Time) eventbus.Event {
	evt := baseEvent(eventbus.TypeRequestNoCandidates, r, now)
	evt.Status = string(r.Status)
	return evt
}
