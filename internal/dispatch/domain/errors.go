package domain

import (
	"errors"
	"fmt"
)

// Error classes. Callers match with errors.Is; transports map them to status codes.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("unavailable")
)

var (
	ErrRequestNotFound   = fmt.Errorf("request %w", ErrNotFound)
	ErrOfferNotFound     = fmt.Errorf("offer %w", ErrNotFound)
	ErrAlreadyExists     = fmt.Errorf("%w: request already exists", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid request state transition", ErrConflict)
	ErrAlreadyAssigned   = fmt.Errorf("%w: request already assigned", ErrConflict)
	ErrOfferExpired      = fmt.Errorf("%w: offer expired", ErrConflict)
	ErrOfferResolved     = fmt.Errorf("%w: offer already resolved", ErrConflict)
	ErrWorkerMismatch    = fmt.Errorf("%w: worker not assigned to request", ErrConflict)
)

// ErrUnchanged may be returned by an update function to leave the stored
// record untouched. Repository.Update then returns the current record and nil.
var ErrUnchanged = errors.New("unchanged")
