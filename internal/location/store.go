// Package location keeps the freshest position sample of every worker indexed
// by geo cell so that a dispatcher can ask "who is in this cell right now".
package location

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/servicematch/internal/geo"
)

// DefaultFreshness is how old a sample may be and still count as a position.
const DefaultFreshness = 2 * time.Minute

// DefaultMaxSkew bounds how far ahead of the local clock a sample may be stamped.
const DefaultMaxSkew = 10 * time.Second

// ErrInvalidSample is returned for samples missing a worker id or category.
var ErrInvalidSample = errors.New("invalid location sample")

// WorkerLocation is a point-in-time position sample.
type WorkerLocation struct {
	WorkerID  string    `json:"workerId"`
	Point     geo.Point `json:"point"`
	Category  string    `json:"category"`
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the sample before it is indexed.
func (l WorkerLocation) Validate() error {
	if strings.TrimSpace(l.WorkerID) == "" {
		return fmt.Errorf("%w: missing worker id", ErrInvalidSample)
	}
	if strings.TrimSpace(l.Category) == "" {
		return fmt.Errorf("%w: missing category", ErrInvalidSample)
	}
	if l.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	return l.Point.Validate()
}

// ValidateAt is Validate plus a bound on clock skew. A sample stamped in the
// future would otherwise win every last-write-wins comparison and stay fresh
// long after the worker stopped reporting.
func (l WorkerLocation) ValidateAt(now time.Time, maxSkew time.Duration) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if l.Timestamp.After(now.Add(maxSkew)) {
		return fmt.Errorf("%w: timestamp %s is ahead of %s", ErrInvalidSample, l.Timestamp.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	return nil
}

// Store is the cell-indexed registry of worker positions.
type Store interface {
	// Upsert replaces the worker's last-known sample and re-indexes it under
	// the cell of its coordinates. Samples older than the stored one are ignored.
	Upsert(ctx context.Context, loc WorkerLocation) error
	// QueryCell returns samples in the cell that are younger than maxAge.
	QueryCell(ctx context.Context, cell geo.Cell, maxAge time.Duration) ([]WorkerLocation, error)
	// EvictStale removes samples older than maxAge and returns how many were dropped.
	EvictStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// CellIndexer maps coordinates to cells.
type CellIndexer interface {
	CellOf(lat, lng float64) (geo.Cell, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func cutoff(now time.Time, maxAge time.Duration) time.Time {
	if maxAge <= 0 {
		maxAge = DefaultFreshness
	}
	return now.Add(-maxAge)
}
