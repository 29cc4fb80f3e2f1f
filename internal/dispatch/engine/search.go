package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/geo"
	"github.com/example/servicematch/internal/location"
)

// Candidate is a worker eligible for an offer.
type Candidate struct {
	WorkerID       string
	Point          geo.Point
	DistanceMeters float64
	SampledAt      time.Time
}

// Search expands ring by ring from the request origin until MinCandidates
// eligible workers are found or MaxRings is exhausted, then returns the
// nearest MaxOffers of them. A failed cell read counts as an empty cell.
func (e *Engine) Search(ctx context.Context, req domain.Request) ([]Candidate, error) {
	start := time.Now()
	origin, err := e.index.CellOf(req.Origin.Lat, req.Origin.Lng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	excluded := req.Excluded()
	minSampled := e.clock.Now().Add(-e.cfg.Freshness)
	seen := make(map[geo.Cell]struct{})
	found := make(map[string]Candidate)
	rings := 0
	for k := 0; k <= e.cfg.MaxRings; k++ {
		rings = k + 1
		cells, err := e.index.Ring(origin, k)
		if err != nil {
			return nil, fmt.Errorf("ring %d: %w", k, err)
		}
		for _, cell := range cells {
			if _, ok := seen[cell]; ok {
				continue
			}
			seen[cell] = struct{}{}
			locs, err := e.locations.QueryCell(ctx, cell, e.cfg.Freshness)
			if err != nil {
				locationReadErrors.Inc()
				e.logger.Warn("cell read failed, treating as empty",
					zap.Error(err), zap.String("cell", string(cell)), zap.String("request_id", req.ID))
				continue
			}
			for _, loc := range locs {
				if !eligible(req, loc, excluded, minSampled) {
					continue
				}
				c := Candidate{
					WorkerID:       loc.WorkerID,
					Point:          loc.Point,
					DistanceMeters: geo.Distance(req.Origin, loc.Point),
					SampledAt:      loc.Timestamp,
				}
				if prev, ok := found[c.WorkerID]; ok && !c.SampledAt.After(prev.SampledAt) {
					continue
				}
				found[c.WorkerID] = c
			}
		}
		if len(found) >= e.cfg.MinCandidates {
			break
		}
	}

	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sortCandidates(out)
	if len(out) > e.cfg.MaxOffers {
		out = out[:e.cfg.MaxOffers]
	}

	result := "found"
	if len(out) == 0 {
		result = "none"
	}
	searchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	searchRings.Observe(float64(rings))
	return out, nil
}

func eligible(req domain.Request, loc location.WorkerLocation, excluded map[string]struct{}, minSampled time.Time) bool {
	if loc.Category != req.Category || !loc.Available {
		return false
	}
	if !loc.Timestamp.After(minSampled) {
		return false
	}
	_, skip := excluded[loc.WorkerID]
	return !skip
}

// sortCandidates orders by distance, then by the most recent sample, then by
// worker id so equal inputs always produce the same offers.
func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].DistanceMeters != cs[j].DistanceMeters {
			return cs[i].DistanceMeters < cs[j].DistanceMeters
		}
		if !cs[i].SampledAt.Equal(cs[j].SampledAt) {
			return cs[i].SampledAt.After(cs[j].SampledAt)
		}
		return cs[i].WorkerID < cs[j].WorkerID
	})
}
