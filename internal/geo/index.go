// Package geo maps coordinates onto a hexagonal H3 tiling and computes the
// neighbouring cells used to expand a proximity search outward.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/uber/h3-go/v4"
)

// DefaultResolution gives roughly 0.74 km between neighbouring cell centres.
const DefaultResolution = 8

// ErrInvalidCoordinates is returned for latitudes outside [-90, 90] or
// longitudes outside [-180, 180].
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports whether the point lies on the globe.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinates, p.Lat, p.Lng)
	}
	return nil
}

// Cell is the canonical hex string form of an H3 index.
type Cell string

// Index is a pure, stateless GeoIndex at a fixed resolution.
type Index struct {
	resolution int
}

// NewIndex builds an index. Resolutions outside the H3 range fall back to
// DefaultResolution.
func NewIndex(resolution int) *Index {
	if resolution < 0 || resolution > 15 {
		resolution = DefaultResolution
	}
	return &Index{resolution: resolution}
}

// Resolution returns the H3 resolution used by the index.
func (i *Index) Resolution() int { return i.resolution }

// CellOf returns the cell containing the coordinates.
func (i *Index) CellOf(lat, lng float64) (Cell, error) {
	if err := (Point{Lat: lat, Lng: lng}).Validate(); err != nil {
		return "", err
	}
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), i.resolution)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return Cell(cell.String()), nil
}

// Ring returns every cell within k hops of c, c included.
func (i *Index) Ring(c Cell, k int) ([]Cell, error) {
	if k < 0 {
		return nil, fmt.Errorf("negative ring distance %d", k)
	}
	origin, err := parseCell(c)
	if err != nil {
		return nil, err
	}
	disk, err := h3.GridDisk(origin, k)
	if err != nil {
		return nil, fmt.Errorf("h3 grid disk: %w", err)
	}
	cells := make([]Cell, 0, len(disk))
	for _, cell := range disk {
		if cell == 0 {
			continue
		}
		cells = append(cells, Cell(cell.String()))
	}
	return cells, nil
}

func parseCell(c Cell) (h3.Cell, error) {
	v, err := strconv.ParseUint(string(c), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cell %q: %w", c, err)
	}
	cell := h3.Cell(v)
	if !cell.IsValid() {
		return 0, fmt.Errorf("invalid cell %q", c)
	}
	return cell, nil
}
