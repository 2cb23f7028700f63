// Package geo maps coordinates to H3 cells.
package geo

import (
	"fmt"
	"math"

	"github.com/uber/h3-go/v4"

	"github.com/linnemanlabs/locus/internal/location"
)

const (
	// DefaultResolution gives cells of roughly 0.1 km².
	DefaultResolution = 9

	MinResolution = 0
	MaxResolution = 15
)

// Cell is an H3 cell id in its canonical hex form, e.g. "8928308280fffff".
type Cell string

// String implements fmt.Stringer.
func (c Cell) String() string { return string(c) }

// Resolution returns the H3 resolution encoded in the cell.
func (c Cell) Resolution() (int, error) {
	h, err := c.h3()
	if err != nil {
		return 0, err
	}
	return h.Resolution(), nil
}

// Parent returns the containing cell at the given coarser resolution.
// A cell is its own parent at its own resolution.
func (c Cell) Parent(res int) (Cell, error) {
	h, err := c.h3()
	if err != nil {
		return "", err
	}
	if res < MinResolution || res > h.Resolution() {
		return "", fmt.Errorf("parent resolution %d out of range 0..%d", res, h.Resolution())
	}
	if res == h.Resolution() {
		return c, nil
	}
	return Cell(h.Parent(res).String()), nil
}

func (c Cell) h3() (h3.Cell, error) {
	h := h3.Cell(h3.IndexFromString(string(c)))
	if !h.IsValid() {
		return 0, fmt.Errorf("invalid h3 cell %q", string(c))
	}
	return h, nil
}

// ParseCell validates s as an H3 cell id.
func ParseCell(s string) (Cell, error) {
	c := Cell(s)
	if _, err := c.h3(); err != nil {
		return "", err
	}
	return c, nil
}

// ValidateCoordinate reports ErrInvalidCoordinate for anything outside
// lat [-90,90], lon [-180,180], including NaN and infinities.
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90,90]", location.ErrInvalidCoordinate, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180,180]", location.ErrInvalidCoordinate, lon)
	}
	return nil
}

// CellFor returns the H3 cell containing (lat, lon) at res.
func CellFor(lat, lon float64, res int) (Cell, error) {
	if err := ValidateCoordinate(lat, lon); err != nil {
		return "", err
	}
	if res < MinResolution || res > MaxResolution {
		return "", fmt.Errorf("h3 resolution %d out of range %d..%d", res, MinResolution, MaxResolution)
	}
	return Cell(h3.LatLngToCell(h3.NewLatLng(lat, lon), res).String()), nil
}

// Center returns the centroid of the cell.
func Center(c Cell) (lat, lon float64, err error) {
	h, err := c.h3()
	if err != nil {
		return 0, 0, err
	}
	ll := h3.CellToLatLng(h)
	return ll.Lat, ll.Lng, nil
}

// Indexer binds a fixed resolution.
type Indexer struct {
	Resolution int
}

// NewIndexer returns an Indexer at res, or an error if res is not a valid H3 resolution.
func NewIndexer(res int) (Indexer, error) {
	if res < MinResolution || res > MaxResolution {
		return Indexer{}, fmt.Errorf("h3 resolution %d out of range %d..%d", res, MinResolution, MaxResolution)
	}
	return Indexer{Resolution: res}, nil
}

// CellFor returns the cell for (lat, lon) at the indexer's resolution.
func (i Indexer) CellFor(lat, lon float64) (Cell, error) {
	return CellFor(lat, lon, i.Resolution)
}
