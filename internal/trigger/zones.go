package trigger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/locus/internal/geo"
)

// ZonesFile is the YAML layout of a zones file:
//
//	zones:
//	  - name: knightsbridge
//	    cells: ["89195da49b7ffff"]
type ZonesFile struct {
	Zones []Zone `yaml:"zones"`
}

// Zone is a named group of high-value cells.
type Zone struct {
	Name  string   `yaml:"name"`
	Cells []string `yaml:"cells"`
}

// StaticZones is a ZoneLookup over a fixed set of cells. Cells may be at any
// resolution; a finer cell matches when one of its parents is in the set.
type StaticZones struct {
	cells       map[geo.Cell]string // cell -> zone name
	resolutions []int               // distinct resolutions present, ascending
}

// NewStaticZones builds a zone set from the given zones.
func NewStaticZones(zones ...Zone) (*StaticZones, error) {
	z := &StaticZones{cells: make(map[geo.Cell]string)}
	seen := make(map[int]bool)
	for _, zone := range zones {
		for _, raw := range zone.Cells {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			c, err := geo.ParseCell(raw)
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", zone.Name, err)
			}
			res, _ := c.Resolution()
			if !seen[res] {
				seen[res] = true
				z.resolutions = append(z.resolutions, res)
			}
			z.cells[c] = zone.Name
		}
	}
	sort.Ints(z.resolutions)
	return z, nil
}

// ParseCellList splits a comma separated list of cells into a single unnamed zone.
func ParseCellList(list string) Zone {
	var cells []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cells = append(cells, s)
		}
	}
	return Zone{Name: "default", Cells: cells}
}

// LoadZonesFile reads a YAML zones file.
func LoadZonesFile(path string) ([]Zone, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read zones file: %w", err)
	}
	var f ZonesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse zones file: %w", err)
	}
	return f.Zones, nil
}

// Len returns the number of configured cells.
func (z *StaticZones) Len() int { return len(z.cells) }

// IsHighValueZone implements ZoneLookup.
func (z *StaticZones) IsHighValueZone(_ context.Context, cell geo.Cell) (bool, error) {
	_, ok, err := z.Match(cell)
	return ok, err
}

// Match returns the zone name containing cell, if any.
func (z *StaticZones) Match(cell geo.Cell) (string, bool, error) {
	if name, ok := z.cells[cell]; ok {
		return name, true, nil
	}
	res, err := cell.Resolution()
	if err != nil {
		return "", false, err
	}
	for _, r := range z.resolutions {
		if r >= res {
			break
		}
		p, err := cell.Parent(r)
		if err != nil {
			return "", false, err
		}
		if name, ok := z.cells[p]; ok {
			return name, true, nil
		}
	}
	return "", false, nil
}

// StaticCondition always reports the same condition.
type StaticCondition Condition

// CurrentCondition implements ConditionLookup.
func (s StaticCondition) CurrentCondition(context.Context, geo.Cell, time.Time) (Condition, error) {
	return Condition(s), nil
}
