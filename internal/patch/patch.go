// Package patch holds a static correction table for polyline geometry.
// Upstream polyline data is occasionally missing or self-intersecting at
// specific junctions; entries here replace the geometry between two named
// stops for the lines they apply to.
package patch

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"transit-tracker/internal/geo"
)

// entryFile is the on-disk shape of a single patch, keyed in the file by
// "<origin display name> - <destination display name>".
type entryFile struct {
	Lines  []string     `yaml:"lines" validate:"required,min=1,dive,required"`
	Points [][2]float64 `yaml:"points" validate:"required,min=2"`
}

type entry struct {
	lines  map[string]struct{}
	points []geo.GeoPoint
}

// Table is a read-only lookup of geometry patches, loaded once at startup.
type Table struct {
	entries map[string]entry
}

// Load reads the patch table from the first readable path. A missing file
// is an error; an unset path list loads an empty table.
func Load(paths ...string) (*Table, error) {
	if len(paths) == 0 {
		return &Table{entries: map[string]entry{}}, nil
	}
	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(p)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read patch file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a patch table from YAML.
func Parse(data []byte) (*Table, error) {
	var raw map[string]entryFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse patch file: %w", err)
	}

	v := validator.New()
	entries := make(map[string]entry, len(raw))
	for key, e := range raw {
		if err := v.Struct(e); err != nil {
			return nil, fmt.Errorf("patch %q: %w", key, err)
		}
		if !strings.Contains(key, " - ") {
			return nil, fmt.Errorf("patch %q: key must be \"<origin> - <destination>\"", key)
		}
		lines := make(map[string]struct{}, len(e.Lines))
		for _, l := range e.Lines {
			lines[l] = struct{}{}
		}
		points := make([]geo.GeoPoint, len(e.Points))
		for i, p := range e.Points {
			points[i] = geo.GeoPoint{Lat: p[0], Lon: p[1]}
		}
		entries[key] = entry{lines: lines, points: points}
	}
	return &Table{entries: entries}, nil
}

// Lookup returns replacement geometry for the span from stopName to
// nextStopName on the given line. The stop-name pair is order-sensitive:
// A→B and B→A are distinct entries.
func (t *Table) Lookup(stopName, nextStopName, lineName string) ([]geo.GeoPoint, bool) {
	if t == nil {
		return nil, false
	}
	e, ok := t.entries[stopName+" - "+nextStopName]
	if !ok {
		return nil, false
	}
	if _, ok := e.lines[lineName]; !ok {
		return nil, false
	}
	return e.points, true
}

// Len reports the number of loaded patch entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
