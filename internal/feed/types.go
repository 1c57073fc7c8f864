// Package feed models the upstream trip API: the cheap preliminary trip
// listing and the expensive detailed trip record, plus the HTTP client
// fetching both.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"transit-tracker/internal/geo"
)

// Product is the coarse vehicle category reported by the upstream API.
type Product string

const (
	ProductSuburban Product = "suburban"
	ProductSubway   Product = "subway"
	ProductTram     Product = "tram"
	ProductBus      Product = "bus"
	ProductFerry    Product = "ferry"
	ProductOther    Product = "other"
)

// Summary is the projection shared by preliminary and detailed payloads.
type Summary struct {
	ID          string
	LineName    string
	Product     Product
	Origin      string
	Destination string
	Cancelled   bool
	Departure   *time.Time
	Arrival     *time.Time
	// Location is the coarse self-reported position from the preliminary
	// listing. Nil when the listing carried none.
	Location *geo.GeoPoint
}

// PolylinePoint is one point of a detailed payload's geometry. StopID is
// non-empty when the point marks a stop.
type PolylinePoint struct {
	Point  geo.GeoPoint
	StopID string
}

// Stopover is one scheduled visit in a detailed payload.
type Stopover struct {
	StopID    string
	StopName  string
	Location  geo.GeoPoint
	Arrival   *time.Time
	Departure *time.Time
	Cancelled bool
}

// Detail carries the schedule and geometry only detailed payloads have.
type Detail struct {
	Polyline  []PolylinePoint
	Stopovers []Stopover
}

// Payload is a trip record resolved at ingestion into a tagged union:
// Detail is nil for preliminary payloads and set for detailed ones.
type Payload struct {
	Summary
	Detail *Detail
}

// Detailed reports whether the payload carries schedule and geometry.
func (p *Payload) Detailed() bool {
	return p != nil && p.Detail != nil
}

// Wire shapes. The upstream API is a hafas-style REST endpoint; these
// structs cover only the fields the tracker consumes.

type rawLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type rawTrip struct {
	ID   string `json:"id"`
	Line struct {
		Name    string `json:"name"`
		Product string `json:"product"`
	} `json:"line"`
	Origin struct {
		Name string `json:"name"`
	} `json:"origin"`
	Destination struct {
		Name string `json:"name"`
	} `json:"destination"`
	Cancelled       bool         `json:"cancelled"`
	Departure       *time.Time   `json:"departure"`
	Arrival         *time.Time   `json:"arrival"`
	CurrentLocation *rawLocation `json:"currentLocation"`
	Polyline        *struct {
		Features []struct {
			Geometry struct {
				// GeoJSON order: [lon, lat].
				Coordinates [2]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties struct {
				ID string `json:"id"`
			} `json:"properties"`
		} `json:"features"`
	} `json:"polyline"`
	Stopovers []struct {
		Stop struct {
			ID       string      `json:"id"`
			Name     string      `json:"name"`
			Location rawLocation `json:"location"`
		} `json:"stop"`
		Arrival   *time.Time `json:"arrival"`
		Departure *time.Time `json:"departure"`
		Cancelled bool       `json:"cancelled"`
	} `json:"stopovers"`
}

func (r *rawTrip) resolve() *Payload {
	p := &Payload{
		Summary: Summary{
			ID:          r.ID,
			LineName:    r.Line.Name,
			Product:     resolveProduct(r.Line.Product),
			Origin:      r.Origin.Name,
			Destination: r.Destination.Name,
			Cancelled:   r.Cancelled,
			Departure:   r.Departure,
			Arrival:     r.Arrival,
		},
	}
	if r.CurrentLocation != nil {
		p.Location = &geo.GeoPoint{Lat: r.CurrentLocation.Latitude, Lon: r.CurrentLocation.Longitude}
	}
	if r.Polyline == nil && len(r.Stopovers) == 0 {
		return p
	}

	d := &Detail{}
	if r.Polyline != nil {
		d.Polyline = make([]PolylinePoint, 0, len(r.Polyline.Features))
		for _, f := range r.Polyline.Features {
			d.Polyline = append(d.Polyline, PolylinePoint{
				Point:  geo.GeoPoint{Lat: f.Geometry.Coordinates[1], Lon: f.Geometry.Coordinates[0]},
				StopID: f.Properties.ID,
			})
		}
	}
	d.Stopovers = make([]Stopover, 0, len(r.Stopovers))
	for _, s := range r.Stopovers {
		d.Stopovers = append(d.Stopovers, Stopover{
			StopID:    s.Stop.ID,
			StopName:  s.Stop.Name,
			Location:  geo.GeoPoint{Lat: s.Stop.Location.Latitude, Lon: s.Stop.Location.Longitude},
			Arrival:   s.Arrival,
			Departure: s.Departure,
			Cancelled: s.Cancelled,
		})
	}
	p.Detail = d
	return p
}

func resolveProduct(s string) Product {
	switch Product(s) {
	case ProductSuburban, ProductSubway, ProductTram, ProductBus, ProductFerry:
		return Product(s)
	default:
		return ProductOther
	}
}

// ParseTrip decodes a single trip payload, preliminary or detailed.
func ParseTrip(data []byte) (*Payload, error) {
	var r rawTrip
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse trip payload: %w", err)
	}
	return r.resolve(), nil
}

// ParseTripList decodes the preliminary listing response.
func ParseTripList(data []byte) ([]*Payload, error) {
	var wrapper struct {
		Trips []json.RawMessage `json:"trips"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse trip listing: %w", err)
	}
	trips := make([]*Payload, 0, len(wrapper.Trips))
	for i, raw := range wrapper.Trips {
		p, err := ParseTrip(raw)
		if err != nil {
			return nil, fmt.Errorf("trip %d: %w", i, err)
		}
		trips = append(trips, p)
	}
	return trips, nil
}
