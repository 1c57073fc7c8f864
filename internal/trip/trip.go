// Package trip owns a single tracked vehicle: its raw payload, its
// stop-by-stop schedule once detailed data arrives, and the interpolation
// that places the vehicle between two stops at an arbitrary instant.
package trip

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"transit-tracker/internal/feed"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/patch"
)

// ErrInconsistent marks a defect in upstream data: polyline points before
// the first stop, or geometry that disagrees with the precomputed segment
// length. The engine keeps its previous state when it occurs.
var ErrInconsistent = errors.New("inconsistent trip data")

// ErrNoPosition is returned while a preliminary trip has no self-reported
// location yet.
var ErrNoPosition = errors.New("no position available")

// ErrNotDetailed is returned when ApplyDetails receives a payload without
// polyline and stopover data.
var ErrNotDetailed = errors.New("payload carries no detail data")

// Stops scheduled with identical arrival and departure are widened by this
// much in both directions so every stop occupies a non-zero time window;
// a zero-width window would divide by zero during interpolation.
const stopWindowPadding = 7500 * time.Millisecond

// DefaultGrace is how long past its final arrival a trip keeps being
// tracked before IsFinished reports true.
const DefaultGrace = 15 * time.Second

// Stop is one element of a trip's ordered stop sequence. Segment holds the
// intermediate polyline points from this stop toward the next one; it is
// always empty on the last stop.
type Stop struct {
	ID        string
	Name      string
	Cancelled bool
	Geo       geo.GeoPoint
	Point     geo.PlanarPoint
	Arrival   *time.Time
	Departure *time.Time

	Segment       []geo.PlanarPoint
	SegmentLength float64
}

// Trip is a tracked vehicle. It starts in the preliminary state, where the
// position is the listing's coarse self-reported location, and transitions
// exactly once to the detailed state when ApplyDetails succeeds. The stop
// sequence is only ever swapped wholesale, never mutated in place, so a
// concurrent reader never observes a partial rebuild.
type Trip struct {
	mu     sync.Mutex
	origin geo.Origin

	id        string
	payload   *feed.Payload
	detailsAt *time.Time
	stops     []*Stop
	lastPos   *geo.PlanarPoint
}

// New wraps a preliminary listing payload into a tracked trip.
func New(p *feed.Payload, origin geo.Origin) *Trip {
	return &Trip{origin: origin, id: p.ID, payload: p}
}

func (t *Trip) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Trip) LineName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.payload == nil {
		return ""
	}
	return t.payload.LineName
}

func (t *Trip) Product() feed.Product {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.payload == nil {
		return feed.ProductOther
	}
	return t.payload.Product
}

// HasDetails reports whether the trip has left the preliminary state.
func (t *Trip) HasDetails() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detailsAt != nil
}

// DetailsAt returns when detailed data was last applied, or nil while the
// trip is still preliminary.
func (t *Trip) DetailsAt() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detailsAt == nil {
		return nil
	}
	ts := *t.detailsAt
	return &ts
}

// Touch refreshes the details timestamp after a not-modified response.
// No-op while the trip is still preliminary.
func (t *Trip) Touch(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detailsAt != nil {
		ts := now
		t.detailsAt = &ts
	}
}

// UpdatePreliminary refreshes the raw payload (and with it the coarse
// location) while the trip has no schedule yet. Once detailed, the
// schedule is authoritative and listing updates are ignored.
func (t *Trip) UpdatePreliminary(p *feed.Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detailsAt == nil {
		t.payload = p
	}
}

// ApplyDetails rebuilds the stop sequence from a detailed payload and
// transitions the trip to the detailed state. It returns the trip's
// identifier afterwards: the upstream system sometimes resolves a
// preliminary id to a different canonical one, and callers must re-key
// their index when the returned id differs from the one they hold.
func (t *Trip) ApplyDetails(p *feed.Payload, patches *patch.Table, now time.Time) (string, error) {
	if !p.Detailed() {
		return t.ID(), ErrNotDetailed
	}
	stops, err := buildStops(p.Detail, p.LineName, patches, t.origin)
	if err != nil {
		return t.ID(), err
	}
	if len(stops) == 0 {
		return t.ID(), fmt.Errorf("%w: no stop resolved against the stopover list", ErrInconsistent)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.payload = p
	t.stops = stops
	ts := now
	t.detailsAt = &ts
	if p.ID != "" {
		t.id = p.ID
	}
	return t.id, nil
}

// CurrentPosition computes the vehicle's planar position at the given
// instant. Preliminary trips report their coarse self-reported location;
// detailed trips interpolate along the schedule. On a data inconsistency
// the previous valid position stays available via LastKnown.
func (t *Trip) CurrentPosition(now time.Time) (geo.PlanarPoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.detailsAt == nil {
		if t.payload != nil && t.payload.Location != nil {
			pos := t.origin.ToPlanar(*t.payload.Location)
			t.lastPos = &pos
			return pos, nil
		}
		return geo.PlanarPoint{}, ErrNoPosition
	}

	pos, err := interpolate(t.stops, now)
	if err != nil {
		return geo.PlanarPoint{}, err
	}
	t.lastPos = &pos
	return pos, nil
}

// CurrentGeo is CurrentPosition converted back to geographic coordinates.
func (t *Trip) CurrentGeo(now time.Time) (geo.GeoPoint, error) {
	pos, err := t.CurrentPosition(now)
	if err != nil {
		return geo.GeoPoint{}, err
	}
	return t.origin.ToGeo(pos), nil
}

// LastKnown returns the most recent successfully computed position. Callers
// fall back to it when CurrentPosition reports an inconsistency.
func (t *Trip) LastKnown() (geo.PlanarPoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastPos == nil {
		return geo.PlanarPoint{}, false
	}
	return *t.lastPos, true
}

// LastKnownGeo is LastKnown converted back to geographic coordinates.
func (t *Trip) LastKnownGeo() (geo.GeoPoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastPos == nil {
		return geo.GeoPoint{}, false
	}
	return t.origin.ToGeo(*t.lastPos), true
}

// IsFinished reports whether now is more than grace past the trip's
// overall scheduled arrival. Trips without any usable end time are never
// finished.
func (t *Trip) IsFinished(now time.Time, grace time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var end *time.Time
	if t.detailsAt != nil {
		for i := len(t.stops) - 1; i >= 0; i-- {
			s := t.stops[i]
			if s.Arrival != nil {
				end = s.Arrival
				break
			}
			if s.Departure != nil {
				end = s.Departure
				break
			}
		}
	} else if t.payload != nil {
		end = t.payload.Arrival
	}
	if end == nil {
		return false
	}
	return now.After(end.Add(grace))
}

// buildStops walks the polyline points and the stopover list in lock-step.
// A polyline point starts a new stop when it carries a stop id different
// from the current stop's; repeated occurrences of the same id collapse.
// All other points extend the current stop's segment.
func buildStops(d *feed.Detail, lineName string, patches *patch.Table, origin geo.Origin) ([]*Stop, error) {
	var stops []*Stop
	var cur *Stop
	for i, pp := range d.Polyline {
		planar := origin.ToPlanar(pp.Point)
		if pp.StopID != "" && (cur == nil || pp.StopID != cur.ID) {
			cur = &Stop{ID: pp.StopID, Geo: pp.Point, Point: planar}
			stops = append(stops, cur)
			continue
		}
		if pp.StopID != "" {
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("%w: polyline point %d precedes the first stop", ErrInconsistent, i)
		}
		cur.Segment = append(cur.Segment, planar)
	}

	matchStopovers(stops, d.Stopovers, origin)

	// Stops that matched no stopover keep neither arrival nor departure;
	// they are schedule/polyline drift and get dropped.
	kept := make([]*Stop, 0, len(stops))
	for _, s := range stops {
		if s.Arrival == nil && s.Departure == nil {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return kept, nil
	}

	applyPatches(kept, lineName, patches, origin)

	last := len(kept) - 1
	kept[last].Segment = nil
	kept[last].SegmentLength = 0
	for i := 0; i < last; i++ {
		kept[i].SegmentLength = polylineLength(kept[i].Point, kept[i].Segment, kept[i+1].Point)
	}
	return kept, nil
}

func matchStopovers(stops []*Stop, stopovers []feed.Stopover, origin geo.Origin) {
	j := 0
	for _, s := range stops {
		k := j
		for k < len(stopovers) && stopovers[k].StopID != s.ID {
			k++
		}
		if k == len(stopovers) {
			continue
		}
		so := stopovers[k]
		j = k + 1

		s.Name = so.StopName
		s.Cancelled = so.Cancelled
		if so.Location != (geo.GeoPoint{}) {
			// The stopover's stop location is canonical; the polyline
			// point is sometimes snapped onto the track instead.
			s.Geo = so.Location
			s.Point = origin.ToPlanar(so.Location)
		}
		s.Arrival, s.Departure = widen(so.Arrival, so.Departure)
	}
}

// widen pads a zero-width stop window by stopWindowPadding on both sides.
// Times are copied so the stop sequence never aliases payload memory.
func widen(arr, dep *time.Time) (*time.Time, *time.Time) {
	if arr != nil && dep != nil && arr.Equal(*dep) {
		a := arr.Add(-stopWindowPadding)
		d := dep.Add(stopWindowPadding)
		return &a, &d
	}
	if arr != nil {
		a := *arr
		arr = &a
	}
	if dep != nil {
		d := *dep
		dep = &d
	}
	return arr, dep
}

// applyPatches substitutes static correction geometry for spans with a
// matching (from, to, line) patch entry, replacing the payload-derived
// segment points for that span.
func applyPatches(stops []*Stop, lineName string, patches *patch.Table, origin geo.Origin) {
	for i := 0; i+1 < len(stops); i++ {
		pts, ok := patches.Lookup(stops[i].Name, stops[i+1].Name, lineName)
		if !ok {
			continue
		}
		seg := make([]geo.PlanarPoint, len(pts))
		for k, p := range pts {
			seg[k] = origin.ToPlanar(p)
		}
		stops[i].Segment = seg
	}
}

func polylineLength(from geo.PlanarPoint, seg []geo.PlanarPoint, to geo.PlanarPoint) float64 {
	total := 0.0
	prev := from
	for _, p := range seg {
		total += geo.Distance(prev, p)
		prev = p
	}
	return total + geo.Distance(prev, to)
}

// interpolate places the vehicle between the bracketing pair of stops.
//
// fromStop is the latest non-cancelled stop already reached, toStop the
// first later non-cancelled stop whose arrival is still ahead. While the
// vehicle has not departed fromStop it sits exactly on the stop's point.
// Otherwise linear schedule progress is eased with smoothstep and mapped
// onto fromStop's segment geometry by accumulated distance.
//
// TODO: when the bracket skips a cancelled intermediate stop, the walk
// still uses only fromStop's segment instead of merging the skipped
// segments, so the vehicle jumps at the cancelled stop's boundary.
func interpolate(stops []*Stop, now time.Time) (geo.PlanarPoint, error) {
	fromIdx := -1
	for i, s := range stops {
		if s.Cancelled {
			continue
		}
		if reached(s, now) {
			fromIdx = i
		}
	}
	if fromIdx == -1 {
		// Not yet reached the first stop.
		for _, s := range stops {
			if !s.Cancelled {
				return s.Point, nil
			}
		}
		return stops[0].Point, nil
	}
	from := stops[fromIdx]

	toIdx := len(stops) - 1
	for j := fromIdx + 1; j < len(stops); j++ {
		s := stops[j]
		if s.Cancelled {
			continue
		}
		if s.Arrival != nil && s.Arrival.After(now) {
			toIdx = j
			break
		}
	}
	to := stops[toIdx]

	if fromIdx == toIdx || from.Departure == nil || from.Departure.After(now) {
		return from.Point, nil
	}
	if to.Arrival == nil || !to.Arrival.After(*from.Departure) {
		return from.Point, nil
	}

	linear := float64(now.Sub(*from.Departure)) / float64(to.Arrival.Sub(*from.Departure))
	// Outside (0,1) the schedule contradicts the bracket search; clamp
	// instead of trusting it.
	if linear < 0 {
		linear = 0
	}
	if linear > 1 {
		linear = 1
	}
	progress := geo.Smoothstep(linear)

	next := stops[fromIdx+1]
	target := progress * from.SegmentLength

	pts := make([]geo.PlanarPoint, 0, len(from.Segment)+2)
	pts = append(pts, from.Point)
	pts = append(pts, from.Segment...)
	pts = append(pts, next.Point)

	acc := 0.0
	for k := 0; k+1 < len(pts); k++ {
		d := geo.Distance(pts[k], pts[k+1])
		if acc+d >= target {
			if d == 0 {
				return pts[k+1], nil
			}
			return geo.Lerp(pts[k], pts[k+1], (target-acc)/d), nil
		}
		acc += d
	}
	return geo.PlanarPoint{}, fmt.Errorf(
		"%w: segment walk between %q and %q exhausted at %.1f m short of target %.1f m",
		ErrInconsistent, from.Name, next.Name, target-acc, target)
}

func reached(s *Stop, now time.Time) bool {
	if s.Arrival != nil && !s.Arrival.After(now) {
		return true
	}
	if s.Departure != nil && !s.Departure.After(now) {
		return true
	}
	return false
}
