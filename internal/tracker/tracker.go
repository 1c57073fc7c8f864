// Package tracker ties the feed, the trip engine, the scheduler and the
// publisher together: it maintains the set of live trips, keeps the
// detail-fetch queue ordered by staleness and publishes interpolated
// positions at a fixed cadence.
package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"transit-tracker/internal/feed"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/metrics"
	"transit-tracker/internal/patch"
	"transit-tracker/internal/publisher"
	"transit-tracker/internal/scheduler"
	"transit-tracker/internal/trip"
)

// TripAPI is the slice of the feed client the tracker consumes.
type TripAPI interface {
	ListTrips(ctx context.Context) ([]*feed.Payload, error)
	GetTrip(ctx context.Context, id string) (payload *feed.Payload, notModified bool, err error)
}

// etagForgetter is implemented by clients that cache validators per trip
// id; the tracker drops the cache entry when it retires or re-keys a trip.
type etagForgetter interface {
	Forget(id string)
}

// Publisher receives one message per tracked trip per publish tick.
type Publisher interface {
	PublishPosition(line, tripID string, msg publisher.PositionMessage) error
}

type jobScheduler interface {
	Enqueue(job scheduler.Job)
	ReplaceQueue(jobs []scheduler.Job)
	Burst(interval, duration time.Duration)
	Backoff(duration time.Duration)
	Stop()
}

// Options carries the tracker's timing knobs. Zero values fall back to
// the defaults below.
type Options struct {
	Origin          geo.Origin
	RefreshInterval time.Duration
	PublishInterval time.Duration
	BurstInterval   time.Duration
	BurstDuration   time.Duration
	BackoffDuration time.Duration
	Grace           time.Duration
}

const (
	defaultRefreshInterval = 60 * time.Second
	defaultPublishInterval = time.Second
)

type Tracker struct {
	api     TripAPI
	sched   jobScheduler
	pub     Publisher
	patches *patch.Table
	mx      *metrics.Collector
	logger  *logrus.Logger
	opts    Options

	now func() time.Time

	mu    sync.Mutex
	trips map[string]*trip.Trip

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(api TripAPI, sched jobScheduler, pub Publisher, patches *patch.Table, mx *metrics.Collector, logger *logrus.Logger, opts Options) *Tracker {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = defaultPublishInterval
	}
	if opts.BurstInterval <= 0 {
		opts.BurstInterval = scheduler.DefaultBurstInterval
	}
	if opts.BurstDuration <= 0 {
		opts.BurstDuration = scheduler.DefaultBurstDuration
	}
	if opts.BackoffDuration <= 0 {
		opts.BackoffDuration = scheduler.DefaultBackoff
	}
	if opts.Grace <= 0 {
		opts.Grace = trip.DefaultGrace
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		api:     api,
		sched:   sched,
		pub:     pub,
		patches: patches,
		mx:      mx,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		trips:   make(map[string]*trip.Trip),
	}
}

// Start launches the refresh and publish loops. They run until ctx is
// cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(2)
	go t.refreshLoop(ctx)
	go t.publishLoop(ctx)
}

// Stop cancels the loops, stops the scheduler and waits for everything
// to wind down.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.sched.Stop()
	t.wg.Wait()
}

// Burst temporarily tightens the detail-fetch cadence, typically when a
// consumer just connected and wants the picture filled in quickly.
func (t *Tracker) Burst() {
	t.sched.Burst(t.opts.BurstInterval, t.opts.BurstDuration)
}

func (t *Tracker) refreshLoop(ctx context.Context) {
	defer t.wg.Done()

	if err := t.Refresh(ctx); err != nil {
		t.logger.WithError(err).Error("initial trip refresh failed")
	}

	ticker := time.NewTicker(t.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.logger.WithError(err).Error("trip refresh failed")
			}
		}
	}
}

// Refresh pulls the trip listing, reconciles the tracked set against it
// and rebuilds the detail-fetch queue.
//
// Queue order: trips that never received details come first (they have
// no position worth publishing yet), then detailed trips from stalest
// to freshest. Within a group the trip id breaks ties so the order is
// stable across refreshes.
func (t *Tracker) Refresh(ctx context.Context) error {
	payloads, err := t.api.ListTrips(ctx)
	if err != nil {
		var srvErr *feed.ServerError
		if errors.As(err, &srvErr) {
			t.sched.Backoff(t.opts.BackoffDuration)
		}
		return err
	}
	now := t.now()

	t.mu.Lock()
	seen := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		if p == nil || p.ID == "" {
			continue
		}
		seen[p.ID] = true
		if existing, ok := t.trips[p.ID]; ok {
			existing.UpdatePreliminary(p)
			continue
		}
		t.trips[p.ID] = trip.New(p, t.opts.Origin)
	}

	retired := 0
	for id, tr := range t.trips {
		switch {
		case tr.IsFinished(now, t.opts.Grace):
			delete(t.trips, id)
			t.forgetEtag(id)
			retired++
		case !seen[id] && !tr.HasDetails():
			// A preliminary trip that fell out of the listing never
			// produced anything we could keep interpolating.
			delete(t.trips, id)
			t.forgetEtag(id)
			retired++
		}
	}

	type candidate struct {
		id        string
		detailsAt *time.Time
	}
	candidates := make([]candidate, 0, len(t.trips))
	for id, tr := range t.trips {
		candidates = append(candidates, candidate{id: id, detailsAt: tr.DetailsAt()})
	}
	tracked, detailed := len(t.trips), t.detailedCountLocked()
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.detailsAt == nil && b.detailsAt != nil:
			return true
		case a.detailsAt != nil && b.detailsAt == nil:
			return false
		case a.detailsAt != nil && !a.detailsAt.Equal(*b.detailsAt):
			return a.detailsAt.Before(*b.detailsAt)
		default:
			return a.id < b.id
		}
	})

	jobs := make([]scheduler.Job, len(candidates))
	for i, c := range candidates {
		jobs[i] = t.detailJob(ctx, c.id)
	}
	t.sched.ReplaceQueue(jobs)

	if t.mx != nil {
		t.mx.TrackedTrips.Set(float64(tracked))
		t.mx.DetailedTrips.Set(float64(detailed))
		t.mx.TripsRetired.Add(float64(retired))
	}
	t.logger.WithFields(logrus.Fields{
		"tracked":  tracked,
		"detailed": detailed,
		"retired":  retired,
	}).Debug("trip listing reconciled")
	return nil
}

func (t *Tracker) detailJob(ctx context.Context, id string) scheduler.Job {
	return scheduler.Job{
		TripID: id,
		Run:    func() { t.fetchDetail(ctx, id) },
	}
}

func (t *Tracker) fetchDetail(ctx context.Context, id string) {
	start := time.Now()
	payload, notModified, err := t.api.GetTrip(ctx, id)
	if t.mx != nil {
		t.mx.DetailFetches.Inc()
		t.mx.FetchDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		var srvErr *feed.ServerError
		if errors.As(err, &srvErr) {
			// Upstream is struggling: back off globally and retry this
			// trip once polling resumes.
			t.countFetchError("server_error")
			t.sched.Backoff(t.opts.BackoffDuration)
			t.sched.Enqueue(t.detailJob(ctx, id))
			t.logger.WithError(err).WithField("trip", id).Warn("detail fetch deferred")
			return
		}
		t.countFetchError("network")
		t.logger.WithError(err).WithField("trip", id).Warn("detail fetch failed")
		return
	}

	now := t.now()

	if notModified {
		if t.mx != nil {
			t.mx.NotModified.Inc()
		}
		t.mu.Lock()
		if tr, ok := t.trips[id]; ok {
			tr.Touch(now)
		}
		t.mu.Unlock()
		return
	}

	if payload == nil {
		// The trip vanished upstream.
		t.mu.Lock()
		_, ok := t.trips[id]
		delete(t.trips, id)
		t.mu.Unlock()
		t.forgetEtag(id)
		if ok && t.mx != nil {
			t.mx.TripsRetired.Inc()
		}
		t.logger.WithField("trip", id).Debug("trip gone upstream, retired")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trips[id]
	if !ok {
		// The trip was retired while the request was in flight.
		return
	}
	newID, err := tr.ApplyDetails(payload, t.patches, now)
	if err != nil {
		t.countFetchError("inconsistent")
		t.logger.WithError(err).WithField("trip", id).Warn("detail payload rejected")
		return
	}
	if newID != id {
		// The upstream resolved the preliminary id to a canonical one.
		// If the canonical id is already tracked the older entry is the
		// duplicate and gives way.
		delete(t.trips, id)
		delete(t.trips, newID)
		t.trips[newID] = tr
		t.forgetEtag(id)
		if t.mx != nil {
			t.mx.TripsRekeyed.Inc()
		}
		t.logger.WithFields(logrus.Fields{"from": id, "to": newID}).Debug("trip re-keyed")
	}
}

func (t *Tracker) publishLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.publishAll(t.now())
		}
	}
}

func (t *Tracker) publishAll(now time.Time) {
	t.mu.Lock()
	snapshot := make(map[string]*trip.Trip, len(t.trips))
	for id, tr := range t.trips {
		snapshot[id] = tr
	}
	t.mu.Unlock()

	for id, tr := range snapshot {
		pos, err := tr.CurrentGeo(now)
		interpolated := tr.HasDetails()
		if err != nil {
			if errors.Is(err, trip.ErrNoPosition) {
				continue
			}
			if t.mx != nil {
				t.mx.PositionErrors.Inc()
			}
			t.logger.WithError(err).WithField("trip", id).Warn("position unavailable")
			last, ok := tr.LastKnownGeo()
			if !ok {
				continue
			}
			pos, interpolated = last, false
		}
		msg := publisher.PositionMessage{
			TripID:       id,
			Line:         tr.LineName(),
			Product:      string(tr.Product()),
			Timestamp:    now,
			Lat:          pos.Lat,
			Lon:          pos.Lon,
			Interpolated: interpolated,
		}
		if err := t.pub.PublishPosition(tr.LineName(), id, msg); err != nil {
			t.logger.WithError(err).WithField("trip", id).Warn("position publish failed")
		}
	}
}

func (t *Tracker) countFetchError(reason string) {
	if t.mx != nil {
		t.mx.FetchErrors.WithLabelValues(reason).Inc()
	}
}

func (t *Tracker) forgetEtag(id string) {
	if f, ok := t.api.(etagForgetter); ok {
		f.Forget(id)
	}
}

func (t *Tracker) detailedCountLocked() int {
	n := 0
	for _, tr := range t.trips {
		if tr.HasDetails() {
			n++
		}
	}
	return n
}

// Trip returns the tracked trip for id, if any.
func (t *Tracker) Trip(id string) (*trip.Trip, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trips[id]
	return tr, ok
}

// TripCount returns the number of currently tracked trips.
func (t *Tracker) TripCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trips)
}
