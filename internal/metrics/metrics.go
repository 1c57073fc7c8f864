package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	TrackedTrips  prometheus.Gauge
	DetailedTrips prometheus.Gauge

	TripsRetired prometheus.Counter
	TripsRekeyed prometheus.Counter

	SchedulerTicks prometheus.Counter
	JobsExecuted   prometheus.Counter
	QueueLen       prometheus.Gauge
	Bursts         prometheus.Counter
	Backoffs       prometheus.Counter

	DetailFetches prometheus.Counter
	NotModified   prometheus.Counter
	FetchErrors   *prometheus.CounterVec // reason label: server_error|network|inconsistent

	PositionErrors prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	FetchDuration   prometheus.Histogram
	PublishDuration prometheus.Histogram

	PollInterval    prometheus.Gauge // seconds
	PublishInterval prometheus.Gauge // seconds
	RefreshInterval prometheus.Gauge // seconds
}

func NewCollector(pollInterval, publishInterval, refreshInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackedTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tracked_trips",
			Help: "Number of currently tracked trips.",
		}),
		DetailedTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_detailed_trips",
			Help: "Number of tracked trips with a full schedule applied.",
		}),
		TripsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_retired_total",
			Help: "Total trips retired after their final arrival or upstream removal.",
		}),
		TripsRekeyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_rekeyed_total",
			Help: "Total trips whose upstream identifier changed on detail fetch.",
		}),
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_scheduler_ticks_total",
			Help: "Total scheduler ticks, including skipped ones.",
		}),
		JobsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_scheduler_jobs_total",
			Help: "Total fetch jobs executed by the scheduler.",
		}),
		QueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_scheduler_queue_length",
			Help: "Number of pending fetch jobs.",
		}),
		Bursts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_scheduler_bursts_total",
			Help: "Total burst windows started.",
		}),
		Backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_scheduler_backoffs_total",
			Help: "Total backoff windows started.",
		}),
		DetailFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_detail_fetches_total",
			Help: "Total detail payloads fetched and applied.",
		}),
		NotModified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_detail_not_modified_total",
			Help: "Total detail fetches answered with HTTP 304.",
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_fetch_errors_total",
			Help: "Total failed detail fetches.",
		}, []string{"reason"}),
		PositionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_position_errors_total",
			Help: "Total position computations rejected for inconsistent data.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_fetch_duration_seconds",
			Help:    "Duration of detail fetch requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_poll_interval_seconds",
			Help: "Configured base scheduler interval in seconds.",
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_publish_interval_seconds",
			Help: "Position publish interval in seconds.",
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_refresh_interval_seconds",
			Help: "Trip listing refresh interval in seconds.",
		}),
	}

	// Register
	reg.MustRegister(
		c.TrackedTrips, c.DetailedTrips,
		c.TripsRetired, c.TripsRekeyed,
		c.SchedulerTicks, c.JobsExecuted, c.QueueLen, c.Bursts, c.Backoffs,
		c.DetailFetches, c.NotModified, c.FetchErrors,
		c.PositionErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.FetchDuration, c.PublishDuration,
		c.PollInterval, c.PublishInterval, c.RefreshInterval,
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.PublishInterval.Set(publishInterval.Seconds())
	c.RefreshInterval.Set(refreshInterval.Seconds())

	return c
}

// Scheduler instrumentation hooks.

func (c *Collector) TickInc()          { c.SchedulerTicks.Inc() }
func (c *Collector) JobExecuted()      { c.JobsExecuted.Inc() }
func (c *Collector) QueueLength(n int) { c.QueueLen.Set(float64(n)) }
func (c *Collector) BurstStarted()     { c.Bursts.Inc() }
func (c *Collector) BackoffStarted()   { c.Backoffs.Inc() }

// Publisher instrumentation hooks.

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server error")
		}
	}()
	logger.WithField("addr", addr).Info("metrics listening")
	return srv
}
