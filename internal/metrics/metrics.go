package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveTimers  prometheus.Gauge
	TimersByPhase *prometheus.GaugeVec // phase label: waiting|approaching|imminent

	Scans        *prometheus.CounterVec // result label: ok|closed|skipped|settings_error
	ScanDuration prometheus.Histogram

	PredictionQueries *prometheus.CounterVec // result label: ok|error
	TargetErrors      prometheus.Counter
	FallbackRearms    prometheus.Counter

	ArrivalsLogged       prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	LogWriteErrors       prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	ScanInterval prometheus.Gauge // seconds
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_timers",
			Help: "Number of targets with a live re-check timer.",
		}),
		TimersByPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_timers_by_phase",
			Help: "Tracked targets per arrival phase.",
		}, []string{"phase"}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_scans_total",
			Help: "Collection scans by result.",
		}, []string{"result"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_scan_duration_seconds",
			Help:    "Duration of full collection scans.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PredictionQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_prediction_queries_total",
			Help: "Prediction service calls by result.",
		}, []string{"result"}),
		TargetErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_target_errors_total",
			Help: "Per-target processing failures.",
		}),
		FallbackRearms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_fallback_rearms_total",
			Help: "Targets re-armed with the fixed fallback delay after a failure.",
		}),
		ArrivalsLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_arrivals_logged_total",
			Help: "Arrival log entries written.",
		}),
		DuplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_arrival_duplicates_total",
			Help: "Detected arrivals discarded by the dedup window.",
		}),
		LogWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_arrival_log_errors_total",
			Help: "Arrival log writes that failed; the event is lost.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS arrival events published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ScanInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_scan_interval_seconds",
			Help: "Currently scheduled collection scan interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveTimers, c.TimersByPhase,
		c.Scans, c.ScanDuration,
		c.PredictionQueries, c.TargetErrors, c.FallbackRearms,
		c.ArrivalsLogged, c.DuplicatesSuppressed, c.LogWriteErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.ScanInterval,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// The methods below let the tracker and publisher record events without
// depending on prometheus types. All of them accept a nil receiver.

func (c *Collector) ScanFinished(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Scans.WithLabelValues(result).Inc()
	if d > 0 {
		c.ScanDuration.Observe(d.Seconds())
	}
}

func (c *Collector) PredictionQueried(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.PredictionQueries.WithLabelValues("error").Inc()
		return
	}
	c.PredictionQueries.WithLabelValues("ok").Inc()
}

func (c *Collector) TargetFailed() {
	if c == nil {
		return
	}
	c.TargetErrors.Inc()
	c.FallbackRearms.Inc()
}

func (c *Collector) ArrivalLogged() {
	if c != nil {
		c.ArrivalsLogged.Inc()
	}
}

func (c *Collector) ArrivalDuplicate() {
	if c != nil {
		c.DuplicatesSuppressed.Inc()
	}
}

func (c *Collector) ArrivalLogFailed() {
	if c != nil {
		c.LogWriteErrors.Inc()
	}
}

// TimersChanged publishes the live timer count and the per-phase totals.
func (c *Collector) TimersChanged(live int, byPhase map[string]int) {
	if c == nil {
		return
	}
	c.ActiveTimers.Set(float64(live))
	for _, phase := range []string{"waiting", "approaching", "imminent"} {
		c.TimersByPhase.WithLabelValues(phase).Set(float64(byPhase[phase]))
	}
}

func (c *Collector) IntervalChanged(d time.Duration) {
	if c != nil {
		c.ScanInterval.Set(d.Seconds())
	}
}

func (c *Collector) NATSPublishedInc() {
	if c != nil {
		c.NATSPublished.Inc()
	}
}

func (c *Collector) NATSPublishErrInc() {
	if c != nil {
		c.NATSPublishErrs.Inc()
	}
}

func (c *Collector) NATSSetConnected(b bool) {
	if c == nil {
		return
	}
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
