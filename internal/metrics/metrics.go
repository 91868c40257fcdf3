package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/fastagi/internal/provision"
	"github.com/prometheus/client_golang/prometheus"
)

// ActiveSessionsProvider exposes the number of FastAGI sessions being served.
type ActiveSessionsProvider interface {
	GetActiveCallCount() int
}

// SessionOutcomeCounter returns persisted session counts grouped by outcome.
type SessionOutcomeCounter interface {
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

// ProvisioningStatsProvider exposes cumulative audio provisioning counters.
type ProvisioningStatsProvider interface {
	Stats() provision.Stats
}

// PeerTracker returns the number of Asterisk hosts the accept limiter tracks.
type PeerTracker interface {
	Len() int
}

// sessionOutcomes are always reported, even at zero. Retention cleanup
// deletes history rows, so the per-outcome counts are gauges.
var sessionOutcomes = []string{"active", "completed", "failed", "hangup"}

// Collector is a prometheus.Collector that gathers FastAGI metrics at scrape time.
type Collector struct {
	active       ActiveSessionsProvider
	sessions     SessionOutcomeCounter
	provisioning ProvisioningStatsProvider
	peers        PeerTracker
	startTime    time.Time

	// Metric descriptors.
	activeSessionsDesc *prometheus.Desc
	sessionHistoryDesc *prometheus.Desc
	assetsPlayedDesc   *prometheus.Desc
	assetsFailedDesc   *prometheus.Desc
	downloadsDesc      *prometheus.Desc
	dirCreationsDesc   *prometheus.Desc
	failuresDesc       *prometheus.Desc
	peersDesc          *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	active ActiveSessionsProvider,
	sessions SessionOutcomeCounter,
	provisioning ProvisioningStatsProvider,
	peers PeerTracker,
	startTime time.Time,
) *Collector {
	return &Collector{
		active:       active,
		sessions:     sessions,
		provisioning: provisioning,
		peers:        peers,
		startTime:    startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"fastagi_active_sessions",
			"Number of FastAGI sessions currently being served",
			nil, nil,
		),
		sessionHistoryDesc: prometheus.NewDesc(
			"fastagi_session_history",
			"Sessions currently kept in the session history, by outcome",
			[]string{"outcome"}, nil,
		),
		assetsPlayedDesc: prometheus.NewDesc(
			"fastagi_assets_played_total",
			"Audio assets provisioned and played",
			nil, nil,
		),
		assetsFailedDesc: prometheus.NewDesc(
			"fastagi_assets_failed_total",
			"Audio provisioning requests that aborted",
			nil, nil,
		),
		downloadsDesc: prometheus.NewDesc(
			"fastagi_asset_downloads_total",
			"Audio assets downloaded into the Asterisk cache",
			nil, nil,
		),
		dirCreationsDesc: prometheus.NewDesc(
			"fastagi_asset_dir_creations_total",
			"Times the audio cache directory had to be created",
			nil, nil,
		),
		failuresDesc: prometheus.NewDesc(
			"fastagi_asset_provisioning_failures_total",
			"Fatal provisioning failures, by stage",
			[]string{"stage"}, nil,
		),
		peersDesc: prometheus.NewDesc(
			"fastagi_accept_limiter_peers",
			"Asterisk hosts tracked by the connection rate limiter",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"fastagi_uptime_seconds",
			"Seconds since the FastAGI process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.sessionHistoryDesc
	ch <- c.assetsPlayedDesc
	ch <- c.assetsFailedDesc
	ch <- c.downloadsDesc
	ch <- c.dirCreationsDesc
	ch <- c.failuresDesc
	ch <- c.peersDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.active != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.active.GetActiveCallCount()),
		)
	}

	if c.sessions != nil {
		counts, err := c.sessions.CountByOutcome(ctx)
		if err != nil {
			slog.Error("metrics: failed to count sessions by outcome", "error", err)
		} else {
			for _, outcome := range sessionOutcomes {
				ch <- prometheus.MustNewConstMetric(
					c.sessionHistoryDesc, prometheus.GaugeValue,
					float64(counts[outcome]), outcome,
				)
			}
		}
	}

	if c.provisioning != nil {
		s := c.provisioning.Stats()
		ch <- prometheus.MustNewConstMetric(c.assetsPlayedDesc, prometheus.CounterValue, float64(s.Played))
		ch <- prometheus.MustNewConstMetric(c.assetsFailedDesc, prometheus.CounterValue, float64(s.Failed))
		ch <- prometheus.MustNewConstMetric(c.downloadsDesc, prometheus.CounterValue, float64(s.Downloads))
		ch <- prometheus.MustNewConstMetric(c.dirCreationsDesc, prometheus.CounterValue, float64(s.DirCreations))
		ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, float64(s.DirFailures), "dir")
		ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, float64(s.DownloadFailures), "download")
	}

	if c.peers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.peersDesc, prometheus.GaugeValue,
			float64(c.peers.Len()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
