package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "streamweave_sessions_live", Help: "Sessions currently live"},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "streamweave_session_transitions_total", Help: "Session state transitions"},
		[]string{"status"},
	)
	ViewerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "streamweave_viewer_events_total", Help: "Viewer joins and leaves"},
		[]string{"kind"},
	)
	SegmentsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "streamweave_segments_ingested_total", Help: "Segments accepted into live windows"},
	)

	ArchiveBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "streamweave_archive_batches_total", Help: "Archive batch commits"},
		[]string{"result"},
	)
	ArchiveCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamweave_archive_commit_duration_seconds",
			Help:    "Content put and deal proposal time",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30},
		},
	)
	DealTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "streamweave_deal_transitions_total", Help: "Storage deal state transitions"},
		[]string{"state"},
	)
	DealRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "streamweave_deal_retries_total", Help: "Deals re-proposed to a new provider"},
	)

	ChannelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "streamweave_channels_open", Help: "Payment channels open"},
	)
	VouchersIssued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "streamweave_vouchers_issued_total", Help: "Vouchers issued"},
	)
	VoucherSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "streamweave_voucher_submissions_total", Help: "Voucher submissions"},
		[]string{"result"},
	)
	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "streamweave_settlements_total", Help: "Channel settlements"},
		[]string{"result"},
	)
	Transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "streamweave_transfers_total", Help: "Revenue distribution transfers"},
		[]string{"result"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "streamweave_events_published_total", Help: "Lifecycle events published"},
		[]string{"type"},
	)
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "streamweave_events_dropped_total", Help: "Lifecycle events dropped on a full bus"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive, SessionTransitions, ViewerEvents, SegmentsIngested,
		ArchiveBatches, ArchiveCommitDuration, DealTransitions, DealRetries,
		ChannelsOpen, VouchersIssued, VoucherSubmissions, Settlements, Transfers,
		EventsPublished, EventsDropped,
	)
}
