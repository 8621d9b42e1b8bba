package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "active_sessions",
		Help:      "Number of currently active torrent sessions.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	VerifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "verify_duration_seconds",
		Help:      "Duration of each Checking (piece verification) phase, from entry to exit.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "commands_total",
		Help:      "Total EngineCommand values processed by command type.",
	}, []string{"command"})

	CommandErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "command_errors_total",
		Help:      "Total EngineCommand failures by command type and error kind.",
	}, []string{"command", "kind"})

	AlertPumpRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "alert_pump_restarts_total",
		Help:      "Total number of alert-pump panics recovered; the stopped pump is not restarted.",
	})

	GuardRailTripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "guard_rail_trips_total",
		Help:      "Total GuardRailTripped events by kind.",
	}, []string{"kind"})

	CoalescerFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "coalescer_flush_duration_seconds",
		Help:      "Duration of each ProgressCoalescer flush cycle.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	ResumeWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "resume_write_failures_total",
		Help:      "Total number of failed ResumeStore.Save calls; a failed write is not retried.",
	})

	MoveStorageBufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "move_storage_buffer_bytes",
		Help:      "Current in-memory bytes held by MoveStorage's staging buffer, before spill-to-disk eviction.",
	})

	MoveStorageSpillBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "move_storage_spill_bytes_total",
		Help:      "Total bytes the MoveStorage staging buffer has written through to its spill directory under memory pressure.",
	})

	MoveStorageEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "move_storage_evictions_total",
		Help:      "Total staged chunks dropped outright from MoveStorage's buffer because no spill directory was configured.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ActiveSessions,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		VerifyDuration,
		CommandsTotal,
		CommandErrorsTotal,
		AlertPumpRestartsTotal,
		GuardRailTripsTotal,
		CoalescerFlushDuration,
		ResumeWriteFailuresTotal,
		MoveStorageBufferBytes,
		MoveStorageSpillBytesTotal,
		MoveStorageEvictionsTotal,
	)
}
