package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heidpi_bytes_read_total",
		Help: "Total number of bytes read from the distributor socket.",
	})

	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heidpi_frames_decoded_total",
		Help: "Total number of frames decoded into JSON records.",
	})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heidpi_frames_dropped_total",
		Help: "Total number of frames discarded by the decoder, labelled by reason.",
	}, []string{"reason"})

	RecordsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heidpi_records_routed_total",
		Help: "Total number of records written to a sink, labelled by category.",
	}, []string{"category"})

	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heidpi_records_dropped_total",
		Help: "Total number of records not written, labelled by category and reason.",
	}, []string{"category", "reason"})

	SinkWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heidpi_sink_write_errors_total",
		Help: "Total number of failed sink writes, labelled by category.",
	}, []string{"category"})

	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heidpi_geoip_lookups_total",
		Help: "Total number of geolocation lookups, labelled by result.",
	}, []string{"result"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heidpi_reconnects_total",
		Help: "Total number of failed connects and dropped connections.",
	})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heidpi_connection_state",
		Help: "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 draining).",
	})

	RecordProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heidpi_record_processing_duration_ms",
		Help:    "Filter plus sink write latency per record in milliseconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 100},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heidpi_queue_utilization_ratio",
		Help: "Current dispatch queue utilization (0 to 1).",
	})
)
