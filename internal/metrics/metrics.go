// Package metrics provides Prometheus metrics for the workspace sync
// server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspacesync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspacesync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	relayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspacesync_relay_messages_total",
			Help: "Inbound sync messages by type",
		},
		[]string{"type"},
	)

	relayErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspacesync_relay_errors_total",
			Help: "Protocol errors sent back to peers by code",
		},
		[]string{"code"},
	)

	relayBroadcastFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workspacesync_relay_broadcast_frames_total",
			Help: "Frames delivered to peers by rebroadcast",
		},
	)

	relayPendingBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspacesync_relay_pending_fragment_batches",
			Help: "Fragment batches awaiting reassembly",
		},
	)

	roomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspacesync_rooms_active",
			Help: "Rooms currently held in memory",
		},
	)

	peersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspacesync_peers_connected",
			Help: "Peers joined to any room",
		},
	)

	roomLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspacesync_room_loads_total",
			Help: "Room replica loads from blob storage",
		},
		[]string{"status"},
	)

	roomFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspacesync_room_flushes_total",
			Help: "Room checkpoint flushes by outcome",
		},
		[]string{"status"},
	)

	roomFlushBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workspacesync_room_flush_bytes",
			Help:    "Compressed snapshot size written at flush",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
	)

	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspacesync_blob_operation_duration_seconds",
			Help:    "Blob store operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation", "status"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspacesync_tasks_total",
			Help: "Dispatched downstream tasks by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	treeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspacesync_tree_writes_total",
			Help: "Tree API writes by outcome code",
		},
		[]string{"code"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordRelayMessage(kind string) {
	relayMessagesTotal.WithLabelValues(kind).Inc()
}

func RecordRelayError(code string) {
	relayErrorsTotal.WithLabelValues(code).Inc()
}

func RecordBroadcast(frames int) {
	relayBroadcastFrames.Add(float64(frames))
}

func SetPendingBatches(n int) {
	relayPendingBatches.Set(float64(n))
}

func SetRoomsActive(n int) {
	roomsActive.Set(float64(n))
}

func AddPeers(delta int) {
	peersConnected.Add(float64(delta))
}

func RecordRoomLoad(success bool) {
	roomLoadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordRoomFlush records a flush outcome: "ok", "error" or "unchanged".
func RecordRoomFlush(status string, bytes int) {
	roomFlushesTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		roomFlushBytes.Observe(float64(bytes))
	}
}

func RecordBlobOperation(backend, operation string, duration time.Duration, success bool) {
	blobOperationDuration.WithLabelValues(backend, operation, statusLabel(success)).Observe(duration.Seconds())
}

// RecordTask records a task outcome such as "submitted", "retried",
// "failed" or "compensated".
func RecordTask(kind, status string) {
	tasksTotal.WithLabelValues(kind, status).Inc()
}

func RecordTreeWrite(code string) {
	if code == "" {
		code = "ok"
	}
	treeWritesTotal.WithLabelValues(code).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
