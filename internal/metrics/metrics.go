// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vod-engine/internal/logx"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vod_sessions_active",
		Help: "Playback sessions currently open.",
	})
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vod_downloads_total",
		Help: "Finished offline downloads by result.",
	}, []string{"result"})
	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vod_download_bytes_total",
		Help: "Bytes written to the offline content store.",
	})
	AudioGraphFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vod_audio_graph_failures_total",
		Help: "Audio enhancement graphs that could not be built.",
	})
)

// RegisterLogFilter exports the log filter's suppressed-line count.
func RegisterLogFilter(w *logx.Writer) {
	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "vod_log_lines_suppressed_total",
		Help: "Log lines dropped by allow/deny filters or de-duplication.",
	}, func() float64 { return float64(w.Suppressed()) }))
}

func Handler() http.Handler { return promhttp.Handler() }
