// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClipsFinished counts clips finalized by the recorder, by outcome (ok, error, missing).
	ClipsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navcam_clips_finished_total",
		Help: "Clips finalized by the segment recorder.",
	}, []string{"outcome"})

	// ClipsEvicted counts clips deleted by the storage cap.
	ClipsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navcam_clips_evicted_total",
		Help: "Clips deleted to keep the clip directory under the storage cap.",
	})

	// StoreBytes is the clip directory size after the last eviction pass.
	StoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navcam_clip_store_bytes",
		Help: "Total size of the clip directory after the last eviction pass.",
	})

	// Uploads counts upload attempts by result (succeeded, failed).
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navcam_uploads_total",
		Help: "Clip upload attempts by result.",
	}, []string{"result"})

	// UploadDuration observes upload attempt latency.
	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "navcam_upload_duration_seconds",
		Help:    "Duration of clip upload attempts.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// PendingUploads is the length of the pending-upload queue.
	PendingUploads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navcam_pending_uploads",
		Help: "Clips queued for upload.",
	})

	// Recording is 1 while the recorder is recording.
	Recording = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navcam_recording",
		Help: "1 while the segment recorder is recording.",
	})
)
