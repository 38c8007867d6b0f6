package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики жизненного цикла пакетов
var (
	// packagesCreatedTotal — количество созданных пакетов.
	packagesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packager_packages_created_total",
			Help: "Общее количество созданных пакетов",
		},
		[]string{"mode"},
	)

	// packagesFailedTotal — количество неуспешных сборок по классу ошибки.
	packagesFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packager_packages_failed_total",
			Help: "Общее количество неуспешных сборок пакетов",
		},
		[]string{"kind"},
	)

	// packagesExpiredTotal — количество пакетов, удалённых по сроку хранения.
	packagesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packager_packages_expired_total",
		Help: "Общее количество пакетов, удалённых по истечении срока хранения",
	})

	// downloadsTotal — количество отданных артефактов.
	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packager_downloads_total",
		Help: "Общее количество скачиваний артефактов",
	})

	// orphansReclaimedTotal — количество удалённых директорий без записи.
	orphansReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packager_orphans_reclaimed_total",
		Help: "Общее количество удалённых директорий пакетов без записи",
	})

	// uploadBytesTotal — объём загруженных исходных файлов.
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packager_upload_bytes_total",
		Help: "Общий объём загруженных файлов успешно собранных пакетов в байтах",
	})

	// buildDurationSeconds — длительность сборки пакета.
	buildDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packager_build_duration_seconds",
			Help:    "Длительность сборки пакета в секундах",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"result"},
	)
)

// MetricsSink обновляет Prometheus метрики по событиям.
type MetricsSink struct{}

// NewMetricsSink создаёт MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Emit реализует Sink.
func (MetricsSink) Emit(e Event) {
	switch e.Type {
	case PackageCreated:
		mode := "tool"
		if e.Record != nil {
			if e.Record.Degraded {
				mode = "degraded"
			}
			uploadBytesTotal.Add(float64(e.Record.TotalUploadBytes))
		}
		packagesCreatedTotal.WithLabelValues(mode).Inc()
		buildDurationSeconds.WithLabelValues("success").Observe(e.Duration.Seconds())

	case PackageFailed:
		packagesFailedTotal.WithLabelValues(e.ErrorKind).Inc()
		if e.Duration > 0 {
			buildDurationSeconds.WithLabelValues("failure").Observe(e.Duration.Seconds())
		}

	case PackageExpired:
		packagesExpiredTotal.Inc()

	case PackageDownloaded:
		downloadsTotal.Inc()

	case OrphanReclaimed:
		orphansReclaimedTotal.Inc()
	}
}
