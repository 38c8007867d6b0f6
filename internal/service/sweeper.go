// sweeper.go — Expiry Sweeper: фоновая очистка пакетов.
//
// Sweeper выполняет две задачи:
//  1. Удаляет пакеты с истёкшим сроком хранения (директория + запись)
//  2. Удаляет директории пакетов без записи, не находящиеся в сборке
//     и старше OrphanGrace (остатки аварийного завершения)
//
// Запускается как горутина с периодическим тикером (PKG_SWEEP_INTERVAL),
// первый проход выполняется сразу при старте.
package service

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/packager/internal/events"
	"github.com/bigkaa/goartstore/packager/internal/storage/metastore"
	"github.com/bigkaa/goartstore/packager/internal/storage/wal"
	"github.com/bigkaa/goartstore/packager/internal/storage/workspace"
)

// Prometheus метрики очистки
var (
	// sweepRunsTotal — количество проходов очистки.
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packager_sweep_runs_total",
		Help: "Общее количество проходов очистки",
	})

	// sweepErrorsTotal — количество ошибок при очистке.
	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packager_sweep_errors_total",
		Help: "Общее количество ошибок при очистке пакетов",
	})

	// sweepReclaimedBytesTotal — объём освобождённого места.
	sweepReclaimedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packager_sweep_reclaimed_bytes_total",
		Help: "Общий объём места, освобождённого очисткой, в байтах",
	})

	// sweepDurationSeconds — длительность прохода очистки.
	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "packager_sweep_duration_seconds",
		Help:    "Длительность прохода очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// InFlightChecker сообщает, собирается ли пакет прямо сейчас.
type InFlightChecker interface {
	InFlight(id string) bool
}

// SweepResult — результат одного прохода очистки.
type SweepResult struct {
	// Expired — количество удалённых записей с истёкшим сроком
	Expired int
	// Orphans — количество удалённых директорий без записи
	Orphans int
	// ReclaimedBytes — объём освобождённого места
	ReclaimedBytes int64
	// Errors — количество ошибок при обработке пакетов
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// SweeperConfig — параметры очистки.
type SweeperConfig struct {
	// Interval — период между проходами
	Interval time.Duration
	// OrphanGrace — минимальный возраст директории без записи перед удалением
	OrphanGrace time.Duration
}

// Sweeper — Expiry Sweeper.
type Sweeper struct {
	cfg      SweeperConfig
	store    *metastore.Store
	ws       *workspace.Workspace
	journal  *wal.WAL
	inFlight InFlightChecker
	sink     events.Sink
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper создаёт Sweeper.
func NewSweeper(
	cfg SweeperConfig,
	store *metastore.Store,
	ws *workspace.Workspace,
	journal *wal.WAL,
	inFlight InFlightChecker,
	sink events.Sink,
	logger *slog.Logger,
) *Sweeper {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		ws:       ws,
		journal:  journal,
		inFlight: inFlight,
		sink:     sink,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину очистки. Первый проход
// выполняется сразу. Повторный вызов без Stop игнорируется.
func (s *Sweeper) Start(ctx context.Context) {
	if s.done != nil {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка запущена",
		slog.String("interval", s.cfg.Interval.String()),
		slog.String("orphan_grace", s.cfg.OrphanGrace.String()),
	)
}

// Stop останавливает фоновую очистку и ждёт завершения текущего прохода.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("Очистка остановлена")
}

// run — основной цикл фоновой горутины.
func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки. Потокобезопасен: параллельные
// вызовы выполняются последовательно. Ошибки отдельных пакетов
// логируются и не прерывают проход. Отмена ctx прекращает проход
// между пакетами.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	now := s.now()

	s.sweepExpired(ctx, now, result)
	s.sweepOrphans(ctx, now, result)

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepReclaimedBytesTotal.Add(float64(result.ReclaimedBytes))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Очистка завершена",
		slog.Int("expired", result.Expired),
		slog.Int("orphans", result.Orphans),
		slog.Int64("reclaimed_bytes", result.ReclaimedBytes),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// sweepExpired удаляет пакеты с now > ExpiresAt.
// Сначала удаляется директория пакета, затем запись: запись удаляется
// даже если директорию удалить не удалось.
func (s *Sweeper) sweepExpired(ctx context.Context, now time.Time, result *SweepResult) {
	for _, rec := range s.store.List() {
		if ctx.Err() != nil {
			return
		}
		if !rec.IsExpired(now) {
			continue
		}

		tx, err := s.journal.StartTransaction(wal.OpPackageExpire, rec.ID)
		if err != nil {
			s.logger.Warn("Не удалось создать WAL-транзакцию удаления",
				slog.String("package_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}

		size := dirSize(s.ws.PackageDir(rec.ID))
		if err := s.ws.RemovePackage(rec.ID); err != nil {
			s.logger.Error("Очистка: ошибка удаления директории пакета",
				slog.String("package_id", rec.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
		} else {
			result.ReclaimedBytes += size
		}

		if _, err := s.store.Delete(rec.ID); err != nil {
			s.logger.Error("Очистка: ошибка удаления записи пакета",
				slog.String("package_id", rec.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			// Транзакция остаётся в журнале: Recovery завершит удаление
			continue
		}

		if tx != nil {
			if err := s.journal.Commit(tx.TransactionID); err != nil {
				s.logger.Warn("Ошибка коммита WAL",
					slog.String("tx_id", tx.TransactionID),
					slog.String("error", err.Error()),
				)
			}
		}

		result.Expired++
		s.sink.Emit(events.Event{
			Type:      events.PackageExpired,
			PackageID: rec.ID,
			Time:      now,
			Record:    rec,
		})
	}
}

// sweepOrphans удаляет директории пакетов без записи.
// Порядок проверок важен: сначала in-flight, затем наличие записи.
// Сборка снимает отметку in-flight только после сохранения записи,
// поэтому пакет не может проскочить между проверками.
func (s *Sweeper) sweepOrphans(ctx context.Context, now time.Time, result *SweepResult) {
	dirs, err := s.ws.ListPackageDirs()
	if err != nil {
		s.logger.Error("Очистка: ошибка чтения директории пакетов",
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}

	for _, d := range dirs {
		if ctx.Err() != nil {
			return
		}
		if now.Sub(d.ModTime) < s.cfg.OrphanGrace {
			continue
		}
		if s.inFlight != nil && s.inFlight.InFlight(d.ID) {
			continue
		}
		if _, ok := s.store.Get(d.ID); ok {
			continue
		}

		size := dirSize(s.ws.PackageDir(d.ID))
		if err := s.ws.RemovePackage(d.ID); err != nil {
			s.logger.Error("Очистка: ошибка удаления директории без записи",
				slog.String("package_id", d.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		result.Orphans++
		result.ReclaimedBytes += size
		s.sink.Emit(events.Event{
			Type:      events.OrphanReclaimed,
			PackageID: d.ID,
			Time:      now,
		})
	}
}

// dirSize возвращает суммарный размер обычных файлов в директории.
// Ошибки обхода игнорируются: результат используется только для метрик.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
