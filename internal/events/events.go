// Пакет events — события жизненного цикла пакетов.
//
// Сервисный слой сообщает о событиях через Sink, не зная, куда они
// попадут. Реализации: LogSink (slog), MetricsSink (Prometheus),
// AuditLog (ежедневный JSONL-файл созданных пакетов). Multi
// объединяет несколько приёмников.
package events

import (
	"time"

	"github.com/bigkaa/goartstore/packager/internal/domain/model"
)

// Type — тип события.
type Type string

const (
	// PackageCreated — пакет собран и сохранён
	PackageCreated Type = "package.created"
	// PackageFailed — сборка пакета завершилась ошибкой
	PackageFailed Type = "package.failed"
	// PackageExpired — пакет удалён по истечении срока хранения
	PackageExpired Type = "package.expired"
	// PackageDownloaded — артефакт отдан клиенту
	PackageDownloaded Type = "package.downloaded"
	// OrphanReclaimed — удалена директория пакета без записи
	OrphanReclaimed Type = "package.orphan_reclaimed"
)

// Event — событие жизненного цикла пакета.
type Event struct {
	Type      Type
	PackageID string
	Time      time.Time

	// Record — запись пакета (PackageCreated, PackageExpired)
	Record *model.PackageRecord

	// ErrorKind, Message — класс и текст ошибки (PackageFailed)
	ErrorKind string
	Message   string

	// Stage — состояние автомата, в котором произошла ошибка (PackageFailed)
	Stage string

	// Duration — длительность сборки (PackageCreated, PackageFailed)
	Duration time.Duration

	// ClientIP, UserAgent — данные запроса (для аудита)
	ClientIP  string
	UserAgent string
}

// Sink — приёмник событий. Emit не должен блокироваться надолго
// и не возвращает ошибок: сбой приёмника не влияет на операцию.
type Sink interface {
	Emit(e Event)
}

// Multi рассылает событие всем приёмникам по порядку.
type Multi []Sink

// Emit реализует Sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Nop — приёмник, игнорирующий события.
type Nop struct{}

// Emit реализует Sink.
func (Nop) Emit(Event) {}
