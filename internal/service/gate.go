// gate.go — Download Gate: решение о выдаче артефакта по id.
package service

import (
	"log/slog"
	"os"
	"time"

	"github.com/bigkaa/goartstore/packager/internal/domain/model"
	"github.com/bigkaa/goartstore/packager/internal/events"
	"github.com/bigkaa/goartstore/packager/internal/storage/metastore"
)

// Artifact — артефакт, готовый к отдаче.
type Artifact struct {
	Path     string
	Filename string
	Size     int64
	ModTime  time.Time
	Checksum string
}

// Gate — Download Gate.
type Gate struct {
	store  *metastore.Store
	sink   events.Sink
	now    func() time.Time
	logger *slog.Logger
}

// NewGate создаёт Gate.
func NewGate(store *metastore.Store, sink events.Sink, logger *slog.Logger) *Gate {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Gate{
		store:  store,
		sink:   sink,
		now:    time.Now,
		logger: logger.With(slog.String("component", "gate")),
	}
}

// Info возвращает запись пакета. Срок хранения не проверяется:
// запись видна до удаления очисткой.
func (g *Gate) Info(id string) (*model.PackageRecord, error) {
	rec, ok := g.store.Get(id)
	if !ok {
		return nil, newError(KindNotFound, nil, "Пакет %s не найден", id)
	}
	return rec, nil
}

// Resolve проверяет доступность артефакта.
// Порядок проверок: запись существует → срок не истёк → файл на диске.
func (g *Gate) Resolve(id string) (*Artifact, error) {
	rec, ok := g.store.Get(id)
	if !ok {
		return nil, newError(KindNotFound, nil, "Пакет %s не найден", id)
	}

	if rec.IsExpired(g.now()) {
		return nil, newError(KindExpired, nil, "Срок действия ссылки на пакет %s истёк", id)
	}

	info, err := os.Stat(rec.ArtifactPath)
	if err != nil || !info.Mode().IsRegular() {
		g.logger.Warn("Артефакт не найден на диске",
			slog.String("package_id", id),
			slog.String("path", rec.ArtifactPath),
		)
		return nil, newError(KindArtifactMissing, err, "Файл пакета %s не найден", id)
	}

	return &Artifact{
		Path:     rec.ArtifactPath,
		Filename: rec.ArtifactFilename,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Checksum: rec.ArtifactChecksum,
	}, nil
}

// Open проверяет доступность артефакта и открывает его для чтения.
// Вызывающий код обязан закрыть файл.
func (g *Gate) Open(id string) (*os.File, *Artifact, error) {
	art, err := g.Resolve(id)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(art.Path)
	if err != nil {
		// Файл удалён очисткой между Resolve и Open
		if os.IsNotExist(err) {
			return nil, nil, newError(KindArtifactMissing, err, "Файл пакета %s не найден", id)
		}
		return nil, nil, newError(KindStorage, err, "Ошибка открытия файла пакета %s", id)
	}
	return f, art, nil
}

// Downloaded сообщает об успешной отдаче артефакта.
func (g *Gate) Downloaded(id, clientIP string) {
	g.sink.Emit(events.Event{
		Type:      events.PackageDownloaded,
		PackageID: id,
		Time:      g.now(),
		ClientIP:  clientIP,
	})
}
