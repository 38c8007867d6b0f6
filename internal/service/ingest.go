// ingest.go — Upload Ingestor: проверка набора файлов, размещение
// в source/ и передача на сборку.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bigkaa/goartstore/packager/internal/domain/model"
	"github.com/bigkaa/goartstore/packager/internal/events"
	"github.com/bigkaa/goartstore/packager/internal/storage/wal"
	"github.com/bigkaa/goartstore/packager/internal/storage/workspace"
)

// UploadedFile — один загруженный файл.
type UploadedFile struct {
	// Name — имя файла (base name)
	Name string
	// Size — заявленный размер; -1 если неизвестен
	Size int64
	// Reader — содержимое файла
	Reader io.Reader
}

// IngestRequest — запрос на создание пакета.
type IngestRequest struct {
	Files     []UploadedFile
	EntryFile string

	// ClientIP, UserAgent — для аудита
	ClientIP  string
	UserAgent string
}

// IngestConfig — ограничения приёма файлов.
type IngestConfig struct {
	// MaxFiles — максимальное количество файлов в одном запросе
	MaxFiles int
	// MaxFileSize — максимальный размер одного файла
	MaxFileSize int64
}

// Ingestor — Upload Ingestor.
type Ingestor struct {
	cfg     IngestConfig
	ws      *workspace.Workspace
	journal *wal.WAL
	builder *Builder
	sink    events.Sink
	newID   func() (string, error)
	logger  *slog.Logger
}

// NewIngestor создаёт Ingestor.
func NewIngestor(
	cfg IngestConfig,
	ws *workspace.Workspace,
	journal *wal.WAL,
	builder *Builder,
	sink events.Sink,
	logger *slog.Logger,
) *Ingestor {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Ingestor{
		cfg:     cfg,
		ws:      ws,
		journal: journal,
		builder: builder,
		sink:    sink,
		newID:   NewPackageID,
		logger:  logger.With(slog.String("component", "ingestor")),
	}
}

// NewPackageID генерирует идентификатор пакета: 128 бит из crypto/rand
// в hex (32 символа).
func NewPackageID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("ошибка генерации идентификатора: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Ingest принимает набор файлов и собирает пакет.
//
// Поток:
//  1. Проверка набора (не пустой, entry задан, имена, дубликаты, количество)
//  2. Новый id, транзакция журнала, эксклюзивное создание {id}/source
//  3. Размещение каждого файла (temp → fsync → rename)
//  4. Builder.Build
//
// При ошибке на шагах 2–3 директория пакета удаляется, журнал откатывается.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*model.PackageRecord, error) {
	entry := strings.TrimSpace(req.EntryFile)
	if err := i.validate(req.Files, entry); err != nil {
		return nil, err
	}

	id, err := i.newID()
	if err != nil {
		return nil, newError(KindInternal, err, "Ошибка генерации идентификатора пакета")
	}

	// Регистрируем пакет до создания директории: сборщик сирот
	// не должен видеть её без записи и без отметки in-flight
	i.builder.track(id)

	tx, err := i.journal.StartTransaction(wal.OpPackageBuild, id)
	if err != nil {
		i.builder.untrack(id)
		return nil, newError(KindStorage, err, "Ошибка создания транзакции")
	}

	fail := func(created bool, e *Error) (*model.PackageRecord, error) {
		i.abort(id, tx.TransactionID, created)
		i.sink.Emit(events.Event{
			Type:      events.PackageFailed,
			PackageID: id,
			ErrorKind: string(e.Kind),
			Message:   e.Error(),
			Stage:     "ingest",
			ClientIP:  req.ClientIP,
			UserAgent: req.UserAgent,
		})
		return nil, e
	}

	if err := i.ws.CreatePackage(id); err != nil {
		return fail(false, newError(KindStorage, err, "Ошибка создания директории пакета"))
	}

	manifest := make([]model.SourceFile, 0, len(req.Files))
	var total int64
	for _, f := range req.Files {
		n, err := i.ws.StageFile(id, f.Name, f.Reader, i.cfg.MaxFileSize)
		if err != nil {
			if errors.Is(err, workspace.ErrFileTooLarge) {
				return fail(true, newError(KindFileTooLarge, err,
					"Файл %q превышает максимальный размер %d байт", f.Name, i.cfg.MaxFileSize))
			}
			return fail(true, newError(KindStorage, err, "Ошибка сохранения файла %q", f.Name))
		}
		manifest = append(manifest, model.SourceFile{Name: f.Name, SizeBytes: n})
		total += n
	}

	i.logger.Info("Файлы пакета размещены",
		slog.String("package_id", id),
		slog.Int("files", len(manifest)),
		slog.Int64("total_bytes", total),
		slog.String("entry_file", entry),
	)

	return i.builder.Build(ctx, &Bundle{
		ID:         id,
		EntryFile:  entry,
		Manifest:   manifest,
		TotalBytes: total,
		TxID:       tx.TransactionID,
		ClientIP:   req.ClientIP,
		UserAgent:  req.UserAgent,
	})
}

// validate проверяет набор файлов до записи на диск.
func (i *Ingestor) validate(files []UploadedFile, entry string) error {
	if len(files) == 0 {
		return newError(KindValidation, nil, "Не загружено ни одного файла")
	}
	if entry == "" {
		return newError(KindValidation, nil, "Не указан entry file")
	}
	if i.cfg.MaxFiles > 0 && len(files) > i.cfg.MaxFiles {
		return newError(KindValidation, nil,
			"Слишком много файлов: %d, максимум %d", len(files), i.cfg.MaxFiles)
	}

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if err := workspace.ValidateName(f.Name); err != nil {
			return newError(KindValidation, err, "Недопустимое имя файла %q", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return newError(KindValidation, nil, "Файл %q загружен более одного раза", f.Name)
		}
		seen[f.Name] = struct{}{}

		if i.cfg.MaxFileSize > 0 && f.Size > i.cfg.MaxFileSize {
			return newError(KindFileTooLarge, nil,
				"Файл %q превышает максимальный размер %d байт", f.Name, i.cfg.MaxFileSize)
		}
	}
	return nil
}

// abort откатывает неудавшийся приём файлов.
func (i *Ingestor) abort(id, txID string, created bool) {
	defer i.builder.untrack(id)

	if created {
		if err := i.ws.RemovePackage(id); err != nil {
			i.logger.Error("Ошибка удаления директории пакета при откате",
				slog.String("package_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
	}
	if err := i.journal.Rollback(txID); err != nil {
		i.logger.Error("Ошибка отката WAL",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}
