// builder.go — Package Builder: проводит один пакет через автомат
// staged → validated → built → finalized (или failed).
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bigkaa/goartstore/packager/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/packager/internal/domain/model"
	"github.com/bigkaa/goartstore/packager/internal/events"
	"github.com/bigkaa/goartstore/packager/internal/packager"
	"github.com/bigkaa/goartstore/packager/internal/storage/metastore"
	"github.com/bigkaa/goartstore/packager/internal/storage/wal"
	"github.com/bigkaa/goartstore/packager/internal/storage/workspace"
)

// ToolRunner — запуск инструмента упаковки.
type ToolRunner interface {
	Available() bool
	Run(ctx context.Context, inv packager.Invocation) *packager.Result
}

// BuilderConfig — параметры сборки.
type BuilderConfig struct {
	// ArtifactSuffix — суффикс файла артефакта (.intunewin)
	ArtifactSuffix string
	// BuildTimeout — максимальное время одной сборки, включая ожидание слота
	BuildTimeout time.Duration
	// MaxConcurrentBuilds — количество одновременных запусков инструмента
	MaxConcurrentBuilds int64
}

// Bundle — размещённый набор файлов, переданный на сборку.
type Bundle struct {
	ID         string
	EntryFile  string
	Manifest   []model.SourceFile
	TotalBytes int64
	// TxID — транзакция журнала, начатая при приёме файлов
	TxID string

	ClientIP  string
	UserAgent string
}

// Builder — Package Builder.
type Builder struct {
	cfg     BuilderConfig
	runner  ToolRunner
	store   *metastore.Store
	ws      *workspace.Workspace
	journal *wal.WAL
	sink    events.Sink
	slots   *semaphore.Weighted
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewBuilder создаёт Builder.
func NewBuilder(
	cfg BuilderConfig,
	runner ToolRunner,
	store *metastore.Store,
	ws *workspace.Workspace,
	journal *wal.WAL,
	sink events.Sink,
	logger *slog.Logger,
) *Builder {
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Builder{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		ws:       ws,
		journal:  journal,
		sink:     sink,
		slots:    semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "builder")),
		inFlight: make(map[string]struct{}),
	}
}

// InFlight возвращает true, если пакет с указанным id сейчас
// принимается или собирается.
func (b *Builder) InFlight(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inFlight[id]
	return ok
}

func (b *Builder) track(id string) {
	b.mu.Lock()
	b.inFlight[id] = struct{}{}
	b.mu.Unlock()
}

func (b *Builder) untrack(id string) {
	b.mu.Lock()
	delete(b.inFlight, id)
	b.mu.Unlock()
}

func inManifest(manifest []model.SourceFile, name string) bool {
	for _, f := range manifest {
		if f.Name == name {
			return true
		}
	}
	return false
}

// placeholder — содержимое артефакта-заглушки в degraded mode.
type placeholder struct {
	PackageID string             `json:"packageId"`
	Files     []model.SourceFile `json:"files"`
	SetupFile string             `json:"setupFile"`
	Created   time.Time          `json:"created"`
	Mock      bool               `json:"mock"`
}

// Build собирает пакет из размещённого набора файлов.
//
// Поток:
//  1. validated: entry file найден в source/
//  2. built: запуск инструмента (или заглушка в degraded mode),
//     в output/ ровно один артефакт
//  3. finalized: запись в Metadata Store, удаление source/, commit журнала
//
// При любой ошибке директория пакета удаляется целиком, журнал
// откатывается, возвращается *Error с классом ошибки.
// Сборка не прерывается отменой ctx: ограничена только BuildTimeout.
func (b *Builder) Build(ctx context.Context, bundle *Bundle) (*model.PackageRecord, error) {
	// track идемпотентен: Ingestor регистрирует пакет раньше
	b.track(bundle.ID)
	defer b.untrack(bundle.ID)

	start := b.now()
	m := lifecycle.NewWithClock(bundle.ID, b.now)

	fail := func(e *Error) (*model.PackageRecord, error) {
		from, _ := m.Fail()
		b.logger.Debug("Переходы неудачной сборки",
			slog.String("package_id", bundle.ID),
			slog.Any("history", m.History()),
		)
		b.rollback(bundle)
		b.sink.Emit(events.Event{
			Type:      events.PackageFailed,
			PackageID: bundle.ID,
			Time:      b.now(),
			ErrorKind: string(e.Kind),
			Message:   e.Error(),
			Stage:     string(from),
			Duration:  b.now().Sub(start),
			ClientIP:  bundle.ClientIP,
			UserAgent: bundle.UserAgent,
		})
		return nil, e
	}

	// 1. validated: имя совпадает с загруженным побайтно, затем файл
	// проверяется на диске
	if !inManifest(bundle.Manifest, bundle.EntryFile) {
		return fail(newError(KindEntryFileMissing, nil,
			"Entry file %q не найден среди загруженных файлов", bundle.EntryFile))
	}
	if _, err := b.ws.ResolveEntry(bundle.ID, bundle.EntryFile); err != nil {
		if errors.Is(err, workspace.ErrEntryNotFound) {
			return fail(newError(KindEntryFileMissing, err,
				"Entry file %q не найден среди загруженных файлов", bundle.EntryFile))
		}
		return fail(newError(KindStorage, err, "Ошибка проверки entry file"))
	}
	if err := m.TransitionTo(lifecycle.StateValidated); err != nil {
		return fail(newError(KindInternal, err, "Ошибка автомата сборки"))
	}

	// 2. built
	if _, err := b.ws.CreateOutput(bundle.ID); err != nil {
		return fail(newError(KindStorage, err, "Ошибка создания директории output"))
	}

	degraded := !b.runner.Available()
	var artifactPath string
	if degraded {
		b.logger.Warn("Инструмент упаковки недоступен, создаётся артефакт-заглушка",
			slog.String("package_id", bundle.ID),
		)
		path, err := b.writePlaceholder(bundle)
		if err != nil {
			return fail(newError(KindStorage, err, "Ошибка записи артефакта-заглушки"))
		}
		artifactPath = path
	} else {
		if e := b.runTool(ctx, bundle); e != nil {
			return fail(e)
		}
		found, err := b.ws.FindArtifacts(bundle.ID, b.cfg.ArtifactSuffix)
		if err != nil {
			return fail(newError(KindStorage, err, "Ошибка чтения результата сборки"))
		}
		switch len(found) {
		case 0:
			return fail(newError(KindNoOutput, nil,
				"Инструмент завершился успешно, но файл %s не создан", b.cfg.ArtifactSuffix))
		case 1:
			artifactPath = found[0]
		default:
			return fail(newError(KindAmbiguousOutput, nil,
				"Инструмент создал %d файлов %s, ожидался один", len(found), b.cfg.ArtifactSuffix))
		}
	}
	if err := m.TransitionTo(lifecycle.StateBuilt); err != nil {
		return fail(newError(KindInternal, err, "Ошибка автомата сборки"))
	}

	// 3. finalized
	info, err := os.Stat(artifactPath)
	if err != nil {
		return fail(newError(KindStorage, err, "Артефакт недоступен после сборки"))
	}
	checksum, err := workspace.ComputeChecksum(artifactPath)
	if err != nil {
		return fail(newError(KindStorage, err, "Ошибка вычисления checksum артефакта"))
	}

	rec := model.NewPackageRecord(bundle.ID, b.now())
	rec.ArtifactFilename = filepath.Base(artifactPath)
	rec.ArtifactPath = artifactPath
	rec.EntryFileName = bundle.EntryFile
	rec.SourceFiles = bundle.Manifest
	rec.TotalUploadBytes = bundle.TotalBytes
	rec.ArtifactChecksum = checksum
	rec.Degraded = degraded
	if !degraded {
		size := info.Size()
		rec.ArtifactSizeBytes = &size
	}

	if err := b.store.Insert(rec); err != nil {
		return fail(newError(KindStorage, err, "Ошибка сохранения записи пакета"))
	}

	// С этого момента пакет видим: ошибки ниже не откатывают сборку
	if err := b.ws.RemoveSource(bundle.ID); err != nil {
		b.logger.Warn("Не удалось удалить source/ после сборки",
			slog.String("package_id", bundle.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := b.journal.Commit(bundle.TxID); err != nil {
		b.logger.Error("Ошибка коммита WAL (пакет сохранён)",
			slog.String("tx_id", bundle.TxID),
			slog.String("package_id", bundle.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := m.TransitionTo(lifecycle.StateFinalized); err != nil {
		b.logger.Error("Ошибка автомата сборки", slog.String("error", err.Error()))
	}

	b.sink.Emit(events.Event{
		Type:      events.PackageCreated,
		PackageID: bundle.ID,
		Time:      b.now(),
		Record:    rec,
		Duration:  b.now().Sub(start),
		ClientIP:  bundle.ClientIP,
		UserAgent: bundle.UserAgent,
	})

	return rec, nil
}

// runTool занимает слот сборки и запускает инструмент.
// Таймаут сборки отсчитывается от начала ожидания слота и не зависит
// от отмены запроса.
func (b *Builder) runTool(ctx context.Context, bundle *Bundle) *Error {
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.BuildTimeout)
	defer cancel()

	if err := b.slots.Acquire(buildCtx, 1); err != nil {
		return newError(KindTimeout, err,
			"Нет свободного слота сборки в течение %s", b.cfg.BuildTimeout)
	}
	defer b.slots.Release(1)

	res := b.runner.Run(buildCtx, packager.Invocation{
		SourceDir: b.ws.SourceDir(bundle.ID),
		EntryFile: bundle.EntryFile,
		OutputDir: b.ws.OutputDir(bundle.ID),
	})

	if res.Succeeded() {
		b.logger.Debug("Инструмент упаковки завершился успешно",
			slog.String("package_id", bundle.ID),
			slog.Duration("duration", res.Duration),
			slog.String("stdout", res.Stdout),
		)
		return nil
	}

	cls := packager.Classify(res, bundle.EntryFile)
	b.logger.Error("Ошибка инструмента упаковки",
		slog.String("package_id", bundle.ID),
		slog.String("failure", string(cls.Kind)),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Bool("truncated", res.Truncated),
		slog.String("stdout", res.Stdout),
		slog.String("stderr", res.Stderr),
	)

	if cls.Kind == packager.FailureTimeout {
		return newError(KindTimeout, nil, "%s", cls.Message)
	}
	return newError(KindExternalTool, res.StartErr, "%s", cls.Message)
}

// writePlaceholder создаёт артефакт-заглушку {entry-stem}{suffix}
// с JSON-описанием пакета.
func (b *Builder) writePlaceholder(bundle *Bundle) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(bundle.EntryFile), filepath.Ext(bundle.EntryFile))
	data, err := json.MarshalIndent(placeholder{
		PackageID: bundle.ID,
		Files:     bundle.Manifest,
		SetupFile: bundle.EntryFile,
		Created:   b.now().UTC(),
		Mock:      true,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации заглушки: %w", err)
	}
	return b.ws.WriteOutput(bundle.ID, stem+b.cfg.ArtifactSuffix, data)
}

// rollback удаляет директорию пакета и откатывает журнал.
func (b *Builder) rollback(bundle *Bundle) {
	if err := b.ws.RemovePackage(bundle.ID); err != nil {
		b.logger.Error("Ошибка удаления директории пакета при откате",
			slog.String("package_id", bundle.ID),
			slog.String("error", err.Error()),
		)
		// Журнал не откатываем: Recovery повторит удаление при следующем старте
		return
	}
	if err := b.journal.Rollback(bundle.TxID); err != nil {
		b.logger.Error("Ошибка отката WAL",
			slog.String("tx_id", bundle.TxID),
			slog.String("error", err.Error()),
		)
	}
}
