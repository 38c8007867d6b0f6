package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTxNotFound — транзакция не найдена (уже завершена или не начиналась).
var ErrTxNotFound = errors.New("транзакция не найдена")

// WAL — файловый журнал операций с пакетами.
// Порядок работы: StartTransaction пишет запись до первого изменения
// на диске, затем выполняется операция, затем Commit или Rollback
// удаляют запись. Pending возвращает прерванные операции для Recovery.
type WAL struct {
	// dir — директория журнала ({dataDir}/wal)
	dir string
	// mu — мьютекс для потокобезопасности
	mu sync.Mutex
	// now — источник времени
	now    func() time.Time
	logger *slog.Logger
}

// New создаёт журнал. Создаёт директорию, если её нет,
// и проверяет, что в неё можно писать.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию WAL %s: %w", dir, err)
	}

	// Проверяем доступность на запись через temp файл
	testFile := filepath.Join(dir, ".wal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория WAL %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &WAL{
		dir:    dir,
		now:    time.Now,
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// StartTransaction создаёт запись журнала для операции над пакетом.
// Запись сохраняется атомарно: temp файл → fsync → rename.
func (w *WAL) StartTransaction(op OperationType, packageID string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &Entry{
		TransactionID: uuid.New().String(),
		Operation:     op,
		PackageID:     packageID,
		StartedAt:     w.now().UTC(),
	}

	if err := w.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать WAL-запись: %w", err)
	}

	w.logger.Debug("WAL транзакция начата",
		slog.String("tx_id", entry.TransactionID),
		slog.String("operation", string(entry.Operation)),
		slog.String("package_id", packageID),
	)

	return entry, nil
}

// Commit завершает транзакцию успешно.
func (w *WAL) Commit(txID string) error {
	return w.finish(txID, "WAL транзакция завершена")
}

// Rollback завершает транзакцию отменой. Откат изменений на диске
// выполняет вызывающая сторона до вызова Rollback.
func (w *WAL) Rollback(txID string) error {
	return w.finish(txID, "WAL транзакция отменена")
}

func (w *WAL) finish(txID, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.readEntry(txID)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(w.dir, walFileName(txID))); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrTxNotFound, txID)
		}
		return fmt.Errorf("не удалось удалить WAL-запись %s: %w", txID, err)
	}

	w.logger.Debug(msg,
		slog.String("tx_id", txID),
		slog.String("package_id", entry.PackageID),
		slog.Duration("duration", w.now().Sub(entry.StartedAt)),
	)
	return nil
}

// Pending возвращает все незавершённые транзакции, старые первые.
// Вызывается при старте до начала обработки запросов.
// Нечитаемые записи и temp файлы удаляются с предупреждением.
func (w *WAL) Pending() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dirEntries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	var pending []*Entry
	for _, de := range dirEntries {
		name := de.Name()
		path := filepath.Join(w.dir, name)

		if strings.HasSuffix(name, ".tmp") {
			os.Remove(path)
			continue
		}
		if de.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		entry, err := w.readEntry(txIDFromFileName(name))
		if err != nil {
			w.logger.Warn("Удалена нечитаемая WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			os.Remove(path)
			continue
		}

		pending = append(pending, entry)
		w.logger.Warn("Обнаружена незавершённая WAL-транзакция",
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("package_id", entry.PackageID),
			slog.Time("started_at", entry.StartedAt),
		)
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].StartedAt.Before(pending[j].StartedAt)
	})
	return pending, nil
}

// transaction читает запись журнала по идентификатору транзакции.
func (w *WAL) transaction(txID string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.readEntry(txID)
}

// writeEntry атомарно записывает запись журнала на диск.
// Паттерн: temp файл → fsync → atomic rename.
func (w *WAL) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := filepath.Join(w.dir, walFileName(entry.TransactionID))
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// readEntry читает запись журнала из файла.
func (w *WAL) readEntry(txID string) (*Entry, error) {
	path := filepath.Join(w.dir, walFileName(txID))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
		}
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	if entry.TransactionID != txID || entry.PackageID == "" {
		return nil, fmt.Errorf("WAL-запись %s повреждена", txID)
	}

	return &entry, nil
}

// Dir возвращает путь к директории журнала.
func (w *WAL) Dir() string {
	return w.dir
}
