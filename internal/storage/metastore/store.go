// Пакет metastore — Metadata Store: потокобезопасный in-memory индекс
// записей пакетов поверх файлов {id}.pkg.json.
//
// Источник истины — файлы записей. Индекс строится при Open
// и обновляется синхронно при Insert и Delete под эксклюзивной
// блокировкой, поэтому каждое изменение сначала становится durable
// на диске и только затем видимо читателям.
//
// Директория хранилища защищена файловой блокировкой: второй процесс
// не может открыть то же хранилище.
package metastore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/bigkaa/goartstore/packager/internal/domain/model"
	"github.com/bigkaa/goartstore/packager/internal/storage/recordfile"
)

// lockFileName — имя файла блокировки в директории хранилища.
const lockFileName = ".lock"

var (
	// ErrDuplicateID — запись с таким id уже существует.
	ErrDuplicateID = errors.New("запись с таким id уже существует")
	// ErrLocked — хранилище уже открыто другим процессом.
	ErrLocked = errors.New("хранилище заблокировано другим процессом")
	// ErrClosed — хранилище закрыто.
	ErrClosed = errors.New("хранилище закрыто")
)

// Store — Metadata Store.
type Store struct {
	mu      sync.RWMutex
	dir     string
	records map[string]*model.PackageRecord // id → record
	lock    *flock.Flock
	closed  bool
	logger  *slog.Logger
}

// Open открывает хранилище в директории dir: берёт эксклюзивную
// блокировку и загружает все файлы записей в индекс.
// Невалидные файлы записей пропускаются с предупреждением,
// оставшиеся temp файлы прерванных записей удаляются.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	logger = logger.With(slog.String("component", "metastore"))

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки хранилища %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	scan, err := recordfile.ScanDir(dir)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	for _, path := range scan.Invalid {
		logger.Warn("Пропущен невалидный файл записи", slog.String("path", path))
	}
	for _, path := range scan.StaleTemp {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Не удалось удалить temp файл записи",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}

	s := &Store{
		dir:     dir,
		records: make(map[string]*model.PackageRecord, len(scan.Records)),
		lock:    lock,
		logger:  logger,
	}
	for _, rec := range scan.Records {
		s.records[rec.ID] = rec
	}

	logger.Info("Хранилище метаданных открыто",
		slog.Int("records", len(s.records)),
		slog.Int("invalid", len(scan.Invalid)),
		slog.String("dir", dir),
	)

	return s, nil
}

// Dir возвращает директорию хранилища.
func (s *Store) Dir() string {
	return s.dir
}

// Insert сохраняет новую запись. Файл записи пишется атомарно до
// обновления индекса; при ошибке записи индекс не меняется.
func (s *Store) Insert(rec *model.PackageRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("запись без id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}

	copied := rec.Clone()
	if err := recordfile.Write(recordfile.Path(s.dir, rec.ID), copied); err != nil {
		return fmt.Errorf("ошибка сохранения записи %s: %w", rec.ID, err)
	}

	s.records[rec.ID] = copied
	return nil
}

// Get возвращает копию записи по id.
func (s *Store) Get(id string) (*model.PackageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Delete удаляет запись. Возвращает true, если запись существовала.
// Отсутствие записи не является ошибкой.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.records[id]; !ok {
		return false, nil
	}

	if err := recordfile.Delete(recordfile.Path(s.dir, id)); err != nil {
		return false, err
	}

	delete(s.records, id)
	return true, nil
}

// List возвращает копии всех записей, отсортированные по CreatedAt
// (старые первые).
func (s *Store) List() []*model.PackageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.PackageRecord, 0, len(s.records))
	for _, rec := range s.records {
		result = append(result, rec.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count возвращает количество записей.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close снимает блокировку хранилища. Повторный вызов безопасен.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("ошибка снятия блокировки хранилища: %w", err)
	}
	s.logger.Info("Хранилище метаданных закрыто")
	return nil
}
