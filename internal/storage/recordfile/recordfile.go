// Пакет recordfile — чтение и запись файлов записей пакетов ({id}.pkg.json).
// Каждая запись пакета хранится в отдельном файле, который является
// единственным источником истины для Metadata Store.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package recordfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/packager/internal/domain/model"
)

// Suffix — суффикс файла записи.
const Suffix = ".pkg.json"

// tmpSuffix — суффикс временных файлов незавершённой записи.
const tmpSuffix = ".tmp"

// maxRecordFileSize — максимальный допустимый размер файла записи (256 КБ).
// Манифест из 50 файлов с длинными именами укладывается с запасом.
const maxRecordFileSize = 256 << 10

// Path возвращает путь к файлу записи пакета в директории dir.
// Пример: ("/data/records", "ab12") → "/data/records/ab12.pkg.json"
func Path(dir, id string) string {
	return filepath.Join(dir, id+Suffix)
}

// IDFromPath возвращает идентификатор пакета из пути файла записи.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), Suffix)
}

// IsRecordFile проверяет, является ли путь файлом записи.
func IsRecordFile(path string) bool {
	return strings.HasSuffix(path, Suffix)
}

// Write атомарно записывает запись пакета.
// Паттерн: JSON → temp файл → fsync → atomic rename.
// Возвращает ошибку, если сериализованные данные превышают лимит.
func Write(path string, rec *model.PackageRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}

	if len(data) > maxRecordFileSize {
		return fmt.Errorf("размер записи (%d байт) превышает максимум (%d байт)", len(data), maxRecordFileSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	// Уникальное имя temp файла: конкурентные записи не пересекаются
	tmpPath := fmt.Sprintf("%s.%s%s", path, uuid.New().String()[:8], tmpSuffix)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
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

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Read читает и десериализует запись пакета.
func Read(path string) (*model.PackageRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения записи %s: %w", path, err)
	}

	var rec model.PackageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации записи %s: %w", path, err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("запись %s не содержит id", path)
	}
	if rec.ID != IDFromPath(path) {
		return nil, fmt.Errorf("запись %s содержит чужой id %q", path, rec.ID)
	}

	return &rec, nil
}

// Delete удаляет файл записи.
// Возвращает nil если файл уже не существует.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления записи %s: %w", path, err)
	}
	return nil
}

// ScanResult — результат сканирования директории записей.
type ScanResult struct {
	// Records — успешно прочитанные записи
	Records []*model.PackageRecord
	// Invalid — пути файлов, которые не удалось прочитать
	Invalid []string
	// StaleTemp — оставшиеся temp файлы прерванных записей
	StaleTemp []string
}

// ScanDir сканирует директорию и возвращает все записи пакетов.
// Не рекурсивный. Невалидные файлы не прерывают сканирование,
// а перечисляются в ScanResult.Invalid.
func ScanDir(dir string) (*ScanResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	result := &ScanResult{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())

		switch {
		case strings.HasSuffix(e.Name(), tmpSuffix):
			result.StaleTemp = append(result.StaleTemp, path)
		case IsRecordFile(e.Name()):
			rec, err := Read(path)
			if err != nil {
				result.Invalid = append(result.Invalid, path)
				continue
			}
			result.Records = append(result.Records, rec)
		}
	}

	return result, nil
}
