// Пакет workspace — файловое рабочее пространство пакетов.
//
// Раскладка на диске:
//
//	{root}/{id}/source/  — загруженные файлы (удаляется после успешной сборки)
//	{root}/{id}/output/  — результат инструмента упаковки (артефакт)
//
// Все записи файлов выполняются атомарно: temp → fsync → rename.
// Temp файлы создаются в {root}/{id}/, а не в source/, чтобы инструмент
// упаковки никогда не видел недописанных файлов.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	sourceDirName = "source"
	outputDirName = "output"
	stagePrefix   = ".stage-"

	// maxNameLength — максимальная длина имени файла в байтах.
	maxNameLength = 255
)

var (
	// ErrInvalidName — имя файла не является простым base name.
	ErrInvalidName = errors.New("недопустимое имя файла")
	// ErrPackageExists — директория пакета уже существует.
	ErrPackageExists = errors.New("директория пакета уже существует")
	// ErrFileExists — файл с таким именем уже размещён.
	ErrFileExists = errors.New("файл уже существует")
	// ErrFileTooLarge — файл превышает допустимый размер.
	ErrFileTooLarge = errors.New("файл превышает допустимый размер")
	// ErrEntryNotFound — entry file отсутствует в source/.
	ErrEntryNotFound = errors.New("entry file не найден")
)

// Workspace — управление директориями пакетов.
type Workspace struct {
	// root — корневая директория пакетов ({dataDir}/packages)
	root string
}

// DirInfo — директория пакета на диске.
type DirInfo struct {
	ID      string
	ModTime time.Time
}

// New создаёт Workspace. Создаёт корневую директорию, если её нет.
func New(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию пакетов %s: %w", root, err)
	}
	return &Workspace{root: root}, nil
}

// Root возвращает корневую директорию пакетов.
func (w *Workspace) Root() string {
	return w.root
}

// PackageDir возвращает путь {root}/{id}.
func (w *Workspace) PackageDir(id string) string {
	return filepath.Join(w.root, id)
}

// SourceDir возвращает путь {root}/{id}/source.
func (w *Workspace) SourceDir(id string) string {
	return filepath.Join(w.root, id, sourceDirName)
}

// OutputDir возвращает путь {root}/{id}/output.
func (w *Workspace) OutputDir(id string) string {
	return filepath.Join(w.root, id, outputDirName)
}

// ValidateName проверяет, что name — простое имя файла без
// разделителей пути.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: длина %d больше %d", ErrInvalidName, len(name), maxNameLength)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q содержит разделитель пути", ErrInvalidName, name)
	}
	return nil
}

// CreatePackage эксклюзивно создаёт {root}/{id} и {root}/{id}/source.
// Если директория пакета уже существует, возвращает ErrPackageExists.
func (w *Workspace) CreatePackage(id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}

	if err := os.Mkdir(w.PackageDir(id), 0o750); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrPackageExists, id)
		}
		return fmt.Errorf("ошибка создания директории пакета %s: %w", id, err)
	}

	if err := os.Mkdir(w.SourceDir(id), 0o750); err != nil {
		os.RemoveAll(w.PackageDir(id))
		return fmt.Errorf("ошибка создания директории source %s: %w", id, err)
	}
	return nil
}

// StageFile записывает файл name в source/ пакета.
// maxSize > 0 ограничивает размер файла; превышение даёт ErrFileTooLarge.
// Возвращает количество фактически записанных байт.
//
// Паттерн: temp файл в директории пакета → запись → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (w *Workspace) StageFile(id, name string, r io.Reader, maxSize int64) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	dst := filepath.Join(w.SourceDir(id), name)
	if _, err := os.Lstat(dst); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrFileExists, name)
	}

	tmpPath := filepath.Join(w.PackageDir(id), stagePrefix+uuid.New().String())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	src := r
	if maxSize > 0 {
		// Читаем на байт больше лимита, чтобы отличить «ровно лимит» от превышения
		src = io.LimitReader(r, maxSize+1)
	}

	size, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка записи %s: %w", name, err)
	}
	if maxSize > 0 && size > maxSize {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %s больше %d байт", ErrFileTooLarge, name, maxSize)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return size, nil
}

// ResolveEntry возвращает абсолютный путь entry file внутри source/.
// Entry должен быть простым именем файла (см. ValidateName) и указывать
// на обычный файл. Точное совпадение с манифестом проверяет вызывающий.
func (w *Workspace) ResolveEntry(id, entry string) (string, error) {
	if err := ValidateName(entry); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntryNotFound, err)
	}

	path := filepath.Join(w.SourceDir(id), entry)
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %q", ErrEntryNotFound, entry)
		}
		return "", fmt.Errorf("ошибка проверки entry file %q: %w", entry, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q не является обычным файлом", ErrEntryNotFound, entry)
	}
	return path, nil
}

// CreateOutput создаёт {root}/{id}/output и возвращает путь к нему.
func (w *Workspace) CreateOutput(id string) (string, error) {
	dir := w.OutputDir(id)
	if err := os.Mkdir(dir, 0o750); err != nil && !os.IsExist(err) {
		return "", fmt.Errorf("ошибка создания директории output %s: %w", id, err)
	}
	return dir, nil
}

// WriteOutput атомарно записывает файл name в output/ пакета.
// Используется для артефакта-заглушки в degraded mode.
func (w *Workspace) WriteOutput(id, name string, data []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	dst := filepath.Join(w.OutputDir(id), name)
	tmpPath := filepath.Join(w.PackageDir(id), stagePrefix+uuid.New().String())

	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка записи %s: %w", name, err)
	}
	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return dst, nil
}

// FindArtifacts возвращает отсортированные пути обычных файлов в output/,
// имя которых оканчивается на suffix.
func (w *Workspace) FindArtifacts(id, suffix string) ([]string, error) {
	dir := w.OutputDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории output %s: %w", id, err)
	}

	var result []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		result = append(result, filepath.Join(dir, e.Name()))
	}
	sort.Strings(result)
	return result, nil
}

// RemoveSource удаляет source/ пакета. Отсутствие директории не ошибка.
func (w *Workspace) RemoveSource(id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	if err := os.RemoveAll(w.SourceDir(id)); err != nil {
		return fmt.Errorf("ошибка удаления source %s: %w", id, err)
	}
	return nil
}

// RemovePackage удаляет {root}/{id} целиком. Отсутствие директории не ошибка.
func (w *Workspace) RemovePackage(id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	if err := os.RemoveAll(w.PackageDir(id)); err != nil {
		return fmt.Errorf("ошибка удаления пакета %s: %w", id, err)
	}
	return nil
}

// PackageExists проверяет наличие директории пакета.
func (w *Workspace) PackageExists(id string) bool {
	info, err := os.Stat(w.PackageDir(id))
	return err == nil && info.IsDir()
}

// ListPackageDirs возвращает все директории пакетов с временем изменения.
func (w *Workspace) ListPackageDirs() ([]DirInfo, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории пакетов: %w", err)
	}

	result := make([]DirInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Директория удалена между ReadDir и Info
			continue
		}
		result = append(result, DirInfo{ID: e.Name(), ModTime: info.ModTime()})
	}
	return result, nil
}

// ComputeChecksum вычисляет SHA-256 хэш файла.
func ComputeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("ошибка открытия файла для fsync: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	return f.Close()
}
