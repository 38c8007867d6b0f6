package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/packager/internal/domain/model"
)

// AuditEntry — строка аудита созданного пакета.
type AuditEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	IP        string             `json:"ip"`
	UserAgent string             `json:"userAgent,omitempty"`
	PackageID string             `json:"packageId"`
	Files     []model.SourceFile `json:"files"`
	SetupFile string             `json:"setupFile"`
	FileCount int                `json:"fileCount"`
	TotalSize int64              `json:"totalSize"`
	Degraded  bool               `json:"degraded"`
}

// AuditLog дописывает созданные пакеты в ежедневный JSONL-файл
// {dir}/packages_YYYY-MM-DD.log (дата по UTC). Прочие события игнорируются.
type AuditLog struct {
	dir    string
	now    func() time.Time
	mu     sync.Mutex
	logger *slog.Logger
}

// NewAuditLog создаёт AuditLog. Создаёт директорию, если её нет.
func NewAuditLog(dir string, logger *slog.Logger) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", dir, err)
	}
	return &AuditLog{
		dir:    dir,
		now:    time.Now,
		logger: logger.With(slog.String("component", "audit")),
	}, nil
}

// FileName возвращает имя файла журнала для даты t.
func FileName(t time.Time) string {
	return "packages_" + t.UTC().Format(time.DateOnly) + ".log"
}

// Emit реализует Sink.
func (a *AuditLog) Emit(e Event) {
	if e.Type != PackageCreated || e.Record == nil {
		return
	}
	if err := a.append(e); err != nil {
		a.logger.Error("Не удалось записать строку аудита",
			slog.String("package_id", e.PackageID),
			slog.String("error", err.Error()),
		)
	}
}

func (a *AuditLog) append(e Event) error {
	ts := e.Time
	if ts.IsZero() {
		ts = a.now()
	}
	ts = ts.UTC()

	line, err := json.Marshal(AuditEntry{
		Timestamp: ts,
		IP:        e.ClientIP,
		UserAgent: e.UserAgent,
		PackageID: e.PackageID,
		Files:     e.Record.SourceFiles,
		SetupFile: e.Record.EntryFileName,
		FileCount: e.Record.FileCount(),
		TotalSize: e.Record.TotalUploadBytes,
		Degraded:  e.Record.Degraded,
	})
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, FileName(ts))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("ошибка записи %s: %w", path, err)
	}
	return f.Close()
}
