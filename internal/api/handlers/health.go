// health.go — обработчик GET /api/health.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/packager/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// serviceName — имя сервиса в ответе health.
const serviceName = "packager"

// PackageCounter — источник количества хранимых пакетов.
type PackageCounter interface {
	Count() int
}

// DiskUsageFunc возвращает total, used, available в байтах.
type DiskUsageFunc func() (total, used, available int64, err error)

// HealthHandler реализует GET /api/health.
type HealthHandler struct {
	version   string
	startedAt time.Time
	// dataDir — путь к директории данных (для проверки FS)
	dataDir  string
	packages PackageCounter
	disk     DiskUsageFunc
	now      func() time.Time
}

// NewHealthHandler создаёт обработчик health endpoint.
// disk может быть nil: блок disk в ответе тогда не формируется.
func NewHealthHandler(dataDir string, packages PackageCounter, disk DiskUsageFunc) *HealthHandler {
	return &HealthHandler{
		version:   config.Version,
		startedAt: time.Now(),
		dataDir:   dataDir,
		packages:  packages,
		disk:      disk,
		now:       time.Now,
	}
}

// Health обрабатывает GET /api/health.
// Всегда отвечает 200: это liveness. Недоступная на запись директория
// данных отражается в status и блоке filesystem.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	status := "ok"

	resp := map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
		"uptime":    now.Sub(h.startedAt).Seconds(),
	}

	if fsCheck := h.checkFilesystem(); fsCheck["status"] != "ok" {
		status = statusFail
		resp["filesystem"] = fsCheck
	}

	if h.packages != nil {
		resp["packages"] = h.packages.Count()
	}

	if h.disk != nil {
		if total, used, available, err := h.disk(); err == nil {
			resp["disk"] = map[string]any{
				"total":     total,
				"used":      used,
				"available": available,
			}
		}
	}

	resp["status"] = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// checkFilesystem проверяет доступность директории данных на запись.
func (h *HealthHandler) checkFilesystem() map[string]any {
	if h.dataDir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.dataDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория данных недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}
