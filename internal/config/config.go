// Пакет config — загрузка и валидация конфигурации packager
// из переменных окружения (и опционального .env файла).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации packager.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория данных: records/, packages/, wal/, logs/
	DataDir string

	// Путь (или имя в PATH) к внешнему инструменту упаковки
	ToolPath string
	// Суффикс артефакта, который создаёт инструмент
	ArtifactSuffix string
	// Жёсткий таймаут одного запуска инструмента
	BuildTimeout time.Duration
	// Лимит захвата stdout/stderr инструмента (суммарно на оба потока)
	MaxOutputBytes int64
	// Максимум одновременно выполняемых сборок
	MaxConcurrentBuilds int

	// Максимальное количество файлов в одном запросе
	MaxFiles int
	// Максимальный размер одного файла в байтах
	MaxFileSize int64
	// Максимальный суммарный размер тела запроса в байтах
	MaxUploadSize int64
	// Объём multipart-данных, который держится в памяти
	MultipartMemory int64

	// Интервал запуска Expiry Sweeper
	SweepInterval time.Duration
	// Минимальный возраст директории пакета без записи, после которого
	// она считается брошенной
	OrphanGrace time.Duration
	// Писать JSONL-журнал созданных пакетов в logs/
	EventLog bool

	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// RecordsDir — директория файлов записей Metadata Store.
func (c *Config) RecordsDir() string { return filepath.Join(c.DataDir, "records") }

// PackagesDir — директория пакетов (source/ и output/ каждого пакета).
func (c *Config) PackagesDir() string { return filepath.Join(c.DataDir, "packages") }

// WALDir — директория журнала незавершённых сборок.
func (c *Config) WALDir() string { return filepath.Join(c.DataDir, "wal") }

// LogsDir — директория JSONL-журнала событий.
func (c *Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// LoadEnvFile подгружает переменные из .env файла. Уже заданные
// переменные окружения не перезаписываются. Пустой путь означает
// ".env" в текущей директории, если он существует.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("не удалось загрузить %s: %w", path, err)
	}
	return nil
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// PKG_PORT — порт HTTP-сервера (по умолчанию 3000)
	cfg.Port, err = getEnvInt("PKG_PORT", 3000)
	if err != nil {
		return nil, fmt.Errorf("PKG_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PKG_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// PKG_DATA_DIR — корень данных (по умолчанию ./data)
	dataDir := getEnvDefault("PKG_DATA_DIR", "data")
	cfg.DataDir, err = filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("PKG_DATA_DIR: %w", err)
	}

	cfg.ToolPath = getEnvDefault("PKG_TOOL_PATH", "IntuneWinAppUtil.exe")

	cfg.ArtifactSuffix = getEnvDefault("PKG_ARTIFACT_SUFFIX", ".intunewin")
	if !strings.HasPrefix(cfg.ArtifactSuffix, ".") || strings.ContainsAny(cfg.ArtifactSuffix, `/\`) {
		return nil, fmt.Errorf("PKG_ARTIFACT_SUFFIX: недопустимое значение %q, ожидается расширение вида .ext", cfg.ArtifactSuffix)
	}

	cfg.BuildTimeout, err = getEnvPositiveDuration("PKG_BUILD_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	// PKG_MAX_OUTPUT_BYTES — лимит захвата вывода (по умолчанию 10 MB)
	cfg.MaxOutputBytes, err = getEnvPositiveInt64("PKG_MAX_OUTPUT_BYTES", 10<<20)
	if err != nil {
		return nil, err
	}

	cfg.MaxConcurrentBuilds, err = getEnvInt("PKG_MAX_CONCURRENT_BUILDS", 4)
	if err != nil {
		return nil, fmt.Errorf("PKG_MAX_CONCURRENT_BUILDS: %w", err)
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		return nil, errors.New("PKG_MAX_CONCURRENT_BUILDS: значение должно быть положительным")
	}

	cfg.MaxFiles, err = getEnvInt("PKG_MAX_FILES", 50)
	if err != nil {
		return nil, fmt.Errorf("PKG_MAX_FILES: %w", err)
	}
	if cfg.MaxFiles <= 0 {
		return nil, errors.New("PKG_MAX_FILES: значение должно быть положительным")
	}

	// PKG_MAX_FILE_SIZE / PKG_MAX_UPLOAD_SIZE — по умолчанию 1 GB
	cfg.MaxFileSize, err = getEnvPositiveInt64("PKG_MAX_FILE_SIZE", 1<<30)
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadSize, err = getEnvPositiveInt64("PKG_MAX_UPLOAD_SIZE", 1<<30)
	if err != nil {
		return nil, err
	}
	cfg.MultipartMemory, err = getEnvPositiveInt64("PKG_MULTIPART_MEMORY", 32<<20)
	if err != nil {
		return nil, err
	}

	cfg.SweepInterval, err = getEnvPositiveDuration("PKG_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	// PKG_ORPHAN_GRACE должен быть больше таймаута сборки, иначе
	// reclaim может удалить директорию выполняющейся сборки.
	cfg.OrphanGrace, err = getEnvPositiveDuration("PKG_ORPHAN_GRACE", 2*time.Hour)
	if err != nil {
		return nil, err
	}
	if cfg.OrphanGrace <= cfg.BuildTimeout {
		return nil, fmt.Errorf("PKG_ORPHAN_GRACE: значение %s должно быть больше PKG_BUILD_TIMEOUT (%s)",
			cfg.OrphanGrace, cfg.BuildTimeout)
	}

	cfg.EventLog, err = getEnvBool("PKG_EVENT_LOG", true)
	if err != nil {
		return nil, fmt.Errorf("PKG_EVENT_LOG: %w", err)
	}

	cfg.TLSCert = getEnvDefault("PKG_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("PKG_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, errors.New("PKG_TLS_CERT и PKG_TLS_KEY задаются только вместе")
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PKG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PKG_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("PKG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PKG_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvPositiveDuration("PKG_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvPositiveInt64 возвращает положительное int64 значение переменной
// окружения или значение по умолчанию.
func getEnvPositiveInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректное целое число: %q", key, val)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным, получено %d", key, n)
	}
	return n, nil
}

// getEnvPositiveDuration возвращает положительный time.Duration из переменной
// окружения или значение по умолчанию.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", key, val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: длительность должна быть положительной, получено %s", key, d)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
