// Точка входа packager — сервиса сборки пакетов .intunewin
// с ограниченным сроком хранения.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bigkaa/goartstore/packager/internal/api/handlers"
	"github.com/bigkaa/goartstore/packager/internal/config"
	"github.com/bigkaa/goartstore/packager/internal/events"
	"github.com/bigkaa/goartstore/packager/internal/packager"
	"github.com/bigkaa/goartstore/packager/internal/server"
	"github.com/bigkaa/goartstore/packager/internal/service"
	"github.com/bigkaa/goartstore/packager/internal/storage/metastore"
	"github.com/bigkaa/goartstore/packager/internal/storage/wal"
	"github.com/bigkaa/goartstore/packager/internal/storage/workspace"
)

func main() {
	var envFile string
	var showVersion bool

	flagSet := pflag.NewFlagSet("packager", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "путь к .env файлу (по умолчанию ./.env, если существует)")
	flagSet.BoolVar(&showVersion, "version", false, "вывести версию и выйти")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "Ошибка аргументов: %v\n", err)
		os.Exit(2)
	}

	if showVersion {
		fmt.Println("packager", config.Version)
		return
	}

	if err := config.LoadEnvFile(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

// run инициализирует компоненты, запускает сервер и дожидается его остановки.
// Ошибки логируются здесь же.
func run(cfg *config.Config) error {
	logger := config.SetupLogger(cfg)
	logger.Info("packager запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.String("tool_path", cfg.ToolPath),
	)

	fail := func(msg string, err error) error {
		logger.Error(msg, slog.String("error", err.Error()))
		return err
	}

	// --- Инициализация компонентов ---

	// 1. Metadata Store
	store, err := metastore.Open(cfg.RecordsDir(), logger)
	if err != nil {
		return fail("Ошибка открытия хранилища записей", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Ошибка закрытия хранилища записей", slog.String("error", err.Error()))
		}
	}()

	// 2. Рабочая директория пакетов
	ws, err := workspace.New(cfg.PackagesDir())
	if err != nil {
		return fail("Ошибка инициализации директории пакетов", err)
	}

	// 3. Журнал сборок
	journal, err := wal.New(cfg.WALDir(), logger)
	if err != nil {
		return fail("Ошибка инициализации WAL", err)
	}

	logger.Info("Хранилище инициализировано",
		slog.String("records_dir", store.Dir()),
		slog.String("packages_dir", ws.Root()),
		slog.String("wal_dir", journal.Dir()),
	)

	// 4. Восстановление прерванных операций до приёма запросов
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovered, err := service.Recover(ctx, journal, store, ws, logger)
	if err != nil {
		return fail("Ошибка восстановления WAL", err)
	}
	if recovered.Committed+recovered.RolledBack+recovered.Expired+recovered.Errors > 0 {
		logger.Warn("Обработаны незавершённые транзакции",
			slog.Int("committed", recovered.Committed),
			slog.Int("rolled_back", recovered.RolledBack),
			slog.Int("expired", recovered.Expired),
			slog.Int("errors", recovered.Errors),
		)
	}

	// 5. Приёмники событий
	sinks := events.Multi{events.NewLogSink(logger), events.NewMetricsSink()}
	if cfg.EventLog {
		audit, err := events.NewAuditLog(cfg.LogsDir(), logger)
		if err != nil {
			return fail("Ошибка инициализации журнала событий", err)
		}
		sinks = append(sinks, audit)
	}

	// 6. Инструмент упаковки
	runner := packager.NewRunner(cfg.ToolPath, cfg.MaxOutputBytes, logger)
	if resolved, err := runner.Resolve(); err != nil {
		logger.Warn("Инструмент упаковки не найден, пакеты будут собираться в демо-режиме",
			slog.String("tool_path", runner.ToolPath()),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("Инструмент упаковки найден", slog.String("path", resolved))
	}

	// 7. Сервисы
	builder := service.NewBuilder(service.BuilderConfig{
		ArtifactSuffix:      cfg.ArtifactSuffix,
		BuildTimeout:        cfg.BuildTimeout,
		MaxConcurrentBuilds: int64(cfg.MaxConcurrentBuilds),
	}, runner, store, ws, journal, sinks, logger)

	ingestor := service.NewIngestor(service.IngestConfig{
		MaxFiles:    cfg.MaxFiles,
		MaxFileSize: cfg.MaxFileSize,
	}, ws, journal, builder, sinks, logger)

	gate := service.NewGate(store, sinks, logger)

	// 8. Фоновая очистка
	sweeper := service.NewSweeper(service.SweeperConfig{
		Interval:    cfg.SweepInterval,
		OrphanGrace: cfg.OrphanGrace,
	}, store, ws, journal, builder, sinks, logger)
	sweeper.Start(ctx)

	// 9. Handlers и HTTP-сервер
	packagesHandler := handlers.NewPackagesHandler(ingestor, gate, handlers.UploadLimits{
		MaxUploadSize:   cfg.MaxUploadSize,
		MultipartMemory: cfg.MultipartMemory,
	}, logger)
	healthHandler := handlers.NewHealthHandler(cfg.DataDir, store, diskUsageFn(cfg.DataDir))

	router := server.NewRouter(logger, packagesHandler, healthHandler)
	srv := server.New(cfg, logger, router)

	runErr := srv.Run(ctx)
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	sweeper.Stop()

	logger.Info("packager остановлен")
	return runErr
}

// diskUsageFn возвращает функцию для получения информации об ёмкости диска.
func diskUsageFn(dataDir string) handlers.DiskUsageFunc {
	return func() (int64, int64, int64, error) {
		return getDiskUsage(dataDir)
	}
}
