package events

import (
	"log/slog"
)

// LogSink пишет события в структурированный лог.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink создаёт LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "events"))}
}

// Emit реализует Sink.
func (s *LogSink) Emit(e Event) {
	attrs := []any{
		slog.String("event", string(e.Type)),
		slog.String("package_id", e.PackageID),
	}

	switch e.Type {
	case PackageCreated:
		if e.Record != nil {
			attrs = append(attrs,
				slog.String("artifact", e.Record.ArtifactFilename),
				slog.Int("file_count", e.Record.FileCount()),
				slog.Int64("total_upload_bytes", e.Record.TotalUploadBytes),
				slog.Bool("degraded", e.Record.Degraded),
			)
		}
		attrs = append(attrs, slog.Duration("duration", e.Duration))
		s.logger.Info("Пакет создан", attrs...)

	case PackageFailed:
		attrs = append(attrs,
			slog.String("error_kind", e.ErrorKind),
			slog.String("stage", e.Stage),
			slog.String("error", e.Message),
			slog.Duration("duration", e.Duration),
		)
		s.logger.Warn("Сборка пакета завершилась ошибкой", attrs...)

	case PackageExpired:
		s.logger.Info("Пакет удалён по истечении срока хранения", attrs...)

	case PackageDownloaded:
		attrs = append(attrs, slog.String("client_ip", e.ClientIP))
		s.logger.Info("Пакет скачан", attrs...)

	case OrphanReclaimed:
		s.logger.Info("Удалена директория пакета без записи", attrs...)

	default:
		s.logger.Debug("Событие", attrs...)
	}
}
