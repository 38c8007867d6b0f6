// recover.go — восстановление после аварийного завершения.
package service

import (
	"context"
	"log/slog"

	"github.com/bigkaa/goartstore/packager/internal/storage/metastore"
	"github.com/bigkaa/goartstore/packager/internal/storage/wal"
	"github.com/bigkaa/goartstore/packager/internal/storage/workspace"
)

// RecoverResult — результат восстановления.
type RecoverResult struct {
	// Committed — сборки, успевшие сохранить запись
	Committed int
	// RolledBack — прерванные сборки, директории которых удалены
	RolledBack int
	// Expired — завершённые удаления пакетов с истёкшим сроком
	Expired int
	// Errors — транзакции, которые не удалось обработать
	Errors int
}

// Recover обрабатывает незавершённые транзакции журнала.
// Вызывается при старте до приёма запросов и до запуска очистки.
//
//   - package_build с записью в хранилище: сборка дошла до finalized,
//     транзакция коммитится, остаток source/ удаляется;
//   - package_build без записи: директория пакета удаляется,
//     транзакция откатывается;
//   - package_expire: удаление завершается (директория и запись).
func Recover(ctx context.Context, journal *wal.WAL, store *metastore.Store, ws *workspace.Workspace, logger *slog.Logger) (*RecoverResult, error) {
	logger = logger.With(slog.String("component", "recover"))

	pending, err := journal.Pending()
	if err != nil {
		return nil, err
	}

	result := &RecoverResult{}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		id := entry.PackageID
		var opErr error

		switch entry.Operation {
		case wal.OpPackageBuild:
			if _, ok := store.Get(id); ok {
				if err := ws.RemoveSource(id); err != nil {
					logger.Warn("Не удалось удалить source/ восстановленного пакета",
						slog.String("package_id", id),
						slog.String("error", err.Error()),
					)
				}
				opErr = journal.Commit(entry.TransactionID)
				if opErr == nil {
					result.Committed++
				}
				break
			}
			existed := ws.PackageExists(id)
			if opErr = ws.RemovePackage(id); opErr == nil {
				opErr = journal.Rollback(entry.TransactionID)
			}
			if opErr == nil {
				result.RolledBack++
				logger.Info("Прерванная сборка откачена",
					slog.String("tx_id", entry.TransactionID),
					slog.String("package_id", id),
					slog.Bool("dir_existed", existed),
				)
			}

		case wal.OpPackageExpire:
			if opErr = ws.RemovePackage(id); opErr == nil {
				_, opErr = store.Delete(id)
			}
			if opErr == nil {
				opErr = journal.Commit(entry.TransactionID)
			}
			if opErr == nil {
				result.Expired++
			}

		default:
			logger.Warn("Неизвестная операция в журнале, запись отменяется",
				slog.String("tx_id", entry.TransactionID),
				slog.String("operation", string(entry.Operation)),
			)
			opErr = journal.Rollback(entry.TransactionID)
		}

		if opErr != nil {
			logger.Error("Ошибка восстановления транзакции",
				slog.String("tx_id", entry.TransactionID),
				slog.String("package_id", id),
				slog.String("error", opErr.Error()),
			)
			result.Errors++
		}
	}

	if len(pending) > 0 {
		logger.Info("Восстановление завершено",
			slog.Int("committed", result.Committed),
			slog.Int("rolled_back", result.RolledBack),
			slog.Int("expired", result.Expired),
			slog.Int("errors", result.Errors),
		)
	}
	return result, nil
}
