// Пакет wal — файловый журнал незавершённых операций с пакетами.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в {dataDir}/wal.
// Файл существует, пока операция выполняется: Commit и Rollback его
// удаляют. Всё, что лежит в журнале при старте, — операции, прерванные
// остановкой процесса.
package wal

import (
	"strings"
	"time"
)

// OperationType — тип операции, записываемой в журнал.
type OperationType string

const (
	// OpPackageBuild — приём файлов и сборка пакета
	OpPackageBuild OperationType = "package_build"
	// OpPackageExpire — удаление пакета с истёкшим сроком хранения
	OpPackageExpire OperationType = "package_expire"
)

// Entry — запись журнала. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	// TransactionID — уникальный идентификатор транзакции (UUID v4)
	TransactionID string `json:"transaction_id"`

	// Operation — тип операции
	Operation OperationType `json:"operation"`

	// PackageID — идентификатор пакета
	PackageID string `json:"package_id"`

	// StartedAt — время начала транзакции (UTC)
	StartedAt time.Time `json:"started_at"`
}

const fileSuffix = ".wal.json"

// walFileName возвращает имя файла журнала для данной транзакции.
func walFileName(txID string) string {
	return txID + fileSuffix
}

func txIDFromFileName(name string) string {
	return strings.TrimSuffix(name, fileSuffix)
}
