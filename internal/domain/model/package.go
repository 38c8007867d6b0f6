// Пакет model — доменные модели packager.
// PackageRecord — единая структура записи пакета, используется
// как in-memory представление и как формат {id}.pkg.json на диске.
package model

import (
	"time"
)

// RetentionWindow — фиксированный срок жизни пакета.
// ExpiresAt = CreatedAt + RetentionWindow, задаётся при создании и не меняется.
const RetentionWindow = 24 * time.Hour

// SourceFile — элемент манифеста загруженных файлов.
type SourceFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// PackageRecord — запись пакета в Metadata Store.
// Поле ArtifactPath не входит в API-ответ, но сохраняется в файле записи
// для привязки к физическому артефакту на диске.
type PackageRecord struct {
	// ID — 128-битный случайный токен в hex (32 символа)
	ID string `json:"id"`

	// CreatedAt — момент создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt — CreatedAt + RetentionWindow
	ExpiresAt time.Time `json:"expires_at"`

	// ArtifactFilename — имя файла артефакта (base name)
	ArtifactFilename string `json:"artifact_filename"`

	// ArtifactPath — абсолютный путь к артефакту.
	// Не возвращается в API.
	ArtifactPath string `json:"artifact_path"`

	// EntryFileName — объявленный вызывающей стороной entry file
	EntryFileName string `json:"entry_file_name"`

	// SourceFiles — манифест загруженных файлов в порядке загрузки
	SourceFiles []SourceFile `json:"source_files"`

	// TotalUploadBytes — сумма размеров SourceFiles
	TotalUploadBytes int64 `json:"total_upload_bytes"`

	// ArtifactSizeBytes — размер артефакта. nil в degraded mode.
	ArtifactSizeBytes *int64 `json:"artifact_size_bytes,omitempty"`

	// ArtifactChecksum — SHA-256 артефакта (используется как ETag)
	ArtifactChecksum string `json:"artifact_checksum,omitempty"`

	// Degraded — артефакт является заглушкой, инструмент упаковки недоступен
	Degraded bool `json:"degraded"`
}

// NewPackageRecord создаёт запись с фиксированным окном хранения.
func NewPackageRecord(id string, createdAt time.Time) *PackageRecord {
	createdAt = createdAt.UTC()
	return &PackageRecord{
		ID:        id,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(RetentionWindow),
	}
}

// IsExpired проверяет, истёк ли срок хранения пакета (now > ExpiresAt).
func (r *PackageRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// FileCount возвращает количество файлов в манифесте.
func (r *PackageRecord) FileCount() int {
	return len(r.SourceFiles)
}

// Clone возвращает глубокую копию записи.
func (r *PackageRecord) Clone() *PackageRecord {
	copied := *r
	if r.SourceFiles != nil {
		copied.SourceFiles = make([]SourceFile, len(r.SourceFiles))
		copy(copied.SourceFiles, r.SourceFiles)
	}
	if r.ArtifactSizeBytes != nil {
		size := *r.ArtifactSizeBytes
		copied.ArtifactSizeBytes = &size
	}
	return &copied
}
