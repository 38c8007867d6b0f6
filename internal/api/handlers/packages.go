// packages.go — HTTP handlers пакетов: создание, скачивание, метаданные.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/packager/internal/api/errors"
	"github.com/bigkaa/goartstore/packager/internal/domain/model"
	"github.com/bigkaa/goartstore/packager/internal/service"
)

// Имена полей multipart-формы.
const (
	fieldFiles     = "files"
	fieldSetupFile = "setupFile"
	fieldEntryFile = "entryFile"
)

// PackageIngestor — приём набора файлов и сборка пакета.
type PackageIngestor interface {
	Ingest(ctx context.Context, req service.IngestRequest) (*model.PackageRecord, error)
}

// PackageGate — доступ к собранным пакетам.
type PackageGate interface {
	Info(id string) (*model.PackageRecord, error)
	Open(id string) (*os.File, *service.Artifact, error)
	Downloaded(id, clientIP string)
}

// UploadLimits — ограничения тела запроса на создание пакета.
type UploadLimits struct {
	// MaxUploadSize — максимальный размер тела запроса
	MaxUploadSize int64
	// MultipartMemory — объём multipart-данных в памяти, остальное во временных файлах
	MultipartMemory int64
}

// PackagesHandler — обработчик endpoints пакетов.
type PackagesHandler struct {
	ingestor PackageIngestor
	gate     PackageGate
	limits   UploadLimits
	logger   *slog.Logger
}

// NewPackagesHandler создаёт обработчик endpoints пакетов.
func NewPackagesHandler(ingestor PackageIngestor, gate PackageGate, limits UploadLimits, logger *slog.Logger) *PackagesHandler {
	return &PackagesHandler{
		ingestor: ingestor,
		gate:     gate,
		limits:   limits,
		logger:   logger.With(slog.String("component", "packages_handler")),
	}
}

// createResponse — ответ на создание пакета.
type createResponse struct {
	DownloadURL string `json:"downloadUrl"`
	PackageID   string `json:"packageId"`
	Message     string `json:"message"`
}

// sourceFileResponse — элемент манифеста в API.
type sourceFileResponse struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
}

// packageResponse — запись пакета в API. Путь к артефакту не раскрывается.
type packageResponse struct {
	ID                string               `json:"id"`
	CreatedAt         time.Time            `json:"createdAt"`
	ExpiresAt         time.Time            `json:"expiresAt"`
	ArtifactFilename  string               `json:"artifactFilename"`
	EntryFileName     string               `json:"entryFileName"`
	SourceFiles       []sourceFileResponse `json:"sourceFiles"`
	FileCount         int                  `json:"fileCount"`
	TotalUploadBytes  int64                `json:"totalUploadBytes"`
	ArtifactSizeBytes *int64               `json:"artifactSizeBytes,omitempty"`
	ArtifactChecksum  string               `json:"artifactChecksum,omitempty"`
	Degraded          bool                 `json:"degraded"`
}

// CreatePackage обрабатывает POST /api/package.
// Multipart form: files (один или несколько), setupFile (или entryFile).
func (h *PackagesHandler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxUploadSize)

	if err := r.ParseMultipartForm(h.limits.MultipartMemory); err != nil {
		if isBodyTooLarge(err) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Размер запроса превышает максимум %d байт", h.limits.MaxUploadSize))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File[fieldFiles]
	entry := formValue(r.MultipartForm, fieldSetupFile)
	if entry == "" {
		entry = formValue(r.MultipartForm, fieldEntryFile)
	}

	uploaded := make([]service.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			closeAll(uploaded)
			apierrors.InternalError(w, "Ошибка чтения загруженного файла")
			return
		}
		uploaded = append(uploaded, service.UploadedFile{
			Name:   fh.Filename,
			Size:   fh.Size,
			Reader: f,
		})
	}
	defer closeAll(uploaded)

	rec, err := h.ingestor.Ingest(r.Context(), service.IngestRequest{
		Files:     uploaded,
		EntryFile: entry,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if apierrors.StatusOf(service.KindOf(err)) >= http.StatusInternalServerError {
			h.logger.Error("Ошибка создания пакета",
				slog.String("kind", string(service.KindOf(err))),
				slog.String("error", err.Error()),
			)
		}
		apierrors.WriteServiceError(w, err)
		return
	}

	message := "Пакет создан"
	if rec.Degraded {
		message = "Пакет создан (демо-режим: инструмент упаковки не найден)"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(createResponse{
		DownloadURL: "/api/download/" + rec.ID,
		PackageID:   rec.ID,
		Message:     message,
	})
}

// DownloadPackage обрабатывает GET /api/download/{id}.
// Поддерживает Range requests (206) и ETag (If-None-Match → 304).
func (h *PackagesHandler) DownloadPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	f, art, err := h.gate.Open(id)
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	if art.Checksum != "" {
		w.Header().Set("ETag", fmt.Sprintf("\"%s\"", art.Checksum))
	}
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, art.Filename, art.ModTime, f)

	h.gate.Downloaded(id, clientIP(r))
}

// GetPackage обрабатывает GET /api/package/{id}.
func (h *PackagesHandler) GetPackage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.gate.Info(chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(recordToResponse(rec))
}

// recordToResponse преобразует запись пакета в API-формат.
func recordToResponse(rec *model.PackageRecord) packageResponse {
	files := make([]sourceFileResponse, 0, len(rec.SourceFiles))
	for _, f := range rec.SourceFiles {
		files = append(files, sourceFileResponse{Name: f.Name, SizeBytes: f.SizeBytes})
	}
	return packageResponse{
		ID:                rec.ID,
		CreatedAt:         rec.CreatedAt,
		ExpiresAt:         rec.ExpiresAt,
		ArtifactFilename:  rec.ArtifactFilename,
		EntryFileName:     rec.EntryFileName,
		SourceFiles:       files,
		FileCount:         rec.FileCount(),
		TotalUploadBytes:  rec.TotalUploadBytes,
		ArtifactSizeBytes: rec.ArtifactSizeBytes,
		ArtifactChecksum:  rec.ArtifactChecksum,
		Degraded:          rec.Degraded,
	}
}

// isBodyTooLarge проверяет, что чтение тела упёрлось в MaxBytesReader.
func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	// mime/multipart не всегда оборачивает причину через %w
	return strings.Contains(err.Error(), "request body too large")
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func closeAll(files []service.UploadedFile) {
	for _, f := range files {
		if c, ok := f.Reader.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// clientIP возвращает адрес клиента. RemoteAddr уже переписан
// middleware.RealIP, если запрос пришёл через прокси.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
