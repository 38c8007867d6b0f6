// Пакет errors — конструкторы ошибок HTTP API packager.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/goartstore/packager/internal/service"
)

// Коды ошибок транспортного уровня. Коды сервисного слоя совпадают
// со значениями service.Kind.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeExpired         = "EXPIRED"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeInternalError   = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// StatusOf возвращает HTTP статус для класса ошибки сервисного слоя.
func StatusOf(kind service.Kind) int {
	switch kind {
	case service.KindValidation, service.KindEntryFileMissing:
		return http.StatusBadRequest
	case service.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case service.KindNotFound, service.KindArtifactMissing:
		return http.StatusNotFound
	case service.KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError отображает ошибку сервисного слоя в ответ.
// Причина (обёрнутая ошибка) клиенту не передаётся.
func WriteServiceError(w http.ResponseWriter, err error) {
	kind := service.KindOf(err)
	WriteError(w, StatusOf(kind), string(kind), service.MessageOf(err))
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// FileTooLarge — 413 тело запроса или файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
