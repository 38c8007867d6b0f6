// Пакет service — бизнес-логика жизненного цикла пакетов.
// errors.go — классифицированные ошибки сервисного слоя.
package service

import (
	"errors"
	"fmt"
)

// Kind — класс ошибки. HTTP-слой отображает Kind в статус ответа.
type Kind string

const (
	KindValidation       Kind = "VALIDATION_ERROR"
	KindEntryFileMissing Kind = "ENTRY_FILE_MISSING"
	KindFileTooLarge     Kind = "FILE_TOO_LARGE"
	KindExternalTool     Kind = "EXTERNAL_TOOL_ERROR"
	KindAmbiguousOutput  Kind = "AMBIGUOUS_OUTPUT"
	KindNoOutput         Kind = "NO_OUTPUT"
	KindTimeout          Kind = "TIMEOUT"
	KindStorage          Kind = "STORAGE_ERROR"
	KindNotFound         Kind = "NOT_FOUND"
	KindExpired          Kind = "EXPIRED"
	KindArtifactMissing  Kind = "ARTIFACT_MISSING"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// Error — ошибка сервисного слоя с классом.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf возвращает класс ошибки; для ошибок вне сервисного слоя —
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf возвращает сообщение ошибки сервисного слоя без обёрнутой
// причины, пригодное для ответа клиенту.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Внутренняя ошибка сервера"
}
