package packager

import (
	"fmt"
	"strings"
	"time"
)

// FailureKind — класс неуспешного запуска инструмента.
type FailureKind string

const (
	// FailureNone — запуск успешен
	FailureNone FailureKind = ""
	// FailureNotRunnable — инструмент не найден или не исполняемый
	FailureNotRunnable FailureKind = "tool_not_runnable"
	// FailureAccessDenied — нет доступа к инструменту или исходным файлам
	FailureAccessDenied FailureKind = "access_denied"
	// FailureInputMissing — инструмент не нашёл entry file
	FailureInputMissing FailureKind = "input_missing"
	// FailureTimeout — превышено время сборки
	FailureTimeout FailureKind = "timeout"
	// FailureOther — прочая ошибка, диагностика передаётся как есть
	FailureOther FailureKind = "other"
)

// maxDiagnosticLength — максимальная длина диагностики в сообщении об ошибке.
const maxDiagnosticLength = 2048

var (
	notRunnablePatterns = []string{
		"is not recognized",
		"command not found",
		"executable file not found",
		"exec format error",
	}
	accessDeniedPatterns = []string{
		"access is denied",
		"permission denied",
	}
	inputMissingPatterns = []string{
		"cannot find the file",
		"input file not found",
		"no such file",
	}
)

// Classification — результат классификации неуспешного запуска.
type Classification struct {
	Kind FailureKind
	// Message — человекочитаемое описание для вызывающей стороны
	Message string
}

// Classify классифицирует результат запуска. entryFile используется
// в сообщении для FailureInputMissing.
func Classify(res *Result, entryFile string) Classification {
	if res.Succeeded() {
		return Classification{Kind: FailureNone}
	}
	if res.TimedOut {
		return Classification{
			Kind:    FailureTimeout,
			Message: fmt.Sprintf("инструмент упаковки не завершился за отведённое время (%s)", res.Duration.Round(time.Millisecond)),
		}
	}

	diag := diagnostic(res)
	lower := strings.ToLower(diag)

	switch {
	case containsAny(lower, notRunnablePatterns):
		return Classification{Kind: FailureNotRunnable, Message: "инструмент упаковки не найден или не исполняемый"}
	case containsAny(lower, accessDeniedPatterns):
		return Classification{Kind: FailureAccessDenied, Message: "нет доступа к инструменту упаковки или исходным файлам"}
	case containsAny(lower, inputMissingPatterns):
		return Classification{Kind: FailureInputMissing, Message: fmt.Sprintf("entry file %q не найден в директории исходников", entryFile)}
	}

	return Classification{Kind: FailureOther, Message: truncate(diag, maxDiagnosticLength)}
}

// diagnostic выбирает диагностику: stderr, иначе stdout, иначе причина
// завершения.
func diagnostic(res *Result) string {
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(res.Stdout); s != "" {
		return s
	}
	if res.StartErr != nil {
		return res.StartErr.Error()
	}
	return fmt.Sprintf("инструмент завершился с кодом %d", res.ExitCode)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "…"
}
