// Пакет packager — запуск внешнего инструмента упаковки.
//
// Runner вызывает инструмент как подпроцесс с аргументами
// -c <source> -s <entry> -o <output> -q, ограничивает объём
// захватываемого stdout/stderr и возвращает структурированный Result.
// Классификация ошибок выполняется по Result (Classify), а не по тексту
// произвольного исключения.
package packager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ErrToolUnavailable — бинарник инструмента не найден или не исполняемый.
var ErrToolUnavailable = errors.New("инструмент упаковки недоступен")

// defaultWaitDelay — сколько ждать закрытия stdout/stderr после
// завершения процесса, прежде чем принудительно закрыть пайпы.
const defaultWaitDelay = 5 * time.Second

// Invocation — параметры одного запуска инструмента.
type Invocation struct {
	// SourceDir — директория с загруженными файлами
	SourceDir string
	// EntryFile — имя entry file относительно SourceDir
	EntryFile string
	// OutputDir — директория для артефакта
	OutputDir string
}

// Args возвращает аргументы командной строки инструмента.
func (inv Invocation) Args() []string {
	return []string{"-c", inv.SourceDir, "-s", inv.EntryFile, "-o", inv.OutputDir, "-q"}
}

// Result — результат запуска инструмента.
type Result struct {
	// ExitCode — код завершения; -1 если процесс не завершился сам
	ExitCode int
	// Stdout, Stderr — захваченный вывод (не более MaxOutputBytes на оба)
	Stdout string
	Stderr string
	// TimedOut — процесс остановлен по таймауту
	TimedOut bool
	// Truncated — вывод обрезан по лимиту
	Truncated bool
	// StartErr — процесс не удалось запустить
	StartErr error
	// Duration — длительность выполнения
	Duration time.Duration
}

// Succeeded возвращает true, если процесс завершился с кодом 0.
func (r *Result) Succeeded() bool {
	return r.StartErr == nil && !r.TimedOut && r.ExitCode == 0
}

// Runner запускает инструмент упаковки.
type Runner struct {
	toolPath       string
	maxOutputBytes int
	waitDelay      time.Duration
	logger         *slog.Logger
}

// NewRunner создаёт Runner. maxOutputBytes ограничивает суммарный
// захват stdout и stderr одного запуска.
func NewRunner(toolPath string, maxOutputBytes int64, logger *slog.Logger) *Runner {
	return &Runner{
		toolPath:       toolPath,
		maxOutputBytes: int(maxOutputBytes),
		waitDelay:      defaultWaitDelay,
		logger:         logger.With(slog.String("component", "packager")),
	}
}

// ToolPath возвращает настроенный путь к инструменту.
func (r *Runner) ToolPath() string {
	return r.toolPath
}

// Resolve возвращает абсолютный путь к исполняемому файлу инструмента.
// Возвращает ошибку, оборачивающую ErrToolUnavailable, если бинарник
// не найден или не исполняемый.
func (r *Runner) Resolve() (string, error) {
	path, err := exec.LookPath(r.toolPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToolUnavailable, r.toolPath, err)
	}
	return path, nil
}

// Available проверяет, можно ли запустить инструмент.
func (r *Runner) Available() bool {
	_, err := r.Resolve()
	return err == nil
}

// Run запускает инструмент и ждёт его завершения.
// Отмена или дедлайн ctx останавливают процесс (Result.TimedOut для
// дедлайна). Run не возвращает ошибку: все исходы отражены в Result.
func (r *Runner) Run(ctx context.Context, inv Invocation) *Result {
	start := time.Now()

	path, err := r.Resolve()
	if err != nil {
		return &Result{ExitCode: -1, StartErr: err}
	}

	budget := newOutputBudget(r.maxOutputBytes)
	stdout := budget.buffer()
	stderr := budget.buffer()

	cmd := exec.CommandContext(ctx, path, inv.Args()...)
	cmd.Dir = inv.SourceDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.waitDelay

	r.logger.Debug("Запуск инструмента упаковки",
		slog.String("tool", path),
		slog.Any("args", inv.Args()),
	)

	runErr := cmd.Run()

	res := &Result{
		ExitCode:  -1,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	classify(res, runErr, ctx.Err())
	return res
}

// classify переносит исход cmd.Run в Result. Дедлайн считается таймаутом,
// только если процесс не завершился сам: успешный запуск, закончившийся
// одновременно с истечением ctx, остаётся успешным.
func classify(res *Result, runErr, ctxErr error) {
	switch {
	case runErr == nil:
	case errors.Is(ctxErr, context.DeadlineExceeded):
		res.TimedOut = true
	case isExitError(runErr):
		// Ненулевой код завершения, ExitCode уже заполнен
	case errors.Is(runErr, exec.ErrWaitDelay) && res.ExitCode == 0:
		// Процесс завершился успешно, но дочерний процесс удерживал пайпы
	default:
		res.StartErr = runErr
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
