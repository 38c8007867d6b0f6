package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "wal"), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания WAL: %v", err)
	}
	return w
}

// TestNew_CreatesDirectory проверяет, что New создаёт директорию журнала.
func TestNew_CreatesDirectory(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "wal")

	w, err := New(walDir, testLogger())
	if err != nil {
		t.Fatalf("ожидалось успешное создание WAL, получена ошибка: %v", err)
	}
	if w.Dir() != walDir {
		t.Errorf("ожидался путь %s, получен %s", walDir, w.Dir())
	}

	info, err := os.Stat(walDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("директория WAL не создана: %v", err)
	}
}

// TestNew_ReadOnlyDir проверяет ошибку при недоступной для записи директории.
func TestNew_ReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root игнорирует права на директорию")
	}
	walDir := filepath.Join(t.TempDir(), "wal")
	if err := os.MkdirAll(walDir, 0o550); err != nil {
		t.Fatalf("не удалось создать директорию: %v", err)
	}

	if _, err := New(walDir, testLogger()); err == nil {
		t.Fatal("ожидалась ошибка при недоступной для записи директории")
	}
}

// TestStartTransaction проверяет создание новой транзакции.
func TestStartTransaction(t *testing.T) {
	w := newTestWAL(t)
	fixed := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	entry, err := w.StartTransaction(OpPackageBuild, "pkg-1")
	if err != nil {
		t.Fatalf("ошибка создания транзакции: %v", err)
	}

	if entry.TransactionID == "" {
		t.Error("TransactionID не должен быть пустым")
	}
	if entry.Operation != OpPackageBuild || entry.PackageID != "pkg-1" {
		t.Errorf("неожиданная запись: %+v", entry)
	}
	if !entry.StartedAt.Equal(fixed) {
		t.Errorf("StartedAt: ожидалось %v, получено %v", fixed, entry.StartedAt)
	}

	got, err := w.transaction(entry.TransactionID)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if got.PackageID != "pkg-1" {
		t.Errorf("PackageID: ожидалось pkg-1, получено %q", got.PackageID)
	}
}

// TestCommit проверяет, что завершённая транзакция исчезает из журнала.
func TestCommit(t *testing.T) {
	w := newTestWAL(t)

	entry, err := w.StartTransaction(OpPackageBuild, "pkg-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(entry.TransactionID); err != nil {
		t.Fatalf("ошибка коммита: %v", err)
	}

	if _, err := w.transaction(entry.TransactionID); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("ожидалась ErrTxNotFound после Commit, получено %v", err)
	}
	if err := w.Commit(entry.TransactionID); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("повторный Commit: ожидалась ErrTxNotFound, получено %v", err)
	}
}

func TestRollback(t *testing.T) {
	w := newTestWAL(t)

	entry, err := w.StartTransaction(OpPackageBuild, "pkg-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Rollback(entry.TransactionID); err != nil {
		t.Fatalf("ошибка отката: %v", err)
	}

	pending, err := w.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("после Rollback ожидалось 0 незавершённых, получено %d", len(pending))
	}
	if err := w.Rollback(entry.TransactionID); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("повторный Rollback: ожидалась ErrTxNotFound, получено %v", err)
	}
}

// TestPending проверяет восстановление незавершённых транзакций
// новым экземпляром журнала (имитация рестарта).
func TestPending(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, err := New(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	step := 0
	w.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	e1, _ := w.StartTransaction(OpPackageBuild, "pkg-1")
	e2, _ := w.StartTransaction(OpPackageExpire, "pkg-2")
	e3, _ := w.StartTransaction(OpPackageBuild, "pkg-3")
	if err := w.Commit(e2.TransactionID); err != nil {
		t.Fatal(err)
	}

	// Мусор: temp файл и повреждённая запись
	if err := os.WriteFile(filepath.Join(dir, "x.wal.json.tmp"), []byte("{"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.wal.json"), []byte("{"), 0o640); err != nil {
		t.Fatal(err)
	}

	w2, err := New(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	pending, err := w2.Pending()
	if err != nil {
		t.Fatalf("ошибка Pending: %v", err)
	}

	if len(pending) != 2 {
		t.Fatalf("ожидалось 2 незавершённых транзакции, получено %d", len(pending))
	}
	if pending[0].TransactionID != e1.TransactionID || pending[1].TransactionID != e3.TransactionID {
		t.Errorf("неожиданный порядок: %s, %s", pending[0].PackageID, pending[1].PackageID)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("мусорные файлы должны быть удалены, осталось %d файлов", len(entries))
	}
}

// TestAtomicWrite проверяет отсутствие temp файлов после записи.
func TestAtomicWrite(t *testing.T) {
	w := newTestWAL(t)
	if _, err := w.StartTransaction(OpPackageBuild, "pkg-1"); err != nil {
		t.Fatal(err)
	}

	tmpFiles, _ := filepath.Glob(filepath.Join(w.Dir(), "*.tmp"))
	if len(tmpFiles) != 0 {
		t.Errorf("найдены temp файлы: %v", tmpFiles)
	}
}

// TestConcurrentAccess проверяет конкурентные транзакции.
func TestConcurrentAccess(t *testing.T) {
	w := newTestWAL(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			entry, err := w.StartTransaction(OpPackageBuild, fmt.Sprintf("pkg-%d", n))
			if err != nil {
				t.Errorf("StartTransaction: %v", err)
				return
			}
			if n%2 == 0 {
				err = w.Commit(entry.TransactionID)
			} else {
				err = w.Rollback(entry.TransactionID)
			}
			if err != nil {
				t.Errorf("завершение транзакции: %v", err)
			}
		}(i)
	}
	wg.Wait()

	pending, err := w.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("ожидалось 0 незавершённых, получено %d", len(pending))
	}
}
