package metastore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/packager/internal/domain/model"
	"github.com/bigkaa/goartstore/packager/internal/storage/recordfile"
)

// testLogger возвращает логгер для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// testRecord создаёт тестовую запись с заданным id и временем создания.
func testRecord(id string, createdAt time.Time) *model.PackageRecord {
	rec := model.NewPackageRecord(id, createdAt)
	rec.ArtifactFilename = "setup.intunewin"
	rec.ArtifactPath = "/data/packages/" + id + "/output/setup.intunewin"
	rec.EntryFileName = "setup.exe"
	rec.SourceFiles = []model.SourceFile{{Name: "setup.exe", SizeBytes: 10}}
	rec.TotalUploadBytes = 10
	return rec
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertGet(t *testing.T) {
	s := openStore(t, t.TempDir())

	rec := testRecord("aa", time.Now())
	require.NoError(t, s.Insert(rec))

	got, ok := s.Get("aa")
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.ArtifactPath, got.ArtifactPath)
	assert.Equal(t, 1, s.Count())

	// Файл записи появился на диске до возврата из Insert
	_, err := os.Stat(recordfile.Path(s.Dir(), "aa"))
	assert.NoError(t, err)
}

func TestInsert_Duplicate(t *testing.T) {
	s := openStore(t, t.TempDir())

	require.NoError(t, s.Insert(testRecord("aa", time.Now())))
	err := s.Insert(testRecord("aa", time.Now()))
	assert.True(t, errors.Is(err, ErrDuplicateID), "ожидалась ErrDuplicateID, получено %v", err)
	assert.Equal(t, 1, s.Count())
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Insert(testRecord("aa", time.Now())))

	got, _ := s.Get("aa")
	got.ArtifactFilename = "changed"
	got.SourceFiles[0].Name = "changed"

	again, _ := s.Get("aa")
	assert.Equal(t, "setup.intunewin", again.ArtifactFilename)
	assert.Equal(t, "setup.exe", again.SourceFiles[0].Name)
}

func TestDelete(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Insert(testRecord("aa", time.Now())))

	deleted, err := s.Delete("aa")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok := s.Get("aa")
	assert.False(t, ok, "Get после Delete должен вернуть absent")

	_, err = os.Stat(recordfile.Path(s.Dir(), "aa"))
	assert.True(t, os.IsNotExist(err), "файл записи должен быть удалён")

	// Повторное удаление не ошибка
	deleted, err = s.Delete("aa")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestList_SortedByCreatedAt(t *testing.T) {
	s := openStore(t, t.TempDir())
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(testRecord("cc", base.Add(2*time.Minute))))
	require.NoError(t, s.Insert(testRecord("aa", base)))
	require.NoError(t, s.Insert(testRecord("bb", base.Add(time.Minute))))

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"aa", "bb", "cc"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

// TestReopen_Persistence проверяет, что записи переживают перезапуск.
func TestReopen_Persistence(t *testing.T) {
	dir := t.TempDir()
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Insert(testRecord("aa", created)))
	require.NoError(t, s.Insert(testRecord("bb", created)))
	_, err = s.Delete("bb")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Остаток прерванной записи и битый файл
	require.NoError(t, os.WriteFile(recordfile.Path(dir, "zz")+".0000.tmp", []byte("{"), 0o640))
	require.NoError(t, os.WriteFile(recordfile.Path(dir, "broken"), []byte("{"), 0o640))

	s2 := openStore(t, dir)
	assert.Equal(t, 1, s2.Count())

	got, ok := s2.Get("aa")
	require.True(t, ok)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Equal(t, model.RetentionWindow, got.ExpiresAt.Sub(got.CreatedAt))

	_, err = os.Stat(recordfile.Path(dir, "zz") + ".0000.tmp")
	assert.True(t, os.IsNotExist(err), "temp файл должен быть удалён при открытии")
}

// TestOpen_Locked проверяет, что второе открытие того же хранилища отвергается.
func TestOpen_Locked(t *testing.T) {
	dir := t.TempDir()
	_ = openStore(t, dir)

	_, err := Open(dir, testLogger())
	assert.True(t, errors.Is(err, ErrLocked), "ожидалась ErrLocked, получено %v", err)
}

func TestClosed(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Insert(testRecord("aa", time.Now())), ErrClosed)

	// После Close хранилище можно открыть снова
	s2, err := Open(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

// TestConcurrentAccess проверяет конкурентные Insert/Get/Delete/List.
func TestConcurrentAccess(t *testing.T) {
	s := openStore(t, t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("id%02d", n)
			if err := s.Insert(testRecord(id, time.Now())); err != nil {
				t.Errorf("Insert %s: %v", id, err)
				return
			}
			if _, ok := s.Get(id); !ok {
				t.Errorf("Get %s: запись не найдена после Insert", id)
			}
			_ = s.List()
			if n%2 == 0 {
				if _, err := s.Delete(id); err != nil {
					t.Errorf("Delete %s: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, s.Count())

	// Состояние на диске совпадает с индексом
	scan, err := recordfile.ScanDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, scan.Records, 16)
	assert.Empty(t, scan.Invalid)
}
