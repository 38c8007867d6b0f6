package service

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/packager/internal/events"
	"github.com/bigkaa/goartstore/packager/internal/packager"
	"github.com/bigkaa/goartstore/packager/internal/storage/metastore"
	"github.com/bigkaa/goartstore/packager/internal/storage/wal"
	"github.com/bigkaa/goartstore/packager/internal/storage/workspace"
)

// recorder — потокобезопасный приёмник событий для тестов.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// testEnv — собранный сервисный слой поверх временной директории.
type testEnv struct {
	dataDir  string
	store    *metastore.Store
	ws       *workspace.Workspace
	journal  *wal.WAL
	builder  *Builder
	ingestor *Ingestor
	sweeper  *Sweeper
	gate     *Gate
	sink     *recorder
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeTool создаёт shell-скрипт, имитирующий инструмент упаковки.
// Аргументы скрипта: -c <source> -s <entry> -o <output> -q.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-скрипты не поддерживаются на windows")
	}
	path := filepath.Join(t.TempDir(), "IntuneWinAppUtil")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// goodTool — инструмент, создающий {entry-stem}.intunewin в output.
const goodTool = `name=$(basename "$4"); name=${name%.*}; cat "$2/$4" > "$6/$name.intunewin"`

type envOption func(*BuilderConfig)

func withBuildTimeout(d time.Duration) envOption {
	return func(c *BuilderConfig) { c.BuildTimeout = d }
}

// newTestEnv собирает окружение. toolPath == "" означает отсутствующий
// инструмент (degraded mode).
func newTestEnv(t *testing.T, toolPath string, opts ...envOption) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	logger := testLogger()

	if toolPath == "" {
		toolPath = filepath.Join(dataDir, "absent-tool")
	}

	store, err := metastore.Open(filepath.Join(dataDir, "records"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ws, err := workspace.New(filepath.Join(dataDir, "packages"))
	require.NoError(t, err)

	journal, err := wal.New(filepath.Join(dataDir, "wal"), logger)
	require.NoError(t, err)

	cfg := BuilderConfig{
		ArtifactSuffix:      ".intunewin",
		BuildTimeout:        10 * time.Second,
		MaxConcurrentBuilds: 2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sink := &recorder{}
	runner := packager.NewRunner(toolPath, 1<<20, logger)
	builder := NewBuilder(cfg, runner, store, ws, journal, sink, logger)
	ingestor := NewIngestor(IngestConfig{MaxFiles: 5, MaxFileSize: 1 << 20}, ws, journal, builder, sink, logger)
	sweeper := NewSweeper(SweeperConfig{Interval: time.Hour, OrphanGrace: 2 * time.Hour}, store, ws, journal, builder, sink, logger)
	gate := NewGate(store, sink, logger)

	return &testEnv{
		dataDir:  dataDir,
		store:    store,
		ws:       ws,
		journal:  journal,
		builder:  builder,
		ingestor: ingestor,
		sweeper:  sweeper,
		gate:     gate,
		sink:     sink,
	}
}

// files создаёт набор загружаемых файлов из пар имя → содержимое.
func files(pairs ...string) []UploadedFile {
	var out []UploadedFile
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, UploadedFile{
			Name:   pairs[i],
			Size:   int64(len(pairs[i+1])),
			Reader: strings.NewReader(pairs[i+1]),
		})
	}
	return out
}

// requireNoResidue проверяет, что после неудачной сборки на диске
// и в журнале ничего не осталось.
func (e *testEnv) requireNoResidue(t *testing.T) {
	t.Helper()
	dirs, err := e.ws.ListPackageDirs()
	require.NoError(t, err)
	require.Empty(t, dirs, "директории пакетов должны быть удалены")

	pending, err := e.journal.Pending()
	require.NoError(t, err)
	require.Empty(t, pending, "в журнале не должно остаться транзакций")

	require.Equal(t, 0, e.store.Count(), "записей быть не должно")
}
