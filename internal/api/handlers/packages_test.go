package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/packager/internal/domain/model"
	"github.com/bigkaa/goartstore/packager/internal/service"
)

// fakeIngestor запоминает запрос и возвращает заданный результат.
type fakeIngestor struct {
	got      service.IngestRequest
	contents map[string]string
	rec      *model.PackageRecord
	err      error
}

func (f *fakeIngestor) Ingest(_ context.Context, req service.IngestRequest) (*model.PackageRecord, error) {
	f.got = req
	f.contents = make(map[string]string)
	for _, uf := range req.Files {
		data, err := io.ReadAll(uf.Reader)
		if err != nil {
			return nil, err
		}
		f.contents[uf.Name] = string(data)
	}
	return f.rec, f.err
}

// fakeGate отдаёт записи и артефакты из памяти и временной директории.
type fakeGate struct {
	records    map[string]*model.PackageRecord
	artifacts  map[string]*service.Artifact
	errs       map[string]error
	downloaded []string
}

func (g *fakeGate) Info(id string) (*model.PackageRecord, error) {
	if err, ok := g.errs[id]; ok {
		return nil, err
	}
	rec, ok := g.records[id]
	if !ok {
		return nil, &service.Error{Kind: service.KindNotFound, Message: "Пакет " + id + " не найден"}
	}
	return rec, nil
}

func (g *fakeGate) Open(id string) (*os.File, *service.Artifact, error) {
	if err, ok := g.errs[id]; ok {
		return nil, nil, err
	}
	art, ok := g.artifacts[id]
	if !ok {
		return nil, nil, &service.Error{Kind: service.KindNotFound, Message: "Пакет " + id + " не найден"}
	}
	f, err := os.Open(art.Path)
	if err != nil {
		return nil, nil, err
	}
	return f, art, nil
}

func (g *fakeGate) Downloaded(id, _ string) {
	g.downloaded = append(g.downloaded, id)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(h *PackagesHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/package", h.CreatePackage)
	r.Get("/api/download/{id}", h.DownloadPackage)
	r.Get("/api/package/{id}", h.GetPackage)
	return r
}

func defaultLimits() UploadLimits {
	return UploadLimits{MaxUploadSize: 1 << 20, MultipartMemory: 1 << 10}
}

// multipartBody собирает multipart-запрос из пар имя → содержимое
// и дополнительных полей формы.
func multipartBody(t *testing.T, fields map[string]string, files ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i := 0; i+1 < len(files); i += 2 {
		part, err := mw.CreateFormFile("files", files[i])
		require.NoError(t, err)
		_, err = part.Write([]byte(files[i+1]))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// decodeError разбирает тело ответа ошибки.
func decodeError(t *testing.T, body io.Reader) (code, message string) {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp.Error.Code, resp.Error.Message
}

func TestCreatePackage_Success(t *testing.T) {
	ing := &fakeIngestor{rec: &model.PackageRecord{ID: "abc123"}}
	h := NewPackagesHandler(ing, &fakeGate{}, defaultLimits(), testLogger())

	body, ct := multipartBody(t, map[string]string{"setupFile": "setup.msi"},
		"setup.msi", "MSI", "readme.txt", "hello")
	req := httptest.NewRequest(http.MethodPost, "/api/package", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "10.0.0.7:51234"
	rec := httptest.NewRecorder()

	newRouter(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp createResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "abc123", resp.PackageID)
	assert.Equal(t, "/api/download/abc123", resp.DownloadURL)
	assert.NotContains(t, resp.Message, "демо")

	assert.Equal(t, "setup.msi", ing.got.EntryFile)
	assert.Equal(t, "10.0.0.7", ing.got.ClientIP)
	assert.Equal(t, "test-agent", ing.got.UserAgent)
	require.Len(t, ing.got.Files, 2)
	assert.Equal(t, "setup.msi", ing.got.Files[0].Name)
	assert.Equal(t, int64(3), ing.got.Files[0].Size)
	assert.Equal(t, "hello", ing.contents["readme.txt"])
}

func TestCreatePackage_EntryFileAliasAndDegraded(t *testing.T) {
	ing := &fakeIngestor{rec: &model.PackageRecord{ID: "d1", Degraded: true}}
	h := NewPackagesHandler(ing, &fakeGate{}, defaultLimits(), testLogger())

	body, ct := multipartBody(t, map[string]string{"entryFile": " setup.exe "}, "setup.exe", "EXE")
	req := httptest.NewRequest(http.MethodPost, "/api/package", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	newRouter(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "setup.exe", ing.got.EntryFile)
	var resp createResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.Message, "демо-режим")
}

func TestCreatePackage_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &service.Error{Kind: service.KindValidation, Message: "Не указан entry file"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"entry missing", &service.Error{Kind: service.KindEntryFileMissing, Message: "нет"}, http.StatusBadRequest, "ENTRY_FILE_MISSING"},
		{"too large", &service.Error{Kind: service.KindFileTooLarge, Message: "большой"}, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
		{"tool", &service.Error{Kind: service.KindExternalTool, Message: "сбой"}, http.StatusInternalServerError, "EXTERNAL_TOOL_ERROR"},
		{"timeout", &service.Error{Kind: service.KindTimeout, Message: "таймаут"}, http.StatusInternalServerError, "TIMEOUT"},
		{"plain error", io.ErrUnexpectedEOF, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPackagesHandler(&fakeIngestor{err: tt.err}, &fakeGate{}, defaultLimits(), testLogger())
			body, ct := multipartBody(t, map[string]string{"setupFile": "a.msi"}, "a.msi", "x")
			req := httptest.NewRequest(http.MethodPost, "/api/package", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()

			newRouter(h).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			code, _ := decodeError(t, rec.Body)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestCreatePackage_BodyTooLarge(t *testing.T) {
	ing := &fakeIngestor{rec: &model.PackageRecord{ID: "x"}}
	h := NewPackagesHandler(ing, &fakeGate{}, UploadLimits{MaxUploadSize: 512, MultipartMemory: 128}, testLogger())

	body, ct := multipartBody(t, map[string]string{"setupFile": "big.msi"}, "big.msi", strings.Repeat("x", 4096))
	req := httptest.NewRequest(http.MethodPost, "/api/package", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	newRouter(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	code, _ := decodeError(t, rec.Body)
	assert.Equal(t, "FILE_TOO_LARGE", code)
	assert.Nil(t, ing.got.Files, "сервис не должен вызываться")
}

func TestCreatePackage_NotMultipart(t *testing.T) {
	h := NewPackagesHandler(&fakeIngestor{}, &fakeGate{}, defaultLimits(), testLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/package", strings.NewReader(`{"files":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	newRouter(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeError(t, rec.Body)
	assert.Equal(t, "VALIDATION_ERROR", code)
}

func TestGetPackage(t *testing.T) {
	size := int64(10)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := model.NewPackageRecord("p1", created)
	rec.ArtifactFilename = "setup.intunewin"
	rec.ArtifactPath = "/secret/path/setup.intunewin"
	rec.EntryFileName = "setup.msi"
	rec.SourceFiles = []model.SourceFile{{Name: "setup.msi", SizeBytes: 3}, {Name: "a.txt", SizeBytes: 1}}
	rec.TotalUploadBytes = 4
	rec.ArtifactSizeBytes = &size
	rec.ArtifactChecksum = "deadbeef"

	gate := &fakeGate{records: map[string]*model.PackageRecord{"p1": rec}}
	h := NewPackagesHandler(&fakeIngestor{}, gate, defaultLimits(), testLogger())

	t.Run("found", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/package/p1", nil))

		require.Equal(t, http.StatusOK, w.Code)
		raw := w.Body.String()
		assert.NotContains(t, raw, "/secret/path", "путь к артефакту не должен раскрываться")
		assert.NotContains(t, raw, "artifactPath")

		var resp map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &resp))
		assert.Equal(t, "p1", resp["id"])
		assert.Equal(t, "setup.intunewin", resp["artifactFilename"])
		assert.Equal(t, "setup.msi", resp["entryFileName"])
		assert.Equal(t, float64(2), resp["fileCount"])
		assert.Equal(t, float64(4), resp["totalUploadBytes"])
		assert.Equal(t, float64(10), resp["artifactSizeBytes"])
		assert.Equal(t, "2026-03-02T12:00:00Z", resp["expiresAt"])
		assert.Equal(t, false, resp["degraded"])
	})

	t.Run("not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/package/absent", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		code, _ := decodeError(t, w.Body)
		assert.Equal(t, "NOT_FOUND", code)
	})
}

func TestDownloadPackage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setup.intunewin")
	require.NoError(t, os.WriteFile(path, []byte("ARTIFACT-CONTENT"), 0o640))

	gate := &fakeGate{
		artifacts: map[string]*service.Artifact{
			"p1": {Path: path, Filename: "setup.intunewin", Size: 16, ModTime: time.Now(), Checksum: "abc"},
		},
		errs: map[string]error{
			"old":  &service.Error{Kind: service.KindExpired, Message: "Срок действия ссылки истёк"},
			"gone": &service.Error{Kind: service.KindArtifactMissing, Message: "Файл пакета не найден"},
		},
	}
	h := NewPackagesHandler(&fakeIngestor{}, gate, defaultLimits(), testLogger())
	router := newRouter(h)

	t.Run("full", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/download/p1", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ARTIFACT-CONTENT", w.Body.String())
		assert.Equal(t, `attachment; filename="setup.intunewin"`, w.Header().Get("Content-Disposition"))
		assert.Equal(t, `"abc"`, w.Header().Get("ETag"))
		assert.Equal(t, []string{"p1"}, gate.downloaded)
	})

	t.Run("range", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/download/p1", nil)
		req.Header.Set("Range", "bytes=0-7")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusPartialContent, w.Code)
		assert.Equal(t, "ARTIFACT", w.Body.String())
	})

	t.Run("not modified", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/download/p1", nil)
		req.Header.Set("If-None-Match", `"abc"`)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotModified, w.Code)
	})

	errorCases := []struct {
		id     string
		status int
		code   string
	}{
		{"absent", http.StatusNotFound, "NOT_FOUND"},
		{"old", http.StatusGone, "EXPIRED"},
		{"gone", http.StatusNotFound, "ARTIFACT_MISSING"},
	}
	for _, tc := range errorCases {
		t.Run(tc.id, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/download/"+tc.id, nil))

			assert.Equal(t, tc.status, w.Code)
			code, _ := decodeError(t, w.Body)
			assert.Equal(t, tc.code, code)
		})
	}
}
