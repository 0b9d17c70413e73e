package handlers

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/modsync/file-server/internal/api/middleware"
	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/service"
	"github.com/bigkaa/modsync/file-server/internal/shard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func hashOf(data []byte) string {
	sum := sha1.Sum(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// fakeFiles — горячее хранилище на временной директории.
type fakeFiles struct {
	dir string

	mu         sync.Mutex
	files      map[string]*model.LocalFile
	prefetched []string
}

func newFakeFiles(t *testing.T) *fakeFiles {
	t.Helper()
	return &fakeFiles{dir: t.TempDir(), files: make(map[string]*model.LocalFile)}
}

func (f *fakeFiles) put(t *testing.T, data []byte) string {
	t.Helper()
	hash := hashOf(data)
	path := filepath.Join(f.dir, hash)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[hash] = &model.LocalFile{Hash: hash, Path: path, Size: int64(len(data)), ModTime: time.Now()}
	return hash
}

func (f *fakeFiles) FetchAndStat(_ context.Context, hash string) *model.LocalFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[hash]
}

func (f *fakeFiles) Prefetch(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetched = append(f.prefetched, hash)
}

func (f *fakeFiles) UniqueFiles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

// fakeUploader возвращает заданную ошибку.
type fakeUploader struct {
	need []string
	err  error
}

func (u *fakeUploader) Announce(_ context.Context, _ string, hashes []string) ([]string, error) {
	if u.err != nil {
		return nil, u.err
	}
	if u.need != nil {
		return u.need, nil
	}
	return hashes, nil
}

func (u *fakeUploader) Upload(_ context.Context, _ string, hash string, body io.Reader) (*model.FileRecord, error) {
	if u.err != nil {
		return nil, u.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return &model.FileRecord{Hash: hash, Uploaded: true, SizeBytes: int64(len(data))}, nil
}

type fakeDisk struct{}

func (fakeDisk) DiskUsage() (int64, int64, int64, error) { return 100, 40, 60, nil }

// testEnv — обработчик с реальной очередью и реестром shard.
type testEnv struct {
	handler *APIHandler
	queue   *service.RequestQueue
	files   *fakeFiles
	router  http.Handler
}

func newTestEnv(t *testing.T, uploader Uploader, withShards bool) *testEnv {
	t.Helper()
	logger := testLogger()

	queue := service.NewRequestQueue(service.QueueConfig{
		Size:             1,
		AdmissionTimeout: time.Minute,
		ReleaseTimeout:   time.Minute,
		ClearLimit:       2,
		TickInterval:     time.Second,
	}, nil, nil, logger)

	deps := Deps{
		Role:  "main",
		Queue: queue,
		Hot:   fakeDisk{},
	}
	files := newFakeFiles(t)
	deps.Files = files
	if uploader != nil {
		deps.Uploader = uploader
	}
	if withShards {
		deps.Shards = shard.NewRegistry(shard.RegistryConfig{
			PublicAddress:   "https://main.example.com",
			SweepInterval:   time.Minute,
			LivenessTimeout: time.Minute,
		}, logger)
	}

	h := NewAPIHandler(deps, logger)
	return &testEnv{handler: h, queue: queue, files: files, router: newTestRouter(h)}
}

func newTestRouter(h *APIHandler) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.HeaderAuth())
		r.Post("/api/v1/files/announce", h.AnnounceFiles)
		r.Put("/api/v1/files/{hash}", h.UploadFile)
		r.Post("/api/v1/requests", h.CreateDownloadRequest)
		r.Get("/api/v1/requests/{request_id}", h.GetDownloadRequest)
		r.Delete("/api/v1/requests/{request_id}", h.CancelDownloadRequest)
		r.Post("/api/v1/requests/{request_id}/activate", h.ActivateDownloadRequest)
		r.Post("/api/v1/requests/{request_id}/finish", h.FinishDownloadRequest)
		r.Get("/api/v1/requests/{request_id}/files/{hash}", h.DownloadFile)
	})
	r.Get("/api/v1/shards", h.ListShards)
	r.Get("/api/v1/stats", h.GetStats)
	r.Get("/internal/v1/files/{hash}", h.GetOriginFile)
	r.Post("/main/shardRegister", h.RegisterShard)
	r.Post("/main/shardHeartbeat", h.ShardHeartbeat)
	r.Post("/main/shardUnregister", h.UnregisterShard)
	return r
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func (e *testEnv) createRequest(t *testing.T, user string, hashes ...string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/requests", user, hashListBody{Hashes: hashes})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created requestCreated
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.RequestID)
	return created.RequestID
}

func (e *testEnv) status(t *testing.T, id, user string) model.RequestStatus {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/v1/requests/"+id, user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var st model.RequestStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestDownloadFlow(t *testing.T) {
	env := newTestEnv(t, nil, false)
	content := []byte("содержимое файла")
	hash := env.files.put(t, content)
	other := env.files.put(t, []byte("чужой файл"))

	id := env.createRequest(t, "alice", strings.ToLower(hash))
	assert.Equal(t, []string{hash}, env.files.prefetched, "hash нормализуется и подтягивается заранее")

	st := env.status(t, id, "alice")
	assert.Equal(t, model.StateQueued, st.State)
	assert.Equal(t, 1, st.Position)

	// Слот ещё не выделен
	rec := env.do(t, http.MethodGet, "/api/v1/requests/"+id+"/files/"+hash, "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env.queue.Tick(context.Background())
	assert.Equal(t, model.StateReserved, env.status(t, id, "alice").State)

	// Первое скачивание активирует зарезервированный слот
	rec = env.do(t, http.MethodGet, "/api/v1/requests/"+id+"/files/"+hash, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, model.StateActive, env.status(t, id, "alice").State)

	// Файл вне запроса
	rec = env.do(t, http.MethodGet, "/api/v1/requests/"+id+"/files/"+other, "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Чужой запрос
	rec = env.do(t, http.MethodGet, "/api/v1/requests/"+id+"/files/"+hash, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+id+"/activate", "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+id+"/finish", "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/requests/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadFile_Range(t *testing.T) {
	env := newTestEnv(t, nil, false)
	hash := env.files.put(t, []byte("0123456789"))
	id := env.createRequest(t, "alice", hash)
	env.queue.Tick(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+id+"/files/"+hash, nil)
	req.Header.Set(middleware.HeaderUserID, "alice")
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "234", rec.Body.String())
}

func TestDownloadFile_MissingOnDisk(t *testing.T) {
	env := newTestEnv(t, nil, false)
	hash := hashOf([]byte("нет на диске"))
	id := env.createRequest(t, "alice", hash)
	env.queue.Tick(context.Background())

	rec := env.do(t, http.MethodGet, "/api/v1/requests/"+id+"/files/"+hash, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRequest_Validation(t *testing.T) {
	env := newTestEnv(t, nil, false)

	tests := []struct {
		name string
		body any
	}{
		{name: "пустой список", body: hashListBody{Hashes: []string{}}},
		{name: "некорректный hash", body: hashListBody{Hashes: []string{"xyz"}}},
		{name: "не JSON", body: []byte("hashes")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/requests", "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))
		})
	}

	rec := env.do(t, http.MethodPost, "/api/v1/requests", "", hashListBody{Hashes: []string{hashOf([]byte("a"))}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRequest_Overflow(t *testing.T) {
	env := newTestEnv(t, nil, false)
	hash := hashOf([]byte("a"))

	env.createRequest(t, "u1", hash)
	env.createRequest(t, "u2", hash)

	rec := env.do(t, http.MethodPost, "/api/v1/requests", "u3", hashListBody{Hashes: []string{hash}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "QUEUE_OVERFLOW", errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCancelRequest(t *testing.T) {
	env := newTestEnv(t, nil, false)
	id := env.createRequest(t, "alice", hashOf([]byte("a")))

	rec := env.do(t, http.MethodDelete, "/api/v1/requests/"+id, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/requests/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/requests/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivate_QueuedRequest(t *testing.T) {
	env := newTestEnv(t, nil, false)
	id := env.createRequest(t, "alice", hashOf([]byte("a")))

	rec := env.do(t, http.MethodPost, "/api/v1/requests/"+id+"/activate", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/not-a-uuid/activate", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadFile_Errors(t *testing.T) {
	hash := hashOf([]byte("a"))

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "не объявлена", err: service.ErrNotAnnounced, wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "hash не совпал", err: service.ErrHashMismatch, wantCode: http.StatusBadRequest, wantErr: "HASH_MISMATCH"},
		{name: "некорректный hash", err: service.ErrInvalidHash, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "ошибка БД", err: errors.New("connection refused"), wantCode: http.StatusInternalServerError, wantErr: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeUploader{err: tt.err}, false)
			rec := env.do(t, http.MethodPut, "/api/v1/files/"+hash, "alice", []byte("a"))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, errorCode(t, rec))
		})
	}
}

func TestUploadFile_Created(t *testing.T) {
	env := newTestEnv(t, &fakeUploader{}, false)
	hash := hashOf([]byte("abc"))

	rec := env.do(t, http.MethodPost, "/api/v1/files/announce", "alice", hashListBody{Hashes: []string{hash, hash}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var need hashListBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &need))
	assert.Equal(t, []string{hash}, need.Hashes, "повторы убираются")

	rec = env.do(t, http.MethodPut, "/api/v1/files/"+hash, "alice", []byte("abc"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var info fileInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, fileInfo{Hash: hash, SizeBytes: 3}, info)
}

func TestShardRole_RejectsMainOnly(t *testing.T) {
	env := newTestEnv(t, nil, false)
	hash := hashOf([]byte("a"))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{name: "announce", method: http.MethodPost, path: "/api/v1/files/announce", body: hashListBody{Hashes: []string{hash}}},
		{name: "upload", method: http.MethodPut, path: "/api/v1/files/" + hash, body: []byte("a")},
		{name: "shards", method: http.MethodGet, path: "/api/v1/shards?continent=eu"},
		{name: "register", method: http.MethodPost, path: "/main/shardRegister", body: model.ShardConfiguration{}},
		{name: "heartbeat", method: http.MethodPost, path: "/main/shardHeartbeat", body: shardNameBody{ShardName: "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, "alice", tt.body)
			assert.Equal(t, http.StatusConflict, rec.Code)
			assert.Equal(t, "NOT_MAIN", errorCode(t, rec))
		})
	}
}

func TestShardRegistration(t *testing.T) {
	env := newTestEnv(t, nil, true)

	rec := env.do(t, http.MethodPost, "/main/shardHeartbeat", "", shardNameBody{ShardName: "eu1"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "heartbeat до регистрации")

	rec = env.do(t, http.MethodPost, "/main/shardRegister", "", model.ShardConfiguration{ShardName: "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sc := model.ShardConfiguration{
		ShardName:  "eu1",
		Continents: []string{"EU"},
		RegionURIs: map[string]string{"eu": "https://eu1.example.com"},
	}
	rec = env.do(t, http.MethodPost, "/main/shardRegister", "", sc)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/main/shardHeartbeat", "", shardNameBody{ShardName: "eu1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/main/shardHeartbeat", "", shardNameBody{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/shards?continent=Eu", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var routes []model.ShardConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, "eu1", routes[0].ShardName)

	rec = env.do(t, http.MethodPost, "/main/shardUnregister", "", shardNameBody{ShardName: "eu1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/shards?continent=eu", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, "main", routes[0].ShardName, "без shard маршрут ведёт на координатор")
}

func TestGetOriginFile(t *testing.T) {
	env := newTestEnv(t, nil, false)
	hash := env.files.put(t, []byte("origin"))

	rec := env.do(t, http.MethodGet, "/internal/v1/files/"+hash, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin", rec.Body.String())
	assert.Equal(t, `"`+hash+`"`, rec.Header().Get("ETag"))

	rec = env.do(t, http.MethodGet, "/internal/v1/files/"+hashOf([]byte("нет")), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/internal/v1/files/zzz", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.files.put(t, []byte("a"))
	env.createRequest(t, "alice", hashOf([]byte("a")))

	rec := env.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "main", stats.Role)
	assert.Equal(t, 1, stats.UniqueFiles24h)
	assert.Equal(t, 1, stats.Queue.Normal)
	require.NotNil(t, stats.Storage)
	assert.Equal(t, int64(60), stats.Storage.HotFreeBytes)
}

type staticCheck struct{ status string }

func (c staticCheck) CheckReady() (string, string) { return c.status, "" }

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]ReadinessChecker
		wantCode int
		want     string
	}{
		{name: "все ok", checks: map[string]ReadinessChecker{"postgresql": staticCheck{"ok"}}, wantCode: http.StatusOK, want: "ok"},
		{name: "degraded", checks: map[string]ReadinessChecker{"postgresql": staticCheck{"ok"}, "redis": staticCheck{"degraded"}}, wantCode: http.StatusOK, want: "degraded"},
		{name: "fail", checks: map[string]ReadinessChecker{"postgresql": staticCheck{"fail"}}, wantCode: http.StatusServiceUnavailable, want: "fail"},
		{name: "nil checker", checks: map[string]ReadinessChecker{"registration": nil}, wantCode: http.StatusServiceUnavailable, want: "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("file-server", tt.checks)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp healthReadyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}
