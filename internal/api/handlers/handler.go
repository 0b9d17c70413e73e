// handler.go — обработчики HTTP API файлового сервера. Зависимости
// задаются интерфейсами: на shard нет загрузки и реестра shard.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/modsync/file-server/internal/api/errors"
	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

// DownloadQueue — очередь скачиваний.
type DownloadQueue interface {
	Enqueue(ctx context.Context, req *model.DownloadRequest) error
	Activate(requestID string) error
	Finish(requestID string) error
	Cancel(requestID, userID string) error
	IsActive(requestID, userID string) *model.DownloadRequest
	Status(requestID, userID string) (*model.RequestStatus, error)
	Stats() (priorityLen, normalLen, reserved, active int)
}

// FileSource — выдача файлов из горячего хранилища.
type FileSource interface {
	FetchAndStat(ctx context.Context, hash string) *model.LocalFile
	Prefetch(hash string)
	UniqueFiles() int
}

// Uploader — приём файлов от клиентов (только координатор).
type Uploader interface {
	Announce(ctx context.Context, uploaderID string, hashes []string) ([]string, error)
	Upload(ctx context.Context, uploaderID, hash string, body io.Reader) (*model.FileRecord, error)
}

// ShardRegistry — реестр shard (только координатор).
type ShardRegistry interface {
	Register(sc model.ShardConfiguration) error
	Heartbeat(name string) error
	Unregister(name string)
	ConfigurationsForContinent(tag string) []model.ShardConfiguration
	Heartbeats() []model.ShardHeartbeatRecord
}

// DiskUsager — ёмкость горячего хранилища.
type DiskUsager interface {
	DiskUsage() (total, used, available int64, err error)
}

// Deps — зависимости APIHandler. Uploader и Shards равны nil на shard.
type Deps struct {
	Role     string
	Queue    DownloadQueue
	Files    FileSource
	Uploader Uploader
	Shards   ShardRegistry
	Hot      DiskUsager
}

// APIHandler — обработчики API файлового сервера.
type APIHandler struct {
	role     string
	queue    DownloadQueue
	files    FileSource
	uploader Uploader
	shards   ShardRegistry
	hot      DiskUsager
	logger   *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(d Deps, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		role:     d.Role,
		queue:    d.Queue,
		files:    d.Files,
		uploader: d.Uploader,
		shards:   d.Shards,
		hot:      d.Hot,
		logger:   logger.With(slog.String("component", "api_handler")),
	}
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// hashParam связывает параметр пути {hash} и нормализует его.
func hashParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	var hash string
	err := runtime.BindStyledParameterWithOptions("simple", "hash", chi.URLParam(r, "hash"), &hash,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр hash: "+err.Error())
		return "", false
	}
	hash = model.NormalizeHash(hash)
	if !model.IsValidHash(hash) {
		apierrors.ValidationError(w, "Некорректный параметр hash")
		return "", false
	}
	return hash, true
}

// requestIDParam связывает параметр пути {request_id}.
func requestIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "request_id", chi.URLParam(r, "request_id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр request_id")
		return "", false
	}
	return id.String(), true
}

// hashListBody — тело со списком hash.
type hashListBody struct {
	Hashes []string `json:"hashes"`
}

// decodeHashes читает тело и возвращает нормализованные hash без повторов
// в исходном порядке.
func decodeHashes(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var body hashListBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса")
		return nil, false
	}

	seen := make(map[string]struct{}, len(body.Hashes))
	hashes := make([]string, 0, len(body.Hashes))
	for _, h := range body.Hashes {
		h = model.NormalizeHash(h)
		if !model.IsValidHash(h) {
			apierrors.ValidationError(w, "Некорректный hash: "+h)
			return nil, false
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	return hashes, true
}
