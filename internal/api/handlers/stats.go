package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

// queueStats — состояние очереди скачиваний.
type queueStats struct {
	Priority int `json:"priority"`
	Normal   int `json:"normal"`
	Reserved int `json:"reserved"`
	Active   int `json:"active"`
}

// storageStats — ёмкость горячего хранилища.
type storageStats struct {
	HotUsedBytes int64 `json:"hot_used_bytes"`
	HotFreeBytes int64 `json:"hot_free_bytes"`
}

// statsResponse — ответ GET /api/v1/stats.
type statsResponse struct {
	Role           string                       `json:"role"`
	UniqueFiles24h int                          `json:"unique_files_24h"`
	Queue          queueStats                   `json:"queue"`
	Storage        *storageStats                `json:"storage,omitempty"`
	Shards         []model.ShardHeartbeatRecord `json:"shards,omitempty"`
}

// GetStats — GET /api/v1/stats.
func (h *APIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	resp.Role = h.role
	resp.UniqueFiles24h = h.files.UniqueFiles()
	resp.Queue.Priority, resp.Queue.Normal, resp.Queue.Reserved, resp.Queue.Active = h.queue.Stats()

	if h.hot != nil {
		_, used, available, err := h.hot.DiskUsage()
		if err != nil {
			h.logger.Warn("Не удалось получить ёмкость хранилища",
				slog.String("error", err.Error()),
			)
		} else {
			resp.Storage = &storageStats{HotUsedBytes: used, HotFreeBytes: available}
		}
	}
	if h.shards != nil {
		resp.Shards = h.shards.Heartbeats()
	}

	writeJSON(w, http.StatusOK, resp)
}
