// files.go — загрузка файлов на координатор и отдача файлов shard-узлам.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	apierrors "github.com/bigkaa/modsync/file-server/internal/api/errors"
	"github.com/bigkaa/modsync/file-server/internal/api/middleware"
	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/service"
)

// fileInfo — ответ на загрузку файла.
type fileInfo struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// AnnounceFiles — POST /api/v1/files/announce.
func (h *APIHandler) AnnounceFiles(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		apierrors.NotMain(w, "Загрузка файлов доступна только на координаторе")
		return
	}

	hashes, ok := decodeHashes(w, r)
	if !ok {
		return
	}

	need, err := h.uploader.Announce(r.Context(), middleware.SubjectFromContext(r.Context()), hashes)
	if err != nil {
		if errors.Is(err, service.ErrInvalidHash) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка announce",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при регистрации загрузки")
		return
	}
	if need == nil {
		need = []string{}
	}
	writeJSON(w, http.StatusOK, hashListBody{Hashes: need})
}

// UploadFile — PUT /api/v1/files/{hash}.
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		apierrors.NotMain(w, "Загрузка файлов доступна только на координаторе")
		return
	}
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	rec, err := h.uploader.Upload(r.Context(), middleware.SubjectFromContext(r.Context()), hash, r.Body)
	switch {
	case errors.Is(err, service.ErrNotAnnounced):
		apierrors.NotFound(w, "Загрузка файла не объявлена")
		return
	case errors.Is(err, service.ErrHashMismatch):
		apierrors.HashMismatch(w, "Содержимое файла не соответствует hash")
		return
	case errors.Is(err, service.ErrInvalidHash):
		apierrors.ValidationError(w, "Некорректный hash")
		return
	case err != nil:
		h.logger.Error("Ошибка загрузки файла",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при загрузке файла")
		return
	}

	writeJSON(w, http.StatusCreated, fileInfo{Hash: rec.Hash, SizeBytes: rec.SizeBytes})
}

// GetOriginFile — GET /internal/v1/files/{hash}. Источник для shard-узлов,
// без очереди скачиваний.
func (h *APIHandler) GetOriginFile(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}
	h.serveFile(w, r, hash)
}

// serveFile отдаёт файл из горячего хранилища с поддержкой Range.
func (h *APIHandler) serveFile(w http.ResponseWriter, r *http.Request, hash string) {
	lf := h.files.FetchAndStat(r.Context(), hash)
	if lf == nil {
		apierrors.NotFound(w, "Файл не найден")
		return
	}

	f, err := os.Open(lf.Path)
	if err != nil {
		// Файл мог быть вытеснен между Stat и Open
		if errors.Is(err, os.ErrNotExist) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка открытия файла",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при чтении файла")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+lf.Hash+`"`)
	http.ServeContent(w, r, lf.Hash, lf.ModTime, f)
}

// activeRequest возвращает активный запрос пользователя. Зарезервированный
// слот активируется при первом обращении к файлу.
func (h *APIHandler) activeRequest(w http.ResponseWriter, requestID, userID string) (*model.DownloadRequest, bool) {
	st, err := h.queue.Status(requestID, userID)
	if err != nil {
		apierrors.NotFound(w, "Запрос на скачивание не найден")
		return nil, false
	}
	if st.State == model.StateReserved {
		if err := h.queue.Activate(requestID); err != nil {
			apierrors.NotFound(w, "Слот скачивания истёк")
			return nil, false
		}
	}

	req := h.queue.IsActive(requestID, userID)
	if req == nil {
		apierrors.Forbidden(w, "Слот скачивания ещё не выделен")
		return nil, false
	}
	return req, true
}
