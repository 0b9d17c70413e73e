// requests.go — очередь скачиваний: постановка, статус, активация,
// завершение, отмена и скачивание файлов запроса.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/modsync/file-server/internal/api/errors"
	"github.com/bigkaa/modsync/file-server/internal/api/middleware"
	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/service"
)

// requestCreated — ответ на постановку запроса в очередь.
type requestCreated struct {
	RequestID string `json:"request_id"`
}

// CreateDownloadRequest — POST /api/v1/requests.
func (h *APIHandler) CreateDownloadRequest(w http.ResponseWriter, r *http.Request) {
	hashes, ok := decodeHashes(w, r)
	if !ok {
		return
	}
	if len(hashes) == 0 {
		apierrors.ValidationError(w, "Список hashes пуст")
		return
	}

	req := &model.DownloadRequest{
		RequestID:  uuid.NewString(),
		UserID:     middleware.SubjectFromContext(r.Context()),
		FileHashes: hashes,
		EnqueuedAt: time.Now().UTC(),
	}

	if err := h.queue.Enqueue(r.Context(), req); err != nil {
		if errors.Is(err, service.ErrQueueOverflow) {
			apierrors.QueueOverflow(w, "Очередь скачиваний переполнена, повторите позже")
			return
		}
		h.logger.Error("Ошибка постановки в очередь",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка очереди скачиваний")
		return
	}

	// Файлы подтягиваются в горячее хранилище, пока запрос ждёт слот
	for _, hash := range hashes {
		h.files.Prefetch(hash)
	}

	writeJSON(w, http.StatusAccepted, requestCreated{RequestID: req.RequestID})
}

// GetDownloadRequest — GET /api/v1/requests/{request_id}.
func (h *APIHandler) GetDownloadRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}

	st, err := h.queue.Status(requestID, middleware.SubjectFromContext(r.Context()))
	if err != nil {
		apierrors.NotFound(w, "Запрос на скачивание не найден")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ActivateDownloadRequest — POST /api/v1/requests/{request_id}/activate.
// Повторный вызов продлевает активный слот.
func (h *APIHandler) ActivateDownloadRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	if !h.ownsSlot(w, r, requestID) {
		return
	}
	if err := h.queue.Activate(requestID); err != nil {
		apierrors.NotFound(w, "Слот скачивания не найден или истёк")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FinishDownloadRequest — POST /api/v1/requests/{request_id}/finish.
func (h *APIHandler) FinishDownloadRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	if !h.ownsSlot(w, r, requestID) {
		return
	}
	if err := h.queue.Finish(requestID); err != nil {
		apierrors.NotFound(w, "Слот скачивания не найден")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelDownloadRequest — DELETE /api/v1/requests/{request_id}.
func (h *APIHandler) CancelDownloadRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	if err := h.queue.Cancel(requestID, middleware.SubjectFromContext(r.Context())); err != nil {
		apierrors.NotFound(w, "Запрос на скачивание не найден")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadFile — GET /api/v1/requests/{request_id}/files/{hash}.
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	req, ok := h.activeRequest(w, requestID, middleware.SubjectFromContext(r.Context()))
	if !ok {
		return
	}
	if !req.Contains(hash) {
		apierrors.Forbidden(w, "Файл не входит в запрос на скачивание")
		return
	}

	h.serveFile(w, r, hash)
}

// ownsSlot проверяет, что запрос принадлежит пользователю и занимает слот.
func (h *APIHandler) ownsSlot(w http.ResponseWriter, r *http.Request, requestID string) bool {
	st, err := h.queue.Status(requestID, middleware.SubjectFromContext(r.Context()))
	if err != nil || st.State == model.StateQueued {
		apierrors.NotFound(w, "Слот скачивания не найден")
		return false
	}
	return true
}
