package model

import "time"

// DownloadRequest — запрос клиента на скачивание набора файлов.
// Живёт только в памяти процесса.
type DownloadRequest struct {
	// RequestID — непрозрачный уникальный токен (UUID)
	RequestID string `json:"request_id"`
	// UserID — UID владельца запроса
	UserID string `json:"user_id"`
	// FileHashes — упорядоченный непустой набор hash
	FileHashes []string `json:"file_hashes"`
	// EnqueuedAt — момент постановки в очередь
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Contains проверяет, входит ли hash в запрос.
func (r DownloadRequest) Contains(hash string) bool {
	for _, h := range r.FileHashes {
		if h == hash {
			return true
		}
	}
	return false
}

// RequestState — состояние запроса с точки зрения клиента.
type RequestState string

const (
	// StateQueued — запрос ждёт свободный слот
	StateQueued RequestState = "queued"
	// StateReserved — слот выделен, ожидается активация клиентом
	StateReserved RequestState = "reserved"
	// StateActive — клиент скачивает файлы
	StateActive RequestState = "active"
)

// RequestStatus — ответ на проверку состояния запроса.
type RequestStatus struct {
	State RequestState `json:"status"`
	// Position — позиция в своей очереди (0 для reserved/active)
	Position int `json:"position"`
	// Priority — запрос стоит в приоритетной очереди
	Priority bool `json:"priority"`
}
