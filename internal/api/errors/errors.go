// Пакет errors — ответы с ошибками в едином формате:
// {"error": {"code": "...", "message": "..."}}.
package errors //nolint:revive // пакет ответов API, с stdlib импортируется под алиасом apierrors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок, определённые в OpenAPI контракте.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeQueueOverflow   = "QUEUE_OVERFLOW"
	CodeNotMain         = "NOT_MAIN"
	CodeHashMismatch    = "HASH_MISMATCH"
	CodeInternalError   = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// QueueOverflow — 503 обычная очередь скачиваний сброшена.
func QueueOverflow(w http.ResponseWriter, message string) {
	w.Header().Set("Retry-After", "30")
	WriteError(w, http.StatusServiceUnavailable, CodeQueueOverflow, message)
}

// NotMain — 409 операция доступна только на координаторе.
func NotMain(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeNotMain, message)
}

// HashMismatch — 400 содержимое не совпало с hash.
func HashMismatch(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeHashMismatch, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
