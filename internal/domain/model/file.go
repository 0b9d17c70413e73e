// Пакет model — доменные модели файлового сервера.
// FileRecord — строка метаданных в реляционном хранилище,
// LocalFile — физический файл в горячем хранилище.
package model

import (
	"strings"
	"time"
)

// HashLength — длина content hash в hex-символах (SHA-1).
const HashLength = 40

// FileRecord — метаданные файла в реляционном хранилище (таблица files).
// Ключ — content hash. Источник истины для существования и владельца,
// но не для возраста файла (возраст берётся с диска).
type FileRecord struct {
	// Hash — content hash (верхний регистр, 40 hex-символов)
	Hash string
	// Uploaded — true после подтверждения, что байты лежат на диске
	Uploaded bool
	// SizeBytes — размер файла; 0, пока не наблюдался
	SizeBytes int64
	// UploaderID — UID загрузившего пользователя
	UploaderID string
	// UploadedAt — момент объявления загрузки
	UploadedAt time.Time
}

// UserRecord — то, что ядру нужно знать о пользователе.
type UserRecord struct {
	// ID — UID пользователя
	ID string
	// HasAlias — у пользователя есть vanity alias (сигнал приоритета)
	HasAlias bool
}

// LocalFile — файл, гарантированно присутствующий в горячем хранилище.
type LocalFile struct {
	// Hash — нормализованный content hash
	Hash string
	// Path — абсолютный путь на диске
	Path string
	// Size — размер в байтах
	Size int64
	// ModTime — время последней записи
	ModTime time.Time
}

// PhysicalFile — запись листинга директории хранения.
// Время доступа диска — источник истины для возраста при вытеснении.
type PhysicalFile struct {
	Hash       string
	Path       string
	Size       int64
	AccessTime time.Time
	WriteTime  time.Time
}

// NormalizeHash приводит hash к единому регистру. Используется везде,
// где hash становится ключом карты или именем файла.
func NormalizeHash(hash string) string {
	return strings.ToUpper(strings.TrimSpace(hash))
}

// IsValidHash проверяет формат нормализованного hash.
func IsValidHash(hash string) bool {
	if len(hash) != HashLength {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
