package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

// fileColumns — столбцы таблицы files для SELECT-запросов.
const fileColumns = `hash, uploaded, size_bytes, uploader_id, uploaded_at`

// FileRepository — доступ к метаданным файлов.
type FileRepository interface {
	// FindFile возвращает запись по hash или ErrNotFound.
	FindFile(ctx context.Context, hash string) (*model.FileRecord, error)
	// ListUploadedFiles возвращает все подтверждённые записи.
	ListUploadedFiles(ctx context.Context) ([]*model.FileRecord, error)
	// ListPendingBefore возвращает незавершённые загрузки, объявленные раньше cutoff.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*model.FileRecord, error)
	// ListKnownHashes возвращает hash всех записей (подтверждённых и ожидающих).
	ListKnownHashes(ctx context.Context) (map[string]struct{}, error)
	// DeleteFile удаляет запись. Отсутствие записи не считается ошибкой.
	DeleteFile(ctx context.Context, hash string) error
	// UpsertFileSize записывает наблюдённый размер файла.
	UpsertFileSize(ctx context.Context, hash string, size int64) error
	// CreatePending создаёт ожидающую запись. Возвращает false, если запись уже есть.
	CreatePending(ctx context.Context, hash, uploaderID string) (bool, error)
	// MarkUploaded подтверждает загрузку и фиксирует размер.
	MarkUploaded(ctx context.Context, hash string, size int64) error
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

// FindFile возвращает запись по hash или ErrNotFound.
func (r *fileRepo) FindFile(ctx context.Context, hash string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE hash = $1`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

// ListUploadedFiles возвращает все подтверждённые записи.
func (r *fileRepo) ListUploadedFiles(ctx context.Context) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE uploaded = TRUE`, fileColumns)
	return r.queryFiles(ctx, query)
}

// ListPendingBefore возвращает незавершённые загрузки старше cutoff.
func (r *fileRepo) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE uploaded = FALSE AND uploaded_at < $1`, fileColumns)
	return r.queryFiles(ctx, query, cutoff)
}

// ListKnownHashes возвращает множество hash всех записей.
func (r *fileRepo) ListKnownHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Query(ctx, `SELECT hash FROM files`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка hash: %w", err)
	}
	defer rows.Close()

	result := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("ошибка сканирования hash: %w", err)
		}
		result[model.NormalizeHash(hash)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// DeleteFile удаляет запись о файле.
func (r *fileRepo) DeleteFile(ctx context.Context, hash string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM files WHERE hash = $1`, hash); err != nil {
		return fmt.Errorf("ошибка удаления записи файла: %w", err)
	}
	return nil
}

// UpsertFileSize записывает размер файла.
func (r *fileRepo) UpsertFileSize(ctx context.Context, hash string, size int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE files SET size_bytes = $2 WHERE hash = $1`, hash, size)
	if err != nil {
		return fmt.Errorf("ошибка обновления размера файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePending создаёт запись uploaded=false. Существующая запись не меняется.
func (r *fileRepo) CreatePending(ctx context.Context, hash, uploaderID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO files (hash, uploaded, size_bytes, uploader_id, uploaded_at)
		VALUES ($1, FALSE, 0, $2, NOW())
		ON CONFLICT (hash) DO NOTHING`,
		hash, uploaderID,
	)
	if err != nil {
		return false, fmt.Errorf("ошибка создания записи файла: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkUploaded подтверждает загрузку.
func (r *fileRepo) MarkUploaded(ctx context.Context, hash string, size int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE files SET uploaded = TRUE, size_bytes = $2 WHERE hash = $1`,
		hash, size,
	)
	if err != nil {
		return fmt.Errorf("ошибка подтверждения загрузки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// queryFiles выполняет SELECT по files и сканирует результат.
func (r *fileRepo) queryFiles(ctx context.Context, query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// scanFile сканирует строку files. Hash нормализуется: CHAR(40) из старых
// данных может прийти в нижнем регистре.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	if err := row.Scan(&f.Hash, &f.Uploaded, &f.SizeBytes, &f.UploaderID, &f.UploadedAt); err != nil {
		return nil, err
	}
	f.Hash = model.NormalizeHash(f.Hash)
	return f, nil
}
