package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/repository"
	"github.com/bigkaa/modsync/file-server/internal/storage/filestore"
)

var (
	// ErrInvalidHash — hash не является 40-символьным hex.
	ErrInvalidHash = errors.New("некорректный hash файла")
	// ErrNotAnnounced — загрузка без предварительного announce.
	ErrNotAnnounced = errors.New("загрузка файла не объявлена")
	// ErrHashMismatch — содержимое не соответствует hash.
	ErrHashMismatch = errors.New("содержимое файла не соответствует hash")
)

var (
	uploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_uploads_total",
		Help: "Количество успешных загрузок файлов",
	})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_upload_bytes_total",
		Help: "Объём загруженных файлов в байтах",
	})
)

// TxRunner выполняет функцию в транзакции БД.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// UploadService принимает файлы от клиентов на координаторе.
// Загрузка идёт в два шага: announce создаёт ожидающие записи,
// PUT передаёт байты, и запись подтверждается.
type UploadService struct {
	hot    *filestore.FileStore
	cold   *filestore.FileStore
	files  repository.FileRepository
	tx     TxRunner
	txRepo func(db repository.DBTX) repository.FileRepository
	now    func() time.Time
	logger *slog.Logger
}

// NewUploadService создаёт сервис загрузки. cold — nil, если холодное хранилище выключено.
func NewUploadService(
	hot, cold *filestore.FileStore,
	files repository.FileRepository,
	tx TxRunner,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		hot:    hot,
		cold:   cold,
		files:  files,
		tx:     tx,
		txRepo: repository.NewFileRepository,
		now:    time.Now,
		logger: logger.With(slog.String("component", "upload")),
	}
}

// primary возвращает хранилище, которое сверяется с метаданными.
func (s *UploadService) primary() *filestore.FileStore {
	if s.cold != nil {
		return s.cold
	}
	return s.hot
}

// Announce регистрирует намерение загрузить файлы и возвращает hash,
// которые клиент должен передать. Файлы, уже лежащие на диске, пропускаются.
func (s *UploadService) Announce(ctx context.Context, uploaderID string, hashes []string) ([]string, error) {
	normalized := make([]string, 0, len(hashes))
	seen := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		h = model.NormalizeHash(h)
		if !model.IsValidHash(h) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHash, h)
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		normalized = append(normalized, h)
	}

	var need []string
	err := s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		files := s.txRepo(tx)
		for _, h := range normalized {
			rec, err := files.FindFile(ctx, h)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				if _, err := files.CreatePending(ctx, h, uploaderID); err != nil {
					return err
				}
				need = append(need, h)
			case err != nil:
				return err
			case !rec.Uploaded || !s.primary().Exists(h):
				need = append(need, h)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("announce: %w", err)
	}

	s.logger.Info("Загрузка объявлена",
		slog.String("uploader_id", uploaderID),
		slog.Int("requested", len(normalized)),
		slog.Int("need_upload", len(need)),
	)
	return need, nil
}

// Upload принимает байты файла. Содержимое проверяется по hash до того,
// как файл станет виден по своему имени.
func (s *UploadService) Upload(ctx context.Context, uploaderID, hash string, body io.Reader) (*model.FileRecord, error) {
	hash = model.NormalizeHash(hash)
	if !model.IsValidHash(hash) {
		return nil, ErrInvalidHash
	}

	rec, err := s.files.FindFile(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotAnnounced
		}
		return nil, err
	}
	if rec.Uploaded && s.primary().Exists(hash) {
		return rec, nil
	}

	res, err := s.hot.Save(hash, body, true)
	if err != nil {
		if errors.Is(err, filestore.ErrChecksumMismatch) {
			s.logger.Warn("Содержимое не совпало с hash",
				slog.String("hash", hash),
				slog.String("uploader_id", uploaderID),
			)
			return nil, ErrHashMismatch
		}
		return nil, fmt.Errorf("сохранение файла: %w", err)
	}

	if s.cold != nil {
		if _, err := s.cold.CopyFrom(s.hot, hash, s.now()); err != nil {
			return nil, fmt.Errorf("копирование в холодное хранилище: %w", err)
		}
	}

	if err := s.files.MarkUploaded(ctx, hash, res.Size); err != nil {
		return nil, fmt.Errorf("подтверждение загрузки: %w", err)
	}

	uploadsTotal.Inc()
	uploadBytesTotal.Add(float64(res.Size))
	s.logger.Info("Файл загружен",
		slog.String("hash", hash),
		slog.String("uploader_id", uploaderID),
		slog.Int64("size", res.Size),
	)

	rec.Uploaded = true
	rec.SizeBytes = res.Size
	return rec, nil
}
