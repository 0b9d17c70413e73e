// Пакет service — бизнес-логика файлового сервера: выдача файлов из
// уровней хранения, очередь скачиваний, очистка хранилища, приём загрузок.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/storage/filestore"
)

// Уровни, из которых получен файл.
const (
	tierHot    = "hot"
	tierCold   = "cold"
	tierRemote = "remote"
	tierMiss   = "miss"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_fetch_total",
		Help: "Количество запросов файлов по уровню, из которого файл получен",
	}, []string{"tier"})

	fetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fs_fetch_duration_seconds",
		Help:    "Длительность загрузки файла в горячее хранилище",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"tier"})

	uniqueFilesServed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fs_unique_files_served",
		Help: "Уникальные файлы, отданные за последние 24 часа",
	})
)

// uniqueWindow — окно подсчёта уникальных файлов.
const uniqueWindow = 24 * time.Hour

// Origin — удалённый узел-источник файлов.
type Origin interface {
	// Download открывает поток байтов файла. Вызывающий код закрывает поток.
	Download(ctx context.Context, hash string) (io.ReadCloser, error)
}

// FileProviderConfig — параметры FileProvider.
type FileProviderConfig struct {
	// Hot — горячее хранилище, из которого идёт раздача
	Hot *filestore.FileStore
	// Cold — холодное хранилище (nil, если выключено)
	Cold *filestore.FileStore
	// Origin — удалённый источник (nil, если узел сам источник)
	Origin Origin
	// WaitTimeout — сколько FetchAndStat ждёт загрузку
	WaitTimeout time.Duration
	// TransferTimeout — ограничение на одну загрузку с удалённого источника
	TransferTimeout time.Duration
}

// FileProvider гарантирует наличие файла в горячем хранилище.
// Порядок уровней: горячее → холодное → удалённый источник.
// Для одного hash одновременно выполняется не больше одной загрузки.
type FileProvider struct {
	hot             *filestore.FileStore
	cold            *filestore.FileStore
	origin          Origin
	waitTimeout     time.Duration
	transferTimeout time.Duration

	// inflight — текущие загрузки по hash
	inflight singleflight.Group
	// unique — файлы, отданные за окно uniqueWindow
	unique *expirable.LRU[string, struct{}]

	now    func() time.Time
	logger *slog.Logger
}

// NewFileProvider создаёт FileProvider.
func NewFileProvider(cfg FileProviderConfig, logger *slog.Logger) *FileProvider {
	transfer := cfg.TransferTimeout
	if transfer <= 0 {
		transfer = cfg.WaitTimeout
	}
	return &FileProvider{
		hot:             cfg.Hot,
		cold:            cfg.Cold,
		origin:          cfg.Origin,
		waitTimeout:     cfg.WaitTimeout,
		transferTimeout: transfer,
		unique:          expirable.NewLRU[string, struct{}](1_000_000, nil, uniqueWindow),
		now:             time.Now,
		logger:          logger.With(slog.String("component", "file_provider")),
	}
}

// EnsureLocal возвращает nil, когда непустой файл hash лежит в горячем
// хранилище. Если загрузка уже идёт, второй не запускается: вызов ждёт
// текущую. Ожидание ограничено ctx, сама загрузка не отменяется.
func (p *FileProvider) EnsureLocal(ctx context.Context, hash string) error {
	hash = model.NormalizeHash(hash)
	if _, err := p.hot.Stat(hash); err == nil {
		p.recordHit(hash)
		fetchTotal.WithLabelValues(tierHot).Inc()
		return nil
	}

	select {
	case res := <-p.start(hash):
		if res.Err != nil {
			return res.Err
		}
		p.recordHit(hash)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prefetch запускает загрузку файла в горячее хранилище, не дожидаясь её.
func (p *FileProvider) Prefetch(hash string) {
	hash = model.NormalizeHash(hash)
	if p.hot.Exists(hash) {
		return
	}
	p.start(hash)
}

// FetchAndStat возвращает файл из горячего хранилища, при необходимости
// дождавшись загрузки (не дольше WaitTimeout). Отсутствие файла, ошибка
// загрузки или таймаут дают nil: для вызывающего это обычное «нет файла».
func (p *FileProvider) FetchAndStat(ctx context.Context, hash string) *model.LocalFile {
	hash = model.NormalizeHash(hash)
	if lf, err := p.hot.Stat(hash); err == nil {
		p.recordHit(hash)
		fetchTotal.WithLabelValues(tierHot).Inc()
		return lf
	}

	timer := time.NewTimer(p.waitTimeout)
	defer timer.Stop()

	select {
	case res := <-p.start(hash):
		if res.Err != nil {
			p.logger.Debug("Файл недоступен",
				slog.String("hash", hash),
				slog.String("error", res.Err.Error()),
			)
			return nil
		}
		lf, _ := res.Val.(*model.LocalFile)
		if lf != nil {
			p.recordHit(hash)
		}
		return lf
	case <-timer.C:
		p.logger.Warn("Таймаут ожидания загрузки файла",
			slog.String("hash", hash),
			slog.Duration("timeout", p.waitTimeout),
		)
		return nil
	case <-ctx.Done():
		return nil
	}
}

// start регистрирует загрузку hash или присоединяется к уже идущей.
func (p *FileProvider) start(hash string) <-chan singleflight.Result {
	return p.inflight.DoChan(hash, func() (any, error) {
		return p.fetch(hash)
	})
}

// fetch выполняет загрузку. Работает до конца независимо от того,
// остались ли ожидающие.
func (p *FileProvider) fetch(hash string) (*model.LocalFile, error) {
	// Параллельная загрузка могла завершиться между Stat и DoChan
	if lf, err := p.hot.Stat(hash); err == nil {
		return lf, nil
	}

	if p.cold != nil && p.cold.Exists(hash) {
		start := time.Now()
		_, err := p.hot.CopyFrom(p.cold, hash, p.now())
		if err == nil {
			fetchTotal.WithLabelValues(tierCold).Inc()
			fetchDurationSeconds.WithLabelValues(tierCold).Observe(time.Since(start).Seconds())
			return p.hot.Stat(hash)
		}
		p.logger.Warn("Ошибка копирования из холодного хранилища",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
	}

	if p.origin == nil {
		fetchTotal.WithLabelValues(tierMiss).Inc()
		return nil, filestore.ErrNotFound
	}

	lf, err := p.fetchRemote(hash)
	if err != nil {
		fetchTotal.WithLabelValues(tierMiss).Inc()
		return nil, err
	}
	return lf, nil
}

// fetchRemote скачивает файл с удалённого источника через временный файл.
// Содержимое проверяется по hash: источнику не доверяем больше, чем клиенту.
func (p *FileProvider) fetchRemote(hash string) (*model.LocalFile, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.transferTimeout)
	defer cancel()

	start := time.Now()
	body, err := p.origin.Download(ctx, hash)
	if err != nil {
		if !errors.Is(err, filestore.ErrNotFound) {
			p.logger.Warn("Ошибка загрузки с удалённого источника",
				slog.String("hash", hash),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	defer body.Close()

	res, err := p.hot.Save(hash, body, true)
	if err != nil {
		p.logger.Warn("Ошибка сохранения файла с удалённого источника",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("сохранение %s: %w", hash, err)
	}

	fetchTotal.WithLabelValues(tierRemote).Inc()
	fetchDurationSeconds.WithLabelValues(tierRemote).Observe(time.Since(start).Seconds())
	p.logger.Info("Файл загружен с удалённого источника",
		slog.String("hash", hash),
		slog.Int64("size", res.Size),
		slog.Duration("duration", time.Since(start)),
	)
	return p.hot.Stat(hash)
}

// recordHit обновляет время доступа и статистику уникальных файлов.
// Время доступа холодной копии тоже обновляется: иначе её срок хранения
// отсчитывался бы от первого копирования в горячее хранилище.
func (p *FileProvider) recordHit(hash string) {
	now := p.now()
	if err := p.hot.TouchAccess(hash, now); err != nil {
		p.logger.Debug("Не удалось обновить время доступа",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
	}
	if p.cold != nil {
		_ = p.cold.TouchAccess(hash, now)
	}
	p.unique.Add(hash, struct{}{})
	uniqueFilesServed.Set(float64(p.unique.Len()))
}

// UniqueFiles возвращает число уникальных файлов, отданных за последние 24 часа.
func (p *FileProvider) UniqueFiles() int {
	return p.unique.Len()
}
