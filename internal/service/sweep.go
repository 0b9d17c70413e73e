// sweep.go — периодическая очистка хранилища и сверка с метаданными.
//
// Проходы одного запуска:
//  1. Вытеснение по возрасту: запись без файла удаляется, файл без обращений
//     дольше срока хранения удаляется вместе с записью, при включённом
//     принудительном удалении — и по времени записи.
//  2. Вытеснение по размеру: пока хранилище больше лимита, удаляется файл
//     с самым старым временем доступа.
//  3. Зависшие загрузки: записи uploaded=false старше grace-периода.
//  4. Сироты: файлы без записи удаляются, пустые размеры записей заполняются.
//
// Проходы независимы: ошибка одного не прерывает остальные.
// Без БД (shard) выполняются только дисковые проходы.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/storage/filestore"
)

// tempMaxAge — возраст, после которого временный файл считается брошенным.
const tempMaxAge = time.Hour

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_sweep_runs_total",
		Help: "Количество запусков очистки хранилища",
	})

	sweepRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_sweep_removed_total",
		Help: "Удалённые файлы и записи по проходу очистки",
	}, []string{"pass"})

	sweepErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_sweep_errors_total",
		Help: "Ошибки проходов очистки",
	}, []string{"pass"})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fs_sweep_duration_seconds",
		Help:    "Длительность очистки хранилища",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// FileRegistry — операции с метаданными, нужные очистке.
type FileRegistry interface {
	ListUploadedFiles(ctx context.Context) ([]*model.FileRecord, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*model.FileRecord, error)
	ListKnownHashes(ctx context.Context) (map[string]struct{}, error)
	DeleteFile(ctx context.Context, hash string) error
	UpsertFileSize(ctx context.Context, hash string, size int64) error
}

// SweepConfig — параметры очистки.
type SweepConfig struct {
	Interval time.Duration
	// Retention — срок хранения горячих файлов без обращений
	Retention time.Duration
	// SizeLimit — лимит горячего хранилища (0 — без лимита)
	SizeLimit int64
	// ColdRetention, ColdSizeLimit — то же для холодного хранилища
	ColdRetention time.Duration
	ColdSizeLimit int64
	// ForcedAfter — удаление по времени записи (0 — выключено)
	ForcedAfter time.Duration
	// StuckUploadGrace — сколько ждать загрузку после announce
	StuckUploadGrace time.Duration
}

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// AgeEvicted — файлы, удалённые по возрасту
	AgeEvicted int
	// SizeEvicted — файлы, удалённые по лимиту размера
	SizeEvicted int
	// RecordsRemoved — записи без файла
	RecordsRemoved int
	// StuckReclaimed — зависшие загрузки
	StuckReclaimed int
	// OrphansRemoved — файлы без записи
	OrphansRemoved int
	// SizesBackfilled — записи с заполненным размером
	SizesBackfilled int
	// TempRemoved — брошенные временные файлы
	TempRemoved int
	// Errors — проходы, завершившиеся ошибкой
	Errors   int
	Duration time.Duration
}

// tier — уровень хранения с собственными лимитами.
type tier struct {
	name      string
	store     *filestore.FileStore
	retention time.Duration
	limit     int64
}

// CleanupService — фоновая очистка хранилища.
type CleanupService struct {
	hot    *filestore.FileStore
	cold   *filestore.FileStore
	files  FileRegistry
	cfg    SweepConfig
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewCleanupService создаёт сервис очистки. cold и files могут быть nil.
// При наличии cold и files холодное хранилище считается основным для сверки
// с метаданными, горячее очищается только по диску.
func NewCleanupService(
	hot, cold *filestore.FileStore,
	files FileRegistry,
	cfg SweepConfig,
	logger *slog.Logger,
) *CleanupService {
	return &CleanupService{
		hot:    hot,
		cold:   cold,
		files:  files,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "sweep")),
	}
}

// Start запускает фоновую горутину очистки.
func (s *CleanupService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(sweepCtx)

	s.logger.Info("Очистка хранилища запущена",
		slog.String("interval", s.cfg.Interval.String()),
	)
}

// Stop останавливает фоновую очистку.
func (s *CleanupService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Очистка хранилища остановлена")
}

func (s *CleanupService) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// tiers возвращает основной уровень (сверяется с БД) и остальные.
func (s *CleanupService) tiers() (primary tier, others []tier) {
	hot := tier{name: "hot", store: s.hot, retention: s.cfg.Retention, limit: s.cfg.SizeLimit}
	if s.cold == nil {
		return hot, nil
	}
	cold := tier{name: "cold", store: s.cold, retention: s.cfg.ColdRetention, limit: s.cfg.ColdSizeLimit}
	if s.files == nil {
		return hot, []tier{cold}
	}
	return cold, []tier{hot}
}

// RunOnce выполняет один цикл очистки.
func (s *CleanupService) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()
	res := &SweepResult{}
	primary, others := s.tiers()

	if s.files != nil {
		s.runPass(res, "age", func() error { return s.evictStaleRecords(ctx, primary, now, res) })
		s.runPass(res, "size", func() error { return s.evictOversize(ctx, primary, res, true) })
		s.runPass(res, "stuck", func() error { return s.reclaimStuckUploads(ctx, now, res) })
	} else {
		others = append([]tier{primary}, others...)
	}

	for _, t := range others {
		s.runPass(res, "age", func() error { return s.evictStaleFiles(t, now, res) })
		s.runPass(res, "size", func() error { return s.evictOversize(ctx, t, res, false) })
	}

	if s.files != nil {
		s.runPass(res, "orphans", func() error { return s.reconcileOrphans(ctx, primary, res) })
	}
	s.runPass(res, "temp", func() error { return s.removeStaleTemp(now, res) })

	res.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepDurationSeconds.Observe(res.Duration.Seconds())

	s.logger.Info("Очистка хранилища завершена",
		slog.Int("age_evicted", res.AgeEvicted),
		slog.Int("size_evicted", res.SizeEvicted),
		slog.Int("records_removed", res.RecordsRemoved),
		slog.Int("stuck_reclaimed", res.StuckReclaimed),
		slog.Int("orphans_removed", res.OrphansRemoved),
		slog.Int("sizes_backfilled", res.SizesBackfilled),
		slog.Int("temp_removed", res.TempRemoved),
		slog.Int("errors", res.Errors),
		slog.Duration("duration", res.Duration),
	)
	return res
}

// runPass выполняет проход с перехватом ошибок и паник.
func (s *CleanupService) runPass(res *SweepResult, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			res.Errors++
			sweepErrorsTotal.WithLabelValues(name).Inc()
			s.logger.Error("Паника в проходе очистки",
				slog.String("pass", name),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := fn(); err != nil {
		res.Errors++
		sweepErrorsTotal.WithLabelValues(name).Inc()
		s.logger.Error("Ошибка прохода очистки",
			slog.String("pass", name),
			slog.String("error", err.Error()),
		)
	}
}

// indexFiles строит карту hash → файл уровня.
func indexFiles(store *filestore.FileStore) (map[string]model.PhysicalFile, error) {
	files, err := store.List()
	if err != nil {
		return nil, err
	}
	idx := make(map[string]model.PhysicalFile, len(files))
	for _, f := range files {
		idx[f.Hash] = f
	}
	return idx, nil
}

// expired проверяет срок хранения и принудительное удаление.
func (s *CleanupService) expired(f model.PhysicalFile, retention time.Duration, now time.Time) bool {
	if retention > 0 && now.Sub(f.AccessTime) > retention {
		return true
	}
	return s.cfg.ForcedAfter > 0 && now.Sub(f.WriteTime) > s.cfg.ForcedAfter
}

// deleteEverywhere удаляет файл со всех уровней.
func (s *CleanupService) deleteEverywhere(hash string) error {
	if err := s.hot.Delete(hash); err != nil {
		return err
	}
	if s.cold != nil {
		return s.cold.Delete(hash)
	}
	return nil
}

// evictStaleRecords — вытеснение по возрасту с записями БД.
func (s *CleanupService) evictStaleRecords(ctx context.Context, t tier, now time.Time, res *SweepResult) error {
	records, err := s.files.ListUploadedFiles(ctx)
	if err != nil {
		return err
	}
	onDisk, err := indexFiles(t.store)
	if err != nil {
		return err
	}

	for _, rec := range records {
		f, ok := onDisk[rec.Hash]
		switch {
		case !ok || f.Size == 0:
			// Диск — источник истины для существования файла
			if ok {
				_ = s.deleteEverywhere(rec.Hash)
			}
			if err := s.files.DeleteFile(ctx, rec.Hash); err != nil {
				return err
			}
			res.RecordsRemoved++
			sweepRemovedTotal.WithLabelValues("missing").Inc()
		case s.expired(f, t.retention, now):
			if err := s.deleteEverywhere(rec.Hash); err != nil {
				s.logger.Warn("Не удалось удалить устаревший файл",
					slog.String("hash", rec.Hash),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := s.files.DeleteFile(ctx, rec.Hash); err != nil {
				return err
			}
			res.AgeEvicted++
			sweepRemovedTotal.WithLabelValues("age").Inc()
			s.logger.Debug("Файл удалён по возрасту",
				slog.String("hash", rec.Hash),
				slog.String("tier", t.name),
				slog.Time("last_access", f.AccessTime),
			)
		}
	}
	return nil
}

// evictStaleFiles — вытеснение по возрасту только по диску.
func (s *CleanupService) evictStaleFiles(t tier, now time.Time, res *SweepResult) error {
	files, err := t.store.List()
	if err != nil {
		return err
	}
	for _, f := range files {
		if !s.expired(f, t.retention, now) {
			continue
		}
		if err := t.store.Delete(f.Hash); err != nil {
			s.logger.Warn("Не удалось удалить устаревший файл",
				slog.String("hash", f.Hash),
				slog.String("tier", t.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.AgeEvicted++
		sweepRemovedTotal.WithLabelValues("age").Inc()
	}
	return nil
}

// evictOversize удаляет файлы с самым старым временем доступа, пока
// уровень больше лимита. Список пересчитывается целиком на каждом запуске.
func (s *CleanupService) evictOversize(ctx context.Context, t tier, res *SweepResult, withRecords bool) error {
	if t.limit <= 0 {
		return nil
	}
	files, err := t.store.List()
	if err != nil {
		return err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	if total <= t.limit {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].AccessTime.Before(files[j].AccessTime)
	})

	s.logger.Info("Хранилище превысило лимит размера",
		slog.String("tier", t.name),
		slog.Int64("total_bytes", total),
		slog.Int64("limit_bytes", t.limit),
	)

	for _, f := range files {
		if total <= t.limit {
			break
		}
		if withRecords {
			err = s.deleteEverywhere(f.Hash)
		} else {
			err = t.store.Delete(f.Hash)
		}
		if err != nil {
			s.logger.Warn("Не удалось удалить файл при вытеснении по размеру",
				slog.String("hash", f.Hash),
				slog.String("error", err.Error()),
			)
			continue
		}
		total -= f.Size
		res.SizeEvicted++
		sweepRemovedTotal.WithLabelValues("size").Inc()

		if withRecords {
			if err := s.files.DeleteFile(ctx, f.Hash); err != nil {
				return err
			}
		}
	}
	return nil
}

// reclaimStuckUploads удаляет брошенные после announce загрузки.
func (s *CleanupService) reclaimStuckUploads(ctx context.Context, now time.Time, res *SweepResult) error {
	pending, err := s.files.ListPendingBefore(ctx, now.Add(-s.cfg.StuckUploadGrace))
	if err != nil {
		return err
	}
	for _, rec := range pending {
		_ = s.deleteEverywhere(rec.Hash)
		if err := s.files.DeleteFile(ctx, rec.Hash); err != nil {
			return err
		}
		res.StuckReclaimed++
		sweepRemovedTotal.WithLabelValues("stuck").Inc()
		s.logger.Debug("Зависшая загрузка удалена",
			slog.String("hash", rec.Hash),
			slog.String("uploader_id", rec.UploaderID),
		)
	}
	return nil
}

// reconcileOrphans удаляет файлы без записи на всех уровнях и заполняет
// пустые размеры записей по основному уровню.
func (s *CleanupService) reconcileOrphans(ctx context.Context, primary tier, res *SweepResult) error {
	known, err := s.files.ListKnownHashes(ctx)
	if err != nil {
		return err
	}

	stores := []*filestore.FileStore{s.hot}
	if s.cold != nil {
		stores = append(stores, s.cold)
	}
	for _, store := range stores {
		files, err := store.List()
		if err != nil {
			return err
		}
		for _, f := range files {
			if _, ok := known[f.Hash]; ok {
				continue
			}
			if err := store.Delete(f.Hash); err != nil {
				s.logger.Warn("Не удалось удалить файл без записи",
					slog.String("hash", f.Hash),
					slog.String("error", err.Error()),
				)
				continue
			}
			res.OrphansRemoved++
			sweepRemovedTotal.WithLabelValues("orphan").Inc()
		}
	}

	records, err := s.files.ListUploadedFiles(ctx)
	if err != nil {
		return err
	}
	onDisk, err := indexFiles(primary.store)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.SizeBytes != 0 {
			continue
		}
		f, ok := onDisk[rec.Hash]
		if !ok || f.Size == 0 {
			continue
		}
		if err := s.files.UpsertFileSize(ctx, rec.Hash, f.Size); err != nil {
			return err
		}
		res.SizesBackfilled++
	}
	return nil
}

// removeStaleTemp удаляет брошенные временные файлы на всех уровнях.
func (s *CleanupService) removeStaleTemp(now time.Time, res *SweepResult) error {
	stores := []*filestore.FileStore{s.hot}
	if s.cold != nil {
		stores = append(stores, s.cold)
	}
	for _, store := range stores {
		n, err := store.RemoveStaleTemp(now.Add(-tempMaxAge))
		if err != nil {
			return err
		}
		res.TempRemoved += n
	}
	return nil
}
