package shard

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

var heartbeatFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fs_shard_heartbeat_failures_total",
	Help: "Неудачные попытки регистрации или heartbeat shard",
})

// unregisterTimeout — ограничение на снятие с регистрации при остановке.
const unregisterTimeout = 5 * time.Second

// Coordinator — API координатора, используемое shard.
type Coordinator interface {
	Register(ctx context.Context, sc *model.ShardConfiguration) error
	Heartbeat(ctx context.Context, shardName string) error
	Unregister(ctx context.Context, shardName string) error
}

// HeartbeatClient поддерживает регистрацию shard на координаторе.
// Любая ошибка сбрасывает признак регистрации: следующий тик сначала
// регистрирует shard заново.
type HeartbeatClient struct {
	main     Coordinator
	config   model.ShardConfiguration
	interval time.Duration
	logger   *slog.Logger

	registered atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHeartbeatClient создаёт heartbeat-клиент.
func NewHeartbeatClient(main Coordinator, sc model.ShardConfiguration, interval time.Duration, logger *slog.Logger) *HeartbeatClient {
	return &HeartbeatClient{
		main:     main,
		config:   sc,
		interval: interval,
		logger: logger.With(
			slog.String("component", "shard_heartbeat"),
			slog.String("shard", sc.ShardName),
		),
	}
}

// Registered возвращает true, если последний тик прошёл успешно.
func (h *HeartbeatClient) Registered() bool {
	return h.registered.Load()
}

// CheckReady реализует проверку готовности shard.
func (h *HeartbeatClient) CheckReady() (string, string) {
	if h.registered.Load() {
		return "ok", "registered"
	}
	return "fail", "shard не зарегистрирован на координаторе"
}

// Beat выполняет один тик: регистрацию при необходимости и heartbeat.
func (h *HeartbeatClient) Beat(ctx context.Context) error {
	if !h.registered.Load() {
		sc := h.config
		if err := h.main.Register(ctx, &sc); err != nil {
			heartbeatFailuresTotal.Inc()
			h.logger.Warn("Не удалось зарегистрироваться на координаторе",
				slog.String("error", err.Error()),
			)
			return err
		}
		h.registered.Store(true)
		h.logger.Info("Shard зарегистрирован на координаторе")
	}

	if err := h.main.Heartbeat(ctx, h.config.ShardName); err != nil {
		h.registered.Store(false)
		heartbeatFailuresTotal.Inc()
		h.logger.Warn("Heartbeat не прошёл, повторная регистрация на следующем тике",
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Start выполняет первый тик сразу и запускает периодический heartbeat.
func (h *HeartbeatClient) Start(ctx context.Context) {
	beatCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go h.run(beatCtx)

	h.logger.Info("Heartbeat shard запущен", slog.String("interval", h.interval.String()))
}

// Stop останавливает heartbeat и снимает shard с регистрации.
func (h *HeartbeatClient) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done

	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if err := h.main.Unregister(ctx, h.config.ShardName); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Не удалось снять shard с регистрации",
			slog.String("error", err.Error()),
		)
	}
	h.registered.Store(false)
	h.logger.Info("Heartbeat shard остановлен")
}

func (h *HeartbeatClient) run(ctx context.Context) {
	defer close(h.done)

	_ = h.Beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.Beat(ctx)
		}
	}
}
