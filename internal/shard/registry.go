// Пакет shard — реестр shard-узлов на координаторе и heartbeat-клиент
// на стороне shard.
package shard

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/modsync/file-server/internal/config"
	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

// ErrShardNotRegistered — heartbeat от shard, которого нет в реестре.
var ErrShardNotRegistered = errors.New("shard не зарегистрирован")

// mainShardName — имя маршрута на сам координатор.
const mainShardName = "main"

var shardsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "fs_shards_registered",
	Help: "Количество зарегистрированных shard-узлов",
})

// entry — конфигурация shard и время последнего сигнала.
type entry struct {
	config   model.ShardConfiguration
	lastSeen time.Time
}

// RegistryConfig — параметры реестра.
type RegistryConfig struct {
	// PublicAddress — адрес координатора для маршрута по умолчанию
	PublicAddress string
	// SweepInterval — период проверки живости
	SweepInterval time.Duration
	// LivenessTimeout — порог молчания до удаления
	LivenessTimeout time.Duration
}

// Registry — реестр shard-узлов координатора.
type Registry struct {
	cfg    RegistryConfig
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	shards map[string]*entry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "shard_registry")),
		shards: make(map[string]*entry),
	}
}

// Register добавляет или обновляет конфигурацию shard.
func (r *Registry) Register(sc model.ShardConfiguration) error {
	if err := config.ValidateShardConfiguration(&sc); err != nil {
		return err
	}

	now := r.now()
	r.mu.Lock()
	_, existed := r.shards[sc.ShardName]
	r.shards[sc.ShardName] = &entry{config: sc, lastSeen: now}
	count := len(r.shards)
	r.mu.Unlock()

	shardsRegistered.Set(float64(count))
	if !existed {
		r.logger.Info("Shard зарегистрирован",
			slog.String("shard", sc.ShardName),
			slog.Any("continents", sc.Continents),
		)
	}
	return nil
}

// Heartbeat обновляет время последнего сигнала shard.
func (r *Registry) Heartbeat(name string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.shards[name]
	if !ok {
		return ErrShardNotRegistered
	}
	e.lastSeen = now
	return nil
}

// Unregister удаляет shard. Отсутствие shard не считается ошибкой.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, ok := r.shards[name]
	delete(r.shards, name)
	count := len(r.shards)
	r.mu.Unlock()

	shardsRegistered.Set(float64(count))
	if ok {
		r.logger.Info("Shard снят с регистрации", slog.String("shard", name))
	}
}

// ConfigurationsForContinent возвращает маршруты для региона клиента:
// shard с точным совпадением, иначе shard с "*", иначе сам координатор.
func (r *Registry) ConfigurationsForContinent(tag string) []model.ShardConfiguration {
	r.mu.RLock()
	var exact, wildcard []model.ShardConfiguration
	for _, e := range r.shards {
		switch {
		case e.config.CoversContinent(tag):
			exact = append(exact, e.config)
		case e.config.CoversContinent(model.WildcardContinent):
			wildcard = append(wildcard, e.config)
		}
	}
	r.mu.RUnlock()

	result := exact
	if len(result) == 0 {
		result = wildcard
	}
	if len(result) == 0 {
		return []model.ShardConfiguration{r.mainConfiguration()}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ShardName < result[j].ShardName })
	return result
}

// mainConfiguration — маршрут на сам координатор.
func (r *Registry) mainConfiguration() model.ShardConfiguration {
	return model.ShardConfiguration{
		ShardName:  mainShardName,
		Continents: []string{model.WildcardContinent},
		RegionURIs: map[string]string{model.WildcardContinent: r.cfg.PublicAddress},
	}
}

// Heartbeats возвращает записи о последнем сигнале всех shard.
func (r *Registry) Heartbeats() []model.ShardHeartbeatRecord {
	r.mu.RLock()
	out := make([]model.ShardHeartbeatRecord, 0, len(r.shards))
	for name, e := range r.shards {
		out = append(out, model.ShardHeartbeatRecord{ShardName: name, LastSeenAt: e.lastSeen})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ShardName < out[j].ShardName })
	return out
}

// EvictDead удаляет shard, молчащие дольше LivenessTimeout.
// Возвращает имена удалённых.
func (r *Registry) EvictDead() []string {
	now := r.now()
	r.mu.Lock()
	var evicted []string
	for name, e := range r.shards {
		if now.Sub(e.lastSeen) > r.cfg.LivenessTimeout {
			delete(r.shards, name)
			evicted = append(evicted, name)
		}
	}
	count := len(r.shards)
	r.mu.Unlock()

	shardsRegistered.Set(float64(count))
	for _, name := range evicted {
		r.logger.Warn("Shard удалён: нет heartbeat",
			slog.String("shard", name),
			slog.Duration("timeout", r.cfg.LivenessTimeout),
		)
	}
	return evicted
}

// Start запускает проверку живости shard.
func (r *Registry) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(sweepCtx)

	r.logger.Info("Реестр shard запущен",
		slog.String("interval", r.cfg.SweepInterval.String()),
		slog.String("liveness_timeout", r.cfg.LivenessTimeout.String()),
	)
}

// Stop останавливает проверку живости.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Реестр shard остановлен")
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictDead()
		}
	}
}
