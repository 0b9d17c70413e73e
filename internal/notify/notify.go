// Пакет notify — доставка уведомления «слот выделен, можно скачивать».
// Клиентский real-time канал подписан на Redis; без Redis уведомления
// только пишутся в лог.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fs_notifications_total",
	Help: "Отправленные уведомления о готовности скачивания",
}, []string{"result"})

// DownloadReadyEvent — сообщение о выделении слота.
type DownloadReadyEvent struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	FileHashes []string  `json:"file_hashes"`
	ReadyAt    time.Time `json:"ready_at"`
}

// Channel возвращает имя канала уведомлений пользователя.
func Channel(prefix, userID string) string {
	return fmt.Sprintf("%s:download-ready:%s", prefix, userID)
}

// RedisNotifier публикует уведомления в Redis Pub/Sub.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisNotifier создаёт notifier поверх готового клиента.
func NewRedisNotifier(client *redis.Client, prefix string, logger *slog.Logger) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: logger.With(slog.String("component", "redis_notifier")),
	}
}

// DownloadReady публикует событие в канал владельца запроса.
func (n *RedisNotifier) DownloadReady(ctx context.Context, req model.DownloadRequest) error {
	payload, err := json.Marshal(DownloadReadyEvent{
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		FileHashes: req.FileHashes,
		ReadyAt:    n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("сериализация уведомления: %w", err)
	}

	channel := Channel(n.prefix, req.UserID)
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		notificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("публикация в %s: %w", channel, err)
	}
	notificationsTotal.WithLabelValues("ok").Inc()

	n.logger.Debug("Уведомление о готовности отправлено",
		slog.String("channel", channel),
		slog.String("request_id", req.RequestID),
	)
	return nil
}

// CheckReady проверяет доступность Redis.
func (n *RedisNotifier) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := n.client.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "connected"
}

// LogNotifier пишет уведомления в лог. Клиент узнаёт о слоте опросом статуса.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier создаёт notifier без внешнего канала.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "log_notifier"))}
}

// DownloadReady записывает событие в лог.
func (n *LogNotifier) DownloadReady(_ context.Context, req model.DownloadRequest) error {
	notificationsTotal.WithLabelValues("log").Inc()
	n.logger.Info("Слот скачивания выделен",
		slog.String("request_id", req.RequestID),
		slog.String("user_id", req.UserID),
		slog.Int("files", len(req.FileHashes)),
	)
	return nil
}
