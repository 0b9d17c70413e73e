package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/repository"
)

// priorityCacheSize — максимум пользователей в кэше приоритета.
const priorityCacheSize = 100_000

// UserDirectory — источник признака приоритета пользователя.
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (*model.UserRecord, error)
}

// priorityEntry — закэшированный признак приоритета.
type priorityEntry struct {
	isHigh    bool
	checkedAt time.Time
}

// isStale возвращает true, если запись пора перепроверить.
func (e priorityEntry) isStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.checkedAt) >= ttl
}

// PriorityCache — кэш признака «есть vanity alias» с ленивым обновлением.
// Устаревшая запись не удаляется: при недоступности БД отдаётся последнее
// известное значение.
type PriorityCache struct {
	users   UserDirectory
	ttl     time.Duration
	entries *lru.Cache[string, priorityEntry]
	now     func() time.Time
	logger  *slog.Logger
}

// NewPriorityCache создаёт кэш. users == nil — приоритетов нет (shard без БД).
func NewPriorityCache(users UserDirectory, ttl time.Duration, logger *slog.Logger) *PriorityCache {
	entries, _ := lru.New[string, priorityEntry](priorityCacheSize) // ошибка только при size <= 0
	return &PriorityCache{
		users:   users,
		ttl:     ttl,
		entries: entries,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "priority_cache")),
	}
}

// IsHighPriority возвращает признак приоритета пользователя.
func (c *PriorityCache) IsHighPriority(ctx context.Context, userID string) bool {
	if c.users == nil {
		return false
	}

	now := c.now()
	cached, ok := c.entries.Get(userID)
	if ok && !cached.isStale(now, c.ttl) {
		return cached.isHigh
	}

	user, err := c.users.FindUser(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.entries.Add(userID, priorityEntry{isHigh: false, checkedAt: now})
		return false
	case err != nil:
		c.logger.Warn("Не удалось получить приоритет пользователя",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return ok && cached.isHigh
	}

	c.entries.Add(userID, priorityEntry{isHigh: user.HasAlias, checkedAt: now})
	return user.HasAlias
}
