package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

// UserRepository — чтение пользователей. Схемой пользователей владеет
// социальная часть системы, здесь нужен только признак alias.
type UserRepository interface {
	// FindUser возвращает пользователя по UID или ErrNotFound.
	FindUser(ctx context.Context, id string) (*model.UserRecord, error)
}

type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

// FindUser возвращает пользователя по UID.
func (r *userRepo) FindUser(ctx context.Context, id string) (*model.UserRecord, error) {
	u := &model.UserRecord{}
	err := r.db.QueryRow(ctx,
		`SELECT id, alias IS NOT NULL AND alias <> '' FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.HasAlias)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}
