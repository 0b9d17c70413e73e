package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bigkaa/modsync/file-server/internal/database"
	"github.com/bigkaa/modsync/file-server/internal/repository"
	"github.com/bigkaa/modsync/file-server/internal/service"
)

// runMigrate применяет миграции и завершается.
func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.IsMain() {
		return errors.New("миграции применяются только на координаторе (FS_ROLE=main)")
	}
	return database.Migrate(cfg, logger)
}

// runSweep выполняет один цикл очистки с теми же правилами, что и фоновая задача.
func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}

	var registry service.FileRegistry
	if cfg.IsMain() {
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		registry = repository.NewFileRepository(pool)
	}

	res := service.NewCleanupService(stores.hot, stores.cold, registry, sweepConfig(cfg), logger).RunOnce(ctx)
	if res.Errors > 0 {
		return fmt.Errorf("очистка завершилась с ошибками: %d", res.Errors)
	}
	logger.Info("Однократная очистка выполнена", slog.Duration("duration", res.Duration))
	return nil
}
