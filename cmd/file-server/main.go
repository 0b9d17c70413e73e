// Точка входа файлового сервера. Команды:
//   - serve   — HTTP-сервер (роль main или shard из FS_ROLE)
//   - sweep   — однократная очистка хранилища
//   - migrate — применение миграций БД координатора
//   - version — версия сборки
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigkaa/modsync/file-server/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "file-server",
		Short: "Файловый сервер с очередью скачиваний и shard-узлами",
		Long: `Файловый сервер раздаёт файлы по content hash.

Координатор (FS_ROLE=main) хранит метаданные в PostgreSQL, принимает загрузки
и ведёт реестр shard-узлов. Shard (FS_ROLE=shard) регистрируется у координатора
и подтягивает отсутствующие файлы с узла-источника.

Конфигурация задаётся переменными окружения FS_*.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP-сервер",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Выполнить один цикл очистки хранилища и выйти",
		RunE:  runSweep,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Применить миграции БД координатора",
		RunE:  runMigrate,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "file-server %s\n", config.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Ошибка выполнения команды", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadConfig загружает конфигурацию и настраивает логгер.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}
