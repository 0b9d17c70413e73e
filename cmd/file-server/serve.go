package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bigkaa/modsync/file-server/internal/api/handlers"
	"github.com/bigkaa/modsync/file-server/internal/api/middleware"
	"github.com/bigkaa/modsync/file-server/internal/api/openapi"
	"github.com/bigkaa/modsync/file-server/internal/config"
	"github.com/bigkaa/modsync/file-server/internal/database"
	"github.com/bigkaa/modsync/file-server/internal/mainclient"
	"github.com/bigkaa/modsync/file-server/internal/notify"
	"github.com/bigkaa/modsync/file-server/internal/repository"
	"github.com/bigkaa/modsync/file-server/internal/server"
	"github.com/bigkaa/modsync/file-server/internal/service"
	"github.com/bigkaa/modsync/file-server/internal/shard"
	"github.com/bigkaa/modsync/file-server/internal/storage/filestore"
)

// stores — горячее и (опционально) холодное хранилища.
type stores struct {
	hot  *filestore.FileStore
	cold *filestore.FileStore
}

func openStores(cfg *config.Config) (*stores, error) {
	hot, err := filestore.New(cfg.CacheDirectory)
	if err != nil {
		return nil, fmt.Errorf("горячее хранилище: %w", err)
	}
	s := &stores{hot: hot}
	if cfg.UseColdStorage {
		s.cold, err = filestore.New(cfg.ColdStorageDirectory)
		if err != nil {
			return nil, fmt.Errorf("холодное хранилище: %w", err)
		}
	}
	return s, nil
}

func sweepConfig(cfg *config.Config) service.SweepConfig {
	return service.SweepConfig{
		Interval:         cfg.CleanupInterval,
		Retention:        cfg.UnusedFileRetention,
		SizeLimit:        cfg.CacheSizeHardLimit,
		ColdRetention:    cfg.ColdUnusedFileRetention,
		ColdSizeLimit:    cfg.ColdSizeHardLimit,
		ForcedAfter:      cfg.ForcedDeletionAfter,
		StuckUploadGrace: cfg.StuckUploadGrace,
	}
}

// runServe собирает зависимости узла и запускает HTTP-сервер.
func runServe(_ *cobra.Command, _ []string) error {
	// 1. Конфигурация и логгер
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Файловый сервер запускается",
		slog.String("version", config.Version),
		slog.String("role", cfg.Role),
		slog.Int("port", cfg.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Хранилища
	st, err := openStores(cfg)
	if err != nil {
		return err
	}

	checks := make(map[string]handlers.ReadinessChecker)
	deps := handlers.Deps{Role: cfg.Role, Hot: st.hot}

	// 3. PostgreSQL и репозитории (только координатор)
	var (
		users    service.UserDirectory
		registry service.FileRegistry
	)
	dephParams := service.DephealthParams{
		ServiceID:     cfg.ServiceName(),
		Group:         cfg.DephealthGroup,
		CheckInterval: cfg.DephealthCheckInterval,
	}
	if cfg.IsMain() {
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			return fmt.Errorf("миграции БД: %w", err)
		}

		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		// Проверка PostgreSQL в topologymetrics идёт через существующий пул
		pgDB := stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()
		dephParams.DB = pgDB
		dephParams.DBURL = cfg.DatabaseURL()

		fileRepo := repository.NewFileRepository(pool)
		users = repository.NewUserRepository(pool)
		registry = fileRepo
		deps.Uploader = service.NewUploadService(st.hot, st.cold, fileRepo, repository.NewTxRunner(pool), logger)
		checks["postgresql"] = database.NewReadinessChecker(pool)
	}

	// 4. Удалённый источник файлов
	var origin service.Origin
	if addr := cfg.OriginAddress(); addr != "" {
		client, err := mainclient.New(addr, cfg.MainCACert, cfg.HTTPClientTimeout, cfg.ServiceToken, logger)
		if err != nil {
			return fmt.Errorf("клиент узла-источника: %w", err)
		}
		origin = client
		logger.Info("Узел-источник файлов", slog.String("address", addr))
	}

	files := service.NewFileProvider(service.FileProviderConfig{
		Hot:         st.hot,
		Cold:        st.cold,
		Origin:      origin,
		WaitTimeout: cfg.FetchWaitTimeout,
	}, logger)
	deps.Files = files

	// 5. Уведомления о готовности слота
	var notifier service.ReadyNotifier
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		redisNotifier := notify.NewRedisNotifier(rdb, cfg.RedisChannelPrefix, logger)
		notifier = redisNotifier
		checks["redis"] = redisNotifier
	} else {
		logger.Info("FS_REDIS_ADDR не задан, уведомления только в лог")
		notifier = notify.NewLogNotifier(logger)
	}

	// 6. Очередь скачиваний
	priority := service.NewPriorityCache(users, cfg.PriorityCacheTTL, logger)
	queue := service.NewRequestQueue(service.QueueConfig{
		Size:             cfg.DownloadQueueSize,
		AdmissionTimeout: cfg.DownloadAdmissionTimeout,
		ReleaseTimeout:   cfg.DownloadReleaseTimeout,
		ClearLimit:       cfg.DownloadQueueClearLimit,
		TickInterval:     cfg.QueueTickInterval,
	}, priority, notifier, logger)
	deps.Queue = queue

	// 7. Топология: реестр shard на координаторе, heartbeat на shard
	var (
		shardRegistry *shard.Registry
		heartbeat     *shard.HeartbeatClient
	)
	if cfg.IsMain() {
		shardRegistry = shard.NewRegistry(shard.RegistryConfig{
			PublicAddress:   cfg.PublicAddress,
			SweepInterval:   cfg.ShardSweepInterval,
			LivenessTimeout: cfg.ShardLivenessTimeout,
		}, logger)
		deps.Shards = shardRegistry
	} else {
		mainClient, err := mainclient.New(cfg.MainFileServerAddress, cfg.MainCACert, cfg.HTTPClientTimeout, cfg.ServiceToken, logger)
		if err != nil {
			return fmt.Errorf("клиент координатора: %w", err)
		}
		heartbeat = shard.NewHeartbeatClient(mainClient, *cfg.Shard, cfg.ShardHeartbeatInterval, logger)
		checks["registration"] = heartbeat
		dephParams.MainURL = cfg.MainFileServerAddress
	}

	// 8. Очистка хранилища
	cleanup := service.NewCleanupService(st.hot, st.cold, registry, sweepConfig(cfg), logger)

	// 9. Аутентификация
	var userAuth func(http.Handler) http.Handler
	if cfg.JWKSURL != "" {
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSURL,
			CACertPath:      cfg.JWKSCACert,
			ClientTimeout:   cfg.HTTPClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			return fmt.Errorf("JWT middleware: %w", err)
		}
		userAuth = jwtAuth.Middleware()
		logger.Info("JWT middleware инициализирован", slog.String("jwks_url", cfg.JWKSURL))
	} else {
		logger.Warn("FS_JWKS_URL не задан, пользователь определяется по заголовку " + middleware.HeaderUserID)
		userAuth = middleware.HeaderAuth()
	}
	if cfg.ServiceToken == "" {
		logger.Warn("FS_SERVICE_TOKEN не задан, служебный API без аутентификации")
	}

	doc, err := openapi.Load()
	if err != nil {
		return fmt.Errorf("загрузка OpenAPI: %w", err)
	}
	validator, err := middleware.NewOpenAPIValidator(doc, logger)
	if err != nil {
		return fmt.Errorf("валидатор OpenAPI: %w", err)
	}

	// 10. Фоновые задачи
	queue.Start(ctx)
	cleanup.Start(ctx)
	if shardRegistry != nil {
		shardRegistry.Start(ctx)
	}
	if heartbeat != nil {
		heartbeat.Start(ctx)
	}

	dephealthSvc, err := service.NewDephealthService(dephParams, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		dephealthSvc = nil
	}

	// 11. HTTP-сервер
	router := server.NewRouter(server.Routes{
		API:         handlers.NewAPIHandler(deps, logger),
		Health:      handlers.NewHealthHandler(cfg.ServiceName(), checks),
		UserAuth:    userAuth,
		ServiceAuth: middleware.ServiceAuth(cfg.ServiceToken),
	},
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
		validator.Middleware(),
	)
	runErr := server.New(cfg, logger, router).Run(ctx)

	// 12. Остановка фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if heartbeat != nil {
		heartbeat.Stop()
	}
	if shardRegistry != nil {
		shardRegistry.Stop()
	}
	cleanup.Stop()
	queue.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("Файловый сервер остановлен")
	return nil
}
