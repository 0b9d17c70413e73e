// Пакет config — загрузка и валидация конфигурации файлового сервера
// из переменных окружения (префикс FS_) и YAML-файла конфигурации shard.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Роли узла.
const (
	// RoleMain — координатор: метаданные, реестр shard, загрузка файлов
	RoleMain = "main"
	// RoleShard — узел раздачи, регистрируется у координатора
	RoleShard = "shard"
)

// gib — байт в одном GiB.
const gib = int64(1) << 30

// Config содержит все параметры конфигурации файлового сервера.
type Config struct {
	// --- Сервер ---

	// Роль узла (main, shard)
	Role string
	// Порт HTTP-сервера
	Port int
	// Публичный базовый адрес узла (отдаётся клиентам и координатору)
	PublicAddress string
	// Уровень логирования
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// TLS-сертификат и ключ (пусто — HTTP без TLS)
	TLSCert string
	TLSKey  string

	// --- Хранилище ---

	// Горячее хранилище (директория раздачи)
	CacheDirectory string
	// Холодное хранилище
	ColdStorageDirectory string
	// Использовать холодное хранилище
	UseColdStorage bool
	// Жёсткий лимит горячего хранилища в байтах (0 — без лимита)
	CacheSizeHardLimit int64
	// Срок хранения неиспользуемых файлов (по atime)
	UnusedFileRetention time.Duration
	// Принудительное удаление по времени записи (0 — выключено)
	ForcedDeletionAfter time.Duration
	// Интервал очистки
	CleanupInterval time.Duration
	// Срок хранения в холодном хранилище
	ColdUnusedFileRetention time.Duration
	// Жёсткий лимит холодного хранилища в байтах (0 — без лимита)
	ColdSizeHardLimit int64
	// Срок ожидания загрузки после announce
	StuckUploadGrace time.Duration

	// --- Очередь скачиваний ---

	// Число слотов
	DownloadQueueSize int
	// Таймаут активации зарезервированного слота
	DownloadAdmissionTimeout time.Duration
	// Таймаут освобождения активного слота
	DownloadReleaseTimeout time.Duration
	// Порог сброса обычной очереди
	DownloadQueueClearLimit int
	// Период тика очереди
	QueueTickInterval time.Duration
	// Максимальное ожидание загрузки файла в горячее хранилище
	FetchWaitTimeout time.Duration
	// TTL кэша приоритета пользователей
	PriorityCacheTTL time.Duration

	// --- Топология ---

	// Адрес координатора
	MainFileServerAddress string
	// Адрес узла-источника файлов (пусто — координатор сам источник)
	DistributionFileServerAddress string
	// Путь к YAML-файлу конфигурации shard
	ShardConfigFile string
	// Конфигурация shard (только для роли shard)
	Shard *model.ShardConfiguration
	// Интервал heartbeat shard
	ShardHeartbeatInterval time.Duration
	// Интервал проверки живости shard на координаторе
	ShardSweepInterval time.Duration
	// Порог молчания shard до удаления из реестра
	ShardLivenessTimeout time.Duration
	// CA-сертификат координатора (пусто — системный пул)
	MainCACert string

	// --- PostgreSQL (только main) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Redis (опционально) ---

	// Адрес Redis (пусто — уведомления только в лог)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Префикс каналов уведомлений
	RedisChannelPrefix string

	// --- Аутентификация ---

	// URL JWKS (пусто — dev-режим, пользователь из X-User-ID)
	JWKSURL string
	// Путь к CA-сертификату для JWKS
	JWKSCACert string
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Токен межсервисного взаимодействия (shard ↔ main)
	ServiceToken string

	// --- HTTP ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут HTTP-клиента к координатору
	HTTPClientTimeout time.Duration

	// --- topologymetrics ---

	DephealthCheckInterval time.Duration
	DephealthGroup         string

	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// FS_ROLE — роль узла (по умолчанию main)
	cfg.Role = getEnvDefault("FS_ROLE", RoleMain)
	if cfg.Role != RoleMain && cfg.Role != RoleShard {
		return nil, fmt.Errorf("FS_ROLE: недопустимое значение %q, допустимые: main, shard", cfg.Role)
	}

	cfg.Port, err = getEnvInt("FS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FS_PORT: %w", err)
	}

	cfg.TLSCert = getEnvDefault("FS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("FS_TLS_KEY", "")

	// FS_PUBLIC_ADDRESS — обязательный
	cfg.PublicAddress, err = getEnvRequired("FS_PUBLIC_ADDRESS")
	if err != nil {
		return nil, err
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("FS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- Хранилище ---

	cfg.CacheDirectory, err = getEnvRequired("FS_CACHE_DIRECTORY")
	if err != nil {
		return nil, err
	}
	cfg.ColdStorageDirectory = getEnvDefault("FS_COLD_STORAGE_DIRECTORY", "")

	cfg.UseColdStorage, err = getEnvBool("FS_USE_COLD_STORAGE", false)
	if err != nil {
		return nil, fmt.Errorf("FS_USE_COLD_STORAGE: %w", err)
	}

	limitGiB, err := getEnvInt64("FS_CACHE_SIZE_HARD_LIMIT_GIB", 0)
	if err != nil {
		return nil, fmt.Errorf("FS_CACHE_SIZE_HARD_LIMIT_GIB: %w", err)
	}
	cfg.CacheSizeHardLimit = limitGiB * gib

	retentionDays, err := getEnvInt("FS_UNUSED_FILE_RETENTION_DAYS", 14)
	if err != nil {
		return nil, fmt.Errorf("FS_UNUSED_FILE_RETENTION_DAYS: %w", err)
	}
	cfg.UnusedFileRetention = time.Duration(retentionDays) * 24 * time.Hour

	// FS_FORCED_DELETION_AFTER_HOURS — отрицательное значение выключает
	forcedHours, err := getEnvInt("FS_FORCED_DELETION_AFTER_HOURS", -1)
	if err != nil {
		return nil, fmt.Errorf("FS_FORCED_DELETION_AFTER_HOURS: %w", err)
	}
	if forcedHours > 0 {
		cfg.ForcedDeletionAfter = time.Duration(forcedHours) * time.Hour
	}

	cleanupMinutes, err := getEnvInt("FS_CLEANUP_CHECK_MINUTES", 15)
	if err != nil {
		return nil, fmt.Errorf("FS_CLEANUP_CHECK_MINUTES: %w", err)
	}
	cfg.CleanupInterval = time.Duration(cleanupMinutes) * time.Minute

	coldDays, err := getEnvInt("FS_COLD_RETENTION_DAYS", 60)
	if err != nil {
		return nil, fmt.Errorf("FS_COLD_RETENTION_DAYS: %w", err)
	}
	cfg.ColdUnusedFileRetention = time.Duration(coldDays) * 24 * time.Hour

	coldLimitGiB, err := getEnvInt64("FS_COLD_SIZE_HARD_LIMIT_GIB", 0)
	if err != nil {
		return nil, fmt.Errorf("FS_COLD_SIZE_HARD_LIMIT_GIB: %w", err)
	}
	cfg.ColdSizeHardLimit = coldLimitGiB * gib

	cfg.StuckUploadGrace, err = getEnvDuration("FS_STUCK_UPLOAD_GRACE", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FS_STUCK_UPLOAD_GRACE: %w", err)
	}

	// --- Очередь скачиваний ---

	cfg.DownloadQueueSize, err = getEnvInt("FS_DOWNLOAD_QUEUE_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("FS_DOWNLOAD_QUEUE_SIZE: %w", err)
	}

	admissionSec, err := getEnvInt("FS_DOWNLOAD_TIMEOUT_SECONDS", 5)
	if err != nil {
		return nil, fmt.Errorf("FS_DOWNLOAD_TIMEOUT_SECONDS: %w", err)
	}
	cfg.DownloadAdmissionTimeout = time.Duration(admissionSec) * time.Second

	releaseSec, err := getEnvInt("FS_DOWNLOAD_QUEUE_RELEASE_SECONDS", 15)
	if err != nil {
		return nil, fmt.Errorf("FS_DOWNLOAD_QUEUE_RELEASE_SECONDS: %w", err)
	}
	cfg.DownloadReleaseTimeout = time.Duration(releaseSec) * time.Second

	cfg.DownloadQueueClearLimit, err = getEnvInt("FS_DOWNLOAD_QUEUE_CLEAR_LIMIT", 15000)
	if err != nil {
		return nil, fmt.Errorf("FS_DOWNLOAD_QUEUE_CLEAR_LIMIT: %w", err)
	}

	cfg.QueueTickInterval, err = getEnvDuration("FS_QUEUE_TICK_INTERVAL", 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("FS_QUEUE_TICK_INTERVAL: %w", err)
	}

	cfg.FetchWaitTimeout, err = getEnvDuration("FS_FETCH_WAIT_TIMEOUT", 300*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_FETCH_WAIT_TIMEOUT: %w", err)
	}

	cfg.PriorityCacheTTL, err = getEnvDuration("FS_PRIORITY_CACHE_TTL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FS_PRIORITY_CACHE_TTL: %w", err)
	}

	// --- Топология ---

	cfg.MainFileServerAddress = strings.TrimRight(getEnvDefault("FS_MAIN_FILE_SERVER_ADDRESS", ""), "/")
	cfg.DistributionFileServerAddress = strings.TrimRight(getEnvDefault("FS_DISTRIBUTION_FILE_SERVER_ADDRESS", ""), "/")

	cfg.ShardConfigFile = getEnvDefault("FS_SHARD_CONFIG_FILE", "")
	if cfg.Role == RoleShard && cfg.ShardConfigFile != "" {
		cfg.Shard, err = LoadShardConfiguration(cfg.ShardConfigFile)
		if err != nil {
			return nil, fmt.Errorf("FS_SHARD_CONFIG_FILE: %w", err)
		}
		// FS_SHARD_NAME переопределяет имя из файла
		if name := getEnvDefault("FS_SHARD_NAME", ""); name != "" {
			cfg.Shard.ShardName = name
		}
	}

	cfg.ShardHeartbeatInterval, err = getEnvDuration("FS_SHARD_HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_SHARD_HEARTBEAT_INTERVAL: %w", err)
	}
	cfg.ShardSweepInterval, err = getEnvDuration("FS_SHARD_SWEEP_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_SHARD_SWEEP_INTERVAL: %w", err)
	}
	cfg.ShardLivenessTimeout, err = getEnvDuration("FS_SHARD_LIVENESS_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_SHARD_LIVENESS_TIMEOUT: %w", err)
	}
	cfg.MainCACert = getEnvDefault("FS_MAIN_CA_CERT", "")

	// --- PostgreSQL ---

	cfg.DBHost = getEnvDefault("FS_DB_HOST", "")
	cfg.DBPort, err = getEnvInt("FS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("FS_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("FS_DB_NAME", "")
	cfg.DBUser = getEnvDefault("FS_DB_USER", "")
	cfg.DBPassword = getEnvDefault("FS_DB_PASSWORD", "")
	cfg.DBSSLMode = getEnvDefault("FS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("FS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Redis ---

	cfg.RedisAddr = getEnvDefault("FS_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("FS_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("FS_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("FS_REDIS_DB: %w", err)
	}
	cfg.RedisChannelPrefix = getEnvDefault("FS_REDIS_CHANNEL_PREFIX", "modsync")

	// --- Аутентификация ---

	cfg.JWKSURL = getEnvDefault("FS_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("FS_JWKS_CA_CERT", "")
	cfg.JWKSRefreshInterval, err = getEnvDuration("FS_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FS_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("FS_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_JWT_LEEWAY: %w", err)
	}
	cfg.ServiceToken = getEnvDefault("FS_SERVICE_TOKEN", "")

	// --- HTTP ---

	cfg.HTTPReadTimeout, err = getEnvDuration("FS_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_HTTP_READ_TIMEOUT: %w", err)
	}
	// Таймаут записи покрывает отдачу крупных файлов
	cfg.HTTPWriteTimeout, err = getEnvDuration("FS_HTTP_WRITE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("FS_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.HTTPClientTimeout, err = getEnvDuration("FS_HTTP_CLIENT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_HTTP_CLIENT_TIMEOUT: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthCheckInterval, err = getEnvDuration("FS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("FS_DEPHEALTH_GROUP", "modsync")

	cfg.ShutdownTimeout, err = getEnvDuration("FS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_SHUTDOWN_TIMEOUT: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	if c.DownloadQueueSize < 1 {
		return errors.New("FS_DOWNLOAD_QUEUE_SIZE: значение должно быть >= 1")
	}
	if c.DownloadAdmissionTimeout <= 0 {
		return errors.New("FS_DOWNLOAD_TIMEOUT_SECONDS: значение должно быть > 0")
	}
	if c.DownloadReleaseTimeout <= 0 {
		return errors.New("FS_DOWNLOAD_QUEUE_RELEASE_SECONDS: значение должно быть > 0")
	}
	if c.DownloadQueueClearLimit < 1 {
		return errors.New("FS_DOWNLOAD_QUEUE_CLEAR_LIMIT: значение должно быть >= 1")
	}
	if c.QueueTickInterval <= 0 || c.CleanupInterval <= 0 {
		return errors.New("интервалы очереди и очистки должны быть > 0")
	}
	if c.UseColdStorage && c.ColdStorageDirectory == "" {
		return errors.New("FS_COLD_STORAGE_DIRECTORY: обязателен при FS_USE_COLD_STORAGE=true")
	}
	if c.CacheSizeHardLimit < 0 || c.ColdSizeHardLimit < 0 {
		return errors.New("лимиты размера хранилища не могут быть отрицательными")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("FS_TLS_CERT и FS_TLS_KEY задаются вместе")
	}
	if _, err := url.ParseRequestURI(c.PublicAddress); err != nil {
		return fmt.Errorf("FS_PUBLIC_ADDRESS: некорректный URL %q", c.PublicAddress)
	}

	switch c.Role {
	case RoleMain:
		if c.DBHost == "" || c.DBName == "" || c.DBUser == "" {
			return errors.New("FS_DB_HOST, FS_DB_NAME, FS_DB_USER: обязательны для роли main")
		}
	case RoleShard:
		if c.MainFileServerAddress == "" {
			return errors.New("FS_MAIN_FILE_SERVER_ADDRESS: обязателен для роли shard")
		}
		if c.Shard == nil {
			return errors.New("FS_SHARD_CONFIG_FILE: обязателен для роли shard")
		}
	}
	return nil
}

// IsMain возвращает true для координатора.
func (c *Config) IsMain() bool {
	return c.Role == RoleMain
}

// IsMainDistribution возвращает true, если узел — координатор и сам является
// источником файлов (нет отдельного distribution-узла).
func (c *Config) IsMainDistribution() bool {
	if !c.IsMain() {
		return false
	}
	return c.DistributionFileServerAddress == "" || c.DistributionFileServerAddress == c.MainFileServerAddress
}

// OriginAddress возвращает адрес, с которого узел скачивает отсутствующие файлы.
// Пустая строка — удалённого источника нет.
func (c *Config) OriginAddress() string {
	if c.DistributionFileServerAddress != "" && !c.IsMainDistribution() {
		return c.DistributionFileServerAddress
	}
	if c.IsMain() {
		return ""
	}
	return c.MainFileServerAddress
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для меток topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// ServiceName возвращает имя вершины графа в topologymetrics.
func (c *Config) ServiceName() string {
	if c.Role == RoleShard && c.Shard != nil {
		return "file-server-" + c.Shard.ShardName
	}
	return "file-server-main"
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
// Текстовый формат — цветной вывод tint для локальной разработки.
func SetupLogger(cfg *Config) *slog.Logger {
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: time.TimeOnly,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 из переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
