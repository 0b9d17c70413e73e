// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Координатор мониторит PostgreSQL (pgcheck через существующий пул),
// shard — координатора (HTTP checker к /health/live).
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для координатора
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthParams — параметры мониторинга зависимостей.
type DephealthParams struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках
	Group string
	// DB — *sql.DB из pgxpool через stdlib.OpenDBFromPool (nil на shard)
	DB *sql.DB
	// DBURL — URL PostgreSQL для меток
	DBURL string
	// MainURL — адрес координатора (пусто на координаторе)
	MainURL string
	// CheckInterval — интервал проверки
	CheckInterval time.Duration
	// Registerer — Prometheus registry (nil — глобальный)
	Registerer prometheus.Registerer
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
func NewDephealthService(p DephealthParams, logger *slog.Logger) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}

	if p.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(p.DB)),
			dephealth.FromURL(p.DBURL),
			dephealth.CheckInterval(p.CheckInterval),
			dephealth.Critical(true),
		))
	}
	if p.MainURL != "" {
		opts = append(opts, dephealth.HTTP("file-server-main",
			dephealth.FromURL(p.MainURL),
			dephealth.WithHTTPHealthPath("/health/live"),
			dephealth.CheckInterval(p.CheckInterval),
			dephealth.Critical(true),
		))
	}
	if p.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(p.Registerer))
	}

	dh, err := dephealth.New(p.ServiceID, p.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
