// Пакет server — HTTP-сервер файлового сервера с graceful shutdown.
// TLS включается, если заданы FS_TLS_CERT и FS_TLS_KEY.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/modsync/file-server/internal/api/handlers"
	"github.com/bigkaa/modsync/file-server/internal/config"
)

// Routes — обработчики и middleware аутентификации для маршрутизатора.
type Routes struct {
	API    *handlers.APIHandler
	Health *handlers.HealthHandler
	// UserAuth — JWT или X-User-ID для клиентского API
	UserAuth func(http.Handler) http.Handler
	// ServiceAuth — служебный токен для /main и /internal
	ServiceAuth func(http.Handler) http.Handler
}

// NewRouter собирает маршруты. middlewares применяются ко всем запросам
// в порядке переданного среза.
func NewRouter(rt Routes, middlewares ...func(http.Handler) http.Handler) chi.Router {
	router := chi.NewRouter()
	for _, mw := range middlewares {
		router.Use(mw)
	}

	router.Get("/health/live", rt.Health.HealthLive)
	router.Get("/health/ready", rt.Health.HealthReady)
	router.Get("/metrics", rt.Health.GetMetrics)

	router.Get("/api/v1/shards", rt.API.ListShards)
	router.Get("/api/v1/stats", rt.API.GetStats)

	router.Group(func(r chi.Router) {
		r.Use(rt.UserAuth)
		r.Post("/api/v1/files/announce", rt.API.AnnounceFiles)
		r.Put("/api/v1/files/{hash}", rt.API.UploadFile)
		r.Post("/api/v1/requests", rt.API.CreateDownloadRequest)
		r.Get("/api/v1/requests/{request_id}", rt.API.GetDownloadRequest)
		r.Delete("/api/v1/requests/{request_id}", rt.API.CancelDownloadRequest)
		r.Post("/api/v1/requests/{request_id}/activate", rt.API.ActivateDownloadRequest)
		r.Post("/api/v1/requests/{request_id}/finish", rt.API.FinishDownloadRequest)
		r.Get("/api/v1/requests/{request_id}/files/{hash}", rt.API.DownloadFile)
	})

	router.Group(func(r chi.Router) {
		r.Use(rt.ServiceAuth)
		r.Get("/internal/v1/files/{hash}", rt.API.GetOriginFile)
		r.Post("/main/shardRegister", rt.API.RegisterShard)
		r.Post("/main/shardHeartbeat", rt.API.ShardHeartbeat)
		r.Post("/main/shardUnregister", rt.API.UnregisterShard)
	})

	return router
}

// Server — HTTP-сервер файлового сервера.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер поверх готового маршрутизатора.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
