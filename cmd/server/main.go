package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/auditq/internal/api"
	"github.com/nadmax/auditq/internal/config"
	"github.com/nadmax/auditq/internal/logging"
	"github.com/nadmax/auditq/internal/middleware"
	"github.com/nadmax/auditq/internal/queue"
	"github.com/nadmax/auditq/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load(os.Getenv("AUDITQ_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo repository.TaskRepository
	if cfg.Postgres.DSN != "" {
		pg, err := repository.NewPostgresTaskRepository(cfg.Postgres.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				log.WithError(err).Warn("failed to close Postgres repository")
			}
		}()

		if err := pg.Migrate(ctx); err != nil {
			log.Fatal(err)
		}
		repo = pg
		log.Info("Task history enabled")
	} else {
		log.Warn("POSTGRES_DSN not set, task history endpoints are disabled")
	}

	q, err := queue.NewQueueWithOptions(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, repo)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.WithError(err).Warn("failed to close server queue")
		}
	}()

	go startMetricsCollector(ctx, q, cfg.Server.MetricsInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(q),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":  srv.Addr,
			"redis": cfg.Redis.Addr,
		}).Info("Server starting")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func newRouter(q *queue.Queue) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.LoggingMiddleware(middleware.MetricsMiddleware(api.NewAPI(q))))
	return mux
}
