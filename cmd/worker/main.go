package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/auditq/internal/config"
	"github.com/nadmax/auditq/internal/logging"
	"github.com/nadmax/auditq/internal/queue"
	"github.com/nadmax/auditq/internal/repository"
	"github.com/nadmax/auditq/internal/task"
	"github.com/nadmax/auditq/internal/worker"
	"github.com/nadmax/auditq/internal/worker/handlers"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
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

	var (
		repo *repository.PostgresTaskRepository
		q    *queue.Queue
	)
	redisOpts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	if cfg.Postgres.DSN != "" {
		repo, err = repository.NewPostgresTaskRepository(cfg.Postgres.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := repo.Close(); err != nil {
				log.WithError(err).Warn("failed to close Postgres repository")
			}
		}()
		if err := repo.Migrate(ctx); err != nil {
			log.Fatal(err)
		}
		q, err = queue.NewQueueWithOptions(redisOpts, repo)
	} else {
		log.Warn("POSTGRES_DSN not set, running without task history")
		q, err = queue.NewQueueWithOptions(redisOpts, nil)
	}
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.WithError(err).Warn("failed to close worker queue")
		}
	}()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	w := worker.NewWorker(workerID, q)
	w.SetPollInterval(cfg.Worker.PollInterval)
	w.SetRetryDelay(cfg.Worker.RetryDelay)
	w.SetCancelCheckInterval(cfg.Worker.CancelCheckInterval)

	registerHandlers(w, cfg, repo)

	if cfg.Email.APIKey != "" {
		w.SetNotifier(handlers.NewEmailNotifier(cfg.Email.APIKey, cfg.Email.FromName, cfg.Email.FromAddress))
	} else {
		log.Info("EMAIL_API_KEY not set, completion e-mails are disabled")
	}

	log.WithFields(log.Fields{
		"worker_id": workerID,
		"redis":     cfg.Redis.Addr,
	}).Info("Worker starting")

	go w.Start(ctx)

	<-ctx.Done()
	log.Info("Shutting down worker...")
	w.Stop()
}

func registerHandlers(w *worker.Worker, cfg *config.Config, repo *repository.PostgresTaskRepository) {
	auditor := handlers.NewAuditor(&http.Client{Timeout: cfg.Audit.RequestTimeout}, handlers.AuditorOptions{
		UserAgent:       cfg.Audit.UserAgent,
		DefaultMaxPages: cfg.Audit.DefaultMaxPages,
	})
	w.RegisterHandler(task.TypeTechnicalAudit, auditor.Handle)

	if cfg.OpenAI.APIKey != "" {
		generator := handlers.NewContentGenerator(
			openai.NewClient(cfg.OpenAI.APIKey),
			cfg.OpenAI.Model,
			cfg.OpenAI.Prompt,
			cfg.OpenAI.MaxTokens,
		)
		w.RegisterHandler(task.TypeContentGeneration, generator.Handle)
	} else {
		log.Warn("OPENAI_API_KEY not set, content_generation tasks will fail")
	}

	if repo != nil {
		w.RegisterHandler(task.TypeHistoryReport, handlers.NewReportGenerator(repo.DB()).Handle)
	}
}
