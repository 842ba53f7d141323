// The llm-service turns natural language queries into validated Python code
// and executes the approved code synchronously on the classified lane.
package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codexec/backend/internal/config"
	"github.com/codexec/backend/internal/dispatch"
	"github.com/codexec/backend/internal/handlers"
	"github.com/codexec/backend/internal/history"
	"github.com/codexec/backend/internal/k8sjob"
	"github.com/codexec/backend/internal/llm"
	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/metrics"
	"github.com/codexec/backend/internal/orchestrate"
	"github.com/codexec/backend/internal/sandbox"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadLLMService()

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	gemini, err := llm.NewGemini(ctx, cfg.LLMAPIKey, cfg.LLMModel)
	if err != nil {
		logger.Fatal("llm client initialization failed", zap.Error(err))
	}
	flow := orchestrate.New(gemini, m)

	var manager *k8sjob.Manager
	if clientset, err := k8sjob.NewClientset(cfg.Kubeconfig); err != nil {
		logger.Warn("cluster unavailable, heavy code cannot be executed", zap.Error(err))
	} else {
		manager = k8sjob.New(clientset, cfg.KubernetesNamespace, cfg.HeavyExecutorImage, cfg.JobTTLSeconds)
	}

	checks := map[string]handlers.ReadyCheck{}
	var store handlers.HistoryStore
	var repo *history.Repository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database open failed", zap.Error(err))
		}
		defer db.Close()
		repo = history.NewRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
		store = repo
		checks["postgres"] = repo.Ping
	}

	sb := sandbox.New(cfg.PythonBin, cfg.ExecutionTimeout)
	var recorder dispatch.Recorder
	if repo != nil {
		recorder = repo
	}
	var jobs dispatch.JobManager
	if manager != nil {
		jobs = manager
	}
	dispatcher := dispatch.New(sb, cfg.MaxExecutionRetries, jobs, recorder, m)
	if manager != nil {
		dispatcher.WithJobMonitor(manager, time.Duration(cfg.JobTTLSeconds)*time.Second)
	}

	inflight := &atomic.Int64{}
	api := handlers.NewQueryAPI(flow, dispatcher, cfg.MaxValidationRetries, cfg.ExecutionTimeout, inflight)
	router := handlers.NewLLMRouter(api, store, logger, m, reg, inflight, checks)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.APIHost, cfg.APIPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // query execution can run up to the snippet timeout
		IdleTimeout:  60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("llm-service listening",
			zap.String("addr", server.Addr),
			zap.String("model", cfg.LLMModel))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("llm-service failed", zap.Error(err))
	}
	logger.Info("llm-service stopped")
}
