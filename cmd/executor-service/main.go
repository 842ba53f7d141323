// The executor-service runs sandboxed Python for lightweight requests,
// submits cluster jobs for heavy ones, and drains the request topic.
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
	"k8s.io/client-go/kubernetes"

	"github.com/codexec/backend/internal/config"
	"github.com/codexec/backend/internal/dispatch"
	"github.com/codexec/backend/internal/events"
	"github.com/codexec/backend/internal/handlers"
	"github.com/codexec/backend/internal/history"
	"github.com/codexec/backend/internal/k8sjob"
	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/metrics"
	"github.com/codexec/backend/internal/sandbox"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadExecutorService()

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	checks := map[string]handlers.ReadyCheck{}

	var manager *k8sjob.Manager
	var clientset kubernetes.Interface
	if clientset, err = k8sjob.NewClientset(cfg.Kubeconfig); err != nil {
		logger.Warn("cluster unavailable, heavy job creation disabled", zap.Error(err))
	} else {
		manager = k8sjob.New(clientset, cfg.KubernetesNamespace, cfg.HeavyExecutorImage, cfg.JobTTLSeconds)
		checks["kubernetes"] = func(ctx context.Context) error {
			_, err := clientset.Discovery().ServerVersion()
			return err
		}
	}

	var repo *history.Repository
	var store handlers.HistoryStore
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

	var jobs dispatch.JobManager
	var jobCreator handlers.JobCreator
	if manager != nil {
		jobs = manager
		jobCreator = manager
	}
	var recorder dispatch.Recorder
	if repo != nil {
		recorder = repo
	}
	dispatcher := dispatch.New(sb, cfg.MaxExecutionRetries, jobs, recorder, m)
	if manager != nil {
		dispatcher.WithJobMonitor(manager, time.Duration(cfg.JobTTLSeconds)*time.Second)
	}

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.PubsubProjectID != "" {
		consumer, err := events.NewConsumer(ctx, cfg.PubsubProjectID, cfg.RequestSubscription, dispatcher, logger, m)
		if err != nil {
			logger.Fatal("consumer initialization failed", zap.Error(err))
		}
		defer consumer.Close()
		checks["pubsub"] = consumer.HealthCheck
		g.Go(func() error {
			return consumer.Run(gCtx)
		})
	} else {
		logger.Warn("PUBSUB_PROJECT_ID not set, async request consumption disabled")
	}

	if repo != nil && cfg.RetentionDays > 0 {
		retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-ticker.C:
					if _, err := repo.PruneOlderThan(gCtx, retention); err != nil {
						logger.Error("history pruning failed", zap.Error(err))
					}
				}
			}
		})
	}

	inflight := &atomic.Int64{}
	api := handlers.NewExecutorAPI(sb, jobCreator, cfg.ExecutionTimeout, inflight)
	router := handlers.NewExecutorRouter(api, store, logger, m, reg, inflight, checks)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.APIHost, cfg.APIPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // snippet execution can run up to the request timeout
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("executor-service listening", zap.String("addr", server.Addr))
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
		logger.Fatal("executor-service failed", zap.Error(err))
	}
	logger.Info("executor-service stopped")
}
