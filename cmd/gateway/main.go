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

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/sentilens/platform/pkg/auth"
	"github.com/sentilens/platform/pkg/common/config"
	"github.com/sentilens/platform/pkg/common/database"
	"github.com/sentilens/platform/pkg/common/kafka"
	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/gateway/httpclient"
	"github.com/sentilens/platform/pkg/gateway/middleware"
	"github.com/sentilens/platform/pkg/gateway/routes"
	"github.com/sentilens/platform/pkg/observability/metrics"
	"github.com/sentilens/platform/pkg/retrain"
	"github.com/sentilens/platform/pkg/storage"
)

func main() {
	logger.Init()
	cfg, err := config.Load()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	httpClient := httpclient.New(cfg.RequestTimeout)

	client := retrain.NewClient(
		cfg.ActiveLearningURL(""),
		cfg.AdminAPIURL,
		retrain.WithHTTPClient(httpClient),
		retrain.WithTokenProvider(auth.FromContext()),
	)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaLifecycleTopic)
	defer producer.Close()

	admin := &routes.AdminHandler{Backend: client, Recorder: collector}
	redisClient, err := database.NewRedis(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Warn("Redis unavailable, admin job list will not be cached")
	} else {
		defer redisClient.Close()
		admin.Cache = storage.NewJobListCache(redisClient, cfg.JobListCacheTTL)
	}

	// Setup router
	router := mux.NewRouter()

	// Middleware
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(cfg.GatewayRateLimitRPS, cfg.GatewayRateLimitBurst))
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	if cfg.MetricsEnabled {
		router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	}

	apiRouter := router.PathPrefix("/api").Subrouter()
	routes.RegisterActiveLearningRoutes(apiRouter, routes.NewActiveLearningProxy(httpClient, cfg))
	routes.RegisterRetrainRoutes(apiRouter, &routes.RetrainHandler{
		Submitter: retrain.NewSubmitter(client, collector, logger.Log),
		Source:    client,
		Poll: retrain.PollConfig{
			Interval:    cfg.PollInterval,
			Timeout:     cfg.PollTimeout,
			MaxFailures: cfg.PollMaxFailures,
			MaxBackoff:  cfg.PollMaxBackoff,
		},
		Grace: cfg.PollGrace,
		Options: []retrain.PollerOption{
			retrain.WithRecorder(collector),
			retrain.WithPublisher(producer),
		},
	})

	adminRouter := apiRouter.NewRoute().Subrouter()
	adminRouter.Use(middleware.RequireBearer)
	admin.Register(adminRouter)

	routes.RegisterPreflight(router)

	// Server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Gateway started")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})

	if admin.Cache != nil {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaLifecycleTopic, cfg.KafkaGroupID)
		g.Go(func() error {
			defer consumer.Close()
			err := consumer.Consume(gctx, admin.HandleLifecycleEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("Shutting down Gateway...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Log.WithError(err).Error("Gateway stopped with error")
		os.Exit(1)
	}
	logger.Log.Info("Gateway stopped")
}
