package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/debaycisse/notification-dispatch/internal/cache"
	"github.com/debaycisse/notification-dispatch/internal/channel"
	"github.com/debaycisse/notification-dispatch/internal/config"
	"github.com/debaycisse/notification-dispatch/internal/dispatch"
	"github.com/debaycisse/notification-dispatch/internal/repository"
	"github.com/debaycisse/notification-dispatch/internal/services"
	"github.com/debaycisse/notification-dispatch/pkg/logger"
	"github.com/debaycisse/notification-dispatch/pkg/metrics"
	"github.com/debaycisse/notification-dispatch/pkg/rabbitmq"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	// Initialize Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})
	defer redisClient.Close()
	redisRepo := repository.NewRedisRepository(redisClient)

	// Initialize RabbitMQ
	mqManager, err := rabbitmq.NewManager(cfg.RabbitMQURL, logr)
	if err != nil {
		logr.Error("failed to connect to RabbitMQ", slog.Any("error", err))
		os.Exit(1)
	}
	defer mqManager.Close()

	if err := mqManager.DeclareNotificationTopology(
		"notifications.direct",
		map[string]string{
			"email.queue": "email",
			"push.queue":  "push",
		},
		"failed.queue",
	); err != nil {
		logr.Error("failed to declare rabbitmq topology", slog.Any("error", err))
		os.Exit(1)
	}

	// Optional delivery-attempt audit store
	var attempts dispatch.AttemptRecorder
	if cfg.DatabaseURL != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			logr.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		attempts = repository.NewAttemptStore(db)
	}

	metricsCollector := metrics.New()

	// Shared collaborators
	publisher := services.NewPublisher(mqManager.Connection())
	reporter := services.NewStatusReporter(publisher, redisRepo, logr)
	templateClient := services.NewTemplateClient(cfg.TemplateServiceURL, 0)
	resolver := cache.NewTemplateCache(redisRepo, templateClient, cfg.TemplateCacheTTL, logr)

	newPipeline := func(queue, routingKey string, ch channel.Channel) *dispatch.Dispatcher {
		return dispatch.NewDispatcher(
			dispatch.Config{
				Queue:      queue,
				RetryQueue: rabbitmq.RetryQueueName(routingKey),
				Workers:    cfg.WorkerCount,
			},
			ch,
			resolver,
			reporter,
			publisher,
			dispatch.NewRetryPolicy(cfg.RetryBaseInterval, cfg.RetryMaxAttempts, cfg.RetryMaxBackoff),
			attempts,
			metricsCollector,
			logr,
		)
	}

	// One pipeline per configured channel; retry state is kept per pipeline.
	emailChannel := channel.NewEmailChannel(cfg.SendGridAPIKey, cfg.SendGridFromEmail)
	pipelines := []*dispatch.Dispatcher{
		newPipeline("email.queue", "email", emailChannel),
	}

	if cfg.FCMProjectID == "" && cfg.FCMClientEmail == "" && cfg.FCMPrivateKey == "" {
		logr.Warn("FCM credentials not configured, push pipeline disabled")
	} else {
		pushChannel, err := channel.NewPushChannel(cfg.FCMProjectID, cfg.FCMClientEmail, cfg.FCMPrivateKey, logr)
		if err != nil {
			logr.Error("failed to initialize push channel", slog.Any("error", err))
			os.Exit(1)
		}
		pipelines = append(pipelines, newPipeline("push.queue", "push", pushChannel))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, pipeline := range pipelines {
		amqpCh, err := mqManager.ConsumerChannel(cfg.WorkerCount)
		if err != nil {
			logr.Error("failed to open consumer channel", slog.Any("error", err))
			os.Exit(1)
		}

		wg.Add(1)
		go func(d *dispatch.Dispatcher) {
			defer wg.Done()
			if err := d.Start(ctx, amqpCh); err != nil {
				logr.Error("dispatcher exited", slog.Any("error", err))
			}
		}(pipeline)
	}

	// Metrics snapshot endpoint
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsCollector.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("metrics listener failed", slog.Any("error", err))
		}
	}()

	// Wait for interrupt signal, then let in-flight attempts finish
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Info("shutting down dispatcher")

	cancel()
	wg.Wait()
	_ = metricsSrv.Close()

	logr.Info("dispatcher exiting")
}
