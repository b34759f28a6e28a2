package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"google.golang.org/grpc"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/delivery"
	"github.com/openjobspec/ojs-campaigns/internal/engine"
	"github.com/openjobspec/ojs-campaigns/internal/events"
	ojsgrpc "github.com/openjobspec/ojs-campaigns/internal/grpc"
	"github.com/openjobspec/ojs-campaigns/internal/metrics"
	"github.com/openjobspec/ojs-campaigns/internal/scheduler"
	"github.com/openjobspec/ojs-campaigns/internal/server"
	sqsdispatch "github.com/openjobspec/ojs-campaigns/internal/sqs"
	"github.com/openjobspec/ojs-campaigns/internal/state"
	"github.com/openjobspec/ojs-campaigns/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	otelShutdown, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: "ojs-campaigns",
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		return err
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := buildAWSConfig(ctx, cfg)
			if err != nil {
				return aws.Config{}, err
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	// State store
	var store state.Store
	switch cfg.Store {
	case server.StoreDynamoDB:
		ac, err := loadAWS()
		if err != nil {
			return err
		}
		ddb := state.NewDynamoDBStore(dynamodb.NewFromConfig(ac), cfg.DynamoDBTable)
		ddb.SetRetention(cfg.Retention)
		if err := ddb.EnsureTable(ctx); err != nil {
			return err
		}
		store = ddb
		logger.Info("DynamoDB state store ready", "table", cfg.DynamoDBTable)
	default:
		lite, err := state.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		store = lite
		logger.Info("SQLite state store ready", "path", cfg.SQLitePath)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = host + "-" + core.NewLeaseToken()[:8]
	}

	// Events
	broker := events.NewBroker()
	broker.SetLogger(logger)
	broker.OnDrop(func(kind string) { metrics.EventsDropped.WithLabelValues(kind).Inc() })
	defer broker.Close()

	var publisher core.EventPublisher = broker
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		bridge := events.NewRedisBridge(client, cfg.RedisChannel, nodeID, broker)
		bridge.SetLogger(logger)
		bridge.OnDrop(func(kind string) { metrics.EventsDropped.WithLabelValues(kind).Inc() })
		defer bridge.Close()
		go func() {
			if err := bridge.Run(bgCtx); err != nil {
				logger.Error("redis event bridge stopped", "error", err)
			}
		}()
		publisher = bridge
	}

	// Engine
	var deliverer engine.Deliverer
	switch cfg.Deliverer {
	case server.DelivererWebhook:
		deliverer = delivery.NewWebhook(cfg.WebhookURL)
	default:
		deliverer = delivery.NewLogger(logger)
	}

	settings := core.NewSettings(cfg.Level())
	settings.SetEffectGate(cfg.EffectGate)

	eng, err := engine.New(store, settings, deliverer, publisher, engine.Options{
		NodeID:         nodeID,
		StoreType:      cfg.Store,
		Template:       core.DefaultTemplate(cfg.CampaignWait),
		RetryInterval:  cfg.RetryInterval,
		AttemptTimeout: cfg.AttemptTimeout,
		LeaseTTL:       cfg.LeaseTTL,
		PollInterval:   cfg.AwaitPollInterval,
		Workers:        cfg.Workers,
		Retention:      cfg.Retention,
	})
	if err != nil {
		return err
	}
	eng.SetLogger(logger)
	defer eng.Close()

	// Task dispatch
	consumerDone := make(chan struct{})
	close(consumerDone)
	if cfg.Dispatch == server.DispatchSQS {
		ac, err := loadAWS()
		if err != nil {
			return err
		}
		sqsClient := sqs.NewFromConfig(ac)
		queueURL, err := sqsdispatch.EnsureQueue(ctx, sqsClient, cfg.SQSQueuePrefix, int32(cfg.SQSVisibility/time.Second))
		if err != nil {
			return err
		}
		dispatcher := sqsdispatch.NewDispatcher(sqsClient, queueURL)
		dispatcher.SetLogger(logger)
		eng.SetDispatcher(dispatcher)

		consumer := sqsdispatch.NewConsumer(sqsClient, queueURL, eng, sqsdispatch.ConsumerConfig{
			Concurrency:       cfg.Workers,
			VisibilityTimeout: cfg.SQSVisibility,
		})
		consumer.SetLogger(logger)
		consumerDone = make(chan struct{})
		go func() {
			defer close(consumerDone)
			_ = consumer.Run(bgCtx)
		}()
		logger.Info("SQS task queue ready", "queue_url", queueURL)
	}

	metrics.Init(core.ServiceVersion, cfg.Store)

	sched := scheduler.New(eng, scheduler.Config{
		PromoteInterval: cfg.PromoteInterval,
		SweepSchedule:   cfg.SweepSchedule,
	}, logger)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	// HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(eng, broker, cfg.Store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("campaign server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer()
	ojsgrpc.Register(grpcServer, eng)
	healthReporter := ojsgrpc.RegisterHealth(grpcServer, eng, 0)
	healthReporter.SetLogger(logger)
	go healthReporter.Run(bgCtx)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}
	go func() {
		logger.Info("campaign gRPC server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("listener failed", "error", err)
	}

	logger.Info("shutting down...")
	_ = publisher.Publish(context.Background(), &core.Event{
		Type:      core.EventServerShutdown,
		Timestamp: core.NowFormatted(),
	})

	healthReporter.Shutdown()
	sched.Stop()
	// Ends open event streams so the HTTP server can drain.
	_ = broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	grpcServer.GracefulStop()

	cancelBackground()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for in-flight campaign tasks")
	}
	return nil
}

func buildAWSConfig(ctx context.Context, cfg server.Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.AWSRegion),
	}

	// For LocalStack or custom endpoints
	if cfg.AWSEndpointURL != "" {
		opts = append(opts,
			config.WithBaseEndpoint(cfg.AWSEndpointURL),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	return config.LoadDefaultConfig(ctx, opts...)
}
