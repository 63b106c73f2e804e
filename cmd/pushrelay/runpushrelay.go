package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-relay/internal/audit"
	"github.com/tinywideclouds/go-push-relay/internal/fanout"
	"github.com/tinywideclouds/go-push-relay/internal/platform/apns"
	"github.com/tinywideclouds/go-push-relay/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-relay/internal/platform/web"
	"github.com/tinywideclouds/go-push-relay/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-relay/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
	"github.com/tinywideclouds/go-push-relay/pushrelay"
	"github.com/tinywideclouds/go-push-relay/pushrelay/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-relay")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Stores (Decorated) ---
	settingsStore := fsStore.NewSettingsStore(fsClient)
	auditStore := fsStore.NewAuditStore(fsClient)

	var deviceStore push.DeviceStore = fsStore.NewDeviceStore(fsClient)
	logger.Info("DeviceStore initialized", "type", "firestore")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		deviceStore = cache.NewCachedDeviceStore(deviceStore, redisClient, 24*time.Hour)
		logger.Info("DeviceStore upgraded", "type", "redis_cached_firestore")
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, _ := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	authMiddleware, _ := middleware.NewJWKSAuthMiddleware(jwksURL, logger)

	// --- Dispatchers ---

	// A. Mobile (FCM). Credentials come from the settings record, so the
	// dispatcher stays valid across credential rotations.
	fcmDispatcher := fcm.NewDispatcher(settingsStore, logger)

	coordinatorOpts := []fanout.Option{
		fanout.WithAuditor(audit.NewLogger(auditStore, logger)),
		fanout.WithHostBaseURL(cfg.HostBaseURL),
	}

	// B. Web (VAPID)
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web Push will fail.")
	} else {
		logger.Info("Web Dispatcher enabled", "public_key", cfg.Vapid.PublicKey)
		coordinatorOpts = append(coordinatorOpts, fanout.WithWebDispatcher(web.NewDispatcher(cfg.Vapid, logger)))
	}

	// C. APNs
	if cfg.Apns.Enabled {
		p8Key, err := os.ReadFile(cfg.Apns.P8KeyPath)
		if err != nil {
			logger.Error("Failed to read APNs P8 key", "path", cfg.Apns.P8KeyPath, "err", err)
			os.Exit(1)
		}
		apnsDispatcher, err := apns.NewDispatcher(apns.Config{
			KeyID:        cfg.Apns.KeyID,
			TeamID:       cfg.Apns.TeamID,
			BundleID:     cfg.Apns.BundleID,
			P8KeyContent: string(p8Key),
		}, logger)
		if err != nil {
			logger.Error("Failed to create APNs dispatcher", "err", err)
			os.Exit(1)
		}
		logger.Info("APNs Dispatcher enabled", "bundle_id", cfg.Apns.BundleID)
		coordinatorOpts = append(coordinatorOpts, fanout.WithAPNSDispatcher(apnsDispatcher))
	}

	coordinator := fanout.NewCoordinator(
		settingsStore,
		deviceStore,
		fcmDispatcher,
		fcmDispatcher,
		logger,
		coordinatorOpts...,
	)

	// --- Consumer & Service ---
	var consumer messagepipeline.MessageConsumer
	if cfg.SubscriptionID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Consumer creation failed", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Info("No subscription configured; running HTTP surface only")
	}

	service, err := pushrelay.New(
		cfg,
		consumer,
		coordinator,
		deviceStore,
		settingsStore,
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
