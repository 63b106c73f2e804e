// Package pushrelay assembles the relay service: HTTP surface, fan-out
// coordinator, and the optional host-event pipeline.
package pushrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-relay/internal/api"
	"github.com/tinywideclouds/go-push-relay/internal/pipeline"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
	"github.com/tinywideclouds/go-push-relay/pushrelay/config"
)

// Coordinator is everything the HTTP surface and pipeline need from the
// fan-out layer.
type Coordinator interface {
	api.Sender
	api.DeviceChecker
	pipeline.Sender
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[push.NotificationEvent]
	logger          *slog.Logger
}

// New assembles the service. A nil consumer runs the HTTP surface without
// the host-event pipeline.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	coordinator Coordinator,
	store push.DeviceStore,
	settings push.SettingsSource,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Pipeline (optional)
	var streamingService *messagepipeline.StreamingService[push.NotificationEvent]
	if consumer != nil {
		processor := pipeline.NewProcessor(coordinator, settings, logger)
		var err error
		streamingService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.NotificationEventTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 3. APIs
	deviceAPI := api.NewDeviceAPI(store, coordinator, logger)
	sendAPI := api.NewSendAPI(coordinator, settings, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Device lifecycle
	handle("POST /api/v1/devices/register", deviceAPI.Register)
	handle("POST /api/v1/devices/unregister", deviceAPI.Unregister)
	handle("GET /api/v1/devices", deviceAPI.List)
	handle("POST /api/v1/devices/check", deviceAPI.Check)

	// 2. Dispatch
	handle("POST /api/v1/send/user", sendAPI.SendToUser)
	handle("POST /api/v1/send/users", sendAPI.SendToUsers)
	handle("POST /api/v1/send/topic", sendAPI.SendToTopic)
	handle("POST /api/v1/send/all", sendAPI.SendToAll)

	// 3. Operations
	handle("POST /api/v1/settings/validate", sendAPI.ValidateSettings)

	// 4. Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Just returns 200 OK with CORS headers handled by middleware
	})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Core processing pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
