package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MetaPowerMatrix/mod-audio-fork/adapters"
	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/artifact"
	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/esl"
	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/link"
	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/mongo"
	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/redis"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/api"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/config"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/metrics"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/playback"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/protocol"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/saga"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/websocket"
	"github.com/MetaPowerMatrix/mod-audio-fork/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// Logger is not configured yet
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize logger
	logger := newLogger(cfg)
	defer logger.Sync()

	instanceID := uuid.New().String()
	logger.Info("Starting audio fork bridge",
		zap.String("instanceID", instanceID),
		zap.String("mode", cfg.ForkMode),
		zap.String("esl", cfg.ESLAddr),
		zap.String("remote", cfg.RemoteEndpoint))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize adapters
	store, err := artifact.NewFileStore(cfg.ArtifactDir, logger)
	if err != nil {
		logger.Fatal("Failed to prepare artifact directory", zap.Error(err))
	}

	records, closeRecords := newRecordRepository(ctx, cfg, logger)
	defer closeRecords()
	mirror, closeMirror := newSessionMirror(ctx, cfg, instanceID, logger)
	defer closeMirror()

	supervisor := esl.NewSupervisor(func(ctx context.Context) (repositories.EventSource, error) {
		return esl.Dial(ctx, cfg.ESLAddr, cfg.ESLPassword, logger)
	}, cfg.ESLReconnectInterval, m, logger)

	strategies, err := playback.StrategiesByName(cfg.PlaybackStrategies)
	if err != nil {
		logger.Fatal("Invalid playback strategies", zap.Error(err))
	}

	notifier := usecase.NewEventNotifier(supervisor, instanceID, 0, logger)

	mode := fork.Mode(cfg.ForkMode)
	deps := fork.Deps{
		Control:  supervisor,
		Store:    store,
		Decoder:  protocol.NewDecoder(store, logger),
		Sagas:    saga.NewManager(logger),
		Metrics:  m,
		Notifier: notifier,
		Links:    newLinkFactory(mode, cfg.RemoteEndpoint, supervisor, logger),
	}
	opts := fork.Options{
		Mode:           mode,
		RemoteEndpoint: cfg.RemoteEndpoint,
		IngestURL:      cfg.IngestPublicURL,
		ChannelVars:    cfg.ChannelVars,
		Metadata:       domain.DefaultStreamMetadata(),
		Playback: playback.Config{
			QueueCapacity: cfg.MaxQueueSize,
			Estimator: playback.Estimator{
				Margin:      cfg.PlaybackMargin,
				DefaultWait: cfg.PlaybackDefaultWait,
				MinWait:     cfg.PlaybackMinWait,
				MaxWait:     cfg.PlaybackMaxWait,
			},
			Strategies: strategies,
		},
	}
	registry := fork.NewRegistry(deps, opts, records, mirror, logger)

	filter, err := usecase.NewCallFilter(cfg.EnabledDirections, cfg.EnabledPatterns, cfg.DisabledPatterns)
	if err != nil {
		logger.Fatal("Invalid call filter", zap.Error(err))
	}
	bridge := usecase.NewCallBridge(registry, filter, notifier, usecase.BridgeConfig{
		OutboundTrigger: cfg.OutboundStartTrigger,
		OutboundDelay:   cfg.OutboundStartDelay,
		MonitorBothLegs: cfg.MonitorBothLegs,
	}, logger)

	// The event socket outlives ctx so sessions can stop their forks on shutdown
	eslCtx, stopESL := context.WithCancel(context.Background())
	defer stopESL()
	go notifier.Run(eslCtx)
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		supervisor.Run(eslCtx, bridge.Serve)
	}()

	cleanup := fork.NewSessionCleanupService(registry, supervisor, cfg.SessionCheckInterval, logger)
	cleanup.Start()

	// Initialize WebSocket hub for relay-mode ingest
	hub := websocket.NewHub(func(id string) (websocket.AudioSink, bool) {
		s, ok := registry.Get(id)
		return s, ok
	}, logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	api.InitRoutes(e, api.Dependencies{
		Registry: registry,
		Hub:      hub,
		Switch:   supervisor,
		Records:  records,
		Gatherer: reg,
	}, logger)

	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Audio fork bridge started", zap.String("addr", cfg.HTTPAddr))

	// Wait for interrupt signal to gracefully shutdown the bridge
	<-ctx.Done()
	logger.Info("Bridge is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cleanup.Stop()
	registry.CloseAll(shutdownCtx, fork.ReasonShutdown)

	stopESL()
	select {
	case <-supervisorDone:
	case <-shutdownCtx.Done():
		logger.Warn("Event socket supervisor did not stop in time")
	}
	bridge.Wait()
	// legs answered while the first pass ran
	registry.CloseAll(shutdownCtx, fork.ReasonShutdown)
	stopHub()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Bridge exited")
}

func newLogger(cfg *config.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func newLinkFactory(mode fork.Mode, remote string, control repositories.CallControl, logger *zap.Logger) fork.LinkFactory {
	if mode == fork.ModeDirect {
		return func(id string) fork.Link {
			return fork.NewSwitchLink(id, control, logger)
		}
	}
	return func(id string) fork.Link {
		return link.NewWebSocketLink(remote, domain.DefaultStreamMetadata(), logger.With(zap.String("sessionID", id)))
	}
}

// newRecordRepository uses MongoDB when configured and falls back to memory
func newRecordRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.SessionRecordRepository, func()) {
	if cfg.MongoURI == "" {
		return adapters.NewMemorySessionRepository(0), func() {}
	}
	client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
	if err != nil {
		logger.Warn("MongoDB unavailable, keeping session records in memory", zap.Error(err))
		return adapters.NewMemorySessionRepository(0), func() {}
	}
	return mongo.NewSessionRecordRepository(client.Database, logger), func() {
		_ = client.Close(context.Background())
	}
}

// newSessionMirror returns nil when Redis is not configured or unreachable
func newSessionMirror(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.Logger) (repositories.SessionMirror, func()) {
	if cfg.RedisURL == "" {
		return nil, func() {}
	}
	client, err := redis.NewClient(ctx, cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		logger.Warn("Redis unavailable, active sessions will not be mirrored", zap.Error(err))
		return nil, func() {}
	}
	mirror := redis.NewSessionMirror(client, cfg.RedisTTL, instanceID, logger)
	return mirror, func() { _ = mirror.Close() }
}
