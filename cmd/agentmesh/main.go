// Package main is the entry point for the agentmesh control plane. One
// binary serves the RPC surface, the CRUD APIs, webhook intake, and the
// task streams over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/acp"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	agentservice "github.com/agentmesh/agentmesh/internal/agent/service"
	"github.com/agentmesh/agentmesh/internal/authz"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/gateway"
	"github.com/agentmesh/agentmesh/internal/rpc"
	statemodels "github.com/agentmesh/agentmesh/internal/state/models"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/storage/dual"
	"github.com/agentmesh/agentmesh/internal/storage/mongodb"
	"github.com/agentmesh/agentmesh/internal/storage/relational"
	taskmodels "github.com/agentmesh/agentmesh/internal/task/models"
	taskservice "github.com/agentmesh/agentmesh/internal/task/service"
)

const serviceName = "agentmesh"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logging
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Metrics. The SDK provider carries the dual-storage instruments;
	// readers are attached by the deployment, not here.
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(meterProvider)

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Storage
	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open storage", zap.String("phase", cfg.Storage.Phase), zap.Error(err))
	}
	defer store.close()
	log.Info("Storage ready", zap.String("phase", cfg.Storage.Phase))

	// 6. Services
	agentSvc := agentservice.New(store.agents, store.keys, log)
	taskSvc := taskservice.New(store.tasks, store.messages, store.events, eventBus, log)

	acpClient := acp.NewClient(cfg.ACP, log)
	dispatcher := rpc.New(agentSvc, taskSvc, acpClient, authz.AllowAll{}, cfg.ACP, log)

	// 7. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestID(cfg.ACP.RequestIDHeader))
	router.Use(httpmw.RequestLogger(log, serviceName))
	router.Use(httpmw.OtelTracing(serviceName))

	gateway.NewHandlers(agentSvc, taskSvc, store.states, dispatcher, acpClient, eventBus, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("rpc", "/api/v1/agents/:agent_id/rpc"),
		zap.String("streams", "/api/v1/streams/tasks/:task_id"),
		zap.String("websocket", "/ws/tasks/:task_id"),
		zap.String("health", "/health"),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentmesh...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Meter provider shutdown error", zap.Error(err))
	}

	log.Info("agentmesh stopped")
}

// repositories bundles the per-entity stores behind the services.
type repositories struct {
	agents   storage.Repository[*agentmodels.Agent]
	keys     storage.Repository[*agentmodels.APIKey]
	tasks    storage.Repository[*taskmodels.Task]
	messages storage.Repository[*taskmodels.TaskMessage]
	events   storage.Repository[*taskmodels.Event]
	states   gateway.StateRepository
	close    func()
}

// openStorage connects the backends the configured phase needs and builds a
// dual repository per entity. The secondary-only phase skips MongoDB, the
// primary-only phase skips the relational store.
func openStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (*repositories, error) {
	var (
		mongoClient *mongo.Client
		pool        *db.Pool
		err         error
	)
	if cfg.Storage.Phase != config.PhaseSecondaryOnly {
		mongoClient, err = mongodb.Connect(ctx, cfg.Storage.PrimaryURL)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Storage.Phase != config.PhasePrimaryOnly {
		pool, err = db.Open(cfg.Storage.SecondaryURL, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			if mongoClient != nil {
				_ = mongoClient.Disconnect(ctx)
			}
			return nil, err
		}
		if err := relational.Migrate(ctx, pool); err != nil {
			if mongoClient != nil {
				_ = mongoClient.Disconnect(ctx)
			}
			_ = pool.Close()
			return nil, err
		}
	}

	metrics, err := dual.NewMetrics(otel.Meter("agentmesh/storage"))
	if err != nil {
		return nil, err
	}

	phase := cfg.Storage.Phase
	database := cfg.Storage.PrimaryDatabase
	slow := cfg.Storage.SlowQueryThreshold()

	repos := &repositories{
		agents: entityRepo[*agentmodels.Agent](phase, "agent",
			mongoClient, database, "agents", pool, relational.AgentMapping{}, metrics, log, slow),
		keys: entityRepo[*agentmodels.APIKey](phase, "api_key",
			mongoClient, database, "api_keys", pool, relational.APIKeyMapping{}, metrics, log, slow),
		tasks: entityRepo[*taskmodels.Task](phase, "task",
			mongoClient, database, "tasks", pool, relational.TaskMapping{}, metrics, log, slow),
		messages: entityRepo[*taskmodels.TaskMessage](phase, "task_message",
			mongoClient, database, "task_messages", pool, relational.TaskMessageMapping{}, metrics, log, slow),
		events: entityRepo[*taskmodels.Event](phase, "event",
			mongoClient, database, "events", pool, relational.EventMapping{}, metrics, log, slow),
		states: entityRepo[*statemodels.State](phase, "state",
			mongoClient, database, "states", pool, relational.StateMapping{}, metrics, log, slow),
		close: func() {
			if mongoClient != nil {
				disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer disconnectCancel()
				if err := mongoClient.Disconnect(disconnectCtx); err != nil {
					log.Error("MongoDB disconnect error", zap.Error(err))
				}
			}
			if pool != nil {
				if err := pool.Close(); err != nil {
					log.Error("Relational pool close error", zap.Error(err))
				}
			}
		},
	}
	return repos, nil
}

// entityRepo wires one entity's backends into a dual repository. Either side
// may be absent in the single-backend phases.
func entityRepo[T storage.Entity](
	phase, entity string,
	mongoClient *mongo.Client, database, collection string,
	pool *db.Pool, mapping relational.Mapping[T],
	metrics *dual.Metrics, log *logger.Logger, slow time.Duration,
) *dual.Repository[T] {
	var primary storage.Repository[T]
	if mongoClient != nil {
		primary = mongodb.New[T](mongoClient, database, collection, log)
	}
	var secondary storage.Repository[T]
	if pool != nil {
		secondary = relational.New[T](pool, mapping, log, slow)
	}
	return dual.New[T](phase, entity, primary, secondary, metrics, log)
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
