package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"skillsync-chat/internal/auth"
	"skillsync-chat/internal/cache"
	"skillsync-chat/internal/config"
	"skillsync-chat/internal/db"
	grpcserver "skillsync-chat/internal/grpc"
	"skillsync-chat/internal/handlers"
	"skillsync-chat/internal/logger"
	"skillsync-chat/internal/middleware"
	"skillsync-chat/internal/observability"
	"skillsync-chat/internal/rabbitmq"
	"skillsync-chat/internal/repositories"
	"skillsync-chat/internal/storage"
	"skillsync-chat/internal/store"
	"skillsync-chat/internal/telemetry"
	"skillsync-chat/internal/ws"
)

const serviceName = "chat-service"

type backend struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	directory     repositories.UserDirectory
	close         func()
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		database, err := db.ConnectMongo(ctx, cfg.MongoURL, cfg.MongoDB)
		if err != nil {
			return backend{}, err
		}
		repo := repositories.NewMongoRepo(database)
		return backend{
			conversations: repo,
			messages:      repo,
			directory:     repo,
			close: func() {
				_ = database.Client().Disconnect(context.Background())
			},
		}, nil
	case config.DriverMemory:
		mem := repositories.NewMemory()
		return backend{conversations: mem, messages: mem, directory: mem, close: func() {}}, nil
	default:
		database, err := db.Connect(cfg.DBDSN)
		if err != nil {
			return backend{}, err
		}
		return backend{
			conversations: repositories.NewConversationRepo(database),
			messages:      repositories.NewMessageRepo(database),
			directory:     repositories.NewUserProfileRepo(database),
			close:         func() { _ = database.Close() },
		}, nil
	}
}

func openCache(ctx context.Context, cfg config.Config, log zerolog.Logger) cache.Cache {
	if cfg.RedisURL == "" {
		return cache.Noop{}
	}
	c, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, unread cache disabled")
		return cache.Noop{}
	}
	return c
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		bootLog := logger.New(logger.Config{})
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, serviceName, cfg.Environment)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open conversation store")
	}
	defer be.close()

	unreadCache := openCache(ctx, cfg, log)
	defer unreadCache.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	emitter := telemetry.NewAuditEmitter(publisher, "audit.chat", serviceName, cfg.Environment)

	chatStore := store.New(be.conversations, be.messages,
		store.WithCache(unreadCache, cfg.UnreadCacheTTL),
		store.WithLogger(log.With().Str("component", "store").Logger()),
	)

	blobs, err := storage.NewLocalBlobStore(cfg.UploadDir, cfg.PublicBaseURL, cfg.UploadMaxBytes, cfg.UploadAllowedTypes)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare upload directory")
	}

	validator := auth.NewJWTValidator(cfg.JWTSecret)
	registry := ws.NewRegistry()
	relay := ws.NewRelay(registry, chatStore, cfg.TypingTTL, log)

	conversationHandler := handlers.NewConversationHandler(chatStore, be.directory, blobs, emitter, cfg.UploadMaxBytes, log)
	relayHandler := ws.NewHandler(relay, validator)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.RequestIDMiddleware())
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(logger.Middleware(log))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if err := chatStore.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.Static(blobs.URLPrefix, blobs.Dir())

	conversationHandler.RegisterRoutes(router, middleware.AuthMiddleware(validator))
	router.GET("/ws", relayHandler.Handle)
	handlers.RegisterDebugRoutes(router, emitter, relay, cfg.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpcserver.Server
	if cfg.GRPCPort != "" {
		checks := map[string]grpcserver.Pinger{"store": chatStore}
		if _, ok := unreadCache.(*cache.RedisCache); ok {
			checks["redis"] = unreadCache
		}
		grpcServer = grpcserver.NewServer(log, checks)
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			log.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for grpc")
		}
		go grpcServer.Watch(ctx, 10*time.Second)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Str("driver", cfg.StoreDriver).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
}
