package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"estate_chat/internal/config"
	"estate_chat/internal/domain"
	"estate_chat/internal/handler"
	"estate_chat/internal/middleware"
	"estate_chat/internal/queue"
	"estate_chat/internal/realtime"
	"estate_chat/internal/repository"
	"estate_chat/internal/service"
	"estate_chat/internal/storage"
	"estate_chat/pkg/logger"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)
	defer logger.Sync(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Подключение к PostgreSQL
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Failed to parse database DSN", "error", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConnections)
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	// Проверка подключения к БД
	if err := dbPool.Ping(ctx); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Проверка подключения к Redis
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Очередь зеркалирования в Durable Store
	redisOpts := queue.RedisOptions{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	mirrorClient := queue.NewAsynqClient(redisOpts)
	defer mirrorClient.Close()

	// Инициализация репозиториев
	repos := repository.NewRepositories(dbPool, rdb, mirrorClient, repository.SyncOptions{
		Queue:       cfg.Sync.Queue,
		MaxRetry:    cfg.Sync.MaxRetry,
		TaskTimeout: 30 * time.Second,
	}, appLogger)

	// Хранилище вложений
	files, closeFiles, err := newFileStorage(ctx, cfg.Upload, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize file storage", "error", err)
	}
	defer closeFiles()

	// Realtime hub и межпроцессная рассылка
	hub := realtime.NewHub(appLogger)
	if cfg.Realtime.Fanout == "redis" {
		fanout := realtime.NewRedisFanout(rdb, hub.Deliver, appLogger)
		hub.SetFanout(fanout)
		go func() {
			if err := fanout.Run(ctx); err != nil {
				appLogger.Error("Realtime fanout stopped", "error", err)
			}
		}()
	}

	// Инициализация сервисов
	services := service.NewServices(repos, files, hub, cfg, appLogger)
	dispatcher := realtime.NewDispatcher(hub, services.Chat, services.Message, services.Read, appLogger)

	// Фоновые воркеры
	if cfg.Sync.WorkerEnabled {
		worker := queue.NewAsynqServer(redisOpts, queue.ServerOptions{
			Concurrency: cfg.Sync.Concurrency,
			Queues:      []string{cfg.Sync.Queue},
		}, appLogger)
		repos.Messages.Register(worker)
		go func() {
			if err := worker.Run(ctx); err != nil {
				appLogger.Error("Background worker failed", "error", err)
			}
		}()
		go services.Reconcile.Run(ctx, cfg.Sync.ReconcileInterval)
	}

	// Инициализация middleware
	authMiddleware := middleware.NewAuthMiddleware(services.Identity, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, appLogger)

	// Инициализация handlers
	handlers := handler.NewHandlers(services, hub, dispatcher, map[string]handler.Pinger{
		"postgres": dbPool,
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
	}, cfg, appLogger)

	// Настройка роутера
	router := setupRouter(handlers, authMiddleware, rateLimitMiddleware, cfg, appLogger)

	// Запуск HTTP сервера
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout не задаем: он оборвал бы websocket-подключения
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func newFileStorage(ctx context.Context, cfg config.UploadConfig, log logger.Logger) (storage.FileStorage, func(), error) {
	switch cfg.Backend {
	case "gcs":
		gcs, err := storage.NewGCSStorage(ctx, cfg.GCSBucket, cfg.GCSCredentials, log)
		if err != nil {
			return nil, nil, err
		}
		return gcs, func() {
			if err := gcs.Close(); err != nil {
				log.Warn("Failed to close GCS client", "error", err)
			}
		}, nil
	default:
		local, err := storage.NewLocalStorage(cfg.Dir, cfg.PublicPath, log)
		if err != nil {
			return nil, nil, err
		}
		return local, func() {}, nil
	}
}

func setupRouter(
	handlers *handler.Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORS))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))

	// Health check
	router.GET("/health", handlers.Health.Check)

	ipRule := domain.RateLimitRule{Scope: domain.RateLimitScopeIP, Limit: cfg.Server.RateLimit, Window: cfg.Server.RateWindow}
	uploadRule := domain.RateLimitRule{Scope: domain.RateLimitScopeUpload, Limit: cfg.Upload.RateLimit, Window: cfg.Upload.RateWindow}

	api := router.Group("/chat-api")
	api.Use(rateLimitMiddleware.Limit(ipRule))
	{
		// Realtime: аутентификация внутри, возможна анонимная сессия
		api.GET("/ws", handlers.WebSocket.Handle)

		protected := api.Group("")
		protected.Use(authMiddleware.RequireAuth())
		{
			chats := protected.Group("/chats")
			{
				chats.POST("", handlers.Chat.CreateChat)
				chats.GET("/me", handlers.Chat.ListMyChats)
				chats.GET("/:id", handlers.Chat.GetChat)
				chats.DELETE("/:id", handlers.Chat.DeleteChat)
				chats.POST("/:id/restore", handlers.Chat.RestoreChat)
				chats.GET("/:id/participants", handlers.Chat.ListParticipants)
				chats.GET("/:id/messages", handlers.Chat.GetMessages)
				chats.POST("/:id/messages", handlers.Chat.SendMessage)
				chats.PUT("/:id/messages/readall", handlers.Chat.MarkAllRead)
			}

			uploads := protected.Group("/uploads")
			{
				uploads.POST("/:chat_id", rateLimitMiddleware.LimitUser(uploadRule), handlers.Upload.Upload)
				uploads.GET("/files/:chat_id/:filename", handlers.Upload.ServeFile)
			}
		}
	}

	return router
}
