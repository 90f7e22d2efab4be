package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chatsync/internal/bus"
	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/logger"
	"chatsync/internal/metrics"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/presence"
	"chatsync/internal/ratelimit"
	"chatsync/internal/realtime"
	"chatsync/internal/user"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	log := logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect to database %s: %w", cfg.Redacted(), err)
	}
	defer database.Close()
	log.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("database schema initialized")

	// 3. Connect to Redis when the bus or the counter store needs it
	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	// 4. Fan-out bus
	b, err := newBus(cfg, redisClient, log)
	if err != nil {
		return err
	}
	defer b.Close()
	log.Info("fan-out bus ready", "driver", cfg.BusDriver)

	// 5. Rate limiter
	var counters ratelimit.CounterStore
	switch cfg.RateLimitStore {
	case config.StoreRedis:
		counters = ratelimit.NewRedisStore(redisClient)
	default:
		mem := ratelimit.NewMemoryStore()
		g.Go(func() error {
			mem.RunSweeper(gctx, time.Minute)
			return nil
		})
		counters = mem
		log.Warn("rate limit counters are process-local", "store", cfg.RateLimitStore)
	}
	limiter := ratelimit.NewLimiter(counters, cfg.Policies, cfg.RateLimitFailOpen, log)

	// 6. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService, log)

	// 7. Initialize Chat Feature
	chatRepo := chat.NewRepository(database.Conn)
	pipeline := chat.NewPipeline(chatRepo, b, log)
	receipts := chat.NewReceipts(chatRepo, b, log)
	chatHandler := chat.NewHandler(chatRepo, chat.NewPager(chatRepo, log), pipeline, chat.NewConversations(chatRepo), log)

	// 8. Presence, typing and the socket server
	emitter := realtime.NewBusEmitter(b, chatRepo, log)
	typing := presence.NewTyping(cfg.Presence.TypingTimeout, emitter)
	tracker := presence.NewTracker(presence.Config{
		HeartbeatTimeout: cfg.Presence.HeartbeatTimeout,
		DisconnectGrace:  cfg.Presence.DisconnectGrace,
	}, emitter, userRepo, log)
	registry := realtime.NewRegistry(b, chatRepo, typing, tracker, log)

	wsServer := realtime.NewServer(realtime.Config{
		AuthTimeout:       cfg.Socket.AuthTimeout,
		InboundRate:       rate.Limit(cfg.Socket.InboundRate),
		InboundBurst:      cfg.Socket.InboundBurst,
		SendBuffer:        cfg.Socket.SendBuffer,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
	}, realtime.Deps{
		Registry: registry,
		Pipeline: pipeline,
		Receipts: receipts,
		Limiter:  limiter,
		Typing:   typing,
		Presence: tracker,
		Tokens:   userService,
	}, log)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 9. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthz(database, redisClient))
	r.Handle("/metrics", metrics.Handler())

	// Public Routes
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(ratelimit.PolicyAuth, ratelimit.ByIP))
		r.Post("/register", userHandler.Register)
		r.Post("/login", userHandler.Login)
	})

	// WebSocket: token at upgrade time or in the first auth frame
	r.With(authMiddleware.Identify).Get("/ws", wsServer.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.With(limiter.Middleware(ratelimit.PolicySearch, ratelimit.ByUserOrIP)).
			Get("/api/users/search", userHandler.SearchUsers)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware(ratelimit.PolicyAPI, ratelimit.ByUserOrIP))
			chatHandler.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Hijacked sockets are not tracked by the http server.
		wsServer.Close(shutdownCtx)
		return err
	})

	return g.Wait()
}

func newBus(cfg *config.Config, redisClient *redis.Client, log *slog.Logger) (bus.Bus, error) {
	switch cfg.BusDriver {
	case config.BusRedis:
		return bus.NewRedis(redisClient, log), nil
	case config.BusNATS:
		return bus.NewNATS(cfg.NATSURL, log)
	default:
		log.Warn("local bus only reaches connections on this process")
		return bus.NewLocal(), nil
	}
}

func healthz(database *db.Database, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"database": "ok"}
		code := http.StatusOK
		if err := database.Ping(ctx); err != nil {
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			status["redis"] = "ok"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				status["redis"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}
