package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/spagchat/internal/cache"
	memcache "github.com/spagchat/internal/cache/memory"
	rediscache "github.com/spagchat/internal/cache/redis"
	"github.com/spagchat/internal/config"
	"github.com/spagchat/internal/handler"
	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/middleware"
	"github.com/spagchat/internal/presence"
	"github.com/spagchat/internal/push"
	"github.com/spagchat/internal/repository"
	memstore "github.com/spagchat/internal/repository/memory"
	"github.com/spagchat/internal/service"
	"github.com/spagchat/internal/startup"
	"github.com/spagchat/internal/usertoken"
	"github.com/spagchat/internal/ws"
	"github.com/spagchat/migrations"
)

const devSecret = "spagchat-dev-secret"

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	memOnly := flag.Bool("memstore", false, "keep rooms and messages in process memory (no database)")
	flag.Parse()

	logger.Info("starting chat API")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	health := map[string]func(ctx context.Context) error{}

	var store repository.Store
	if *memOnly {
		store = memstore.New()
		logger.Info("store: in-memory (data is lost on restart)")
	} else {
		if *dev {
			db, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := db.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "api: ")
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = startup.RunMigrations(migCtx, pool, migrations.Files)
		migCancel()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		if *migrate {
			return
		}
		store = repository.NewPostgres(pool)
		health["postgres"] = pool.Ping
	}

	var rdb *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.Push.Enabled {
		rdb = startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "api: ")
		defer rdb.Close()
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	var c cache.Cache
	if cfg.Cache.Backend == "redis" {
		c = rediscache.NewFromClient(rdb)
		logger.Info("cache: redis")
	} else {
		mc := memcache.New()
		mc.StartJanitor(bgCtx, cfg.Cache.JanitorInterval)
		c = mc
		logger.Info("cache: memory")
	}

	hub := ws.NewHub(ws.Options{
		MaxConnections: cfg.WS.MaxConnections,
		SendBufferSize: cfg.WS.SendBufferSize,
		WriteTimeout:   cfg.WS.WriteTimeout,
		PongTimeout:    cfg.WS.PongTimeout,
		MaxMessageSize: cfg.WS.MaxMessageSize,
	})
	rooms := service.NewRoomService(store, c, hub,
		service.Policy{MinGroupMembers: cfg.Rooms.MinGroupMembers},
		cache.TTLPolicy{Short: cfg.Cache.ShortTTL, Long: cfg.Cache.LongTTL})
	registry := presence.NewRegistry(hub, rooms)
	hub.SetLifecycle(registry)
	hub.SetMembershipChecker(rooms)

	var (
		notifier  *push.Notifier
		pushH     *handler.PushHandler
		pushNotif service.PushNotifier
	)
	if cfg.Push.Enabled && rdb != nil {
		pushStore := push.NewStore(rdb)
		notifier = push.NewNotifier(pushStore, loadVAPIDKeys(cfg), cfg.Push.Subscriber)
		pushH = handler.NewPushHandler(pushStore)
		if notifier.Enabled() {
			pushNotif = notifier
		} else {
			logger.Info("push: VAPID-ключи не заданы — подписки сохраняются, отправка не выполняется")
		}
	}
	msgs := service.NewMessageService(rooms, registry, pushNotif)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		if !*dev && !*memOnly {
			logger.Errorf("JWT_SECRET is required")
			os.Exit(1)
		}
		secret = devSecret
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: secret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience})
	if err != nil {
		logger.Errorf("token verifier: %v", err)
		os.Exit(1)
	}
	if secret == devSecret {
		logDevToken(verifier)
	}

	var hubWg sync.WaitGroup
	hubWg.Add(2)
	go func() {
		defer hubWg.Done()
		hub.Run(bgCtx)
	}()
	go func() {
		defer hubWg.Done()
		msgs.RunPush(bgCtx, cfg.Push.Workers)
	}()

	configH := handler.NewConfigHandler(notifier)
	for name, check := range health {
		configH.AddCheck(name, check)
	}
	router := handler.NewRouter(handler.Routes{
		Auth:        middleware.RequireUser(verifier, store),
		Rooms:       handler.NewRoomHandler(rooms, hub),
		Messages:    handler.NewMessageHandler(rooms, msgs),
		Users:       handler.NewUserHandler(service.NewUserService(store), rooms, registry, hub),
		Push:        pushH,
		Config:      configH,
		WS:          handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	hubWg.Wait()
	if err := c.Close(); err != nil {
		logger.Errorf("cache close: %v", err)
	}
	logger.Info("hub stopped")
}

// loadVAPIDKeys: ключи из env, иначе из файла (генерируются при первом запуске).
func loadVAPIDKeys(cfg *config.Config) *push.VAPIDKeys {
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		return &push.VAPIDKeys{PublicKey: cfg.Push.VAPIDPublicKey, PrivateKey: cfg.Push.VAPIDPrivateKey}
	}
	keys, err := push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
	if err != nil {
		logger.Errorf("VAPID: не удалось загрузить/сгенерировать ключи: %v", err)
		return nil
	}
	return keys
}

func logDevToken(v *usertoken.Verifier) {
	id := usertoken.Identity{UserID: uuid.New().String(), Username: "dev"}
	token, err := v.Issue(id, 24*time.Hour)
	if err != nil {
		logger.Errorf("dev token: %v", err)
		return
	}
	logger.Infof("dev mode: JWT_SECRET not set, using built-in secret; sample token for user %s: %s", id.UserID, token)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "spagchat"
		password = "spagchat_secret"
		database = "spagchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
