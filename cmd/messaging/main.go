package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/api"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
	"github.com/fathima-sithara/marketplace-messaging/internal/billing"
	"github.com/fathima-sithara/marketplace-messaging/internal/broadcast"
	"github.com/fathima-sithara/marketplace-messaging/internal/channels"
	"github.com/fathima-sithara/marketplace-messaging/internal/config"
	"github.com/fathima-sithara/marketplace-messaging/internal/kafka"
	"github.com/fathima-sithara/marketplace-messaging/internal/push"
	"github.com/fathima-sithara/marketplace-messaging/internal/realtime"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
	"github.com/fathima-sithara/marketplace-messaging/internal/service"
	"github.com/fathima-sithara/marketplace-messaging/internal/typing"
	"github.com/fathima-sithara/marketplace-messaging/internal/utils"
)

func main() {
	defPath := os.Getenv("CONFIG_PATH")
	if defPath == "" {
		defPath = "config/config.yaml"
	}
	cfgPath := flag.String("config", defPath, "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Log.Development || cfg.IsDevelopment(), cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("messaging stopped with error", zap.Error(err))
	}
	logger.Info("messaging stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return repository.NewSQLiteStore(cfg.Store.SQLitePath)
	default:
		mc, err := repository.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		return repository.NewMongoStore(ctx, mc, cfg.Mongo.Database)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer store.Close(context.Background())

	var rdb *redis.Client
	if cfg.Broadcast.Driver == "redis" || cfg.Typing.Store == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var bus broadcast.Bus
	switch cfg.Broadcast.Driver {
	case "nats":
		nb, err := broadcast.NewNATSBus(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		bus = nb
	default:
		bus = broadcast.NewRedisBus(rdb, cfg.Redis.Prefix, logger)
	}
	defer bus.Close()

	var bopts []broadcast.Option
	if len(cfg.Kafka.Brokers) > 0 {
		events := kafka.NewEventLog(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer events.Close()
		bopts = append(bopts, broadcast.WithSink(events))
	}
	broadcaster := broadcast.NewBroadcaster(bus, cfg.PublishTimeout, logger, bopts...)

	var plans billing.Provider = billing.Static{Default: billing.ParseTier(cfg.Billing.DefaultTier)}
	if cfg.Billing.BaseURL != "" {
		plans = billing.NewHTTPClient(cfg.Billing.BaseURL, cfg.BillingTimeout)
	}
	ent := service.NewEntitlements(plans)

	var sender push.Sender
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		sender = push.NewWebPushSender(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.Subscriber, cfg.PushTTL)
	} else {
		logger.Info("web push disabled: no VAPID keys configured")
	}
	notifier := push.NewNotifier(store, sender, cfg.PushTimeout, logger)

	var typingStore typing.Store
	if cfg.Typing.Store == "redis" {
		typingStore = typing.NewRedisStore(rdb, cfg.Redis.Prefix)
	} else {
		typingStore = typing.NewMemoryStore(cfg.Typing.MaxEntries, cfg.TypingMaxAge)
	}
	limiter := typing.NewLimiter(typingStore, cfg.TypingWindow)

	legacy := service.NewLegacyService(store, ent, broadcaster, notifier, logger)
	convs := service.NewConversationService(store, store, ent, broadcaster, notifier, limiter, logger)

	validator, err := auth.NewValidator(cfg.JWT.Algorithm, cfg.JWT.HSSecret, cfg.JWT.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("jwt validator: %w", err)
	}
	signer := channels.NewGrantSigner(cfg.Realtime.GrantSecret, cfg.GrantTTL)
	authorizer := channels.NewAuthorizer(convs, store, signer, logger)

	hub := realtime.NewHub(logger)
	gateway := realtime.NewGateway(hub, validator, signer, realtime.Options{
		PingInterval:  cfg.PingInterval,
		WriteDeadline: cfg.WriteDeadline,
		MaxFrameBytes: cfg.Realtime.MaxMessageSizeBytes,
	}, logger)
	go func() {
		if err := hub.Run(ctx, bus); err != nil {
			logger.Error("realtime hub stopped", zap.Error(err))
		}
	}()

	app := api.NewServer(api.Deps{
		Legacy:         legacy,
		Conversations:  convs,
		Authorizer:     authorizer,
		Push:           store,
		Validator:      validator,
		Store:          store,
		Gateway:        gateway,
		RateLimiter:    api.NewIPRateLimiter(ctx, cfg.App.RateLimitPerMin, logger),
		RequestTimeout: cfg.RequestTimeout,
		VAPIDPublicKey: cfg.Push.VAPIDPublicKey,
		AccessLog:      true,
		Log:            logger,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		logger.Info("messaging started", zap.String("addr", addr), zap.String("store", cfg.Store.Driver), zap.String("broadcast", cfg.Broadcast.Driver))
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}
