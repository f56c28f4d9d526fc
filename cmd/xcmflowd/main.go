package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"XCMFlow/internal/api"
	"XCMFlow/internal/cache"
	"XCMFlow/internal/chain"
	"XCMFlow/internal/config"
	"XCMFlow/internal/monitor"
	"XCMFlow/internal/notify"
	"XCMFlow/internal/observability/metrics"
	"XCMFlow/internal/orchestrator"
	"XCMFlow/internal/stream"
	"XCMFlow/pkg/logger"
)

// main is the xcmflowd daemon entrypoint.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("xcmflowd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("XCMFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "xcmflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	definitions, err := chain.LoadDefinitions(cfg.Chains.Definitions)
	if err != nil {
		return err
	}

	store, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	cacheStore, err := buildCache(cfg.Cache)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(cfg.Stream)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Printf("close stream publisher: %v", err)
		}
	}()

	engine := orchestrator.New(cfg, orchestrator.Deps{
		Definitions: definitions,
		Store:       store,
		Cache:       cacheStore,
		Publisher:   publisher,
		Notifiers:   buildNotifiers(cfg.Notify),
	})
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Shutdown()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("metrics server exited: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, engine)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.StorageConfig) (monitor.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return monitor.NewMemoryStore(), nil
	case "mysql":
		return monitor.NewMySQLStore(ctx, monitor.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
		})
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

func buildCache(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return cache.NewMemory(), nil
	case "redis":
		return cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", cfg.Driver)
	}
}

func buildPublisher(cfg config.StreamConfig) (stream.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return stream.Nop{}, nil
	case "rabbitmq":
		return stream.NewRabbitMQ(stream.RabbitMQConfig{
			URL:      cfg.URL,
			Exchange: cfg.Exchange,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("unknown stream driver: %s", cfg.Driver)
	}
}

func buildNotifiers(cfg config.NotifyConfig) []notify.Notifier {
	timeout := cfg.Timeout()
	var notifiers []notify.Notifier
	if cfg.Webhook.Enabled {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.AuthToken, timeout))
	}
	if cfg.Discord.Enabled {
		notifiers = append(notifiers, notify.NewDiscordNotifier(cfg.Discord.URL, timeout))
	}
	if cfg.Slack.Enabled {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Slack.URL, timeout))
	}
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, timeout))
	}
	return notifiers
}
