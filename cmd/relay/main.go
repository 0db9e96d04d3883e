package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/voltpass/rewards-service/internal/config"
	"github.com/voltpass/rewards-service/internal/logger"
	"github.com/voltpass/rewards-service/internal/relay"
	"github.com/voltpass/rewards-service/internal/repo"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)

	w := relay.New(repository, repository, relay.Config{
		Interval:       cfg.Relay.Interval(),
		BatchSize:      cfg.Relay.BatchSize,
		LeaseTTL:       cfg.Relay.LeaseTTL(),
		DeliverTimeout: cfg.Relay.DeliverTimeout(),
		InitialBackoff: cfg.Relay.InitialBackoff(),
		MaxBackoff:     cfg.Relay.MaxBackoff(),
		StuckThreshold: cfg.Relay.StuckThreshold(),
	}, uuid.NewString(), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w.Run(ctx)
}
