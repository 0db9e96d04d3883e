package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/voltpass/rewards-service/internal/config"
	"github.com/voltpass/rewards-service/internal/logger"
	"github.com/voltpass/rewards-service/internal/model"
	"github.com/voltpass/rewards-service/internal/relay"
	"github.com/voltpass/rewards-service/internal/repo"
	"github.com/voltpass/rewards-service/internal/service"
	httptransport "github.com/voltpass/rewards-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.LedgerAccount{}, &model.LedgerEntry{}, &model.OutboxEvent{},
		&model.RedeemableCode{}, &model.ChargingSession{}, &model.Payment{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	svcs := httptransport.Services{
		Wallet:     service.NewWalletService(repository, log),
		Redemption: service.NewRedemptionService(repository, cfg.Rewards.ProgramAccountID, log),
		Session:    service.NewSessionService(repository, log),
		Payment:    service.NewPaymentService(repository, log),
		// stats-only relay handle; delivery runs in cmd/relay
		Outbox: relay.New(repository, repository, relay.Config{
			StuckThreshold: cfg.Relay.StuckThreshold(),
		}, uuid.NewString(), log),
	}

	// 7. gin router
	router := httptransport.NewRouter(svcs, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("rewards-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
