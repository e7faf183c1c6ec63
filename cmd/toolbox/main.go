package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/channelsync/lengow/internal/action"
	"github.com/channelsync/lengow/internal/api"
	"github.com/channelsync/lengow/internal/commerce"
	"github.com/channelsync/lengow/internal/config"
	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/events"
	"github.com/channelsync/lengow/internal/importer"
	"github.com/channelsync/lengow/internal/ledger"
	"github.com/channelsync/lengow/internal/logger"
	"github.com/channelsync/lengow/internal/marketplace"
	"github.com/channelsync/lengow/internal/orderstate"
	"github.com/channelsync/lengow/internal/repository/postgresql"
	"github.com/channelsync/lengow/internal/server"
)

func main() {
	log := logger.New()
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal("configuration error", zap.Error(err))
	}

	database, err := db.NewDb(ctx, config.GenerateDSN())
	if err != nil {
		log.Fatal("database init error", zap.Error(err))
	}
	defer database.GetPool().Close()

	orderRepo := postgresql.NewOrderRepo(database)
	errorRepo := postgresql.NewOrderErrorRepo(database)
	actionRepo := postgresql.NewActionRepo(database)
	lineRepo := postgresql.NewOrderLineRepo(database)
	syncRepo := postgresql.NewSyncStateRepo(database)
	commerceRepo := postgresql.NewCommerceRepo(database)
	outboxRepo := postgresql.NewOutboxRepo()

	client := api.NewClient(cfg.APIBaseURL, cfg.AccountID, cfg.AccessToken, cfg.SecretToken, log)
	registry := marketplace.NewRegistry(client, cfg.MarketplaceCacheFile, cfg.MarketplaceCacheTTL, log)
	journal := ledger.New(errorRepo, log)
	commerceSvc := commerce.NewService(commerceRepo, log)
	recorder := events.NewRecorder(database, outboxRepo, cfg.KafkaTopic, log)

	machine := orderstate.NewMachine(orderRepo, lineRepo, actionRepo, journal, commerceSvc, recorder, log)
	dispatcher := action.NewDispatcher(actionRepo, orderRepo, lineRepo, journal, commerceSvc, registry, client, log)
	engine := importer.NewEngine(cfg, client, registry, machine, dispatcher, syncRepo, orderRepo, journal, log)

	var producer events.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = events.NewKafkaProducer(cfg.KafkaBrokers)
		log.Info("publishing order events to kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	} else {
		producer = events.NewConsoleProducer(log)
		log.Info("no kafka brokers configured, order events go to the log")
	}
	defer producer.Close() //nolint:errcheck

	publisher := events.NewPublisher(database, outboxRepo, producer, events.PublisherConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
	}, log)

	srv := server.New(engine, orderRepo, journal, cfg, log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx, cfg.HTTPPort)
	})
	group.Go(func() error {
		publisher.Run(groupCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatal("toolbox stopped with error", zap.Error(err))
	}
	log.Info("toolbox stopped")
}
