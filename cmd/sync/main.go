package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

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
)

func main() {
	daemon := flag.Bool("daemon", false, "keep running and sync on a cron schedule")
	schedule := flag.String("schedule", "*/30 * * * *", "cron schedule used with -daemon")
	days := flag.Int("days", 0, "lookback window in days (0 = since last pass)")
	limit := flag.Int("limit", 0, "stop after this many created orders (0 = no limit)")
	marketplaceSKU := flag.String("marketplace-sku", "", "sync a single marketplace order")
	marketplaceName := flag.String("marketplace-name", "", "marketplace of the single order")
	storeID := flag.Int("store", 0, "store id for a single order sync")
	force := flag.Bool("force", false, "clear previous import errors before a single order sync")
	flag.Parse()

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

	engine := buildEngine(cfg, database, log)

	if *daemon {
		runDaemon(ctx, engine, *schedule, log)
		return
	}

	params := importer.Params{
		MarketplaceSKU:  *marketplaceSKU,
		MarketplaceName: *marketplaceName,
		StoreID:         *storeID,
		ForceSync:       *force,
		Days:            *days,
		Limit:           *limit,
		Type:            importer.TypeManual,
	}
	if err := runPass(ctx, engine, params, log); err != nil {
		log.Fatal("sync pass failed", zap.Error(err))
	}
}

func buildEngine(cfg *config.Config, database *db.Database, log *zap.Logger) *importer.Engine {
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

	return importer.NewEngine(cfg, client, registry, machine, dispatcher, syncRepo, orderRepo, journal, log)
}

func runPass(ctx context.Context, engine *importer.Engine, params importer.Params, log *zap.Logger) error {
	result, err := engine.Sync(ctx, params)
	if err != nil {
		var inProgress *importer.SyncInProgressError
		if errors.As(err, &inProgress) {
			log.Warn("another sync pass holds the lock, skipped",
				zap.Duration("remaining", inProgress.Remaining))
			return nil
		}
		return err
	}
	log.Info("sync pass done",
		zap.Int("new", result.OrdersNew),
		zap.Int("updated", result.OrdersUpdated),
		zap.Int("errored", result.OrdersErrored),
		zap.Int("failed_scopes", len(result.ErrorsByScope)))
	return nil
}

func runDaemon(ctx context.Context, engine *importer.Engine, schedule string, log *zap.Logger) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		if err := runPass(ctx, engine, importer.Params{Type: importer.TypeCron}, log); err != nil {
			log.Error("scheduled sync pass failed", zap.Error(err))
		}
	})
	if err != nil {
		log.Fatal("invalid cron schedule", zap.String("schedule", schedule), zap.Error(err))
	}

	scheduler.Start()
	log.Info("sync daemon started", zap.String("schedule", schedule))

	<-ctx.Done()
	log.Info("shutting down, waiting for the running pass")
	<-scheduler.Stop().Done()
	log.Info("sync daemon stopped")
}
