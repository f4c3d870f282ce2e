package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"whendoist/config"
	mqcontracts "whendoist/contracts/mq"
	"whendoist/internal/google"
	"whendoist/internal/mqhandler"
	"whendoist/internal/repository"
	"whendoist/internal/service"
	"whendoist/internal/syncguard"
	"whendoist/pkg/db"
	"whendoist/pkg/logger"
	"whendoist/pkg/mq"
	"whendoist/pkg/outbox"
	pkgredis "whendoist/pkg/redis"
	"whendoist/pkg/util"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg := config.Load()

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	rdb := pkgredis.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to connect to MQ", zap.Error(err))
	}
	defer publisher.Close()

	outboxRepo := outbox.NewRepository(pool)
	// The materializer writes instance.changed events through the outbox;
	// every process that writes the table also drains it.
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)

	taskRepo := repository.NewTaskRepository(pool, log)
	instanceRepo := repository.NewInstanceRepository(pool, outboxRepo, log)
	syncRecordRepo := repository.NewSyncRecordRepository(pool, log)
	credentialRepo := repository.NewCredentialRepository(pool, log)

	tokenClient := google.NewTokenClient(cfg.Google)
	calendarClient := google.NewCalendarClient(cfg.Google.CalendarID, cfg.Sync.RatePerSecond, log)
	tokenGuard := service.NewTokenGuard(credentialRepo, tokenClient, log)
	lease := syncguard.NewLease(rdb, cfg.Sync.LeaseTTL, log)

	materializer := service.NewMaterializer(taskRepo, instanceRepo, cfg.Sync.WindowDays, cfg.Sync.RetentionDays, log)
	engine := service.NewSyncEngine(
		taskRepo, instanceRepo, syncRecordRepo, credentialRepo, tokenGuard,
		calendarClient, lease, cfg.Sync.FlushEvery, cfg.Sync.RunBudget, log,
	)

	retries := util.NewRetryCounter(rdb, 24*time.Hour)
	deduper := util.NewDeduperWithLogger(rdb, 10*time.Second, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dispatcher.Start(ctx)
	startConsumers(ctx, cfg, materializer, engine, retries, deduper, publisher, log)
	scheduler := startCron(ctx, cfg, materializer, engine, credentialRepo, log)

	log.Info("Worker started")
	<-ctx.Done()
	log.Info("Shutting down")

	cronCtx := scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(30 * time.Second):
		log.Warn("Cron jobs did not finish in time")
	}
}

type consumerSpec struct {
	queue      string
	routingKey string
	handler    mq.MessageHandler
}

func startConsumers(
	ctx context.Context,
	cfg *config.Config,
	materializer *service.Materializer,
	engine *service.SyncEngine,
	retries *util.RetryCounter,
	deduper *util.Deduper,
	publisher *mq.Publisher,
	log *zap.Logger,
) {
	taskChanged := mqhandler.NewTaskChangedHandler(materializer, engine, retries, publisher, log)
	taskDeleted := mqhandler.NewTaskDeletedHandler(engine, retries, publisher, log)
	instanceChanged := mqhandler.NewInstanceChangedHandler(engine, retries, publisher, log)
	syncRequested := mqhandler.NewSyncRequestedHandler(engine, deduper, retries, publisher, log)
	syncDisabled := mqhandler.NewSyncDisabledHandler(engine, retries, publisher, log)

	specs := []consumerSpec{
		{"task.changed.queue", mqcontracts.TaskChangedKey, taskChanged.Handle},
		{"task.deleted.queue", mqcontracts.TaskDeletedKey, taskDeleted.Handle},
		{"instance.changed.queue", mqcontracts.InstanceChangedKey, instanceChanged.Handle},
		{"sync.requested.queue", mqcontracts.SyncRequestedKey, syncRequested.Handle},
		{"sync.disabled.queue", mqcontracts.SyncDisabledKey, syncDisabled.Handle},
	}

	for _, spec := range specs {
		consumer, err := mq.NewConsumer(cfg.MQ.URL, spec.queue, spec.routingKey, log)
		if err != nil {
			log.Fatal("Failed to create consumer",
				zap.String("queue", spec.queue),
				zap.Error(err),
			)
		}
		consumer.SetHandler(spec.handler)

		go func(c *mq.Consumer, queue string) {
			if err := c.StartConsuming(); err != nil {
				log.Error("Consumer stopped", zap.String("queue", queue), zap.Error(err))
			}
		}(consumer, spec.queue)

		go func(c *mq.Consumer) {
			<-ctx.Done()
			c.Close()
		}(consumer)
	}
}

func startCron(
	ctx context.Context,
	cfg *config.Config,
	materializer *service.Materializer,
	engine *service.SyncEngine,
	credentials *repository.CredentialRepository,
	log *zap.Logger,
) *cron.Cron {
	scheduler := cron.New()

	mustAdd := func(spec, name string, job func()) {
		if _, err := scheduler.AddFunc(spec, job); err != nil {
			log.Fatal("Invalid cron spec",
				zap.String("job", name),
				zap.String("spec", spec),
				zap.Error(err),
			)
		}
	}

	mustAdd(cfg.Sync.MaterializeSpec, "materialize", func() {
		if err := materializer.MaterializeAll(ctx, time.Now()); err != nil {
			log.Error("Materializer pass failed", zap.Error(err))
		}
	})

	mustAdd(cfg.Sync.CleanupSpec, "cleanup", func() {
		if err := materializer.Cleanup(ctx, time.Now()); err != nil {
			log.Error("Retention cleanup failed", zap.Error(err))
		}
	})

	// Reconcile: full bulk sync for every sync-enabled user. Catches lost
	// events, budget-cut runs, and drift from manual calendar edits.
	mustAdd(cfg.Sync.ReconcileSpec, "reconcile", func() {
		userIDs, err := credentials.ListSyncEnabled(ctx)
		if err != nil {
			log.Error("Failed to list sync-enabled users", zap.Error(err))
			return
		}
		for _, userID := range userIDs {
			if ctx.Err() != nil {
				return
			}
			if _, err := engine.SyncUser(ctx, userID, time.Now()); err != nil {
				log.Warn("Reconcile failed for user",
					zap.Int64("user_id", userID),
					zap.Error(err),
				)
			}
		}
	})

	scheduler.Start()
	return scheduler
}
