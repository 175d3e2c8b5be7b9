package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"onebox/internal/agent"
	"onebox/internal/config"
	"onebox/internal/connmgr"
	"onebox/internal/credential"
	"onebox/internal/enrich"
	"onebox/internal/httpserver"
	"onebox/internal/index"
	"onebox/internal/mailbox"
	"onebox/internal/mqhandler"
	"onebox/internal/notify"
	"onebox/internal/repository"
	"onebox/internal/service"
	"onebox/internal/syncer"
	"onebox/pkg/db"
	"onebox/pkg/logger"
	"onebox/pkg/mq"
	"onebox/pkg/outbox"
	"onebox/pkg/redis"
	"onebox/pkg/util"
)

type consumerDef struct {
	queue      string
	routingKey string
	handler    mq.MessageHandler
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer log.Sync()

	log.Info("Starting onebox...")

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repository.Migrate(migrateCtx, dbConn, log); err != nil {
		cancelMigrate()
		log.Fatal("Schema migration failed", zap.Error(err))
	}
	cancelMigrate()
	log.Info("DB ready")

	// Redis
	rdb := redis.NewRedisClient(cfg.Redis, log)
	defer rdb.Close()
	deduper := util.NewDeduper(rdb, time.Duration(cfg.Redis.DedupTTLSeconds)*time.Second, log)

	// MQ publisher（可选）
	var publisher *mq.Publisher
	if cfg.MQ.Enabled {
		publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()
	}

	// repositories
	var outboxRepo *outbox.Repository
	if publisher != nil {
		outboxRepo = outbox.NewRepository(dbConn)
	}
	accountRepo := repository.NewAccountRepository(dbConn)
	messageRepo := repository.NewMessageRepository(dbConn, outboxRepo)
	notificationLog := repository.NewNotificationLogRepository(dbConn)
	searchRepo := repository.NewSearchRepository(dbConn)

	sealer, err := credential.NewSealer(cfg.Credential.Key)
	if err != nil {
		log.Fatal("Failed to init credential sealer", zap.Error(err))
	}

	// pipeline
	var sink notify.EventSink
	if publisher != nil && cfg.Webhook.PublishToMQ {
		sink = publisher
	}
	notifier := notify.NewDispatcher(notify.Config{
		Secret:         cfg.Webhook.Secret,
		SlackURL:       cfg.Webhook.SlackURL,
		ExternalURL:    cfg.Webhook.ExternalURL,
		AdditionalURLs: cfg.Webhook.AdditionalURLs,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		BaseDelay:      cfg.Webhook.BaseDelay(),
		Timeout:        cfg.Webhook.Timeout(),
	}, notificationLog, sink, log)

	indexWriter := index.NewWriter(searchRepo, cfg.Index.QueueSize, log)
	classifier := agent.NewClient(cfg.Agent.ServiceURL, cfg.Agent.Timeout(), log)
	scheduler := enrich.NewScheduler(classifier, messageRepo, notifier, indexWriter, enrich.Config{
		QueueSize:         cfg.Enrichment.QueueSize,
		Interval:          cfg.Enrichment.Interval(),
		RateLimitCooldown: cfg.Enrichment.RateLimitCooldown(),
		MaxBatch:          cfg.Enrichment.MaxBatch,
		SubBatchSize:      cfg.Enrichment.SubBatchSize,
		SubBatchPause:     cfg.Enrichment.SubBatchPause(),
	}, log)
	engine := syncer.NewEngine(accountRepo, messageRepo, deduper, indexWriter, scheduler, syncer.Config{
		InitialWindow:  cfg.Sync.InitialWindow,
		IncrementalCap: cfg.Sync.IncrementalCap,
		Folder:         cfg.Sync.Folder,
	}, log)

	dialer := mailbox.NewIMAPDialer(mailbox.IMAPConfig{
		DialTimeout:  cfg.IMAP.DialTimeout(),
		PollInterval: cfg.IMAP.PollInterval(),
		IdleRestart:  cfg.IMAP.IdleRestart(),
	}, log)
	manager := connmgr.NewManager(dialer, accountRepo, sealer, engine, connmgr.Config{
		ReconnectDelay: cfg.IMAP.ReconnectDelay(),
	}, log)

	accountService := service.NewAccountService(accountRepo, sealer, manager, indexWriter, log)
	messageService := service.NewMessageService(messageRepo, searchRepo, indexWriter, log)

	// 后台任务使用独立 context，停用账号不影响已入队的分类和通知
	workCtx, cancelWork := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	runWorker := func(run func(ctx context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(workCtx)
		}()
	}
	runWorker(indexWriter.Run)
	runWorker(scheduler.Run)

	if outboxRepo != nil {
		dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
			WithInterval(cfg.Outbox.Interval()).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		runWorker(dispatcher.Start)
	}

	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	managerDone := make(chan struct{})
	go func() {
		manager.Run(ingestCtx)
		close(managerDone)
	}()

	n, err := manager.ConnectActive(ingestCtx)
	if err != nil {
		log.Error("Failed to connect active accounts", zap.Error(err))
	}
	log.Info("Active accounts connected", zap.Int("count", n))

	// admin command consumers
	var consumers []*mq.Consumer
	if publisher != nil {
		accountHandler := mqhandler.NewAccountCommandHandler(accountService, log)
		recategorizeHandler := mqhandler.NewRecategorizeHandler(scheduler, log)
		replayHandler := mqhandler.NewReplayHandler(notifier, outbox.NewReplayService(outboxRepo, log), log)

		defs := []consumerDef{
			{"onebox.account.connect.q", mq.RoutingAccountConnect, accountHandler.HandleConnect},
			{"onebox.account.disconnect.q", mq.RoutingAccountDisconnect, accountHandler.HandleDisconnect},
			{"onebox.enrichment.recategorize.q", mq.RoutingEnrichmentSweep, recategorizeHandler.HandleRecategorize},
			{"onebox.notification.replay.q", mq.RoutingNotificationReplay, replayHandler.HandleReplay},
		}
		for _, def := range defs {
			log.Info("Init consumer", zap.String("queue", def.queue))
			consumer, err := mq.NewConsumer(cfg.MQ.URL, def.queue, def.routingKey, log)
			if err != nil {
				log.Fatal("Consumer init failed", zap.String("queue", def.queue), zap.Error(err))
			}
			consumer.SetHandler(def.handler)
			consumer.SetDeadLetter(publisher)
			consumers = append(consumers, consumer)

			go func(c *mq.Consumer, queue string) {
				if err := c.StartConsuming(workCtx); err != nil {
					log.Error("Consumer stopped", zap.String("queue", queue), zap.Error(err))
				}
			}(consumer, def.queue)
		}
	}

	// ops HTTP server
	deps := httpserver.Deps{
		DB:          dbConn,
		Cache:       httpserver.PingFunc(func(ctx context.Context) error { return redis.Ping(ctx, rdb) }),
		Connections: manager,
		Messages:    messageService,
		Delivery:    notifier,
	}
	if publisher != nil {
		deps.MQ = publisher
	}
	router := httpserver.NewRouter(log, deps)
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("Ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Ops server failed", zap.Error(err))
		}
	}()

	log.Info("onebox running")

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down onebox gracefully...")

	log.Info("Stopping MQ consumers...")
	for _, c := range consumers {
		c.Stop()
	}

	log.Info("Closing mailbox connections...")
	cancelIngest()
	<-managerDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Ops server shutdown failed", zap.Error(err))
	}

	log.Info("Stopping background workers...")
	cancelWork()
	workers.Wait()

	for _, c := range consumers {
		c.Close()
	}

	log.Info("onebox shutdown complete")
}
