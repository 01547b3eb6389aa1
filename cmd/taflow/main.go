package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"taflow/config"
	"taflow/internal/api"
	"taflow/internal/cooldown"
	"taflow/internal/delta"
	"taflow/internal/guardrail"
	"taflow/internal/ingest"
	"taflow/internal/kernel"
	"taflow/internal/logger"
	"taflow/internal/marketdata/tfbuilder"
	"taflow/internal/marketdata/wsfeed"
	"taflow/internal/metrics"
	"taflow/internal/notification"
	"taflow/internal/plot"
	"taflow/internal/registry"
	redisstore "taflow/internal/store/redis"
	sqlitestore "taflow/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[taflow] starting...")

	// ---- Load config ----
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[taflow] %v", err)
	}
	appLog := logger.Init(cfg.Service, logger.ParseLevel(cfg.LogLevel))
	seriesIDs, _ := cfg.SeriesIDs() // validated by Load

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	names := make([]string, 0, len(seriesIDs))
	for _, id := range seriesIDs {
		names = append(names, id.String())
	}
	health.SetSeries(names)
	health.SetRedisEnabled(cfg.Redis.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite store ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath, ReadConns: cfg.SQLiteReadConns}, appLog)
	if err != nil {
		log.Fatalf("[taflow] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	// ---- Compute: kernels, pivots, derived timeframes ----
	kernels, err := kernel.Build(cfg.KernelConfig())
	if err != nil {
		log.Fatalf("[taflow] kernels: %v", err)
	}
	log.Printf("[taflow] kernels: %v", kernels.Names())

	orch, err := plot.New(cfg.PlotConfig(), store, store, appLog)
	if err != nil {
		log.Fatalf("[taflow] plot: %v", err)
	}

	builder, err := tfbuilder.New(cfg.BaseTF, cfg.DerivedTFs)
	if err != nil {
		log.Fatalf("[taflow] tfbuilder: %v", err)
	}
	builder.OnStaleCandle = func(series string) {
		prom.StaleCandlesRejected.Inc()
	}

	// ---- Feed bindings ----
	feed, err := wsfeed.New(wsfeed.Config{URL: cfg.FeedURL, ReadTimeout: cfg.FeedReadTimeout()})
	if err != nil {
		log.Fatalf("[taflow] feed: %v", err)
	}
	feed.OnDisconnect = func(series string, err error) {
		prom.FeedReconnects.Inc()
		log.Printf("[taflow] feed %s disconnected: %v", series, err)
	}
	reg := registry.New()
	if err := reg.Register(cfg.FeedExchange, feed.Binding("wsfeed")); err != nil {
		log.Fatalf("[taflow] registry: %v", err)
	}
	router, err := registry.NewRouter(reg, cfg.BaseTF, cfg.DerivedTFs)
	if err != nil {
		log.Fatalf("[taflow] router: %v", err)
	}
	log.Printf("[taflow] exchanges: %v, derived: %v", reg.Exchanges(), router.DerivedTimeframes())

	// ---- Notifications: Redis when enabled, else in-process ----
	stream := api.NewStream(appLog)
	var notifier ingest.Notifier = stream
	var rdb *goredis.Client
	if cfg.Redis.Enabled {
		redisNotifier, err := redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, guardrail.New(cfg.RedisGuardrailConfig()))
		if err != nil {
			log.Printf("[taflow] WARNING: redis init failed: %v (continuing in-process)", err)
		} else {
			defer redisNotifier.Close()
			redisNotifier.OnPublish = func() { prom.NotifyPublished.Inc() }
			redisNotifier.OnDrop = func() { prom.NotifyDropped.Inc() }
			rdb = redisNotifier.Client()
			notifier = redisNotifier

			var relayed []string
			for _, id := range seriesIDs {
				for _, sid := range router.Expand(id) {
					relayed = append(relayed, sid.String())
				}
			}
			pubsub, err := redisNotifier.Subscribe(ctx, relayed...)
			if err != nil {
				log.Printf("[taflow] WARNING: redis subscribe failed: %v", err)
				notifier = ingest.Fanout{redisNotifier, stream}
			} else {
				defer pubsub.Close()
				go stream.Relay(ctx, pubsub)
			}
			log.Println("[taflow] redis notifier ready")
		}
	}
	health.StartLivenessChecker(ctx, rdb, store.DB(), 10*time.Second)

	// ---- Signal alerts (optional) ----
	var senders []notification.Sender
	if cfg.Alerts.WebhookURL != "" {
		senders = append(senders, notification.NewWebhookSender(cfg.Alerts.WebhookURL))
	}
	if cfg.Alerts.TelegramToken != "" {
		senders = append(senders, notification.NewTelegramSender(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID))
	}
	if len(senders) > 0 {
		alerter := notification.NewSignalAlerter(0, senders...)
		go alerter.Run(ctx)
		notifier = ingest.Fanout{notifier, alerter}
		log.Printf("[taflow] signal alerts enabled (%d channels)", len(senders))
	}

	// ---- Pipeline ----
	pipe, err := ingest.NewPipeline(store, kernels, ingest.Options{
		Plot:     orch,
		Slots:    cooldown.New(cfg.Cooldown()),
		Builder:  builder,
		Notifier: notifier,
		Metrics:  prom,
		Logger:   appLog,
	})
	if err != nil {
		log.Fatalf("[taflow] pipeline: %v", err)
	}
	reader := delta.New(store)

	// ---- Supervisor ----
	supCfg := ingest.DefaultSupervisorConfig()
	supCfg.Guardrail = cfg.GuardrailConfig()
	sup := ingest.NewSupervisor(supCfg, router, pipe, reader, prom, health, appLog)
	for _, id := range seriesIDs {
		err := sup.Start(ctx, id)
		switch {
		case errors.Is(err, ingest.ErrJobExists):
			log.Printf("[taflow] %s shares an ingest job already started", id)
		case err != nil:
			log.Fatalf("[taflow] start %s: %v", id, err)
		}
	}

	// ---- HTTP: metrics, health and read API ----
	var limiter *rate.Limiter
	if cfg.API.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.API.RatePerSec), cfg.API.Burst)
	}
	apiRouter := api.NewRouter(api.Deps{
		Reader:     reader,
		Series:     store,
		Jobs:       sup,
		Reconciler: pipe,
		Stream:     stream,
		Limiter:    limiter,
		Metrics:    prom,
		Logger:     appLog,
	})
	srv := metrics.NewServer(cfg.MetricsAddr, health, nil, apiRouter)
	srv.Start()

	log.Printf("[taflow] running %d series (base %s, derived %v)", len(seriesIDs), cfg.BaseTF, cfg.DerivedTFs)

	// ---- Wait for shutdown ----
	sig := <-sigCh
	log.Printf("[taflow] received %v, shutting down...", sig)
	cancel()
	sup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)
	log.Println("[taflow] stopped")
}
