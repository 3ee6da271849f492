package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"stockwatch/internal/api"
	"stockwatch/internal/config"
	"stockwatch/internal/db"
	"stockwatch/internal/kafka"
	"stockwatch/internal/logging"
	"stockwatch/internal/notification"
	"stockwatch/internal/providers"
	"stockwatch/internal/services"
	"stockwatch/internal/tracker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML config (default $CONFIG_PATH or config.yaml)")
	once := flag.Bool("once", false, "poll every source once, deliver alerts, and exit")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger := openLedger(ctx, cfg, logger)
	defer closeLedger()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis connection failed: %v", err)
		}
		defer rdb.Close()
		logger.Infof("Dedup keys shared through Redis at %s", cfg.Redis.Addr)
	}

	// Delivery channels
	hub := api.NewHub(logger)
	builder := providers.NewBuilder(providers.Deps{HTTPClient: &http.Client{}, Redis: rdb, Logger: logger})
	builder.Register("kafka", kafka.NewChannel)
	builder.Register("websocket", hub.Factory)
	channels, err := builder.BuildAll(cfg.Channels)
	if err != nil {
		log.Fatalf("Failed to build channels: %v", err)
	}
	if len(channels) == 0 {
		logger.Warnf("No delivery channels enabled; alerts will only be recorded")
	}

	trk := tracker.New(services.TrackerConfig(cfg.Tracker))
	dispatcher := notification.New(channels, ledger, cfg, logger, notification.ConfigFrom(cfg.Dispatch),
		notification.WithResultHook(services.RevertFailed(trk, logger)))
	svc, err := services.New(cfg, trk, dispatcher, logger)
	if err != nil {
		log.Fatalf("Failed to build sources: %v", err)
	}

	if *once {
		return checkOnce(ctx, svc, dispatcher, cfg, logger)
	}

	var wg sync.WaitGroup
	dispatcher.Start(&wg)
	svc.Start(&wg)

	var consumer *kafka.Consumer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.ObservationTopic != "" {
		consumer = kafka.NewConsumer(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.ObservationTopic,
			GroupID: cfg.Kafka.GroupID,
		}, svc.Ingest, logger)
		consumer.Start(ctx, &wg)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(trk, ledger, dispatcher, svc, providers.Infos(cfg.Channels), logger)
	server := api.NewServer(cfg.API.Port, handler, hub, cfg.API.BasePath, logger)
	errc := make(chan error, 1)
	server.Start(errc)

	code := 0
	select {
	case <-ctx.Done():
	case <-errc:
		code = 1
	}
	stop()
	logger.Infof("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.GracePeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("API shutdown: %v", err)
	}
	svc.Stop()
	dispatcher.Stop(cfg.Dispatch.GracePeriod)
	if consumer != nil {
		consumer.Close()
	}
	wg.Wait()
	logger.Infof("Service stopped")
	return code
}

// checkOnce runs a single poll cycle with inline delivery. Any failed source
// makes the exit status 1.
func checkOnce(ctx context.Context, svc *services.Service, dispatcher *notification.Service, cfg *config.Config, logger *logging.Logger) int {
	res, err := svc.CheckOnce(ctx)
	dispatcher.Stop(cfg.Dispatch.GracePeriod)

	logger.Infof("Check complete: %d sources, %d observations, %d transitions, %d alerts",
		res.Sources, res.Observations, res.Transitions, res.Alerts)
	if err != nil {
		logger.Errorf("Check failed: %v", err)
		return 1
	}
	return 0
}

// openLedger connects to PostgreSQL when DB_DSN is set and falls back to the
// in-memory ledger otherwise.
func openLedger(ctx context.Context, cfg *config.Config, logger *logging.Logger) (db.Ledger, func()) {
	if cfg.DB.DSN == "" {
		logger.Infof("DB_DSN not set, keeping the alert ledger in memory")
		return db.NewMemory(), func() {}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	dbConn, err := db.New(connectCtx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	if err := dbConn.Migrate(connectCtx); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}
	logger.Infof("Alert ledger connected to PostgreSQL")
	return dbConn, func() {
		dbConn.Close()
		logger.Infof("DB connection closed")
	}
}
