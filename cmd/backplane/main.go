// Command backplane is the composition root for the EMS telemetry and
// control backplane: it wires configuration, stores, broker, normalizer,
// write pipeline, command service, receipt listener, and timeout reaper
// behind a single HTTP admin/health surface, in the same bootstrap shape
// the usual cmd/*/main.go bootstrap shape (logger, tracer, secrets, Postgres,
// NATS, collaborators, echo, signal-driven graceful shutdown).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/broker"
	"github.com/zw834675966/ems/internal/command"
	"github.com/zw834675966/ems/internal/config"
	"github.com/zw834675966/ems/internal/httpapi"
	"github.com/zw834675966/ems/internal/ingest"
	"github.com/zw834675966/ems/internal/logging"
	"github.com/zw834675966/ems/internal/normalizer"
	"github.com/zw834675966/ems/internal/online"
	"github.com/zw834675966/ems/internal/pipeline"
	"github.com/zw834675966/ems/internal/reaper"
	"github.com/zw834675966/ems/internal/receipt"
	pgstore "github.com/zw834675966/ems/internal/store/pg"
	"github.com/zw834675966/ems/internal/store/rediskv"
	"github.com/zw834675966/ems/internal/telemetry"
)

const receiptDurableName = "backplane-receipt-listener"
const reaperSchedule = "0 */1 * * * *" // every minute, cron.WithSeconds()

func main() {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "ems-backplane", otelEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("bad PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("Postgres connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("Postgres connected")

	if cfg.RequireTimeseriesExt {
		present, err := pgstore.CheckExtension(context.Background(), pool, pgstore.RequiredExtensionName)
		if err != nil {
			logger.Fatal("timeseries extension check failed", zap.Error(err))
		}
		if !present {
			logger.Fatal("required timeseries extension not installed", zap.String("extension", pgstore.RequiredExtensionName))
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("bad REDIS_URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}
	logger.Info("Redis connected")

	natsClient, err := broker.NewClient(cfg.Broker.URL(), cfg.Broker, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()
	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	measurements := pgstore.NewMeasurementStore(pool)
	mappings := pgstore.NewMappingStore(pool)
	commands := pgstore.NewCommandStore(pool)
	receipts := pgstore.NewReceiptStore(pool)
	audit := pgstore.NewAuditStore(pool)
	realtime := rediskv.New(redisClient)

	mappingCache, err := normalizer.NewMappingCache(50_000)
	if err != nil {
		logger.Fatal("mapping cache init failed", zap.Error(err))
	}
	norm := normalizer.New(mappings, mappingCache)

	metrics := telemetry.New()

	onlineTracker := online.New(realtime, cfg.Cache.OnlineTTL, logger)
	pipe, err := pipeline.New(cfg.Pipeline, measurements, realtime, onlineTracker, cfg.Cache.LastValueTTL, metrics, logger)
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	var ingestListener *ingest.Listener
	if cfg.IngestEnabled {
		pipe.Run(appCtx)
		ingestListener = ingest.New(natsClient, natsClient.Topics, norm, pipe, metrics, logger)
		if err := ingestListener.Start(appCtx); err != nil {
			logger.Fatal("ingest listener start failed", zap.Error(err))
		}
		logger.Info("ingest pipeline running")
	}

	newID := func() string { return uuid.New().String() }

	cmdService := command.New(commands, audit, natsClient, metrics, logger, cfg.CmdQoS, cfg.DispatchMaxRetries, cfg.DispatchBackoff)

	var receiptListener *receipt.Listener
	reap := reaper.New(commands, audit, logger, cfg.ReceiptTimeout, newID)
	if cfg.ControlEnabled {
		receiptListener = receipt.New(natsClient, natsClient.Topics, commands, receipts, audit, metrics, logger, newID)
		if err := receiptListener.Start(appCtx, receiptDurableName); err != nil {
			logger.Fatal("receipt listener start failed", zap.Error(err))
		}
		if err := reap.Start(appCtx, reaperSchedule); err != nil {
			logger.Fatal("timeout reaper start failed", zap.Error(err))
		}
		logger.Info("control-command lifecycle running")
	}

	ready := func() bool { return true }
	h := httpapi.New(cmdService, metrics, mappingCache, logger, ready)

	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("ems-backplane"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request", zap.String("URI", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(httpapi.TenantContextMiddleware())
	httpapi.RegisterRoutes(e, h)

	go func() {
		logger.Info("ems-backplane listening on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	appCancel()
	if cfg.ControlEnabled {
		reap.Stop()
	}
	if cfg.IngestEnabled {
		pipe.Shutdown(10 * time.Second)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}
	logger.Info("ems-backplane shut down cleanly")
}
