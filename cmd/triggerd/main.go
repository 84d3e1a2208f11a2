package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/api"
	"github.com/outboundlabs/triggerd/internal/circuitbreaker"
	"github.com/outboundlabs/triggerd/internal/config"
	"github.com/outboundlabs/triggerd/internal/distlock"
	"github.com/outboundlabs/triggerd/internal/events"
	"github.com/outboundlabs/triggerd/internal/ingress"
	"github.com/outboundlabs/triggerd/internal/invoker"
	"github.com/outboundlabs/triggerd/internal/metrics"
	"github.com/outboundlabs/triggerd/internal/reaper"
	"github.com/outboundlabs/triggerd/internal/schedule"
	"github.com/outboundlabs/triggerd/internal/store/postgres"
	"github.com/outboundlabs/triggerd/internal/tracker"
	"github.com/outboundlabs/triggerd/internal/usage"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`triggerd - trigger invocation lifecycle engine

Usage:
  triggerd <command>

Commands:
  serve      Start the engine
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  NATS_URL                  NATS server URL (default: "nats://127.0.0.1:4222")
  REDIS_ADDR                Redis address for locking and usage (default: "127.0.0.1:6379")
  HTTP_ADDR                 HTTP server address (default: ":8080")
  CALLBACK_BASE_URL         External base URL of the completion callback
  LOG_LEVEL                 Log level (default: "info")
  SUBSCRIPTIONS_FILE        JSON file of subscription registry entries
  SCHEDULES_FILE            JSON file of scheduled trigger definitions

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  METRICS_ENABLED           Enable Prometheus metrics (default: "true")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  INVOCATION_DEADLINE       Open invocation deadline (default: "60m")
  INVOCATION_TTL            Completed record retention (default: "72h")
  REAPER_INTERVAL           Reaper cycle interval (default: "1m")
  REAPER_BATCH_SIZE         Max expiries per batch (default: "100")
  LOCK_KEY                  Reaper lock key, shared per stack (default: "triggerd:reaper")
  LOCK_LEASE                Reaper lock lease duration (default: "2m")

  BREAKER_FAILURE_RATE      Failure percentage that trips a breaker (default: "50")
  BREAKER_WINDOW_SIZE       Sliding window size in calls (default: "20")
  BREAKER_MIN_CALLS         Min calls before the rate is evaluated (default: "10")
  BREAKER_WAIT              Open state wait before probing (default: "2m")
  BREAKER_HALF_OPEN_PROBES  Probes permitted in half-open (default: "2")
  BREAKER_AUTO_HALF_OPEN    Automatic half-open transition (default: "true")

  DISPATCH_TIMEOUT          Webhook dispatch timeout (default: "30s")
  USAGE_INTERVAL            Usage flush interval (default: "1m")
  USAGE_RETENTION           Usage bucket retention (default: "24h")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("failed to connect to database")
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Redis backs the reaper lock and usage buckets.
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		return exitRuntimeError
	}

	// NATS carries inbound platform events and outbound domain events.
	publisher, err := events.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to nats")
		return exitRuntimeError
	}
	defer publisher.Close()

	var sink metrics.Sink = metrics.NoopSink{}
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
	} else {
		logger.Info("METRICS_ENABLED=false; metrics disabled")
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureRate:     float64(cfg.BreakerFailureRate),
		WindowSize:      cfg.BreakerWindowSize,
		MinCalls:        cfg.BreakerMinCalls,
		WaitDuration:    cfg.BreakerWait,
		PermittedProbes: cfg.BreakerHalfOpenProbes,
		AutoHalfOpen:    cfg.BreakerAutoHalfOpen,
	})

	inv := buildInvoker(cfg, breakers, logger).WithMetrics(sink)

	usageRecorder := usage.New(usage.Config{
		FlushInterval: cfg.UsageInterval,
		Retention:     cfg.UsageRetention,
	}, redisClient, logger)

	trk := tracker.New(tracker.Config{Deadline: cfg.InvocationDeadline}, store, publisher, logger).
		WithUsage(usageRecorder).
		WithMetrics(sink)

	locker := reaper.RedisLocker{Locker: distlock.New(redisClient, cfg.LockKey, cfg.LockLease)}
	rpr := reaper.New(reaper.Config{
		Interval:  cfg.ReaperInterval,
		BatchSize: cfg.ReaperBatchSize,
		TTL:       cfg.InvocationTTL,
	}, locker, trk, store, logger).WithMetrics(sink)

	registry := loadRegistry(cfg, logger)
	processor := ingress.NewProcessor(registry, trk, inv, publisher, logger)
	listener := ingress.NewListener(publisher.Conn(), processor, logger)

	scheduler := schedule.New(processor, logger)
	if cfg.SchedulesFile != "" {
		triggers, err := schedule.LoadFile(cfg.SchedulesFile)
		if err != nil {
			logger.WithError(err).Error("failed to load schedules file")
			return exitInvalidConfig
		}
		for _, trigger := range triggers {
			if _, err := scheduler.Add(trigger); err != nil {
				logger.WithError(err).WithField("trigger_id", trigger.TriggerID).
					Error("invalid scheduled trigger")
				return exitInvalidConfig
			}
		}
		logger.WithField("count", len(triggers)).Info("scheduled triggers loaded")
	}

	pingers := map[string]api.Pinger{
		"postgres": func(ctx context.Context) error { return db.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		"nats":     func(ctx context.Context) error { return publisher.Ping() },
	}
	handler := api.NewHandler(store, trk, pingers, logger).WithBreakers(breakers)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Router())
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server error")
		}
	}()

	// Separate contexts per component for ordered shutdown.
	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	usageCtx, cancelUsage := context.WithCancel(context.Background())
	listenerCtx, cancelListener := context.WithCancel(context.Background())

	var reaperWg, usageWg sync.WaitGroup
	reaperWg.Add(1)
	go func() {
		defer reaperWg.Done()
		rpr.Run(reaperCtx)
	}()
	usageWg.Add(1)
	go func() {
		defer usageWg.Done()
		usageRecorder.Run(usageCtx)
	}()

	if err := listener.Start(listenerCtx); err != nil {
		logger.WithError(err).Error("failed to start ingress listener")
		cancelReaper()
		cancelUsage()
		cancelListener()
		return exitRuntimeError
	}
	scheduler.Start()

	logger.WithFields(logrus.Fields{
		"version":  version,
		"deadline": cfg.InvocationDeadline,
		"http":     cfg.HTTPAddr,
	}).Info("triggerd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.WithField("signal", received.String()).Info("shutting down")

	// Phase 1: stop accepting new work.
	scheduler.Stop()
	listener.Stop()
	cancelListener()
	logger.Info("ingress stopped")

	// Phase 2: stop the reaper; its current cycle releases the lock on exit.
	cancelReaper()
	reaperWg.Wait()
	logger.Info("reaper stopped")

	// Phase 3: stop the usage recorder; it flushes on the way out.
	cancelUsage()
	usageWg.Wait()
	logger.Info("usage recorder stopped")

	// Phase 4: drain the HTTP server so in-flight callbacks finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown error")
	}
	logger.Info("http server stopped")

	logger.Info("triggerd stopped")
	return exitSuccess
}

// buildInvoker wires the dispatch strategies. Function and event bus
// destinations need AWS credentials; without them the engine still serves
// webhook subscriptions.
func buildInvoker(cfg config.Config, breakers *circuitbreaker.Registry, logger *logrus.Logger) *invoker.Invoker {
	webhook := invoker.NewWebhookSender(cfg.DispatchTimeout)

	var function *invoker.FunctionInvoker
	var eventBus *invoker.EventBusForwarder

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.WithError(err).Warn("aws config unavailable; function and event bus destinations disabled")
	} else {
		function = invoker.NewFunctionInvoker(lambda.NewFromConfig(awsCfg))
		eventBus, err = invoker.NewEventBusForwarder(func(ctx context.Context, region string) (invoker.EventBridgeAPI, error) {
			regional, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, err
			}
			return eventbridge.NewFromConfig(regional), nil
		})
		if err != nil {
			logger.WithError(err).Warn("event bus forwarder unavailable")
		}
	}

	return invoker.New(webhook, function, eventBus, breakers, cfg.CallbackBaseURL, logger)
}

func loadRegistry(cfg config.Config, logger *logrus.Logger) ingress.SubscriptionRegistry {
	if cfg.SubscriptionsFile == "" {
		logger.Warn("SUBSCRIPTIONS_FILE not set; no subscriptions registered")
		return ingress.NewStaticRegistry(nil)
	}
	registry, err := ingress.LoadRegistryFile(cfg.SubscriptionsFile)
	if err != nil {
		logger.WithError(err).Error("failed to load subscriptions file; starting with none")
		return ingress.NewStaticRegistry(nil)
	}
	return registry
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("triggerd version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
