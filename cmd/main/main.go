package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/artifact"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/control"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver/natsdriver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/events"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

func main() {
	time.Local = time.UTC

	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	configDir := flags.String("config-dir", "", "directory holding default.yaml")
	envFile := flags.String("env-file", ".env", "optional dotenv file loaded before configuration")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = flags.Parse(os.Args[1:])

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Failed to load %s: %v\n", *envFile, err)
	}

	cfg, err := config.LoadConfig(*configDir, flags)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(cfg.Metrics.Enabled)

	logger.Log.Info("Starting Daisi WA Session Orchestrator",
		zap.String("environment", cfg.Environment),
		zap.String("nats_url", cfg.NATS.URL),
		zap.Strings("event_sinks", cfg.Events.Sinks),
	)

	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate, cfg.Database.Schema)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}
	store := storage.NewStore(postgresRepo)

	jsClient, err := jetstream.NewClient(cfg.NATS.URL)
	if err != nil {
		logger.Log.Fatal("Failed to initialize NATS client", zap.Error(err))
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	sinks, amqpConn, err := initSinks(startupCtx, cfg.Events, jsClient)
	if err != nil {
		logger.Log.Fatal("Failed to initialize event sinks", zap.Error(err))
	}
	codes, redisClient, err := initCodeCache(startupCtx, cfg)
	startupCancel()
	if err != nil {
		logger.Log.Fatal("Failed to initialize pairing code cache", zap.Error(err))
	}

	channel, err := events.NewChannel(cfg.Events, sinks...)
	if err != nil {
		logger.Log.Fatal("Failed to create event channel", zap.Error(err))
	}
	known := cache.NewKnownContacts(100000, 0.01)

	reclaimer := artifact.NewReclaimer(cfg.Session.ArtifactDir, cfg.Session.ReclaimAttempts)
	reclaimer.Sweep()

	factory := natsdriver.NewFactory(jsClient, cfg.Driver.SubjectPrefix, cfg.Driver.RequestTimeout)

	ingestWorker, err := usecase.NewIngestWorker(cfg.WorkerPools.Ingest, store, known, channel, cfg.Outbound.GroupSuffix, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize ingest worker pool", zap.Error(err))
	}
	sessions := usecase.NewSessionManager(cfg.Session, cfg.Sync.StaleSyncAfter, factory, store, codes, reclaimer, channel, logger.Log)
	syncer := usecase.NewSyncEngine(cfg.Sync, cfg.Outbound.GroupSuffix, sessions, store, channel, known, logger.Log)
	dispatcher := usecase.NewDispatcher(cfg.Outbound, sessions, ingestWorker, logger.Log)
	orchestrator := usecase.NewOrchestrator(sessions, syncer, dispatcher, ingestWorker, store, codes, known, cfg.Outbound.PersistTimeout, logger.Log)

	var controlServer *control.Server
	if cfg.Control.Enabled {
		router := control.NewRouter(cfg.Control.SubjectPrefix)
		control.Register(router, orchestrator)
		controlServer = control.NewServer(jsClient, router, cfg.Session.InitWaitTimeout+cfg.Outbound.SendTimeout, logger.Log)
		if err := controlServer.Start(); err != nil {
			logger.Log.Fatal("Failed to start control server", zap.Error(err))
		}
	}

	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), postgresRepo, orchestrator, logger.Log)
	if cfg.Metrics.Enabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	}
	healthServer.Start()

	logger.Log.Info("Health check endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	// Callers go first so nothing new reaches the orchestrator while handles are destroyed.
	if controlServer != nil {
		controlServer.Stop(shutdownCtx)
	}

	var wg sync.WaitGroup
	stop := func(name string, fn func()) {
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			logger.Log.Info("[shutdown] Stopping " + name)
			start := time.Now()
			fn()
			logger.Log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
		}, func(r interface{}, stack []byte) {
			logger.Log.Error("[shutdown] Panic while stopping "+name,
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
			wg.Done()
		})
	}

	stop("orchestrator", func() {
		orchestrator.Shutdown(shutdownCtx)
		reclaimer.Wait()
	})
	stop("health check server", func() {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
		}
	})

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, closing connections anyway")
	}

	// Connections close last: handle teardown and event publication need them.
	if err := channel.Close(shutdownCtx); err != nil {
		logger.Log.Warn("[shutdown] Failed to close event channel", zap.Error(err))
	}
	if amqpConn != nil {
		if err := amqpConn.Close(); err != nil {
			logger.Log.Warn("[shutdown] Failed to close RabbitMQ connection", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Log.Warn("[shutdown] Failed to close Redis client", zap.Error(err))
		}
	}
	jsClient.Close()
	if err := postgresRepo.Close(shutdownCtx); err != nil {
		logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
	}

	logger.Log.Info("Daisi WA Session Orchestrator shutdown complete")
}

func initPostgresRepo(dsn string, autoMigrate bool, schema string) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	repo, err := storage.NewPostgresRepo(dsn, autoMigrate, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}
	logger.Log.Info("Initialized PostgreSQL repository", zap.String("schema", schema))
	return repo, nil
}

// initSinks builds the configured event sinks. The RabbitMQ connection, when opened, is
// returned so main can close it after the channel.
func initSinks(ctx context.Context, cfg config.EventsConfig, client jetstream.ClientInterface) ([]events.Sink, *amqp.Connection, error) {
	var (
		sinks []events.Sink
		conn  *amqp.Connection
	)
	for _, name := range cfg.Sinks {
		switch name {
		case "nats":
			sink, err := events.NewNATSSink(ctx, client, cfg.Stream, cfg.SubjectPrefix, cfg.MaxAgeHours)
			if err != nil {
				return nil, nil, err
			}
			sinks = append(sinks, sink)
		case "amqp":
			if cfg.AMQPURL == "" {
				return nil, nil, fmt.Errorf("amqp sink enabled without events.amqpURL")
			}
			var err error
			if conn, err = amqp.Dial(cfg.AMQPURL); err != nil {
				return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			sink, err := events.NewAMQPSink(conn, cfg.AMQPExchange)
			if err != nil {
				_ = conn.Close()
				return nil, nil, err
			}
			sinks = append(sinks, sink)
		default:
			logger.Log.Warn("Ignoring unknown event sink", zap.String("sink", name))
		}
	}
	return sinks, conn, nil
}

// initCodeCache uses Redis when an address is configured and an in-memory cache otherwise.
func initCodeCache(ctx context.Context, cfg *config.Config) (cache.CodeCache, *redis.Client, error) {
	if cfg.Redis.Addr == "" {
		logger.Log.Info("Pairing codes kept in memory")
		return cache.NewMemoryCodeCache(cfg.Session.CodeTTL), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Log.Info("Pairing codes kept in Redis", zap.String("addr", cfg.Redis.Addr))
	return cache.NewRedisCodeCache(rdb, "wa:pairing-code:", cfg.Session.CodeTTL), rdb, nil
}
