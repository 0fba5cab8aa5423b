// Command simulator stands in for the browser automation sidecar. It answers driver requests
// with generated accounts, walks every started tenant through pairing and can push live
// inbound traffic at a fixed rate.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver/simulator"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	configDir := flags.String("config-dir", "", "directory holding default.yaml")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	natsURL := flags.String("url", "", "NATS server URL, defaults to the configured one")
	prefix := flags.String("prefix", "", "driver subject prefix, defaults to the configured one")
	codeDelay := flags.Duration("code-delay", 500*time.Millisecond, "delay from start to the pairing code")
	pairDelay := flags.Duration("pair-delay", 3*time.Second, "delay from the pairing code to ready")
	warmUp := flags.Duration("warm-up", time.Second, "time probes keep answering false after ready")
	conversations := flags.Int("conversations", 20, "conversations per generated account")
	history := flags.Int("history", 50, "history messages per conversation")
	contacts := flags.Int("contacts", 30, "directory contacts per generated account")
	policyRate := flags.Float64("policy-failure-rate", 0, "share of sends refused with a policy error")
	rate := flags.Int("rate", 0, "live inbound messages per second across ready tenants, 0 disables")
	concurrency := flags.Int("concurrency", 10, "workers answering requests")
	metricsPort := flags.Int("metrics-port", 9091, "port for the Prometheus metrics endpoint")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Automation sidecar simulator\n\nUsage: %s [options]\n\n", os.Args[0])
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(*configDir, flags)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *natsURL == "" {
		*natsURL = cfg.NATS.URL
	}
	if *prefix == "" {
		*prefix = cfg.Driver.SubjectPrefix
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	observer.InitMetrics(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)

	client, err := jetstream.NewClient(*natsURL)
	if err != nil {
		logger.Log.Fatal("Failed to connect to NATS", zap.String("url", *natsURL), zap.Error(err))
	}
	defer client.Close()

	sim := simulator.New(simulator.Config{
		Prefix:                 *prefix,
		CodeDelay:              *codeDelay,
		PairDelay:              *pairDelay,
		WarmUp:                 *warmUp,
		Conversations:          *conversations,
		HistoryPerConversation: *history,
		Contacts:               *contacts,
		PolicyFailureRate:      *policyRate,
	}, func(subject string, data []byte) error {
		return client.NatsConn().Publish(subject, data)
	}, logger.Log)

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		defer wg.Done()
		switch task := data.(type) {
		case *nats.Msg:
			if err := sim.Respond(task); err != nil {
				logger.Log.Warn("Failed to reply", zap.String("subject", task.Subject), zap.Error(err))
			}
		case string:
			if err := sim.PushLive(task); err != nil {
				logger.Log.Debug("Skipped live message", zap.String("tenant_id", task), zap.Error(err))
			}
		}
	}, ants.WithPanicHandler(func(p interface{}) {
		logger.Log.Error("Simulator worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	submit := func(task interface{}) {
		wg.Add(1)
		if err := pool.Invoke(task); err != nil {
			wg.Done()
			logger.Log.Warn("Worker pool refused task", zap.Error(err))
		}
	}

	sub, err := client.Subscribe(sim.Wildcard(), func(msg *nats.Msg) { submit(msg) })
	if err != nil {
		logger.Log.Fatal("Failed to subscribe to driver requests", zap.String("subject", sim.Wildcard()), zap.Error(err))
	}

	logger.Log.Info("Simulator listening",
		zap.String("nats_url", *natsURL),
		zap.String("subject", sim.Wildcard()),
		zap.Int("live_rate_per_sec", *rate),
		zap.Int("metrics_port", *metricsPort),
	)

	var loopWg sync.WaitGroup
	if *rate > 0 {
		loopWg.Add(1)
		go func() {
			defer loopWg.Done()
			runLiveLoop(ctx, *rate, sim, submit)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	if err := sub.Unsubscribe(); err != nil {
		logger.Log.Warn("Failed to unsubscribe", zap.Error(err))
	}
	loopWg.Wait()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Metrics server shutdown error", zap.Error(err))
	}
	logger.Log.Info("Simulator stopped")
}

// runLiveLoop pushes one inbound message per tick, rotating over ready tenants.
func runLiveLoop(ctx context.Context, rate int, sim *simulator.Simulator, submit func(interface{})) {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants := sim.ReadyTenants()
			if len(tenants) == 0 {
				continue
			}
			submit(tenants[n%len(tenants)])
			n++
		}
	}
}

func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server
}
