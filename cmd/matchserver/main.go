package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tourneylab/matchmaking/internal/ai"
	"github.com/tourneylab/matchmaking/internal/analytics"
	"github.com/tourneylab/matchmaking/internal/config"
	"github.com/tourneylab/matchmaking/internal/dispatch"
	"github.com/tourneylab/matchmaking/internal/engine"
	"github.com/tourneylab/matchmaking/internal/lock"
	"github.com/tourneylab/matchmaking/internal/match"
	"github.com/tourneylab/matchmaking/internal/messaging"
	"github.com/tourneylab/matchmaking/internal/metrics"
	"github.com/tourneylab/matchmaking/internal/persistence"
	"github.com/tourneylab/matchmaking/internal/queue"
	"github.com/tourneylab/matchmaking/internal/ratelimit"
	"github.com/tourneylab/matchmaking/internal/registry"
	"github.com/tourneylab/matchmaking/internal/store"
	"github.com/tourneylab/matchmaking/internal/ws"
)

func main() {
	log.Println("Starting tournament matchmaking server...")

	cfg := config.Load()

	// --- shared store ---
	st, err := store.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	reg := registry.New(st)
	queues := queue.NewService(st, reg, cfg.Matchmaking.MaxQueueSize)
	locks := lock.NewService(st)
	matches := match.NewStore(st)
	limiter := ratelimit.NewLimiter(st)

	// --- message bus (optional: without it, delivery is instance-local) ---
	var bus *messaging.NATSClient
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	if bus, err = messaging.NewNATSClient(natsConfig); err != nil {
		log.Printf("NATS unavailable (%v), running single-instance", err)
		bus = nil
	}

	// --- durable mirror (optional) ---
	var sink *persistence.Sink
	if cfg.DatabaseURL != "" {
		if err := persistence.Migrate("file://migrations", cfg.DatabaseURL); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
		if sink, err = persistence.NewSink(cfg.DatabaseURL); err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
	} else {
		log.Println("DATABASE_URL not set, persistence disabled")
	}

	// --- analytics (optional) ---
	producer := analytics.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)

	// --- push server ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.HeartbeatInterval = cfg.Dispatch.HeartbeatInterval
	wsConfig.ConnectionTimeout = cfg.Dispatch.ConnectionTimeout
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxConnections = n
		}
	}

	router := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, router.Dispatch)
	router.SetServer(server)
	server.SetLimiter(limiter)

	// --- dispatcher and engine ---
	dispatchDeps := dispatch.Deps{
		Push:     server,
		Queues:   queues,
		Registry: reg,
		Matches:  matches,
		Limiter:  limiter,
	}
	if bus != nil {
		dispatchDeps.Bus = bus
	}
	if producer != nil {
		dispatchDeps.Events = producer
	}
	dispatcher := dispatch.New(cfg.Dispatch, cfg.Matchmaking.HumanSearchTimeout, dispatchDeps)

	engineDeps := engine.Deps{
		Queues:    queues,
		Locks:     locks,
		Registry:  reg,
		Matches:   matches,
		Simulator: ai.NewSimulator(),
		Notifier:  dispatcher,
	}
	if sink != nil {
		engineDeps.Sink = sink
	}
	if producer != nil {
		engineDeps.Events = producer
	}
	eng := engine.New(cfg.Matchmaking, engineDeps)

	dispatcher.SetEngine(eng)
	dispatcher.RegisterHandlers(router)
	server.SetOnDisconnect(dispatcher.OnDisconnect)

	// --- metrics endpoint ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	go dispatcher.Run()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Printf("Tournament matchmaking server running")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats:            %v", bus != nil)
	log.Printf("  persistence:     %v", sink != nil)
	log.Printf("  analytics:       %v", producer != nil)
	log.Printf("  search_timeout:  %s", cfg.Matchmaking.HumanSearchTimeout)
	log.Printf("  skill_threshold: %g", cfg.Matchmaking.SkillThreshold)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Printf("push server stopped: %v", err)
	}

	if err := server.Shutdown(); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	dispatcher.Close()
	eng.Close()

	shutdownCtx := time.AfterFunc(10*time.Second, func() {
		log.Println("shutdown deadline exceeded, exiting")
		os.Exit(1)
	})
	defer shutdownCtx.Stop()

	metricsSrv.Close()
	if producer != nil {
		producer.Close()
	}
	if bus != nil {
		bus.Close()
	}
	if sink != nil {
		sink.Close()
	}
	st.Close()
	log.Println("shutdown complete")
}
