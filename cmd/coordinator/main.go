package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/searchkit/coordinator/internal/coordinator/cache"
	"github.com/searchkit/coordinator/internal/coordinator/events"
	"github.com/searchkit/coordinator/internal/coordinator/handler"
	"github.com/searchkit/coordinator/internal/coordinator/history"
	"github.com/searchkit/coordinator/internal/coordinator/transport"
	"github.com/searchkit/coordinator/pkg/config"
	"github.com/searchkit/coordinator/pkg/health"
	"github.com/searchkit/coordinator/pkg/kafka"
	"github.com/searchkit/coordinator/pkg/logger"
	"github.com/searchkit/coordinator/pkg/metrics"
	"github.com/searchkit/coordinator/pkg/middleware"
	"github.com/searchkit/coordinator/pkg/postgres"
	pkgredis "github.com/searchkit/coordinator/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search coordinator",
		"port", cfg.Server.Port,
		"index", cfg.Cluster.Index,
		"num_nodes", len(cfg.Cluster.Nodes),
	)

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(ctx)
		}()
	}

	pool, err := transport.NewPool(cfg.Cluster, cfg.Search, m)
	if err != nil {
		slog.Error("failed to build shard routing table", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var responseCache *cache.ResponseCache
	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, response caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		responseCache = cache.New(redisClient, cfg.Redis)
		slog.Info("response cache enabled",
			"addr", cfg.Redis.Addr,
			"ttl", cfg.Redis.CacheTTL,
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SearchEvents)
	defer producer.Close()
	collector := events.NewCollector(producer, 10000)
	collector.Start(ctx)
	slog.Info("event collector started", "topic", cfg.Kafka.Topics.SearchEvents)

	aggregator := events.NewAggregator()
	aggregator.Bind(kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.SearchEvents, aggregator.Handle))
	go func() {
		if err := aggregator.Start(ctx); err != nil {
			slog.Error("event aggregator error", "error", err)
		}
	}()

	var store *history.Store
	var pgClient *postgres.Client
	pgClient, err = postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, phase history disabled", "error", err)
	} else {
		defer pgClient.Close()
		store = history.NewStore(pgClient)
		slog.Info("phase history archive enabled", "database", cfg.Postgres.Database)
	}

	// Keep the per-node breaker gauges current without touching the hot path.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for node, state := range pool.BreakerStates() {
					m.CircuitBreakerState.WithLabelValues(node).Set(float64(state))
				}
			}
		}
	}()

	checker := health.NewChecker()
	checker.Register("cluster", func(ctx context.Context) health.ComponentHealth {
		if len(pool.Shards()) == 0 {
			return health.ComponentHealth{Status: health.StatusDown, Message: "no shards configured"}
		}
		open := 0
		for _, state := range pool.BreakerStates() {
			if state != 0 {
				open++
			}
		}
		if open == pool.NumNodes() {
			return health.ComponentHealth{Status: health.StatusDown, Message: "all node breakers open"}
		}
		if open > 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: fmt.Sprintf("%d node breakers open", open)}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d shards on %d nodes", len(pool.Shards()), pool.NumNodes())}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if pgClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := pgClient.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := handler.New(pool, cfg.Search.DefaultWindow, cfg.Search.MaxWindow, handler.Options{
		Cache:      responseCache,
		Collector:  collector,
		Aggregator: aggregator,
		Store:      store,
		Metrics:    m,
		Fields:     cfg.Search.Fields,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/search/history", h.History)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		// Shutdown has drained in-flight handlers; no more events arrive.
		collector.Close()
	}()

	slog.Info("search coordinator listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-drained

	slog.Info("search coordinator stopped")
}
