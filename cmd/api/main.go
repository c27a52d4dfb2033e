package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nakulbh/walletcore/internal/api"
	"github.com/nakulbh/walletcore/internal/config"
	"github.com/nakulbh/walletcore/internal/engine"
	"github.com/nakulbh/walletcore/internal/logging"
	"github.com/nakulbh/walletcore/internal/notify"
	"github.com/nakulbh/walletcore/internal/payments"
	"github.com/nakulbh/walletcore/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.Logging)

	ctx := context.Background()
	st, err := store.New(ctx, cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	// Redis is a replay fast path only; the service runs fine without it.
	var cache engine.Cache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, idempotency cache disabled", "error", err)
		} else {
			cache = store.NewIdempotencyCache(client, cfg.IdempotencyCacheTTL, logger)
		}
	}

	// Initialize Layers
	eng := engine.New(st, st, notify.NewLogNotifier(logger), cache, engine.Config{
		Currency:            cfg.Currency,
		Precision:           cfg.CurrencyPrecision,
		RequireVerification: cfg.RequireVerification,
	}, logger)
	reconciler := payments.NewReconciler(st, eng, cfg.WebhookSecret, logger)
	handler := api.NewHandler(eng, st, reconciler, cfg.Currency)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheck)
	handler.Register(r)

	logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
