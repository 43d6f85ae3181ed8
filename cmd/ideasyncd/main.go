package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Chumpton/world-of-ideas-sub001/internal/cache"
	"github.com/Chumpton/world-of-ideas-sub001/internal/config"
	"github.com/Chumpton/world-of-ideas-sub001/internal/engine"
	"github.com/Chumpton/world-of-ideas-sub001/internal/gateway"
	"github.com/Chumpton/world-of-ideas-sub001/internal/ledger"
	"github.com/Chumpton/world-of-ideas-sub001/internal/localstore"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if cfg.ActorID == "" {
		log.Fatalf("IDEAS_ACTOR_ID is required")
	}

	db, err := gateway.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	// one store per actor, so switching accounts never mixes ledgers
	store, err := localstore.Open(filepath.Join(cfg.LocalStoreDir, cfg.ActorID))
	if err != nil {
		log.Fatalf("local store open failed: %v", err)
	}
	defer store.Close()

	var sharedCache *cache.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for shared profile cache")
		sharedCache, err = cache.New(cfg.RedisURL, cfg.CacheMaxAge)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sharedCache.Close()
	}

	led := ledger.New(store, ledger.SystemClock(), ledger.Options{
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxImmediate: cfg.MaxImmediateRetries,
	})

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "engine").Logger()
	eng, err := engine.New(gateway.NewPostgresGateway(db), store, led, sharedCache, engine.Options{
		ActorID:            cfg.ActorID,
		ActorName:          cfg.ActorName,
		RequestTimeout:     cfg.RequestTimeout,
		CacheMaxAge:        cfg.CacheMaxAge,
		MinRefreshInterval: cfg.MinRefreshInterval,
		SweepInterval:      cfg.SweepInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		Logger:             logger,
	})
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}

	eng.Start()
	eng.OnNetworkOnline()
	log.Printf("idea sync engine running for actor %s", cfg.ActorID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := eng.Close(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
