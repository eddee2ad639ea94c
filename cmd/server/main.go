package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/unisonfm/unison/internal/adapters/http"
	"github.com/unisonfm/unison/internal/auth"
	"github.com/unisonfm/unison/internal/cluster"
	"github.com/unisonfm/unison/internal/config"
	ltsignal "github.com/unisonfm/unison/internal/signal"
	"github.com/unisonfm/unison/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer db.Close()

	verifier := auth.NewVerifier(cfg.AuthSecret, db)

	// One redis backend serves the lock, the snapshot store and the
	// fan-out. If it is unreachable the service still starts, pod-local.
	var rdb *redis.Client
	needRedis := cfg.EnableGroupLock || cfg.EnableSnapshotStore || cfg.EnableClusterAdapter
	if needRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Error().Err(err).Str("addr", cfg.RedisAddr).
				Msg("coordination backend unreachable, falling back to pod-local mode")
			_ = rdb.Close()
			rdb = nil
		}
		pingCancel()
	}

	var locker cluster.Locker = cluster.NopLocker{}
	if cfg.EnableGroupLock && rdb != nil {
		locker = cluster.NewRedisLocker(rdb, cfg.GroupLockTTL)
	} else if cfg.EnableGroupLock {
		log.Warn().Msg("group lock disabled by backend failure, only pod-local ordering serializes mutations")
	} else {
		log.Warn().Msg("group lock disabled by config, acceptable only in single-pod deployments")
	}

	var snapshots cluster.SnapshotStore
	if cfg.EnableSnapshotStore && rdb != nil {
		snapshots = cluster.NewRedisSnapshots(rdb, cfg.SnapshotTTL)
	} else {
		log.Warn().Msg("snapshot store disabled, a multi-pod deployment will serve split views")
	}

	svc := ltsignal.NewService(ltsignal.Options{
		Locker:                locker,
		Snapshots:             snapshots,
		Verifier:              verifier,
		Resolver:              db,
		Hooks:                 db,
		DisconnectGrace:       cfg.DisconnectGrace,
		ReconnectSLO:          cfg.ReconnectSLO(),
		RejectionLogThreshold: cfg.RejectionLogThreshold,
		PollingEnabled:        cfg.AllowPollingFallback,
	})
	defer svc.Shutdown()

	if cfg.EnableClusterAdapter && rdb != nil {
		fan := cluster.NewFanout(rdb, svc.ApplyExternalSnapshot, svc.DeliverFrame)
		if err := fan.Start(ctx); err != nil {
			log.Error().Err(err).Msg("cluster fan-out unavailable, broadcasts stay pod-local")
		} else {
			svc.AttachFanout(fan)
		}
	} else if cfg.EnableClusterAdapter {
		log.Warn().Msg("cluster adapter disabled by backend failure, broadcasts stay pod-local")
	}

	r := router.SetupRouter(ctx, cfg, svc, verifier)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Unison sync server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	svc.Shutdown()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info().Msg("Server exited gracefully")
}
