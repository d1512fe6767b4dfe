package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	dhttp "github.com/MutinyWallet/note-duel-backend/internal/duel-service/http"
	kpub "github.com/MutinyWallet/note-duel-backend/internal/duel-service/producer"
	"github.com/MutinyWallet/note-duel-backend/internal/duel-service/repo"
	"github.com/MutinyWallet/note-duel-backend/internal/duel-service/status"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/ledger"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/lifecycle"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/settle"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/cache"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/config"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/db"
	skafka "github.com/MutinyWallet/note-duel-backend/internal/shared/kafka"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/logger"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	log, _ := logger.New(cfg.ServiceName, cfg.Env)
	defer log.Sync()

	ctx := context.Background()

	// Postgres
	pg, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("pg", zap.Error(err))
	}
	defer pg.Close()

	// Redis
	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatal("redis", zap.Error(err))
	}

	// Kafka writer (topic duel_signed)
	writer := skafka.NewWriter(cfg.KafkaBrokers, cfg.TopicDuelSigned)
	defer writer.Close()

	// deps
	repository := repo.NewPostgres(pg)
	store := contract.NewStore(repository)
	ldg := ledger.New(log, repository, store)
	fin := settle.NewFinalizer(log)
	ctrl := lifecycle.NewController(log, repository, store, ldg, fin)
	statusCache := status.NewCache(rdb, 30*time.Second)
	publ := kpub.NewKafkaPublisher(writer)

	// HTTP público
	api := dhttp.NewServer(log, ctrl, statusCache, publ)
	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: api.Router(),
	}

	// metrics/health
	metrics.StartMetricsServer(cfg.MetricsPort, func(ctx context.Context) error {
		if err := pg.PingContext(ctx); err != nil {
			return fmt.Errorf("pg: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})

	log.Info("duel-service listening", zap.String("addr", fmt.Sprintf(":%s", cfg.HTTPPort)))
	if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("api", zap.Error(err))
	}
}
