package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/attestation-worker/consumer"
	"github.com/MutinyWallet/note-duel-backend/internal/duel-service/repo"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/ledger"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/lifecycle"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/settle"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/config"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/db"
	skafka "github.com/MutinyWallet/note-duel-backend/internal/shared/kafka"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/logger"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Postgres
	pg, err := db.ConnectPostgres(context.Background(), cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect", zap.Error(err))
	}
	defer pg.Close()

	// Kafka: reader de atestações + writers de liquidação e DLQ
	reader := skafka.NewReader(cfg.KafkaBrokers, cfg.TopicAttestations, "attestation-worker")
	defer reader.Close()

	settledWriter := skafka.NewWriter(cfg.KafkaBrokers, cfg.TopicDuelSettled)
	defer settledWriter.Close()

	dlqWriter := skafka.NewWriter(cfg.KafkaBrokers, cfg.TopicAttestationsDLQ)
	defer dlqWriter.Close()

	// deps do core
	repository := repo.NewPostgres(pg)
	store := contract.NewStore(repository)
	ldg := ledger.New(log, repository, store)
	fin := settle.NewFinalizer(log)
	ctrl := lifecycle.NewController(log, repository, store, ldg, fin)

	// Métricas Prometheus para monitoramento do processamento
	consumed := prometheus.NewCounter(prometheus.CounterOpts{Name: "attest_messages_consumed_total", Help: "mensagens consumidas"})
	settled := prometheus.NewCounter(prometheus.CounterOpts{Name: "attest_bets_settled_total", Help: "apostas liquidadas"})
	voided := prometheus.NewCounter(prometheus.CounterOpts{Name: "attest_bets_voided_total", Help: "apostas anuladas na liquidação"})
	errorsBy := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "attest_errors_total", Help: "erros por estágio"}, []string{"stage"})
	prometheus.MustRegister(consumed, settled, voided, errorsBy)

	proc := &consumer.Processor{
		Log:     log,
		Reader:  reader,
		Ctrl:    ctrl,
		Settled: settledWriter,
		DLQ:     dlqWriter,

		OnConsumed: func() { consumed.Inc() },
		OnSettled:  func() { settled.Inc() },
		OnVoided:   func() { voided.Inc() },
		OnError:    func(stage string) { errorsBy.WithLabelValues(stage).Inc() },
	}

	// metrics/health
	metrics.StartMetricsServer(cfg.MetricsPort, func(ctx context.Context) error {
		if err := pg.PingContext(ctx); err != nil {
			return fmt.Errorf("pg: %w", err)
		}
		return nil
	})

	// Sinalização para shutdown gracioso (SIGINT/SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("attestation-worker started")
	if err := proc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("processor stopped with error", zap.Error(err))
	}
	log.Info("attestation-worker stopped")
}
