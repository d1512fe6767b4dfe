package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/oracle"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/config"
	skafka "github.com/MutinyWallet/note-duel-backend/internal/shared/kafka"
	"github.com/MutinyWallet/note-duel-backend/internal/shared/logger"
	"github.com/MutinyWallet/note-duel-backend/pkg/contracts/events"
)

var (
	// Métricas Prometheus para monitoramento do oráculo simulado
	announcementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oracle_announcements_total",
		Help: "anúncios emitidos",
	})
	attestationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oracle_attestations_total",
		Help: "atestações emitidas",
	})
)

// Evento anunciado: nonce comprometido + outcomes. Depois de atestar,
// outcome fica preenchido e novas atestações repetem a mesma resposta.
type oracleEvent struct {
	noncePriv    *secp256k1.PrivateKey
	announcement []byte
	outcomes     []string
	attested     string
	attestation  []byte
}

// registry guarda os eventos do oráculo em memória, chaveados por event_id
type registry struct {
	mu     sync.Mutex
	priv   *secp256k1.PrivateKey
	events map[string]*oracleEvent
}

func newRegistry(priv *secp256k1.PrivateKey) *registry {
	return &registry{priv: priv, events: make(map[string]*oracleEvent)}
}

// announce cria (ou retorna) o anúncio do evento. Idempotente por event_id;
// chamar de novo com outro conjunto de outcomes é erro.
func (r *registry) announce(eventID string, outcomes []string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev, ok := r.events[eventID]; ok {
		if !sameSet(ev.outcomes, outcomes) {
			return nil, fmt.Errorf("event %s already announced with different outcomes", eventID)
		}
		return ev.announcement, nil
	}

	noncePriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	noncePriv = oracle.NormalizeNonce(noncePriv)

	ann, err := oracle.BuildAnnouncement(r.priv, noncePriv, eventID, outcomes)
	if err != nil {
		return nil, err
	}

	r.events[eventID] = &oracleEvent{
		noncePriv:    noncePriv,
		announcement: ann,
		outcomes:     append([]string{}, outcomes...),
	}
	return ann, nil
}

// attest assina o outcome do evento. Um evento atesta uma única vez; repetir
// com o mesmo outcome devolve a mesma atestação.
func (r *registry) attest(eventID, outcome string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[eventID]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", eventID)
	}
	if ev.attested != "" {
		if ev.attested != outcome {
			return nil, fmt.Errorf("event %s already attested as %q", eventID, ev.attested)
		}
		return ev.attestation, nil
	}
	found := false
	for _, o := range ev.outcomes {
		if o == outcome {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("outcome %q not in event %s", outcome, eventID)
	}

	att, err := oracle.Attest(r.priv, ev.noncePriv, eventID, outcome)
	if err != nil {
		return nil, err
	}
	ev.attested = outcome
	ev.attestation = att
	return att, nil
}

func (r *registry) list() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		ev := r.events[id]
		out = append(out, map[string]any{
			"event_id": id,
			"outcomes": ev.outcomes,
			"attested": ev.attested,
		})
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string{}, a...)
	bs := append([]string{}, b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	prometheus.MustRegister(announcementsTotal, attestationsTotal)

	// Chave do oráculo gerada por execução; simulador não persiste nada
	oraclePriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		log.Fatal("oracle keygen", zap.Error(err))
	}
	reg := newRegistry(oraclePriv)
	log.Info("oracle identity",
		zap.String("pubkey", hex.EncodeToString(oraclePriv.PubKey().SerializeCompressed())),
	)

	// Kafka writer (topic oracle_attestations)
	writer := skafka.NewWriter(cfg.KafkaBrokers, cfg.TopicAttestations)
	defer writer.Close()

	appMux := http.NewServeMux()

	appMux.HandleFunc("/oracle/announce", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			EventID  string   `json:"event_id"`
			Outcomes []string `json:"outcomes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" || len(req.Outcomes) == 0 {
			http.Error(w, "event_id and outcomes required", http.StatusBadRequest)
			return
		}

		ann, err := reg.announce(req.EventID, req.Outcomes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		announcementsTotal.Inc()
		log.Info("event announced", zap.String("event_id", req.EventID), zap.Strings("outcomes", req.Outcomes))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"event_id":     req.EventID,
			"announcement": base64.StdEncoding.EncodeToString(ann),
		})
	})

	appMux.HandleFunc("/oracle/attest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			EventID string `json:"event_id"`
			Outcome string `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" || req.Outcome == "" {
			http.Error(w, "event_id and outcome required", http.StatusBadRequest)
			return
		}

		att, err := reg.attest(req.EventID, req.Outcome)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		ev := events.AttestationReceived{
			OracleEventID: req.EventID,
			Payload:       base64.StdEncoding.EncodeToString(att),
			Source:        cfg.ServiceName,
			Ts:            time.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := skafka.WriteJSON(ctx, writer, req.EventID, ev); err != nil {
			log.Error("attestation publish failed", zap.String("event_id", req.EventID), zap.Error(err))
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}

		attestationsTotal.Inc()
		log.Info("event attested", zap.String("event_id", req.EventID), zap.String("outcome", req.Outcome))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"event_id":    req.EventID,
			"attestation": ev.Payload,
		})
	})

	appMux.HandleFunc("/oracle/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reg.list())
	})

	// ==== MUX DE MÉTRICAS (/healthz, /metrics)
	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsMux.Handle("/metrics", promhttp.Handler())

	go func() {
		metricsAddr := fmt.Sprintf(":%s", cfg.MetricsPort)
		log.Info("oracle simulator (metrics) running", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
			log.Fatal("metrics server error", zap.Error(err))
		}
	}()

	publicAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	log.Info("oracle simulator (public) running",
		zap.String("addr", publicAddr),
		zap.String("paths", "/oracle/announce,/oracle/attest,/oracle/events"),
	)
	if err := http.ListenAndServe(publicAddr, appMux); err != nil {
		log.Fatal("public server error", zap.Error(err))
	}
}
