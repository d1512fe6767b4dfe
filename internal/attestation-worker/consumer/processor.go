// Package consumer consome atestações do Kafka e liquida as apostas
// amarradas ao evento de oráculo correspondente.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/lifecycle"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/oracle"
	skafka "github.com/MutinyWallet/note-duel-backend/internal/shared/kafka"
	"github.com/MutinyWallet/note-duel-backend/pkg/contracts/events"
)

// Processor consome mensagens de atestação, atesta e finaliza cada aposta do
// evento e publica duel_settled. Mensagens indecifráveis vão pra DLQ.
// Callbacks de métricas podem ser usadas para monitoramento de cada etapa.
type Processor struct {
	Log     *zap.Logger
	Reader  *kafka.Reader
	Ctrl    *lifecycle.Controller
	Settled *kafka.Writer
	DLQ     *kafka.Writer

	OnConsumed func()       // métricas (counter++)
	OnSettled  func()       // métricas
	OnVoided   func()       // métricas
	OnError    func(string) // métricas por fase
}

// Run inicia o loop principal de consumo e processamento das mensagens Kafka
func (p *Processor) Run(ctx context.Context) error {
	for {
		m, err := p.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() // encerra se o contexto for cancelado
			}
			p.Log.Warn("kafka read failed", zap.Error(err))
			if p.OnError != nil {
				p.OnError("read")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if p.OnConsumed != nil {
			p.OnConsumed()
		}

		var ev events.AttestationReceived
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.OracleEventID == "" {
			p.deadLetter(ctx, m, "decode", err)
			continue
		}

		raw, err := oracle.DecodeBytes(ev.Payload)
		if err != nil {
			p.deadLetter(ctx, m, "payload", err)
			continue
		}

		p.process(ctx, ev.OracleEventID, raw)
	}
}

// process atesta e liquida cada aposta amarrada ao evento. Erros por aposta
// não derrubam o lote: cada uma falha ou liquida independentemente.
func (p *Processor) process(ctx context.Context, oracleEventID string, attestation []byte) {
	bets, err := p.Ctrl.ByOracleEvent(ctx, oracleEventID)
	if err != nil {
		p.Log.Error("list bets by event failed", zap.String("oracle_event_id", oracleEventID), zap.Error(err))
		if p.OnError != nil {
			p.OnError("list")
		}
		return
	}
	if len(bets) == 0 {
		p.Log.Info("no bets for event", zap.String("oracle_event_id", oracleEventID))
		return
	}

	for i := range bets {
		p.settleBet(ctx, &bets[i], attestation)
	}
}

func (p *Processor) settleBet(ctx context.Context, b *bet.Bet, attestation []byte) {
	log := p.Log.With(zap.String("bet_id", b.ID), zap.String("oracle_event_id", b.OracleEventID))

	va, err := p.Ctrl.Attest(ctx, b.ID, attestation)
	switch {
	case err == nil:
	case errors.Is(err, bet.ErrPrematureAttestation):
		// aposta ainda sem o par de assinaturas; fica pra retry do tópico
		log.Warn("attestation before signing complete, skipping", zap.String("state", string(b.State)))
		return
	case errors.Is(err, bet.ErrTerminalState):
		log.Info("bet already closed, skipping")
		return
	case errors.Is(err, bet.ErrInvalidTransition):
		// já atestada (retry do consumer); revalida e segue pra finalização
		va, err = p.revalidate(b, attestation)
		if err != nil {
			log.Warn("attestation revalidation failed", zap.Error(err))
			if p.OnError != nil {
				p.OnError("verify")
			}
			return
		}
	default:
		log.Warn("attestation rejected", zap.Error(err))
		if p.OnError != nil {
			p.OnError("attest")
		}
		return
	}

	tx, final, err := p.Ctrl.Finalize(ctx, b.ID, va)
	if err != nil {
		log.Error("finalize failed", zap.Error(err))
		if p.OnError != nil {
			p.OnError("finalize")
		}
		return
	}

	out := events.DuelSettled{
		BetID:         b.ID,
		OracleEventID: b.OracleEventID,
		Outcome:       va.Outcome,
		AttestationID: va.AttestationID,
		Ts:            time.Now().UTC(),
	}
	switch final {
	case bet.StateSettled:
		out.Status = string(bet.StateSettled)
		out.Tx, _ = json.Marshal(tx)
		if p.OnSettled != nil {
			p.OnSettled()
		}
		log.Info("bet settled", zap.String("outcome", va.Outcome))
	case bet.StateVoided:
		out.Status = string(bet.StateVoided)
		out.Outcome = ""
		out.AttestationID = ""
		if cur, err := p.Ctrl.Get(ctx, b.ID); err == nil {
			out.Reason = cur.VoidReason
		}
		if p.OnVoided != nil {
			p.OnVoided()
		}
		log.Warn("bet voided on settlement", zap.String("reason", out.Reason))
	default:
		log.Error("unexpected state after finalize", zap.String("state", string(final)))
		return
	}

	if err := skafka.WriteJSON(ctx, p.Settled, b.ID, out); err != nil {
		log.Warn("duel_settled publish failed", zap.Error(err))
		if p.OnError != nil {
			p.OnError("publish")
		}
	}
}

// revalidate reconstrói a atestação verificada a partir do anúncio gravado
// na aposta; usado no caminho idempotente de reprocessamento.
func (p *Processor) revalidate(b *bet.Bet, attestation []byte) (*oracle.VerifiedAttestation, error) {
	var v oracle.Verifier
	ann, err := v.ValidateAnnouncement(b.OracleAnnouncement)
	if err != nil {
		return nil, err
	}
	return v.ValidateAttestation(ann, attestation)
}

// deadLetter encaminha a mensagem crua pra DLQ; a original já foi commitada.
func (p *Processor) deadLetter(ctx context.Context, m kafka.Message, stage string, cause error) {
	p.Log.Warn("message sent to DLQ", zap.String("stage", stage), zap.Error(cause))
	if p.OnError != nil {
		p.OnError(stage)
	}
	if p.DLQ == nil {
		return
	}
	err := p.DLQ.WriteMessages(ctx, kafka.Message{
		Key:   m.Key,
		Value: m.Value,
		Time:  time.Now(),
	})
	if err != nil {
		p.Log.Error("DLQ write failed", zap.Error(err))
	}
}
