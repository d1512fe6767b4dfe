package producer

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	skafka "github.com/MutinyWallet/note-duel-backend/internal/shared/kafka"
	"github.com/MutinyWallet/note-duel-backend/pkg/contracts/events"
)

type KafkaPublisher struct {
	Writer *kafka.Writer
}

func NewKafkaPublisher(w *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{Writer: w}
}

// PublishDuelSigned avisa consumidores (ex: bridges de relay) que a aposta
// completou as assinaturas e está aguardando o oráculo
func (p *KafkaPublisher) PublishDuelSigned(ctx context.Context, e events.DuelSigned) error {
	e.TsUnixMs = time.Now().UnixMilli()
	return skafka.WriteJSON(ctx, p.Writer, e.BetID, e)
}
