package events

import (
	"encoding/json"
	"time"
)

// Evento emitido pelo attestation-worker após processar uma atestação.
// Tx carrega a transação completa (templates + assinaturas finais) que o
// broadcaster externo pode publicar; vazio quando Status = "VOIDED".
type DuelSettled struct {
	BetID         string          `json:"bet_id"`
	OracleEventID string          `json:"oracle_event_id"`
	Outcome       string          `json:"outcome,omitempty"`
	AttestationID string          `json:"attestation_id,omitempty"`
	Status        string          `json:"status"` // "SETTLED" | "VOIDED"
	Reason        string          `json:"reason,omitempty"`
	Tx            json.RawMessage `json:"tx,omitempty"`
	Ts            time.Time       `json:"ts"`
}
