package events

import "time"

// Evento publicado no tópico "oracle_attestations" quando o oráculo divulga
// o resultado de um evento. Payload carrega a atestação serializada
// (hex ou base64); o core valida e interpreta os bytes.
type AttestationReceived struct {
	OracleEventID string    `json:"oracle_event_id"`
	Payload       string    `json:"payload"`
	Source        string    `json:"source,omitempty"` // ex: "oracle-simulator"
	Ts            time.Time `json:"ts"`
}
