package events

// Evento publicado no tópico "duel_signed" quando as duas partes completam
// seus conjuntos de assinaturas e a aposta fica pronta para liquidação.
type DuelSigned struct {
	BetID         string `json:"bet_id"`
	OracleEventID string `json:"oracle_event_id"`
	PartyA        string `json:"party_a"` // chave pública comprimida, hex
	PartyB        string `json:"party_b"`
	TsUnixMs      int64  `json:"ts_unix_ms"`
}
