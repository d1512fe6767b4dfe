package dto

import "encoding/json"

type TemplateDTO struct {
	Outcome string          `json:"outcome"`
	Payload json.RawMessage `json:"payload"`
}

type CreateDuelRequest struct {
	OracleAnnouncement string            `json:"oracle_announcement"` // hex ou base64
	PartyA             string            `json:"party_a"`             // chave comprimida, hex
	PartyB             string            `json:"party_b"`
	Templates          []TemplateDTO     `json:"templates"`
	Sigs               map[string]string `json:"sigs,omitempty"` // outcome -> share hex
}

type AcceptDuelRequest struct {
	BetID     string            `json:"bet_id"`
	Templates []TemplateDTO     `json:"templates"`
	Sigs      map[string]string `json:"sigs,omitempty"`
}

type SubmitSigRequest struct {
	BetID   string `json:"bet_id"`
	Party   string `json:"party"` // "a" | "b"
	Outcome string `json:"outcome"`
	Sig     string `json:"sig"` // share hex
}

type VoidDuelRequest struct {
	BetID  string `json:"bet_id"`
	Reason string `json:"reason,omitempty"`
}
