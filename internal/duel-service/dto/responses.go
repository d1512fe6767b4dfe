package dto

type CreateDuelResponse struct {
	BetID string `json:"bet_id"`
	State string `json:"state"` // PROPOSED
}

type DuelStatusResponse struct {
	BetID         string `json:"bet_id"`
	State         string `json:"state"`
	NeedsReply    bool   `json:"needs_reply"`
	OracleEventID string `json:"oracle_event_id"`
	Outcome       string `json:"outcome,omitempty"`
	AttestationID string `json:"attestation_id,omitempty"`
	VoidReason    string `json:"void_reason,omitempty"`
}

type PendingDuel struct {
	BetID              string        `json:"bet_id"`
	OracleEventID      string        `json:"oracle_event_id"`
	OracleAnnouncement string        `json:"oracle_announcement"` // base64
	PartyA             string        `json:"party_a"`
	PartyB             string        `json:"party_b"`
	Templates          []TemplateDTO `json:"templates"` // templates da parte A
}

type ActiveDuel struct {
	BetID                string   `json:"bet_id"`
	State                string   `json:"state"`
	NeedsReply           bool     `json:"needs_reply"`
	OracleEventID        string   `json:"oracle_event_id"`
	OracleAnnouncement   string   `json:"oracle_announcement"` // base64
	PartyA               string   `json:"party_a"`
	PartyB               string   `json:"party_b"`
	UserOutcomes         []string `json:"user_outcomes"`         // outcomes que o consultante já assinou
	CounterpartyOutcomes []string `json:"counterparty_outcomes"` // idem pra contraparte
}

type CountsResponse struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
}
