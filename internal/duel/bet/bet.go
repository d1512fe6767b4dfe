package bet

import (
	"fmt"
	"time"
)

// Party identifica qual das duas partes produziu um artefato (template ou
// assinatura). Tipo próprio pra evitar os bugs de simetria que um bool
// is_party_a permite.
type Party uint8

const (
	PartyA Party = iota + 1
	PartyB
)

func (p Party) String() string {
	switch p {
	case PartyA:
		return "a"
	case PartyB:
		return "b"
	default:
		return fmt.Sprintf("party(%d)", uint8(p))
	}
}

// Other retorna a contraparte
func (p Party) Other() Party {
	if p == PartyA {
		return PartyB
	}
	return PartyA
}

func ParseParty(s string) (Party, error) {
	switch s {
	case "a", "A":
		return PartyA, nil
	case "b", "B":
		return PartyB, nil
	}
	return 0, fmt.Errorf("invalid party %q", s)
}

// State é o estado de uma aposta no ciclo de vida.
// PROPOSED -> SIGNING -> SIGNED -> ATTESTED -> SETTLED | VOIDED
// VOIDED é alcançável de qualquer estado não terminal (timeout/cancelamento)
type State string

const (
	StateProposed State = "PROPOSED"
	StateSigning  State = "SIGNING"
	StateSigned   State = "SIGNED"
	StateAttested State = "ATTESTED"
	StateSettled  State = "SETTLED"
	StateVoided   State = "VOIDED"
)

// Terminal informa se o estado é um sink (nenhuma transição sai dele)
func (s State) Terminal() bool {
	return s == StateSettled || s == StateVoided
}

// CanTransition valida a transição s -> to conforme a máquina de estados
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateVoided {
		return true
	}
	switch s {
	case StateProposed:
		return to == StateSigning
	case StateSigning:
		return to == StateSigned
	case StateSigned:
		return to == StateAttested
	case StateAttested:
		return to == StateSettled
	}
	return false
}

// Bet é uma aposta entre duas partes, amarrada a um evento de oráculo.
// Identidades são chaves públicas secp256k1 comprimidas (33 bytes).
// OracleAnnouncement guarda o anúncio serializado recebido na criação;
// OutcomeAttestationID é preenchido uma única vez, quando o oráculo atesta.
type Bet struct {
	ID                   string
	OracleAnnouncement   []byte
	PartyAIdentity       []byte
	PartyBIdentity       []byte
	OracleEventID        string
	State                State
	NeedsReply           bool
	Outcome              string
	OutcomeAttestationID string
	VoidReason           string
	CreatedAt            time.Time
}

// Identity retorna a identidade da parte informada
func (b *Bet) Identity(p Party) []byte {
	if p == PartyA {
		return b.PartyAIdentity
	}
	return b.PartyBIdentity
}

// SignatureShare é a assinatura adaptor de uma parte para um outcome de uma
// aposta. Sig são 65 bytes opacos pro resto do sistema: R'(33) || s'(32).
type SignatureShare struct {
	BetID     string
	Submitter Party
	Outcome   string
	Sig       []byte
}
