// Package oracle valida anúncios e atestações de oráculo.
//
// Um anúncio compromete a chave do oráculo, o nonce de assinatura e o
// conjunto de outcomes antes do evento. A atestação é a assinatura
// EC-Schnorr-DCRv0 do outcome real, feita com o nonce comprometido; o
// componente s dessa assinatura é o escalar que decripta as shares adaptor.
package oracle

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/adaptor"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
)

// Announcement é um anúncio de oráculo já parseado e estruturalmente válido.
type Announcement struct {
	OraclePub *secp256k1.PublicKey
	Nonce     *secp256k1.PublicKey // even-Y obrigatório
	EventID   string
	Outcomes  []string

	raw []byte
}

type announcementJSON struct {
	OraclePubKey string   `json:"oracle_pubkey"`
	Nonce        string   `json:"nonce"`
	EventID      string   `json:"event_id"`
	Outcomes     []string `json:"outcomes"`
}

type attestationJSON struct {
	EventID   string `json:"event_id"`
	Outcome   string `json:"outcome"`
	Signature string `json:"signature"`
}

// VerifiedAttestation é o resultado de uma atestação aceita.
// Scalar é o componente s da assinatura do oráculo; é ele que decripta as
// shares adaptor criptografadas pro ponto do outcome atestado.
type VerifiedAttestation struct {
	EventID       string
	Outcome       string
	AttestationID string
	Signature     []byte
	Scalar        *secp256k1.ModNScalar
}

// DecodeBytes aceita hex ou base64, nessa ordem.
func DecodeBytes(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// Raw retorna os bytes originais do anúncio
func (a *Announcement) Raw() []byte { return a.raw }

// HasOutcome informa se o outcome pertence ao conjunto anunciado
func (a *Announcement) HasOutcome(outcome string) bool {
	for _, o := range a.Outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// OutcomeMessage é a mensagem de 32 bytes que o oráculo assina pra um outcome
func OutcomeMessage(outcome string) [32]byte {
	return blake256.Sum256([]byte(outcome))
}

// AdaptorPoint deriva o ponto de encriptação do outcome:
// T = R - e*P, com e = BLAKE256(R_x || OutcomeMessage(outcome)).
// Uma atestação honesta (R_x, s) satisfaz s*G = T.
func AdaptorPoint(a *Announcement, outcome string) (*secp256k1.PublicKey, error) {
	m := OutcomeMessage(outcome)
	rx := a.Nonce.SerializeCompressed()[1:33]

	h := blake256.Sum256(append(append([]byte{}, rx...), m[:]...))
	var e secp256k1.ModNScalar
	if overflow := e.SetByteSlice(h[:]); overflow {
		return nil, fmt.Errorf("challenge overflow for outcome %q", outcome)
	}

	ep, err := adaptor.ScalarMult(&e, a.OraclePub)
	if err != nil {
		return nil, err
	}
	return adaptor.SubPoints(a.Nonce, ep)
}

// Verifier valida anúncios e atestações. Puro, sem estado mutável.
type Verifier struct{}

// ValidateAnnouncement parseia e checa a validade estrutural do anúncio:
// chaves bem formadas, nonce even-Y, conjunto de outcomes não vazio e sem
// repetição. Não exige rede.
func (Verifier) ValidateAnnouncement(raw []byte) (*Announcement, error) {
	var aj announcementJSON
	if err := json.Unmarshal(raw, &aj); err != nil {
		return nil, fmt.Errorf("%w: %v", bet.ErrMalformedAnnouncement, err)
	}
	if aj.EventID == "" {
		return nil, fmt.Errorf("%w: empty event_id", bet.ErrMalformedAnnouncement)
	}
	if len(aj.Outcomes) == 0 {
		return nil, fmt.Errorf("%w: empty outcome set", bet.ErrMalformedAnnouncement)
	}
	seen := make(map[string]struct{}, len(aj.Outcomes))
	for _, o := range aj.Outcomes {
		if o == "" {
			return nil, fmt.Errorf("%w: empty outcome label", bet.ErrMalformedAnnouncement)
		}
		if _, dup := seen[o]; dup {
			return nil, fmt.Errorf("%w: repeated outcome %q", bet.ErrMalformedAnnouncement, o)
		}
		seen[o] = struct{}{}
	}

	pkb, err := hex.DecodeString(aj.OraclePubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: oracle_pubkey not hex", bet.ErrMalformedAnnouncement)
	}
	pub, err := secp256k1.ParsePubKey(pkb)
	if err != nil {
		return nil, fmt.Errorf("%w: bad oracle_pubkey", bet.ErrMalformedAnnouncement)
	}

	nb, err := hex.DecodeString(aj.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce not hex", bet.ErrMalformedAnnouncement)
	}
	if len(nb) != 33 || nb[0] != 0x02 {
		return nil, fmt.Errorf("%w: nonce must be 33 bytes even-Y", bet.ErrMalformedAnnouncement)
	}
	nonce, err := secp256k1.ParsePubKey(nb)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce", bet.ErrMalformedAnnouncement)
	}

	outcomes := append([]string(nil), aj.Outcomes...)
	sort.Strings(outcomes)

	return &Announcement{
		OraclePub: pub,
		Nonce:     nonce,
		EventID:   aj.EventID,
		Outcomes:  outcomes,
		raw:       append([]byte(nil), raw...),
	}, nil
}

// ValidateAttestation verifica criptograficamente a atestação contra o
// anúncio: mesmo evento, outcome anunciado, assinatura feita com o nonce
// comprometido e válida pela chave do oráculo.
func (Verifier) ValidateAttestation(ann *Announcement, raw []byte) (*VerifiedAttestation, error) {
	var tj attestationJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return nil, fmt.Errorf("%w: %v", bet.ErrMalformedAttestation, err)
	}
	if tj.EventID != ann.EventID {
		return nil, fmt.Errorf("%w: got %q want %q", bet.ErrWrongEvent, tj.EventID, ann.EventID)
	}
	if !ann.HasOutcome(tj.Outcome) {
		return nil, fmt.Errorf("%w: %q not in announced set", bet.ErrUnknownOutcome, tj.Outcome)
	}

	sig, err := hex.DecodeString(tj.Signature)
	if err != nil || len(sig) != 64 {
		return nil, fmt.Errorf("%w: signature must be 64 bytes hex", bet.ErrMalformedAttestation)
	}

	// A assinatura precisa usar o nonce comprometido no anúncio; sem isso a
	// atestação não amarra com os pontos adaptor derivados na negociação.
	rx := ann.Nonce.SerializeCompressed()[1:33]
	if !bytes.Equal(sig[:32], rx) {
		return nil, fmt.Errorf("%w: attestation nonce differs from announcement", bet.ErrSignatureMismatch)
	}

	m := OutcomeMessage(tj.Outcome)
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bet.ErrMalformedAttestation, err)
	}
	if !parsed.Verify(m[:], ann.OraclePub) {
		return nil, fmt.Errorf("%w: schnorr verify failed", bet.ErrSignatureMismatch)
	}

	scalar, err := adaptor.ParseScalar(sig[32:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bet.ErrMalformedAttestation, err)
	}

	return &VerifiedAttestation{
		EventID:       tj.EventID,
		Outcome:       tj.Outcome,
		AttestationID: AttestationID(tj.EventID, tj.Outcome, sig),
		Signature:     sig,
		Scalar:        scalar,
	}, nil
}

// AttestationID deriva um id determinístico do conteúdo da atestação
func AttestationID(eventID, outcome string, sig []byte) string {
	h := blake256.New()
	_, _ = h.Write([]byte(eventID))
	_, _ = h.Write([]byte{0x00})
	_, _ = h.Write([]byte(outcome))
	_, _ = h.Write([]byte{0x00})
	_, _ = h.Write(sig)
	return hex.EncodeToString(h.Sum(nil))
}
