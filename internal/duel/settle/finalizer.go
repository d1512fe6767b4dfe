// Package settle monta a transação final a partir do par de shares do
// outcome atestado. O broadcast em si fica com um colaborador externo.
package settle

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/adaptor"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
)

// SignedTemplate é o CET de uma parte com a assinatura final aplicada.
type SignedTemplate struct {
	Template  contract.Template `json:"template"`
	Signature string            `json:"signature"` // 64 bytes, hex
}

// CompletedTransaction é o artefato de liquidação pronto pro broadcaster.
type CompletedTransaction struct {
	BetID         string         `json:"bet_id"`
	OracleEventID string         `json:"oracle_event_id"`
	Outcome       string         `json:"outcome"`
	AttestationID string         `json:"attestation_id"`
	PartyA        SignedTemplate `json:"party_a"`
	PartyB        SignedTemplate `json:"party_b"`
}

// Finalizer decripta e combina as shares das duas partes.
type Finalizer struct {
	log *zap.Logger
}

func NewFinalizer(log *zap.Logger) *Finalizer { return &Finalizer{log: log} }

// Finalize decripta as duas shares com o escalar da atestação e devolve a
// transação completa. Determinístico: mesmas entradas, mesma saída.
// bet.ErrIncompatibleShares quando qualquer share não fecha com o template
// e a identidade correspondentes.
func (f *Finalizer) Finalize(
	b *bet.Bet,
	outcome, attestationID string,
	scalar *secp256k1.ModNScalar,
	tmplA, tmplB contract.Template,
	shareA, shareB bet.SignatureShare,
) (*CompletedTransaction, error) {
	sigA, err := f.decrypt(b, bet.PartyA, tmplA, shareA, scalar)
	if err != nil {
		return nil, err
	}
	sigB, err := f.decrypt(b, bet.PartyB, tmplB, shareB, scalar)
	if err != nil {
		return nil, err
	}

	return &CompletedTransaction{
		BetID:         b.ID,
		OracleEventID: b.OracleEventID,
		Outcome:       outcome,
		AttestationID: attestationID,
		PartyA:        SignedTemplate{Template: tmplA, Signature: hex.EncodeToString(sigA)},
		PartyB:        SignedTemplate{Template: tmplB, Signature: hex.EncodeToString(sigB)},
	}, nil
}

func (f *Finalizer) decrypt(b *bet.Bet, p bet.Party, tmpl contract.Template, share bet.SignatureShare, scalar *secp256k1.ModNScalar) ([]byte, error) {
	if share.Submitter != p || share.Outcome != tmpl.Outcome {
		return nil, fmt.Errorf("%w: share does not match template slot", bet.ErrIncompatibleShares)
	}
	pub, err := secp256k1.ParsePubKey(b.Identity(p))
	if err != nil {
		return nil, fmt.Errorf("%w: party %s", bet.ErrInvalidIdentity, p)
	}
	digest := tmpl.Digest()
	sig, err := adaptor.Decrypt(share.Sig, scalar, digest[:], pub)
	if err != nil {
		f.log.Warn("share decryption failed",
			zap.String("bet_id", b.ID),
			zap.Stringer("party", p),
			zap.String("outcome", tmpl.Outcome),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: party %s: %v", bet.ErrIncompatibleShares, p, err)
	}
	return sig, nil
}
