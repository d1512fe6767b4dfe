// Package ledger registra as shares de assinatura por (aposta, outcome,
// parte). Shares nunca são alteradas ou removidas; no máximo uma por tripla.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/adaptor"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/oracle"
)

// Repo é o colaborador de persistência das shares.
type Repo interface {
	// InsertShare grava a share; bet.ErrDuplicateSignature se a tripla
	// (bet, outcome, submitter) já existir.
	InsertShare(ctx context.Context, share bet.SignatureShare) error
	// GetShare retorna a share da tripla ou bet.ErrNotFound.
	GetShare(ctx context.Context, betID, outcome string, submitter bet.Party) (*bet.SignatureShare, error)
	// ListShares retorna todas as shares da aposta.
	ListShares(ctx context.Context, betID string) ([]bet.SignatureShare, error)
}

// Ledger valida e registra shares em cima do Repo e do template store.
type Ledger struct {
	log   *zap.Logger
	repo  Repo
	store *contract.Store
}

func New(log *zap.Logger, repo Repo, store *contract.Store) *Ledger {
	return &Ledger{log: log, repo: repo, store: store}
}

// Submit valida e grava uma share. O outcome precisa pertencer ao conjunto
// anunciado, a parte não pode ter assinado esse outcome antes e a share
// precisa satisfazer a relação adaptor contra o template da parte e o ponto
// do outcome. Falha criptográfica é fatal pra submissão; não há retry.
func (l *Ledger) Submit(ctx context.Context, b *bet.Bet, ann *oracle.Announcement, submitter bet.Party, outcome string, sig []byte) error {
	if !ann.HasOutcome(outcome) {
		return fmt.Errorf("%w: %q", bet.ErrUnknownOutcome, outcome)
	}

	if _, err := l.repo.GetShare(ctx, b.ID, outcome, submitter); err == nil {
		return fmt.Errorf("%w: bet %s outcome %q party %s", bet.ErrDuplicateSignature, b.ID, outcome, submitter)
	} else if !errors.Is(err, bet.ErrNotFound) {
		return err
	}

	digest, err := l.store.DigestFor(ctx, b.ID, submitter, outcome)
	if err != nil {
		return err
	}

	signer, err := secp256k1.ParsePubKey(b.Identity(submitter))
	if err != nil {
		return fmt.Errorf("%w: party %s", bet.ErrInvalidIdentity, submitter)
	}

	point, err := oracle.AdaptorPoint(ann, outcome)
	if err != nil {
		return fmt.Errorf("adaptor point for %q: %w", outcome, err)
	}

	if err := adaptor.Verify(sig, digest[:], signer, point); err != nil {
		return fmt.Errorf("%w: %v", bet.ErrInvalidSignature, err)
	}

	// A unicidade vale de novo aqui: submissões concorrentes da mesma tripla
	// resolvem em exatamente um sucesso.
	if err := l.repo.InsertShare(ctx, bet.SignatureShare{
		BetID:     b.ID,
		Submitter: submitter,
		Outcome:   outcome,
		Sig:       append([]byte(nil), sig...),
	}); err != nil {
		return err
	}

	l.log.Debug("signature share recorded",
		zap.String("bet_id", b.ID),
		zap.String("outcome", outcome),
		zap.Stringer("party", submitter),
	)
	return nil
}

// PairFor retorna as shares das duas partes pro outcome; bet.ErrIncomplete
// enquanto qualquer uma faltar.
func (l *Ledger) PairFor(ctx context.Context, betID, outcome string) (a, b bet.SignatureShare, err error) {
	sa, err := l.repo.GetShare(ctx, betID, outcome, bet.PartyA)
	if err != nil {
		if errors.Is(err, bet.ErrNotFound) {
			err = fmt.Errorf("%w: party a missing for outcome %q", bet.ErrIncomplete, outcome)
		}
		return
	}
	sb, err := l.repo.GetShare(ctx, betID, outcome, bet.PartyB)
	if err != nil {
		if errors.Is(err, bet.ErrNotFound) {
			err = fmt.Errorf("%w: party b missing for outcome %q", bet.ErrIncomplete, outcome)
		}
		return
	}
	return *sa, *sb, nil
}

// SignedOutcomes retorna, por parte, os outcomes que ela já assinou, em
// ordem alfabética.
func (l *Ledger) SignedOutcomes(ctx context.Context, betID string) (map[bet.Party][]string, error) {
	shares, err := l.repo.ListShares(ctx, betID)
	if err != nil {
		return nil, err
	}
	out := map[bet.Party][]string{
		bet.PartyA: nil,
		bet.PartyB: nil,
	}
	for _, s := range shares {
		out[s.Submitter] = append(out[s.Submitter], s.Outcome)
	}
	for p := range out {
		sort.Strings(out[p])
	}
	return out, nil
}

// IsFullySigned informa se todo outcome do conjunto tem par completo.
func (l *Ledger) IsFullySigned(ctx context.Context, betID string, outcomes []string) (bool, error) {
	shares, err := l.repo.ListShares(ctx, betID)
	if err != nil {
		return false, err
	}

	type pair struct{ a, b bool }
	got := make(map[string]*pair, len(outcomes))
	for _, o := range outcomes {
		got[o] = &pair{}
	}
	for _, s := range shares {
		p, ok := got[s.Outcome]
		if !ok {
			continue
		}
		if s.Submitter == bet.PartyA {
			p.a = true
		} else {
			p.b = true
		}
	}
	for _, p := range got {
		if !p.a || !p.b {
			return false, nil
		}
	}
	return true, nil
}
