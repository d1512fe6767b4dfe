// Package contract guarda os templates de CET propostos por cada parte,
// um por outcome possível. Templates são imutáveis: renegociar exige uma
// aposta nova.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/decred/dcrd/crypto/blake256"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
)

// Template é o CET não assinado de um outcome. Payload é opaco pro core;
// quem monta e interpreta o conteúdo é o colaborador de primitivas.
type Template struct {
	Outcome string          `json:"outcome"`
	Payload json.RawMessage `json:"payload"`
}

// Digest é a mensagem de 32 bytes que a parte assina pra este template
func (t Template) Digest() [32]byte {
	h := blake256.New()
	_, _ = h.Write([]byte(t.Outcome))
	_, _ = h.Write([]byte{0x00})
	_, _ = h.Write(t.Payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Repo é o colaborador de persistência dos templates.
type Repo interface {
	// SaveTemplates insere o conjunto da parte; bet.ErrAlreadyProposed se a
	// parte já tiver proposto.
	SaveTemplates(ctx context.Context, betID string, party bet.Party, tmpls []Template) error
	// TemplatesFor retorna o conjunto ordenado por outcome; vazio se a parte
	// ainda não propôs.
	TemplatesFor(ctx context.Context, betID string, party bet.Party) ([]Template, error)
}

// Store aplica as invariantes de proposta em cima do Repo.
type Store struct {
	repo Repo
}

func NewStore(r Repo) *Store { return &Store{repo: r} }

// Propose registra os templates de uma parte. Exige exatamente um template
// por outcome declarado e, se a contraparte já propôs, o mesmo conjunto de
// outcomes (mesmos labels, mesma cardinalidade).
func (s *Store) Propose(ctx context.Context, betID string, party bet.Party, outcomes []string, tmpls []Template) error {
	if err := checkOutcomeSet(outcomes, tmpls); err != nil {
		return err
	}

	other, err := s.repo.TemplatesFor(ctx, betID, party.Other())
	if err != nil && !errors.Is(err, bet.ErrNotFound) {
		return err
	}
	if len(other) > 0 {
		otherSet := make([]string, len(other))
		for i, t := range other {
			otherSet[i] = t.Outcome
		}
		if err := checkOutcomeSet(otherSet, tmpls); err != nil {
			return fmt.Errorf("counterparty disagreement: %w", err)
		}
	}

	sorted := append([]Template(nil), tmpls...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Outcome < sorted[j].Outcome })

	return s.repo.SaveTemplates(ctx, betID, party, sorted)
}

// TemplatesFor retorna os templates da parte, ordenados por outcome.
func (s *Store) TemplatesFor(ctx context.Context, betID string, party bet.Party) ([]Template, error) {
	tmpls, err := s.repo.TemplatesFor(ctx, betID, party)
	if err != nil {
		return nil, err
	}
	if len(tmpls) == 0 {
		return nil, fmt.Errorf("%w: templates for bet %s party %s", bet.ErrNotFound, betID, party)
	}
	return tmpls, nil
}

// DigestFor retorna o digest do template (parte, outcome).
func (s *Store) DigestFor(ctx context.Context, betID string, party bet.Party, outcome string) ([32]byte, error) {
	tmpls, err := s.TemplatesFor(ctx, betID, party)
	if err != nil {
		return [32]byte{}, err
	}
	for _, t := range tmpls {
		if t.Outcome == outcome {
			return t.Digest(), nil
		}
	}
	return [32]byte{}, fmt.Errorf("%w: no template for outcome %q", bet.ErrUnknownOutcome, outcome)
}

// TemplateFor retorna o template (parte, outcome).
func (s *Store) TemplateFor(ctx context.Context, betID string, party bet.Party, outcome string) (Template, error) {
	tmpls, err := s.TemplatesFor(ctx, betID, party)
	if err != nil {
		return Template{}, err
	}
	for _, t := range tmpls {
		if t.Outcome == outcome {
			return t, nil
		}
	}
	return Template{}, fmt.Errorf("%w: no template for outcome %q", bet.ErrUnknownOutcome, outcome)
}

// checkOutcomeSet valida um-template-por-outcome, sem sobras nem repetição
func checkOutcomeSet(outcomes []string, tmpls []Template) error {
	if len(tmpls) != len(outcomes) {
		return fmt.Errorf("%w: %d templates for %d outcomes", bet.ErrOutcomeSetMismatch, len(tmpls), len(outcomes))
	}
	want := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		want[o] = false
	}
	for _, t := range tmpls {
		seen, ok := want[t.Outcome]
		if !ok {
			return fmt.Errorf("%w: unexpected outcome %q", bet.ErrOutcomeSetMismatch, t.Outcome)
		}
		if seen {
			return fmt.Errorf("%w: repeated outcome %q", bet.ErrOutcomeSetMismatch, t.Outcome)
		}
		want[t.Outcome] = true
	}
	return nil
}
