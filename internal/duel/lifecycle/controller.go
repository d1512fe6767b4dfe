// Package lifecycle implementa a máquina de estados da aposta: criação,
// aceite, coleta de assinaturas, atestação e liquidação.
//
// Toda operação que muta uma aposta roda sob o lock exclusivo daquele
// bet_id; leituras de status ficam fora do lock e aceitam consistência
// eventual. Nenhuma transição é reversível; SETTLED e VOIDED são sinks.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/ledger"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/oracle"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/settle"
)

// BetRepo é o colaborador de persistência das apostas.
type BetRepo interface {
	// CreateBet insere a aposta e retorna o id gerado.
	CreateBet(ctx context.Context, b *bet.Bet) (string, error)
	// GetBet retorna a aposta ou bet.ErrNotFound.
	GetBet(ctx context.Context, id string) (*bet.Bet, error)
	// UpdateState grava estado e needs_reply.
	UpdateState(ctx context.Context, id string, st bet.State, needsReply bool) error
	// SetAttestation grava outcome + attestation id e transiciona pra ATTESTED.
	SetAttestation(ctx context.Context, id, outcome, attestationID string) error
	// VoidBet transiciona pra VOIDED com o motivo.
	VoidBet(ctx context.Context, id, reason string) error
	// ListByOracleEvent retorna as apostas amarradas ao evento.
	ListByOracleEvent(ctx context.Context, oracleEventID string) ([]bet.Bet, error)
	// ListPending retorna as apostas aguardando resposta da identidade.
	ListPending(ctx context.Context, identity []byte) ([]bet.Bet, error)
	// ListActive retorna as apostas não terminais em que a identidade é uma
	// das partes.
	ListActive(ctx context.Context, identity []byte) ([]bet.Bet, error)
	// ListEventIDs retorna os event ids de oráculo com alguma aposta amarrada.
	ListEventIDs(ctx context.Context) ([]string, error)
	// CountByState retorna contagens de apostas ativas e encerradas.
	CountByState(ctx context.Context) (active, completed int64, err error)
}

// Offer é a proposta da parte A: anúncio do oráculo, identidades das duas
// partes, templates de CET (um por outcome) e, opcionalmente, o conjunto
// completo de shares da parte A.
type Offer struct {
	Announcement []byte
	PartyA       []byte
	PartyB       []byte
	Templates    []contract.Template
	Sigs         map[string][]byte
}

// Controller coordena a máquina de estados.
type Controller struct {
	log      *zap.Logger
	bets     BetRepo
	store    *contract.Store
	ledger   *ledger.Ledger
	verifier oracle.Verifier
	fin      *settle.Finalizer
	locks    *keyedMutex
}

func NewController(log *zap.Logger, bets BetRepo, store *contract.Store, l *ledger.Ledger, fin *settle.Finalizer) *Controller {
	return &Controller{
		log:    log,
		bets:   bets,
		store:  store,
		ledger: l,
		fin:    fin,
		locks:  newKeyedMutex(),
	}
}

// Create valida a oferta e cria a aposta em PROPOSED com needs_reply=true.
// Se a oferta trouxer shares, precisa trazer uma por outcome; cada uma é
// validada contra o template e a identidade da parte A.
func (c *Controller) Create(ctx context.Context, offer Offer) (string, error) {
	ann, err := c.verifier.ValidateAnnouncement(offer.Announcement)
	if err != nil {
		return "", err
	}
	if _, err := secp256k1.ParsePubKey(offer.PartyA); err != nil {
		return "", fmt.Errorf("%w: party a", bet.ErrInvalidIdentity)
	}
	if _, err := secp256k1.ParsePubKey(offer.PartyB); err != nil {
		return "", fmt.Errorf("%w: party b", bet.ErrInvalidIdentity)
	}
	if len(offer.Sigs) != 0 && len(offer.Sigs) != len(ann.Outcomes) {
		return "", fmt.Errorf("%w: %d sigs for %d outcomes", bet.ErrOutcomeSetMismatch, len(offer.Sigs), len(ann.Outcomes))
	}

	b := &bet.Bet{
		OracleAnnouncement: append([]byte(nil), offer.Announcement...),
		PartyAIdentity:     append([]byte(nil), offer.PartyA...),
		PartyBIdentity:     append([]byte(nil), offer.PartyB...),
		OracleEventID:      ann.EventID,
		State:              bet.StateProposed,
		NeedsReply:         true,
	}
	id, err := c.bets.CreateBet(ctx, b)
	if err != nil {
		return "", err
	}
	b.ID = id

	if err := c.store.Propose(ctx, id, bet.PartyA, ann.Outcomes, offer.Templates); err != nil {
		return "", err
	}
	for outcome, sig := range offer.Sigs {
		if err := c.ledger.Submit(ctx, b, ann, bet.PartyA, outcome, sig); err != nil {
			return "", err
		}
	}

	c.log.Info("bet created",
		zap.String("bet_id", id),
		zap.String("oracle_event_id", ann.EventID),
		zap.Int("outcomes", len(ann.Outcomes)),
	)
	return id, nil
}

// Accept registra os templates da parte B e transiciona PROPOSED -> SIGNING.
// Conjunto de outcomes divergente rejeita o aceite e a aposta segue em
// PROPOSED; nada é coagido. Shares enviadas junto são registradas em
// seguida e podem completar direto pra SIGNED.
func (c *Controller) Accept(ctx context.Context, betID string, tmpls []contract.Template, sigs map[string][]byte) error {
	unlock := c.locks.lock(betID)
	defer unlock()

	b, ann, err := c.load(ctx, betID)
	if err != nil {
		return err
	}
	if b.State.Terminal() {
		return fmt.Errorf("%w: bet %s is %s", bet.ErrTerminalState, betID, b.State)
	}
	if b.State != bet.StateProposed {
		return fmt.Errorf("%w: accept in state %s", bet.ErrInvalidTransition, b.State)
	}

	if err := c.store.Propose(ctx, betID, bet.PartyB, ann.Outcomes, tmpls); err != nil {
		return err
	}
	if err := c.bets.UpdateState(ctx, betID, bet.StateSigning, true); err != nil {
		return err
	}
	b.State = bet.StateSigning

	for outcome, sig := range sigs {
		if err := c.ledger.Submit(ctx, b, ann, bet.PartyB, outcome, sig); err != nil {
			return err
		}
	}

	c.log.Info("bet accepted", zap.String("bet_id", betID))
	return c.promoteIfSigned(ctx, b, ann)
}

// RecordSignature registra uma share avulsa durante SIGNING. Quando a última
// dupla completa, o estado vira SIGNED e needs_reply cai pra false. É a
// única transição que derruba needs_reply.
func (c *Controller) RecordSignature(ctx context.Context, betID string, submitter bet.Party, outcome string, sig []byte) error {
	unlock := c.locks.lock(betID)
	defer unlock()

	b, ann, err := c.load(ctx, betID)
	if err != nil {
		return err
	}
	if b.State.Terminal() {
		return fmt.Errorf("%w: bet %s is %s", bet.ErrTerminalState, betID, b.State)
	}
	if b.State != bet.StateSigning {
		return fmt.Errorf("%w: record_signature in state %s", bet.ErrInvalidTransition, b.State)
	}

	if err := c.ledger.Submit(ctx, b, ann, submitter, outcome, sig); err != nil {
		return err
	}
	return c.promoteIfSigned(ctx, b, ann)
}

// Attest consome a atestação do oráculo: SIGNED -> ATTESTED. Antes de
// SIGNED falha com ErrPrematureAttestation: um evento de oráculo não pode
// liquidar aposta sem assinaturas completas. O attestation id é gravado uma
// única vez.
func (c *Controller) Attest(ctx context.Context, betID string, attestation []byte) (*oracle.VerifiedAttestation, error) {
	unlock := c.locks.lock(betID)
	defer unlock()

	b, ann, err := c.load(ctx, betID)
	if err != nil {
		return nil, err
	}
	switch {
	case b.State.Terminal():
		return nil, fmt.Errorf("%w: bet %s is %s", bet.ErrTerminalState, betID, b.State)
	case b.State == bet.StateProposed || b.State == bet.StateSigning:
		return nil, fmt.Errorf("%w: bet %s is %s", bet.ErrPrematureAttestation, betID, b.State)
	case b.State == bet.StateAttested:
		return nil, fmt.Errorf("%w: bet %s already attested", bet.ErrInvalidTransition, betID)
	}

	va, err := c.verifier.ValidateAttestation(ann, attestation)
	if err != nil {
		return nil, err
	}

	if err := c.bets.SetAttestation(ctx, betID, va.Outcome, va.AttestationID); err != nil {
		return nil, err
	}

	c.log.Info("bet attested",
		zap.String("bet_id", betID),
		zap.String("outcome", va.Outcome),
		zap.String("attestation_id", va.AttestationID),
	)
	return va, nil
}

// Finalize fecha uma aposta atestada. Com par completo e decriptável o
// estado vira SETTLED e a transação completa é retornada; sem par válido
// pro outcome atestado a aposta vai pra VOIDED, sem transação. Chamadas
// repetidas sobre SETTLED recomputam a mesma transação (determinístico).
func (c *Controller) Finalize(ctx context.Context, betID string, va *oracle.VerifiedAttestation) (*settle.CompletedTransaction, bet.State, error) {
	unlock := c.locks.lock(betID)
	defer unlock()

	b, _, err := c.load(ctx, betID)
	if err != nil {
		return nil, "", err
	}
	switch b.State {
	case bet.StateVoided:
		return nil, "", fmt.Errorf("%w: bet %s is voided", bet.ErrTerminalState, betID)
	case bet.StateAttested, bet.StateSettled:
		// segue
	default:
		return nil, "", fmt.Errorf("%w: finalize in state %s", bet.ErrInvalidTransition, b.State)
	}
	if va.AttestationID != b.OutcomeAttestationID {
		return nil, "", fmt.Errorf("%w: attestation does not match bet", bet.ErrWrongEvent)
	}

	shareA, shareB, err := c.ledger.PairFor(ctx, betID, va.Outcome)
	if errors.Is(err, bet.ErrIncomplete) {
		return nil, bet.StateVoided, c.void(ctx, b, "no signature pair for attested outcome")
	}
	if err != nil {
		return nil, "", err
	}

	tmplA, err := c.store.TemplateFor(ctx, betID, bet.PartyA, va.Outcome)
	if err != nil {
		return nil, "", err
	}
	tmplB, err := c.store.TemplateFor(ctx, betID, bet.PartyB, va.Outcome)
	if err != nil {
		return nil, "", err
	}

	tx, err := c.fin.Finalize(b, va.Outcome, va.AttestationID, va.Scalar, tmplA, tmplB, shareA, shareB)
	if errors.Is(err, bet.ErrIncompatibleShares) {
		return nil, bet.StateVoided, c.void(ctx, b, "incompatible shares for attested outcome")
	}
	if err != nil {
		return nil, "", err
	}

	if b.State != bet.StateSettled {
		if err := c.bets.UpdateState(ctx, betID, bet.StateSettled, false); err != nil {
			return nil, "", err
		}
		c.log.Info("bet settled",
			zap.String("bet_id", betID),
			zap.String("outcome", va.Outcome),
		)
	}
	return tx, bet.StateSettled, nil
}

// Void marca a aposta como anulada a partir de qualquer estado não
// terminal (timeout de negociação, cancelamento externo).
func (c *Controller) Void(ctx context.Context, betID, reason string) error {
	unlock := c.locks.lock(betID)
	defer unlock()

	b, err := c.bets.GetBet(ctx, betID)
	if err != nil {
		return err
	}
	if b.State.Terminal() {
		return fmt.Errorf("%w: bet %s is %s", bet.ErrTerminalState, betID, b.State)
	}
	return c.void(ctx, b, reason)
}

// Get retorna a aposta sem adquirir o lock; leitura eventual.
func (c *Controller) Get(ctx context.Context, betID string) (*bet.Bet, error) {
	return c.bets.GetBet(ctx, betID)
}

// ByOracleEvent lista as apostas amarradas a um evento de oráculo.
func (c *Controller) ByOracleEvent(ctx context.Context, oracleEventID string) ([]bet.Bet, error) {
	return c.bets.ListByOracleEvent(ctx, oracleEventID)
}

// Pending lista as apostas aguardando resposta da identidade.
func (c *Controller) Pending(ctx context.Context, identity []byte) ([]bet.Bet, error) {
	return c.bets.ListPending(ctx, identity)
}

// Active lista as apostas em andamento em que a identidade é uma das partes.
func (c *Controller) Active(ctx context.Context, identity []byte) ([]bet.Bet, error) {
	return c.bets.ListActive(ctx, identity)
}

// EventIDs lista os event ids de oráculo com alguma aposta amarrada.
func (c *Controller) EventIDs(ctx context.Context) ([]string, error) {
	return c.bets.ListEventIDs(ctx)
}

// Counts retorna contagens de apostas ativas e encerradas.
func (c *Controller) Counts(ctx context.Context) (active, completed int64, err error) {
	return c.bets.CountByState(ctx)
}

// TemplatesFor retorna os templates de CET de uma das partes, em ordem de
// outcome.
func (c *Controller) TemplatesFor(ctx context.Context, betID string, p bet.Party) ([]contract.Template, error) {
	return c.store.TemplatesFor(ctx, betID, p)
}

// SignedOutcomes retorna, por parte, os outcomes já assinados na aposta.
func (c *Controller) SignedOutcomes(ctx context.Context, betID string) (map[bet.Party][]string, error) {
	return c.ledger.SignedOutcomes(ctx, betID)
}

// load busca a aposta e parseia o anúncio gravado nela
func (c *Controller) load(ctx context.Context, betID string) (*bet.Bet, *oracle.Announcement, error) {
	b, err := c.bets.GetBet(ctx, betID)
	if err != nil {
		return nil, nil, err
	}
	ann, err := c.verifier.ValidateAnnouncement(b.OracleAnnouncement)
	if err != nil {
		return nil, nil, fmt.Errorf("stored announcement for bet %s: %w", betID, err)
	}
	return b, ann, nil
}

// promoteIfSigned transiciona SIGNING -> SIGNED quando toda dupla completa;
// needs_reply inverte exatamente nessa transição
func (c *Controller) promoteIfSigned(ctx context.Context, b *bet.Bet, ann *oracle.Announcement) error {
	full, err := c.ledger.IsFullySigned(ctx, b.ID, ann.Outcomes)
	if err != nil || !full {
		return err
	}
	if err := c.bets.UpdateState(ctx, b.ID, bet.StateSigned, false); err != nil {
		return err
	}
	b.State = bet.StateSigned
	b.NeedsReply = false
	c.log.Info("bet fully signed", zap.String("bet_id", b.ID))
	return nil
}

func (c *Controller) void(ctx context.Context, b *bet.Bet, reason string) error {
	if err := c.bets.VoidBet(ctx, b.ID, reason); err != nil {
		return err
	}
	c.log.Warn("bet voided",
		zap.String("bet_id", b.ID),
		zap.String("reason", reason),
	)
	return nil
}
