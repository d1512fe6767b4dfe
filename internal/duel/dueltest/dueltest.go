// Package dueltest traz um repositório em memória e fixtures criptográficas
// pros testes dos pacotes do core. Só entra em _test.go dos outros pacotes.
package dueltest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/adaptor"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/oracle"
)

// MemRepo implementa em memória os três repositórios do core (apostas,
// templates e shares), com a mesma semântica do Postgres: unicidade por
// tripla, atestação gravada uma única vez. Seguro pra uso concorrente.
type MemRepo struct {
	mu        sync.Mutex
	bets      map[string]bet.Bet
	templates map[string][]contract.Template
	shares    map[string]bet.SignatureShare
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		bets:      make(map[string]bet.Bet),
		templates: make(map[string][]contract.Template),
		shares:    make(map[string]bet.SignatureShare),
	}
}

func tmplKey(betID string, party bet.Party) string {
	return betID + "|" + party.String()
}

func shareKey(betID, outcome string, party bet.Party) string {
	return betID + "|" + outcome + "|" + party.String()
}

func (r *MemRepo) CreateBet(_ context.Context, b *bet.Bet) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	cp := *b
	cp.ID = id
	cp.CreatedAt = time.Now().UTC()
	r.bets[id] = cp
	return id, nil
}

func (r *MemRepo) GetBet(_ context.Context, id string) (*bet.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bets[id]
	if !ok {
		return nil, fmt.Errorf("%w: bet %s", bet.ErrNotFound, id)
	}
	cp := b
	return &cp, nil
}

func (r *MemRepo) UpdateState(_ context.Context, id string, st bet.State, needsReply bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bets[id]
	if !ok {
		return fmt.Errorf("%w: bet %s", bet.ErrNotFound, id)
	}
	b.State = st
	b.NeedsReply = needsReply
	r.bets[id] = b
	return nil
}

func (r *MemRepo) SetAttestation(_ context.Context, id, outcome, attestationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bets[id]
	if !ok {
		return fmt.Errorf("%w: bet %s", bet.ErrNotFound, id)
	}
	if b.OutcomeAttestationID != "" {
		return fmt.Errorf("%w: bet %s already attested", bet.ErrInvalidTransition, id)
	}
	b.State = bet.StateAttested
	b.Outcome = outcome
	b.OutcomeAttestationID = attestationID
	r.bets[id] = b
	return nil
}

func (r *MemRepo) VoidBet(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bets[id]
	if !ok {
		return fmt.Errorf("%w: bet %s", bet.ErrNotFound, id)
	}
	b.State = bet.StateVoided
	b.NeedsReply = false
	b.VoidReason = reason
	r.bets[id] = b
	return nil
}

func (r *MemRepo) ListByOracleEvent(_ context.Context, oracleEventID string) ([]bet.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []bet.Bet
	for _, b := range r.bets {
		if b.OracleEventID == oracleEventID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemRepo) ListPending(_ context.Context, identity []byte) ([]bet.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []bet.Bet
	for _, b := range r.bets {
		if b.NeedsReply && bytes.Equal(b.PartyBIdentity, identity) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemRepo) ListActive(_ context.Context, identity []byte) ([]bet.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []bet.Bet
	for _, b := range r.bets {
		party := bytes.Equal(b.PartyAIdentity, identity) || bytes.Equal(b.PartyBIdentity, identity)
		if party && !b.State.Terminal() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemRepo) ListEventIDs(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, b := range r.bets {
		seen[b.OracleEventID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemRepo) CountByState(_ context.Context) (active, completed int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bets {
		if b.State.Terminal() {
			completed++
		} else {
			active++
		}
	}
	return active, completed, nil
}

func (r *MemRepo) SaveTemplates(_ context.Context, betID string, party bet.Party, tmpls []contract.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tmplKey(betID, party)
	if len(r.templates[key]) > 0 {
		return fmt.Errorf("%w: bet %s party %s", bet.ErrAlreadyProposed, betID, party)
	}
	r.templates[key] = append([]contract.Template(nil), tmpls...)
	return nil
}

func (r *MemRepo) TemplatesFor(_ context.Context, betID string, party bet.Party) ([]contract.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]contract.Template(nil), r.templates[tmplKey(betID, party)]...), nil
}

func (r *MemRepo) InsertShare(_ context.Context, share bet.SignatureShare) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := shareKey(share.BetID, share.Outcome, share.Submitter)
	if _, ok := r.shares[key]; ok {
		return fmt.Errorf("%w: bet %s outcome %q party %s",
			bet.ErrDuplicateSignature, share.BetID, share.Outcome, share.Submitter)
	}
	r.shares[key] = share
	return nil
}

func (r *MemRepo) GetShare(_ context.Context, betID, outcome string, submitter bet.Party) (*bet.SignatureShare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.shares[shareKey(betID, outcome, submitter)]
	if !ok {
		return nil, fmt.Errorf("%w: share", bet.ErrNotFound)
	}
	cp := s
	return &cp, nil
}

func (r *MemRepo) ListShares(_ context.Context, betID string) ([]bet.SignatureShare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []bet.SignatureShare
	for _, s := range r.shares {
		if s.BetID == betID {
			out = append(out, s)
		}
	}
	return out, nil
}

// Fixture é um duelo completo pronto pra testes: oráculo com nonce
// comprometido, identidades das duas partes e templates por outcome.
type Fixture struct {
	OraclePriv *secp256k1.PrivateKey
	NoncePriv  *secp256k1.PrivateKey
	PartyAPriv *secp256k1.PrivateKey
	PartyBPriv *secp256k1.PrivateKey

	EventID  string
	Outcomes []string

	Announcement []byte
	Ann          *oracle.Announcement
}

// NewFixture monta um duelo com o evento e os outcomes dados. panic em falha,
// só pra uso em teste.
func NewFixture(eventID string, outcomes ...string) *Fixture {
	f := &Fixture{
		OraclePriv: mustKey(),
		NoncePriv:  mustKey(),
		PartyAPriv: mustKey(),
		PartyBPriv: mustKey(),
		EventID:    eventID,
		Outcomes:   outcomes,
	}

	raw, err := oracle.BuildAnnouncement(f.OraclePriv, f.NoncePriv, eventID, outcomes)
	if err != nil {
		panic(err)
	}
	f.Announcement = raw

	ann, err := oracle.Verifier{}.ValidateAnnouncement(raw)
	if err != nil {
		panic(err)
	}
	f.Ann = ann
	return f
}

func mustKey() *secp256k1.PrivateKey {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}
	return k
}

func (f *Fixture) priv(p bet.Party) *secp256k1.PrivateKey {
	if p == bet.PartyA {
		return f.PartyAPriv
	}
	return f.PartyBPriv
}

// Identity retorna a chave pública comprimida da parte.
func (f *Fixture) Identity(p bet.Party) []byte {
	return f.priv(p).PubKey().SerializeCompressed()
}

// Template retorna o CET determinístico da parte pro outcome.
func (f *Fixture) Template(p bet.Party, outcome string) contract.Template {
	payload, _ := json.Marshal(map[string]string{
		"winner": outcome,
		"payee":  p.String(),
	})
	return contract.Template{Outcome: outcome, Payload: payload}
}

// Templates retorna o conjunto completo da parte, um por outcome.
func (f *Fixture) Templates(p bet.Party) []contract.Template {
	out := make([]contract.Template, len(f.Outcomes))
	for i, o := range f.Outcomes {
		out[i] = f.Template(p, o)
	}
	return out
}

// Share produz a share adaptor da parte pro outcome, criptografada pro
// ponto do outcome.
func (f *Fixture) Share(p bet.Party, outcome string) []byte {
	point, err := oracle.AdaptorPoint(f.Ann, outcome)
	if err != nil {
		panic(err)
	}
	digest := f.Template(p, outcome).Digest()
	share, err := adaptor.Presign(f.priv(p), digest[:], point)
	if err != nil {
		panic(err)
	}
	return share
}

// Sigs retorna o conjunto completo de shares da parte, uma por outcome.
func (f *Fixture) Sigs(p bet.Party) map[string][]byte {
	out := make(map[string][]byte, len(f.Outcomes))
	for _, o := range f.Outcomes {
		out[o] = f.Share(p, o)
	}
	return out
}

// Attest produz a atestação serializada do outcome.
func (f *Fixture) Attest(outcome string) []byte {
	att, err := oracle.Attest(f.OraclePriv, f.NoncePriv, f.EventID, outcome)
	if err != nil {
		panic(err)
	}
	return att
}
