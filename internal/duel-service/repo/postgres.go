// Package repo implementa a persistência de apostas, templates e shares em
// Postgres. Esquema esperado:
//
//	bets(id uuid pk, oracle_announcement bytea, party_a bytea, party_b bytea,
//	     oracle_event_id text, state text, needs_reply bool, outcome text,
//	     outcome_attestation_id text, void_reason text, created_at timestamptz)
//	duel_templates(bet_id, party, outcome, payload jsonb,
//	     unique(bet_id, party, outcome))
//	duel_sigs(bet_id, submitter, outcome, sig bytea,
//	     unique(bet_id, outcome, submitter))
//
// A unique de duel_sigs inclui submitter de propósito: as shares das duas
// partes pro mesmo outcome coexistem, e a corrida entre submissões iguais
// resolve em exatamente um sucesso.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
)

// Postgres implementa lifecycle.BetRepo, contract.Repo e ledger.Repo.
type Postgres struct{ db *sql.DB }

// NewPostgres retorna uma instância do repositório
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

const betColumns = `id, oracle_announcement, party_a, party_b, oracle_event_id,
	state, needs_reply, COALESCE(outcome,''), COALESCE(outcome_attestation_id,''),
	COALESCE(void_reason,''), created_at`

// CreateBet insere uma nova aposta em PROPOSED
func (p *Postgres) CreateBet(ctx context.Context, b *bet.Bet) (string, error) {
	id := uuid.NewString()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bets (id, oracle_announcement, party_a, party_b, oracle_event_id, state, needs_reply, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())`,
		id, b.OracleAnnouncement, b.PartyAIdentity, b.PartyBIdentity, b.OracleEventID, string(b.State), b.NeedsReply,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetBet retorna a aposta pelo id
func (p *Postgres) GetBet(ctx context.Context, id string) (*bet.Bet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id=$1`, id)
	return scanBet(row)
}

// UpdateState grava estado e needs_reply
func (p *Postgres) UpdateState(ctx context.Context, id string, st bet.State, needsReply bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bets SET state=$1, needs_reply=$2 WHERE id=$3`,
		string(st), needsReply, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, id)
}

// SetAttestation grava outcome + attestation id uma única vez
func (p *Postgres) SetAttestation(ctx context.Context, id, outcome, attestationID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets SET state=$1, outcome=$2, outcome_attestation_id=$3
		WHERE id=$4 AND outcome_attestation_id IS NULL`,
		string(bet.StateAttested), outcome, attestationID, id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: bet %s already attested", bet.ErrInvalidTransition, id)
	}
	return nil
}

// VoidBet transiciona pra VOIDED com o motivo
func (p *Postgres) VoidBet(ctx context.Context, id, reason string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bets SET state=$1, needs_reply=false, void_reason=$2 WHERE id=$3`,
		string(bet.StateVoided), reason, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, id)
}

// ListByOracleEvent retorna as apostas amarradas a um evento de oráculo
func (p *Postgres) ListByOracleEvent(ctx context.Context, oracleEventID string) ([]bet.Bet, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+betColumns+` FROM bets WHERE oracle_event_id=$1 ORDER BY created_at`, oracleEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

// ListPending retorna as apostas aguardando resposta da identidade (parte B)
func (p *Postgres) ListPending(ctx context.Context, identity []byte) ([]bet.Bet, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+betColumns+` FROM bets WHERE needs_reply=true AND party_b=$1 ORDER BY created_at`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

// ListActive retorna as apostas não terminais em que a identidade é uma das
// partes
func (p *Postgres) ListActive(ctx context.Context, identity []byte) ([]bet.Bet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE (party_a=$1 OR party_b=$1) AND state NOT IN ('SETTLED','VOIDED')
		ORDER BY created_at`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

// ListEventIDs retorna os event ids de oráculo com alguma aposta amarrada
func (p *Postgres) ListEventIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT oracle_event_id FROM bets ORDER BY oracle_event_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountByState conta apostas ativas (não terminais) e encerradas
func (p *Postgres) CountByState(ctx context.Context) (active, completed int64, err error) {
	err = p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state NOT IN ('SETTLED','VOIDED')),
			COUNT(*) FILTER (WHERE state IN ('SETTLED','VOIDED'))
		FROM bets`).Scan(&active, &completed)
	return
}

// SaveTemplates insere o conjunto de templates de uma parte
func (p *Postgres) SaveTemplates(ctx context.Context, betID string, party bet.Party, tmpls []contract.Template) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duel_templates WHERE bet_id=$1 AND party=$2`,
		betID, party.String()).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("%w: bet %s party %s", bet.ErrAlreadyProposed, betID, party)
	}

	for _, t := range tmpls {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO duel_templates (bet_id, party, outcome, payload)
			VALUES ($1,$2,$3,$4)`,
			betID, party.String(), t.Outcome, []byte(t.Payload),
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: bet %s party %s", bet.ErrAlreadyProposed, betID, party)
			}
			return err
		}
	}
	return tx.Commit()
}

// TemplatesFor retorna o conjunto da parte ordenado por outcome
func (p *Postgres) TemplatesFor(ctx context.Context, betID string, party bet.Party) ([]contract.Template, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT outcome, payload FROM duel_templates
		WHERE bet_id=$1 AND party=$2 ORDER BY outcome`,
		betID, party.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contract.Template
	for rows.Next() {
		var t contract.Template
		var payload []byte
		if err := rows.Scan(&t.Outcome, &payload); err != nil {
			return nil, err
		}
		t.Payload = payload
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertShare grava a share; a unique (bet_id, outcome, submitter) decide
// corridas de submissão duplicada
func (p *Postgres) InsertShare(ctx context.Context, s bet.SignatureShare) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO duel_sigs (bet_id, submitter, outcome, sig)
		VALUES ($1,$2,$3,$4)`,
		s.BetID, s.Submitter.String(), s.Outcome, s.Sig,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: bet %s outcome %q party %s", bet.ErrDuplicateSignature, s.BetID, s.Outcome, s.Submitter)
	}
	return err
}

// GetShare retorna a share da tripla ou bet.ErrNotFound
func (p *Postgres) GetShare(ctx context.Context, betID, outcome string, submitter bet.Party) (*bet.SignatureShare, error) {
	s := bet.SignatureShare{BetID: betID, Outcome: outcome, Submitter: submitter}
	err := p.db.QueryRowContext(ctx, `
		SELECT sig FROM duel_sigs
		WHERE bet_id=$1 AND outcome=$2 AND submitter=$3`,
		betID, outcome, submitter.String()).Scan(&s.Sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: share %s/%q/%s", bet.ErrNotFound, betID, outcome, submitter)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListShares retorna todas as shares da aposta
func (p *Postgres) ListShares(ctx context.Context, betID string) ([]bet.SignatureShare, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT submitter, outcome, sig FROM duel_sigs WHERE bet_id=$1`, betID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bet.SignatureShare
	for rows.Next() {
		var s bet.SignatureShare
		var submitter string
		if err := rows.Scan(&submitter, &s.Outcome, &s.Sig); err != nil {
			return nil, err
		}
		s.BetID = betID
		if s.Submitter, err = bet.ParseParty(submitter); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanBet(row *sql.Row) (*bet.Bet, error) {
	var b bet.Bet
	var state string
	err := row.Scan(&b.ID, &b.OracleAnnouncement, &b.PartyAIdentity, &b.PartyBIdentity,
		&b.OracleEventID, &state, &b.NeedsReply, &b.Outcome, &b.OutcomeAttestationID,
		&b.VoidReason, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: bet", bet.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.State = bet.State(state)
	return &b, nil
}

func scanBets(rows *sql.Rows) ([]bet.Bet, error) {
	var out []bet.Bet
	for rows.Next() {
		var b bet.Bet
		var state string
		if err := rows.Scan(&b.ID, &b.OracleAnnouncement, &b.PartyAIdentity, &b.PartyBIdentity,
			&b.OracleEventID, &state, &b.NeedsReply, &b.Outcome, &b.OutcomeAttestationID,
			&b.VoidReason, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.State = bet.State(state)
		out = append(out, b)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: bet %s", bet.ErrNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
