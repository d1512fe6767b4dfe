package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/duel-service/dto"
	"github.com/MutinyWallet/note-duel-backend/internal/duel-service/status"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/lifecycle"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/oracle"
	"github.com/MutinyWallet/note-duel-backend/pkg/contracts/events"
)

var (
	duelsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duel_bets_created_total",
		Help: "apostas criadas",
	})
	duelsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duel_bets_accepted_total",
		Help: "apostas aceitas pela contraparte",
	})
	sigsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duel_sigs_recorded_total",
		Help: "shares de assinatura registradas",
	})
	duelsVoidedAPI = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duel_bets_voided_api_total",
		Help: "apostas anuladas via API",
	})
)

func init() {
	prometheus.MustRegister(duelsCreated, duelsAccepted, sigsRecorded, duelsVoidedAPI)
}

type Server struct {
	log   *zap.Logger
	ctrl  *lifecycle.Controller
	cache *status.Cache
	publ  interface {
		PublishDuelSigned(context.Context, events.DuelSigned) error
	}
}

func NewServer(log *zap.Logger, ctrl *lifecycle.Controller, cache *status.Cache, p interface {
	PublishDuelSigned(context.Context, events.DuelSigned) error
}) *Server {
	return &Server{log: log, ctrl: ctrl, cache: cache, publ: p}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health-check", s.healthCheck)
	mux.HandleFunc("/duels", s.duels)               // POST cria, GET ?pubkey= lista ativas
	mux.HandleFunc("/duels/accept", s.acceptDuel)   // POST
	mux.HandleFunc("/duels/sigs", s.submitSig)      // POST
	mux.HandleFunc("/duels/void", s.voidDuel)       // POST
	mux.HandleFunc("/duels/pending", s.listPending) // GET ?pubkey=
	mux.HandleFunc("/duels/", s.getDuelStatus)      // GET /duels/{id}
	mux.HandleFunc("/events", s.listEventIDs)       // GET
	mux.HandleFunc("/counts", s.getCounts)          // GET
	return mux
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, true)
}

func (s *Server) duels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createDuel(w, r)
	case http.MethodGet:
		s.listActive(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createDuel(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateDuelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.OracleAnnouncement == "" || req.PartyA == "" || req.PartyB == "" || len(req.Templates) == 0 {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ann, err := oracle.DecodeBytes(req.OracleAnnouncement)
	if err != nil {
		http.Error(w, "bad oracle_announcement encoding", http.StatusBadRequest)
		return
	}
	partyA, err := hex.DecodeString(req.PartyA)
	if err != nil {
		http.Error(w, "bad party_a", http.StatusBadRequest)
		return
	}
	partyB, err := hex.DecodeString(req.PartyB)
	if err != nil {
		http.Error(w, "bad party_b", http.StatusBadRequest)
		return
	}
	sigs, err := decodeSigs(req.Sigs)
	if err != nil {
		http.Error(w, "bad sig encoding", http.StatusBadRequest)
		return
	}

	id, err := s.ctrl.Create(r.Context(), lifecycle.Offer{
		Announcement: ann,
		PartyA:       partyA,
		PartyB:       partyB,
		Templates:    toTemplates(req.Templates),
		Sigs:         sigs,
	})
	if err != nil {
		s.writeError(w, "create duel", err)
		return
	}

	duelsCreated.Inc()
	writeJSON(w, dto.CreateDuelResponse{BetID: id, State: string(bet.StateProposed)})
}

func (s *Server) acceptDuel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dto.AcceptDuelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.BetID == "" || len(req.Templates) == 0 {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	sigs, err := decodeSigs(req.Sigs)
	if err != nil {
		http.Error(w, "bad sig encoding", http.StatusBadRequest)
		return
	}

	if err := s.ctrl.Accept(r.Context(), req.BetID, toTemplates(req.Templates), sigs); err != nil {
		s.writeError(w, "accept duel", err)
		return
	}

	duelsAccepted.Inc()
	_ = s.cache.Invalidate(r.Context(), req.BetID)
	s.notifyIfSigned(r.Context(), req.BetID)
	writeJSON(w, true)
}

func (s *Server) submitSig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dto.SubmitSigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	party, err := bet.ParseParty(req.Party)
	if err != nil {
		http.Error(w, "bad party", http.StatusBadRequest)
		return
	}
	sig, err := oracle.DecodeBytes(req.Sig)
	if err != nil {
		http.Error(w, "bad sig encoding", http.StatusBadRequest)
		return
	}

	if err := s.ctrl.RecordSignature(r.Context(), req.BetID, party, req.Outcome, sig); err != nil {
		s.writeError(w, "submit sig", err)
		return
	}

	sigsRecorded.Inc()
	_ = s.cache.Invalidate(r.Context(), req.BetID)
	s.notifyIfSigned(r.Context(), req.BetID)
	writeJSON(w, true)
}

func (s *Server) voidDuel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dto.VoidDuelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.BetID == "" {
		http.Error(w, "bet_id required", http.StatusBadRequest)
		return
	}

	if err := s.ctrl.Void(r.Context(), req.BetID, req.Reason); err != nil {
		s.writeError(w, "void duel", err)
		return
	}

	duelsVoidedAPI.Inc()
	_ = s.cache.Invalidate(r.Context(), req.BetID)
	writeJSON(w, true)
}

// getDuelStatus lê o status sem o lock por aposta: cache Redis primeiro,
// banco no miss. Consistência eventual aceita aqui.
func (s *Server) getDuelStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Path[len("/duels/"):]
	if id == "" {
		http.Error(w, "betId required", http.StatusBadRequest)
		return
	}

	if cached, err := s.cache.Get(r.Context(), id); err == nil && cached != nil {
		writeJSON(w, *cached)
		return
	}

	b, err := s.ctrl.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, "get duel", err)
		return
	}
	st := toStatus(b)
	if err := s.cache.Set(r.Context(), st); err != nil {
		s.log.Warn("status cache set failed", zap.Error(err))
	}
	writeJSON(w, st)
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pk := r.URL.Query().Get("pubkey")
	identity, err := hex.DecodeString(pk)
	if err != nil || len(identity) == 0 {
		http.Error(w, "pubkey required (hex)", http.StatusBadRequest)
		return
	}

	bets, err := s.ctrl.Pending(r.Context(), identity)
	if err != nil {
		s.writeError(w, "list pending", err)
		return
	}

	out := make([]dto.PendingDuel, 0, len(bets))
	for _, b := range bets {
		out = append(out, dto.PendingDuel{
			BetID:              b.ID,
			OracleEventID:      b.OracleEventID,
			OracleAnnouncement: base64.StdEncoding.EncodeToString(b.OracleAnnouncement),
			PartyA:             hex.EncodeToString(b.PartyAIdentity),
			PartyB:             hex.EncodeToString(b.PartyBIdentity),
			Templates:          s.templatesOf(r.Context(), b.ID),
		})
	}
	writeJSON(w, out)
}

// listActive lista as apostas em andamento da identidade, com os outcomes
// que cada lado já assinou orientados a quem consulta
func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	pk := r.URL.Query().Get("pubkey")
	identity, err := hex.DecodeString(pk)
	if err != nil || len(identity) == 0 {
		http.Error(w, "pubkey required (hex)", http.StatusBadRequest)
		return
	}

	bets, err := s.ctrl.Active(r.Context(), identity)
	if err != nil {
		s.writeError(w, "list active", err)
		return
	}

	out := make([]dto.ActiveDuel, 0, len(bets))
	for _, b := range bets {
		signed, err := s.ctrl.SignedOutcomes(r.Context(), b.ID)
		if err != nil {
			s.writeError(w, "list active", err)
			return
		}
		user, counterparty := signed[bet.PartyA], signed[bet.PartyB]
		if bytes.Equal(b.PartyBIdentity, identity) {
			user, counterparty = counterparty, user
		}
		out = append(out, dto.ActiveDuel{
			BetID:                b.ID,
			State:                string(b.State),
			NeedsReply:           b.NeedsReply,
			OracleEventID:        b.OracleEventID,
			OracleAnnouncement:   base64.StdEncoding.EncodeToString(b.OracleAnnouncement),
			PartyA:               hex.EncodeToString(b.PartyAIdentity),
			PartyB:               hex.EncodeToString(b.PartyBIdentity),
			UserOutcomes:         user,
			CounterpartyOutcomes: counterparty,
		})
	}
	writeJSON(w, out)
}

func (s *Server) listEventIDs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids, err := s.ctrl.EventIDs(r.Context())
	if err != nil {
		s.writeError(w, "list event ids", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, ids)
}

func (s *Server) getCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	active, completed, err := s.ctrl.Counts(r.Context())
	if err != nil {
		s.writeError(w, "counts", err)
		return
	}
	writeJSON(w, dto.CountsResponse{Active: active, Completed: completed})
}

// notifyIfSigned publica duel_signed quando a aposta acabou de completar as
// assinaturas. Falha de publicação não desfaz a transição; só loga.
func (s *Server) notifyIfSigned(ctx context.Context, betID string) {
	b, err := s.ctrl.Get(ctx, betID)
	if err != nil || b.State != bet.StateSigned {
		return
	}
	err = s.publ.PublishDuelSigned(ctx, events.DuelSigned{
		BetID:         b.ID,
		OracleEventID: b.OracleEventID,
		PartyA:        hex.EncodeToString(b.PartyAIdentity),
		PartyB:        hex.EncodeToString(b.PartyBIdentity),
	})
	if err != nil {
		s.log.Warn("duel_signed publish failed", zap.String("bet_id", betID), zap.Error(err))
	}
}

func (s *Server) templatesOf(ctx context.Context, betID string) []dto.TemplateDTO {
	tmpls, err := s.ctrl.TemplatesFor(ctx, betID, bet.PartyA)
	if err != nil {
		return nil
	}
	out := make([]dto.TemplateDTO, len(tmpls))
	for i, t := range tmpls {
		out[i] = dto.TemplateDTO{Outcome: t.Outcome, Payload: t.Payload}
	}
	return out
}

// writeError mapeia a taxonomia de erros do core pra códigos HTTP
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, bet.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, bet.ErrMalformedAnnouncement),
		errors.Is(err, bet.ErrMalformedAttestation),
		errors.Is(err, bet.ErrInvalidIdentity):
		code = http.StatusBadRequest
	case errors.Is(err, bet.ErrOutcomeSetMismatch),
		errors.Is(err, bet.ErrUnknownOutcome),
		errors.Is(err, bet.ErrDuplicateSignature),
		errors.Is(err, bet.ErrAlreadyProposed),
		errors.Is(err, bet.ErrInvalidSignature),
		errors.Is(err, bet.ErrPrematureAttestation),
		errors.Is(err, bet.ErrTerminalState),
		errors.Is(err, bet.ErrInvalidTransition):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error(op, zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func toTemplates(in []dto.TemplateDTO) []contract.Template {
	out := make([]contract.Template, len(in))
	for i, t := range in {
		out[i] = contract.Template{Outcome: t.Outcome, Payload: t.Payload}
	}
	return out
}

func decodeSigs(in map[string]string) (map[string][]byte, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(in))
	for outcome, s := range in {
		b, err := oracle.DecodeBytes(s)
		if err != nil {
			return nil, err
		}
		out[outcome] = b
	}
	return out, nil
}

func toStatus(b *bet.Bet) dto.DuelStatusResponse {
	return dto.DuelStatusResponse{
		BetID:         b.ID,
		State:         string(b.State),
		NeedsReply:    b.NeedsReply,
		OracleEventID: b.OracleEventID,
		Outcome:       b.Outcome,
		AttestationID: b.OutcomeAttestationID,
		VoidReason:    b.VoidReason,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
