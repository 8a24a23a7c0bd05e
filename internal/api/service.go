// Package api exposes the auction engine over HTTP. Handlers decode the
// request, call one engine operation with explicit actor ids, and map engine
// errors to status codes by kind.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/adjudication"
	"github.com/finmesa/auction-engine/internal/audit"
	"github.com/finmesa/auction-engine/internal/auction"
	"github.com/finmesa/auction-engine/internal/commitment"
	"github.com/finmesa/auction-engine/internal/ledger"
	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/offer"
	"github.com/finmesa/auction-engine/internal/store"
)

// Service holds the engine components behind the HTTP handlers.
type Service struct {
	store       store.Store
	ledger      *ledger.Ledger
	auctions    *auction.Manager
	offers      *offer.Intake
	coordinator *adjudication.Coordinator
	commitments *commitment.Registry
	auditLog    *audit.BoltSink // optional
	audit       audit.Recorder
}

// Deps lists what NewService needs. AuditLog and Audit may be nil.
type Deps struct {
	Store       store.Store
	Ledger      *ledger.Ledger
	Auctions    *auction.Manager
	Offers      *offer.Intake
	Coordinator *adjudication.Coordinator
	Commitments *commitment.Registry
	AuditLog    *audit.BoltSink
	Audit       audit.Recorder
}

// NewService creates the HTTP service.
func NewService(d Deps) *Service {
	rec := d.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{
		store:       d.Store,
		ledger:      d.Ledger,
		auctions:    d.Auctions,
		offers:      d.Offers,
		coordinator: d.Coordinator,
		commitments: d.Commitments,
		auditLog:    d.AuditLog,
		audit:       rec,
	}
}

// Routes mounts the engine endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/clients/{clientID}/eligible-banks", s.ListEligibleBanks)
	r.Get("/clients/{clientID}/auctions", s.ListClientAuctions)
	r.Get("/clients/{clientID}/limits", s.ListLimits)

	r.Post("/auctions", s.OpenAuction)
	r.Get("/auctions/{auctionID}", s.GetAuction)
	r.Post("/auctions/{auctionID}/cancel", s.CancelAuction)
	r.Post("/auctions/{auctionID}/adjudicate", s.Adjudicate)
	r.Post("/auctions/{auctionID}/offers", s.SubmitOffer)
	r.Get("/auctions/{auctionID}/offers", s.ListOffers)

	r.Post("/offers/{offerID}/approve", s.ApproveOffer)
	r.Post("/offers/{offerID}/reject", s.RejectOffer)

	r.Get("/commitments", s.ListCommitments)
	r.Get("/commitments/{opID}", s.GetCommitment)

	r.Put("/limits", s.SetLimit)
	r.Put("/bank-users", s.UpsertBankUser)

	r.Get("/audit", s.ListAuditEvents)
}

// --- Request/Response types ---

// EligibleBanksResponse is the body of GET /clients/{clientID}/eligible-banks.
type EligibleBanksResponse struct {
	ClientID string          `json:"client_id"`
	Amount   decimal.Decimal `json:"amount"`
	Banks    []string        `json:"banks"`
}

// AuctionResponse is an auction plus its invitation snapshot.
type AuctionResponse struct {
	*model.Auction
	Invitations []model.AuctionInvitation `json:"invitations"`
}

// SubmitOfferRequest is the body of POST /auctions/{auctionID}/offers.
type SubmitOfferRequest struct {
	BankUserID string          `json:"bank_user_id"`
	Rate       decimal.Decimal `json:"rate"`
}

// ApprovalRequest is the body of the approve/reject endpoints.
type ApprovalRequest struct {
	ApproverID string `json:"approver_id"`
}

// AdjudicateRequest is the body of POST /auctions/{auctionID}/adjudicate.
type AdjudicateRequest struct {
	OfferID  string `json:"offer_id"`
	ClientID string `json:"client_id"`
}

// CancelRequest is the body of POST /auctions/{auctionID}/cancel.
type CancelRequest struct {
	ClientID string `json:"client_id"`
}

// SetLimitRequest is the body of PUT /limits. Active=false deactivates.
type SetLimitRequest struct {
	ClientID string          `json:"client_id"`
	BankID   string          `json:"bank_id"`
	Ceiling  decimal.Decimal `json:"ceiling"`
	Active   *bool           `json:"active,omitempty"`
}

// --- HTTP Handlers ---

// ListEligibleBanks handles GET /api/v1/clients/{clientID}/eligible-banks?amount=
func (s *Service) ListEligibleBanks(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || !amount.IsPositive() {
		writeError(w, model.ErrInvalidParameters)
		return
	}

	banks, err := s.ledger.EligibleBanks(r.Context(), clientID, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EligibleBanksResponse{ClientID: clientID, Amount: amount, Banks: banks})
}

// OpenAuction handles POST /api/v1/auctions
func (s *Service) OpenAuction(w http.ResponseWriter, r *http.Request) {
	var req auction.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrInvalidParameters)
		return
	}

	a, err := s.auctions.OpenAuction(r.Context(), req)
	if err != nil {
		if errors.Is(err, model.ErrNoEligibleCounterparties) && a != nil {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":      err.Error(),
				"kind":       string(classify(err)),
				"auction_id": a.ID,
			})
			return
		}
		writeError(w, err)
		return
	}
	s.writeAuction(w, r, http.StatusCreated, a)
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.auctions.Get(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeAuction(w, r, http.StatusOK, a)
}

func (s *Service) writeAuction(w http.ResponseWriter, r *http.Request, status int, a *model.Auction) {
	invs, err := s.auctions.Invitations(r.Context(), a.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, AuctionResponse{Auction: a, Invitations: invs})
}

// ListClientAuctions handles GET /api/v1/clients/{clientID}/auctions
func (s *Service) ListClientAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.auctions.ListByClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auctions)
}

// CancelAuction handles POST /api/v1/auctions/{auctionID}/cancel
func (s *Service) CancelAuction(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeError(w, model.ErrInvalidParameters)
		return
	}

	a, err := s.auctions.Cancel(r.Context(), chi.URLParam(r, "auctionID"), req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// SubmitOffer handles POST /api/v1/auctions/{auctionID}/offers
func (s *Service) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req SubmitOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BankUserID == "" {
		writeError(w, model.ErrInvalidParameters)
		return
	}

	o, err := s.offers.Submit(r.Context(), chi.URLParam(r, "auctionID"), req.BankUserID, req.Rate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOffers handles GET /api/v1/auctions/{auctionID}/offers
func (s *Service) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.offers.List(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

// ApproveOffer handles POST /api/v1/offers/{offerID}/approve
func (s *Service) ApproveOffer(w http.ResponseWriter, r *http.Request) {
	s.resolveOffer(w, r, s.offers.Approve)
}

// RejectOffer handles POST /api/v1/offers/{offerID}/reject
func (s *Service) RejectOffer(w http.ResponseWriter, r *http.Request) {
	s.resolveOffer(w, r, s.offers.Reject)
}

func (s *Service) resolveOffer(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, offerID, approverID string) (*model.Offer, error)) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ApproverID == "" {
		writeError(w, model.ErrInvalidParameters)
		return
	}

	o, err := fn(r.Context(), chi.URLParam(r, "offerID"), req.ApproverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Adjudicate handles POST /api/v1/auctions/{auctionID}/adjudicate
// Awards the auction to one offer and returns the commitment summary.
func (s *Service) Adjudicate(w http.ResponseWriter, r *http.Request) {
	var req AdjudicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OfferID == "" || req.ClientID == "" {
		writeError(w, model.ErrInvalidParameters)
		return
	}

	summary, err := s.coordinator.Adjudicate(r.Context(), chi.URLParam(r, "auctionID"), req.OfferID, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListCommitments handles GET /api/v1/commitments?client_id=|bank_id=
func (s *Service) ListCommitments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		commitments []model.Commitment
		err         error
	)
	switch {
	case q.Get("client_id") != "":
		commitments, err = s.commitments.ListByClient(r.Context(), q.Get("client_id"))
	case q.Get("bank_id") != "":
		commitments, err = s.commitments.ListByBank(r.Context(), q.Get("bank_id"))
	default:
		writeError(w, model.ErrInvalidParameters)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitments)
}

// GetCommitment handles GET /api/v1/commitments/{opID}
func (s *Service) GetCommitment(w http.ResponseWriter, r *http.Request) {
	c, err := s.commitments.GetByOpID(r.Context(), chi.URLParam(r, "opID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SetLimit handles PUT /api/v1/limits
func (s *Service) SetLimit(w http.ResponseWriter, r *http.Request) {
	var req SetLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrInvalidParameters)
		return
	}

	ctx := r.Context()
	if req.Active != nil && !*req.Active {
		if err := s.ledger.Deactivate(ctx, req.ClientID, req.BankID); err != nil {
			writeError(w, err)
			return
		}
		s.audit.Record(ctx, audit.Event{
			Action:   audit.ActionLimitDeactivated,
			Actor:    req.ClientID,
			Metadata: map[string]string{"client_id": req.ClientID, "bank_id": req.BankID},
		})
		limit, err := s.store.GetLimit(ctx, req.ClientID, req.BankID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, limit)
		return
	}

	limit, err := s.ledger.SetLimit(ctx, req.ClientID, req.BankID, req.Ceiling)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionLimitSet,
		Actor:    req.ClientID,
		Detail:   "ceiling " + limit.Ceiling.String(),
		Metadata: map[string]string{"client_id": limit.ClientID, "bank_id": limit.BankID},
	})
	writeJSON(w, http.StatusOK, limit)
}

// ListLimits handles GET /api/v1/clients/{clientID}/limits
func (s *Service) ListLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.ledger.Limits(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// UpsertBankUser handles PUT /api/v1/bank-users
// The user directory belongs to another service; this endpoint mirrors it.
func (s *Service) UpsertBankUser(w http.ResponseWriter, r *http.Request) {
	var u model.BankUser
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, model.ErrInvalidParameters)
		return
	}
	if u.ID == "" || u.BankID == "" || (u.Role != model.RoleDesk && u.Role != model.RoleAdmin) {
		writeError(w, model.ErrInvalidParameters)
		return
	}
	if err := s.store.UpsertBankUser(r.Context(), &u); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("bank user upserted", "user", u.ID, "bank", u.BankID, "role", u.Role, "active", u.Active)
	writeJSON(w, http.StatusOK, u)
}

// ListAuditEvents handles GET /api/v1/audit?limit=
// Returns 404 when no audit file is configured.
func (s *Service) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, model.ErrNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, model.ErrInvalidParameters)
			return
		}
		limit = n
	}
	events, err := s.auditLog.List(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response whose status follows the error's
// kind.
func writeError(w http.ResponseWriter, err error) {
	kind := classify(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

// classify extends model.KindOf with the component-level sentinels that can
// reach a handler directly.
func classify(err error) model.Kind {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.KindNotFound
	case errors.Is(err, ledger.ErrCeilingBelowConsumed):
		return model.KindConflict
	case errors.Is(err, ledger.ErrInvalidAmount):
		return model.KindValidation
	}
	return model.KindOf(err)
}

func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindAuthorization:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindResource:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
