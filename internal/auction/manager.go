// Package auction owns the funding-request state machine:
// draft → open → (closed | cancelled | expired).
//
// Expiry is evaluated lazily: every read of an open auction past its window
// reports it as expired and reconciles the stored state with a conditional
// write. Sweep does the same for all overdue auctions and is optional.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/finmesa/auction-engine/internal/audit"
	"github.com/finmesa/auction-engine/internal/ledger"
	"github.com/finmesa/auction-engine/internal/metrics"
	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/store"
	"github.com/finmesa/auction-engine/internal/tracing"
)

// DefaultMinWindowMinutes is the shortest bidding window accepted when no
// other minimum is configured.
const DefaultMinWindowMinutes = 5

var hundred = decimal.NewFromInt(100)

// CreateRequest carries the client's auction parameters.
type CreateRequest struct {
	ClientID             string            `json:"client_id"`
	Kind                 model.AuctionKind `json:"kind"`
	Currency             string            `json:"currency"`
	Amount               decimal.Decimal   `json:"amount"`
	TermDays             int               `json:"term_days"`
	BiddingWindowMinutes int               `json:"bidding_window_minutes"`
	TargetRate           *decimal.Decimal  `json:"target_rate,omitempty"`
}

// OpenRequest is CreateRequest plus the banks the client wants to invite.
type OpenRequest struct {
	CreateRequest
	BankIDs []string `json:"bank_ids"`
}

// Manager drives auctions through their lifecycle.
type Manager struct {
	store     store.Store
	ledger    *ledger.Ledger
	audit     audit.Recorder
	minWindow int
	now       func() time.Time
}

// NewManager creates a manager. minWindowMinutes <= 0 selects the default.
func NewManager(st store.Store, l *ledger.Ledger, rec audit.Recorder, minWindowMinutes int) *Manager {
	if minWindowMinutes <= 0 {
		minWindowMinutes = DefaultMinWindowMinutes
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Manager{
		store:     st,
		ledger:    l,
		audit:     rec,
		minWindow: minWindowMinutes,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the manager's time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) validate(req CreateRequest) error {
	switch {
	case req.ClientID == "":
		return fmt.Errorf("%w: client_id is required", model.ErrInvalidParameters)
	case !req.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", model.ErrInvalidParameters, req.Kind)
	case req.Currency == "":
		return fmt.Errorf("%w: currency is required", model.ErrInvalidParameters)
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", model.ErrInvalidParameters)
	case req.TermDays < 1:
		return fmt.Errorf("%w: term_days must be at least 1", model.ErrInvalidParameters)
	case req.BiddingWindowMinutes < m.minWindow:
		return fmt.Errorf("%w: bidding window must be at least %d minutes", model.ErrInvalidParameters, m.minWindow)
	}
	if req.TargetRate != nil && (!req.TargetRate.IsPositive() || req.TargetRate.GreaterThan(hundred)) {
		return fmt.Errorf("%w: target_rate must be in (0, 100]", model.ErrInvalidParameters)
	}
	return nil
}

// Create validates the request and persists a draft auction.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Auction, error) {
	if err := m.validate(req); err != nil {
		return nil, err
	}

	now := m.now()
	a := &model.Auction{
		ID:                   uuid.New().String(),
		ClientID:             req.ClientID,
		Kind:                 req.Kind,
		Currency:             req.Currency,
		Amount:               req.Amount,
		TermDays:             req.TermDays,
		BiddingWindowMinutes: req.BiddingWindowMinutes,
		TargetRate:           req.TargetRate,
		State:                model.AuctionDraft,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := m.store.CreateAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("create auction: %w", err)
	}

	slog.Info("auction created",
		"auction_id", a.ID,
		"client", a.ClientID,
		"kind", a.Kind,
		"amount", a.Amount.String(),
		"term_days", a.TermDays,
	)
	m.audit.Record(ctx, audit.Event{
		Action:   audit.ActionAuctionCreated,
		Actor:    a.ClientID,
		Detail:   fmt.Sprintf("%s %s %s for %d days", a.Kind, a.Amount, a.Currency, a.TermDays),
		Metadata: map[string]string{"auction_id": a.ID},
	})
	return a, nil
}

// Open invites every active user of each requested bank that still has
// headroom for the auction amount, and moves the auction to open. With no
// eligible user the auction stays in draft.
func (m *Manager) Open(ctx context.Context, auctionID, clientID string, bankIDs []string) (a *model.Auction, err error) {
	ctx, span := tracing.Start(ctx, "auction.Open", attribute.String("auction.id", auctionID))
	defer func() { tracing.End(span, err) }()

	a, err = m.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.ClientID != clientID {
		return nil, model.ErrNotOwner
	}
	if a.State != model.AuctionDraft {
		return nil, fmt.Errorf("open auction %s in state %s: %w", auctionID, a.State, model.ErrAuctionNotAcceptingOffers)
	}

	eligible, err := m.ledger.EligibleBanks(ctx, clientID, a.Amount)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(eligible))
	for _, b := range eligible {
		allowed[b] = true
	}

	now := m.now()
	var invitations []model.AuctionInvitation
	seen := make(map[string]bool)
	for _, bankID := range bankIDs {
		if !allowed[bankID] || seen[bankID] {
			continue
		}
		seen[bankID] = true
		users, err := m.store.ListBankUsers(ctx, bankID)
		if err != nil {
			return nil, fmt.Errorf("list users of bank %s: %w", bankID, err)
		}
		for _, u := range users {
			invitations = append(invitations, model.AuctionInvitation{
				AuctionID:  auctionID,
				BankUserID: u.ID,
				BankID:     bankID,
				CreatedAt:  now,
			})
		}
	}
	if len(invitations) == 0 {
		slog.Warn("auction has no eligible counterparties",
			"auction_id", auctionID,
			"requested_banks", len(bankIDs),
			"eligible_banks", len(eligible),
		)
		return a, model.ErrNoEligibleCounterparties
	}

	expiresAt := now.Add(time.Duration(a.BiddingWindowMinutes) * time.Minute)
	if err := m.store.OpenAuction(ctx, auctionID, invitations, now, expiresAt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", model.ErrAuctionNotAcceptingOffers, err)
		}
		return nil, fmt.Errorf("open auction %s: %w", auctionID, err)
	}

	a.State = model.AuctionOpen
	a.OpenedAt = &now
	a.ExpiresAt = &expiresAt
	a.UpdatedAt = now

	metrics.AuctionsOpened.WithLabelValues(string(a.Kind)).Inc()
	slog.Info("auction opened",
		"auction_id", a.ID,
		"banks", len(seen),
		"invitations", len(invitations),
		"expires_at", expiresAt,
	)
	m.audit.Record(ctx, audit.Event{
		Action:   audit.ActionAuctionOpened,
		Actor:    clientID,
		Detail:   fmt.Sprintf("opened to %d banks, %d users", len(seen), len(invitations)),
		Metadata: map[string]string{"auction_id": a.ID, "expires_at": expiresAt.Format(time.RFC3339)},
	})
	return a, nil
}

// OpenAuction creates an auction and opens it in one call. On
// ErrNoEligibleCounterparties the draft is returned alongside the error.
func (m *Manager) OpenAuction(ctx context.Context, req OpenRequest) (*model.Auction, error) {
	a, err := m.Create(ctx, req.CreateRequest)
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, a.ID, req.ClientID, req.BankIDs)
}

// Get returns an auction with lazy expiry applied.
func (m *Manager) Get(ctx context.Context, auctionID string) (*model.Auction, error) {
	a, err := m.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	m.reconcile(ctx, a)
	return a, nil
}

// ListByClient returns a client's auctions with lazy expiry applied.
func (m *Manager) ListByClient(ctx context.Context, clientID string) ([]model.Auction, error) {
	auctions, err := m.store.ListAuctionsByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if auctions == nil {
		auctions = []model.Auction{}
	}
	for i := range auctions {
		m.reconcile(ctx, &auctions[i])
	}
	return auctions, nil
}

// Invitations returns the auction's invitation snapshot.
func (m *Manager) Invitations(ctx context.Context, auctionID string) ([]model.AuctionInvitation, error) {
	invs, err := m.store.ListInvitations(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if invs == nil {
		invs = []model.AuctionInvitation{}
	}
	return invs, nil
}

// Cancel withdraws an auction that is still draft or open. Terminal
// auctions, including lazily expired ones, and auctions that already have a
// winning offer report ErrAuctionAlreadyClosed.
func (m *Manager) Cancel(ctx context.Context, auctionID, clientID string) (*model.Auction, error) {
	a, err := m.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.ClientID != clientID {
		return nil, model.ErrNotOwner
	}
	if m.reconcile(ctx, a); a.State.Terminal() {
		return nil, fmt.Errorf("cancel auction %s in state %s: %w", auctionID, a.State, model.ErrAuctionAlreadyClosed)
	}

	now := m.now()
	if err := m.store.CancelAuction(ctx, auctionID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", model.ErrAuctionAlreadyClosed, err)
		}
		return nil, fmt.Errorf("cancel auction %s: %w", auctionID, err)
	}

	a.State = model.AuctionCancelled
	a.ClosedAt = &now
	a.UpdatedAt = now

	metrics.AuctionTransitions.WithLabelValues(string(model.AuctionCancelled)).Inc()
	slog.Info("auction cancelled", "auction_id", auctionID, "client", clientID)
	m.audit.Record(ctx, audit.Event{
		Action:   audit.ActionAuctionCancelled,
		Actor:    clientID,
		Metadata: map[string]string{"auction_id": auctionID},
	})
	return a, nil
}

// Sweep expires every open auction whose window has elapsed and returns how
// many it moved.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	overdue, err := m.store.ListOverdueAuctions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n := 0
	for i := range overdue {
		if m.expire(ctx, &overdue[i], now) {
			n++
		}
	}
	if n > 0 {
		slog.Info("expiry sweep", "expired", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				slog.Error("expiry sweep failed", "err", err)
			}
		}
	}
}

// Now exposes the manager's clock to collaborators that must agree with it
// on expiry.
func (m *Manager) Now() time.Time {
	return m.now()
}

func (m *Manager) load(ctx context.Context, auctionID string) (*model.Auction, error) {
	a, err := m.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	return a, err
}

// reconcile applies lazy expiry to a in place.
func (m *Manager) reconcile(ctx context.Context, a *model.Auction) {
	now := m.now()
	if a.State != model.AuctionOpen || a.EffectiveState(now) != model.AuctionExpired {
		return
	}
	if !m.expire(ctx, a, now) {
		// Lost the race to another transition; report what actually won.
		if fresh, err := m.store.GetAuction(ctx, a.ID); err == nil && fresh.State != model.AuctionOpen {
			*a = *fresh
			return
		}
	}
	a.State = model.AuctionExpired
}

// expire persists open → expired. A conflict means someone else already
// moved the auction and is not an error.
func (m *Manager) expire(ctx context.Context, a *model.Auction, now time.Time) bool {
	err := m.store.TransitionAuction(ctx, a.ID, []model.AuctionState{model.AuctionOpen}, model.AuctionExpired, now)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			slog.Warn("expiry reconciliation failed", "auction_id", a.ID, "err", err)
		}
		return false
	}
	a.ClosedAt = &now
	a.UpdatedAt = now

	metrics.AuctionTransitions.WithLabelValues(string(model.AuctionExpired)).Inc()
	slog.Info("auction expired", "auction_id", a.ID, "expires_at", a.ExpiresAt)
	m.audit.Record(ctx, audit.Event{
		Action:   audit.ActionAuctionExpired,
		Actor:    "system",
		Metadata: map[string]string{"auction_id": a.ID},
	})
	return true
}
