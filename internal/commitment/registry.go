// Package commitment materialises won offers into binding financing
// commitments and owns their human-readable operation ids.
package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/store"
)

// maxOpIDAttempts bounds retries on op id collisions.
const maxOpIDAttempts = 3

// Params describes the commitment to create.
type Params struct {
	ClientID  string
	BankID    string
	AuctionID string
	OfferID   string
	Amount    decimal.Decimal
	Currency  string
	Rate      decimal.Decimal
	TermDays  int
}

// Registry creates and reads commitments.
type Registry struct {
	store store.Store
	now   func() time.Time
}

// NewRegistry creates a registry over st.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// WithStore returns a registry bound to another store (e.g. a transaction).
func (r *Registry) WithStore(st store.Store) *Registry {
	return &Registry{store: st, now: r.now}
}

// StartDate truncates t to its UTC calendar day.
func StartDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Maturity returns start + termDays calendar days.
func Maturity(start time.Time, termDays int) time.Time {
	return start.AddDate(0, 0, termDays)
}

// Create persists an active commitment starting today. An op id collision
// is retried with a fresh suffix.
func (r *Registry) Create(ctx context.Context, p Params) (*model.Commitment, error) {
	if p.ClientID == "" || p.BankID == "" || !p.Amount.IsPositive() || p.TermDays < 1 {
		return nil, model.ErrInvalidParameters
	}

	now := r.now()
	start := StartDate(now)
	c := &model.Commitment{
		ID:           uuid.New().String(),
		ClientID:     p.ClientID,
		BankID:       p.BankID,
		AuctionID:    p.AuctionID,
		OfferID:      p.OfferID,
		Amount:       p.Amount,
		Currency:     p.Currency,
		Rate:         p.Rate,
		TermDays:     p.TermDays,
		StartDate:    start,
		MaturityDate: Maturity(start, p.TermDays),
		State:        model.CommitmentActive,
		CreatedAt:    now,
	}

	var err error
	for attempt := 1; attempt <= maxOpIDAttempts; attempt++ {
		c.OpID = NewOpID(start)
		err = r.store.CreateCommitment(ctx, c)
		if !errors.Is(err, store.ErrDuplicate) {
			break
		}
		slog.Warn("op id collision, retrying", "op_id", c.OpID, "attempt", attempt)
	}
	if err != nil {
		return nil, fmt.Errorf("create commitment for offer %s: %w", p.OfferID, err)
	}

	slog.Info("commitment created",
		"commitment_id", c.ID,
		"op_id", c.OpID,
		"client", c.ClientID,
		"bank", c.BankID,
		"amount", c.Amount.String(),
		"rate", c.Rate.String(),
		"maturity", c.MaturityDate.Format("2006-01-02"),
	)
	return c, nil
}

// Get returns a commitment by ID.
func (r *Registry) Get(ctx context.Context, id string) (*model.Commitment, error) {
	c, err := r.store.GetCommitment(ctx, id)
	return c, translate(err)
}

// GetByOpID returns a commitment by its op id. Malformed ids are rejected
// before touching the store.
func (r *Registry) GetByOpID(ctx context.Context, opID string) (*model.Commitment, error) {
	if _, err := ParseOpID(opID); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidParameters, err)
	}
	c, err := r.store.GetCommitmentByOpID(ctx, opID)
	return c, translate(err)
}

// ListByClient returns every commitment a client holds, active or
// cancelled, oldest first. A client with none gets an empty list.
func (r *Registry) ListByClient(ctx context.Context, clientID string) ([]model.Commitment, error) {
	cs, err := r.store.ListCommitmentsByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		cs = []model.Commitment{}
	}
	return cs, nil
}

// ListByBank is ListByClient from the lending bank's side.
func (r *Registry) ListByBank(ctx context.Context, bankID string) ([]model.Commitment, error) {
	cs, err := r.store.ListCommitmentsByBank(ctx, bankID)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		cs = []model.Commitment{}
	}
	return cs, nil
}

// Cancel voids an active commitment. Only the adjudication compensation
// path calls this.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	err := r.store.TransitionCommitment(ctx, id, model.CommitmentActive, model.CommitmentCancelled)
	if err != nil {
		return fmt.Errorf("cancel commitment %s: %w", id, err)
	}
	slog.Info("commitment cancelled", "commitment_id", id)
	return nil
}

func translate(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	return err
}
