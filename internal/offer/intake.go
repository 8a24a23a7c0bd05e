// Package offer validates and records bank rate submissions and the bank
// admin co-signature on desk offers. It never picks a winner.
package offer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/audit"
	"github.com/finmesa/auction-engine/internal/auction"
	"github.com/finmesa/auction-engine/internal/metrics"
	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/store"
)

var maxRate = decimal.NewFromInt(100)

// ValidRate reports whether rate lies in (0, 100].
func ValidRate(rate decimal.Decimal) bool {
	return rate.IsPositive() && rate.LessThanOrEqual(maxRate)
}

// Intake handles offer submission and bank-side approval.
type Intake struct {
	store    store.Store
	auctions *auction.Manager
	audit    audit.Recorder
}

// NewIntake creates an intake. Auction reads go through mgr so lazy expiry
// and the clock are shared with the lifecycle manager.
func NewIntake(st store.Store, mgr *auction.Manager, rec audit.Recorder) *Intake {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Intake{store: st, auctions: mgr, audit: rec}
}

// Submit records a rate offer from an invited bank user. Desk offers start
// submitted and unapproved; admin offers are self-approved.
func (in *Intake) Submit(ctx context.Context, auctionID, bankUserID string, rate decimal.Decimal) (*model.Offer, error) {
	if !ValidRate(rate) {
		return nil, model.ErrInvalidRate
	}

	a, err := in.auctions.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	now := in.auctions.Now()
	switch {
	case a.AcceptingOffers(now):
	case a.EffectiveState(now) == model.AuctionExpired:
		return nil, fmt.Errorf("submit on auction %s: %w", auctionID, model.ErrAuctionExpired)
	default:
		return nil, fmt.Errorf("submit on auction %s in state %s: %w", auctionID, a.State, model.ErrAuctionNotAcceptingOffers)
	}

	invited, err := in.store.IsInvited(ctx, auctionID, bankUserID)
	if err != nil {
		return nil, fmt.Errorf("check invitation: %w", err)
	}
	if !invited {
		return nil, model.ErrNotInvited
	}
	user, err := in.store.GetBankUser(ctx, bankUserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !user.Active) {
		return nil, model.ErrNotInvited
	}
	if err != nil {
		return nil, fmt.Errorf("load bank user %s: %w", bankUserID, err)
	}

	o := &model.Offer{
		ID:               uuid.New().String(),
		AuctionID:        auctionID,
		BankID:           user.BankID,
		SubmittingUserID: bankUserID,
		Rate:             rate,
		State:            model.OfferSubmitted,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if user.Role == model.RoleAdmin {
		o.State = model.OfferApproved
		o.AdminApproved = true
		o.ApproverID = bankUserID
	}
	if err := in.store.CreateOffer(ctx, o); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	metrics.OffersSubmitted.WithLabelValues(string(user.Role)).Inc()
	slog.Info("offer submitted",
		"offer_id", o.ID,
		"auction_id", auctionID,
		"bank", o.BankID,
		"user", bankUserID,
		"rate", rate.String(),
		"state", o.State,
	)
	in.audit.Record(ctx, audit.Event{
		Action: audit.ActionOfferSubmitted,
		Actor:  bankUserID,
		Detail: fmt.Sprintf("rate %s%%", rate),
		Metadata: map[string]string{
			"auction_id": auctionID,
			"offer_id":   o.ID,
			"bank_id":    o.BankID,
		},
	})
	return o, nil
}

// Approve co-signs a desk offer. The approver must be an active admin of
// the offer's bank.
func (in *Intake) Approve(ctx context.Context, offerID, approverID string) (*model.Offer, error) {
	o, err := in.authorize(ctx, offerID, approverID)
	if err != nil {
		return nil, err
	}
	now := in.auctions.Now()
	if err := in.store.ApproveOffer(ctx, offerID, approverID, now); err != nil {
		return nil, resolveConflict(offerID, err)
	}

	o.State = model.OfferApproved
	o.AdminApproved = true
	o.ApproverID = approverID
	o.UpdatedAt = now

	slog.Info("offer approved", "offer_id", offerID, "approver", approverID)
	in.audit.Record(ctx, audit.Event{
		Action:   audit.ActionOfferApproved,
		Actor:    approverID,
		Metadata: map[string]string{"auction_id": o.AuctionID, "offer_id": offerID},
	})
	return o, nil
}

// Reject withdraws a desk offer on behalf of its bank. Other banks' offers
// are unaffected.
func (in *Intake) Reject(ctx context.Context, offerID, approverID string) (*model.Offer, error) {
	o, err := in.authorize(ctx, offerID, approverID)
	if err != nil {
		return nil, err
	}
	now := in.auctions.Now()
	if err := in.store.RejectOffer(ctx, offerID, approverID, model.RejectedByBankAdmin, now); err != nil {
		return nil, resolveConflict(offerID, err)
	}

	o.State = model.OfferRejected
	o.RejectionReason = model.RejectedByBankAdmin
	o.ApproverID = approverID
	o.UpdatedAt = now

	slog.Info("offer rejected by bank", "offer_id", offerID, "approver", approverID)
	in.audit.Record(ctx, audit.Event{
		Action:   audit.ActionOfferRejected,
		Actor:    approverID,
		Detail:   string(model.RejectedByBankAdmin),
		Metadata: map[string]string{"auction_id": o.AuctionID, "offer_id": offerID},
	})
	return o, nil
}

// List returns the offers of an auction in submission order.
func (in *Intake) List(ctx context.Context, auctionID string) ([]model.Offer, error) {
	if _, err := in.auctions.Get(ctx, auctionID); err != nil {
		return nil, err
	}
	offers, err := in.store.ListOffers(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []model.Offer{}
	}
	return offers, nil
}

// Get returns one offer.
func (in *Intake) Get(ctx context.Context, offerID string) (*model.Offer, error) {
	o, err := in.store.GetOffer(ctx, offerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	return o, err
}

func (in *Intake) authorize(ctx context.Context, offerID, approverID string) (*model.Offer, error) {
	o, err := in.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	approver, err := in.store.GetBankUser(ctx, approverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("load approver %s: %w", approverID, err)
	}
	if !approver.Active || approver.Role != model.RoleAdmin || approver.BankID != o.BankID {
		slog.Warn("offer approval refused",
			"offer_id", offerID,
			"approver", approverID,
			"approver_bank", approver.BankID,
			"offer_bank", o.BankID,
		)
		return nil, model.ErrNotAuthorized
	}

	if o.State != model.OfferSubmitted {
		return nil, fmt.Errorf("offer %s is %s: %w", offerID, o.State, model.ErrOfferNotPending)
	}
	return o, nil
}

func resolveConflict(offerID string, err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("offer %s: %w", offerID, model.ErrOfferNotPending)
	}
	return fmt.Errorf("offer %s: %w", offerID, err)
}
