// Package adjudication turns a client's chosen offer into a commitment.
//
// The award is a fixed sequence: offer → won, sibling offers → rejected,
// ledger spend, commitment creation, auction → closed. When the store can run
// a transaction the whole sequence is one transaction. Otherwise each step is
// a conditional write and a failure after the first mutation is undone by
// compensating steps in reverse order.
package adjudication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/finmesa/auction-engine/internal/audit"
	"github.com/finmesa/auction-engine/internal/auction"
	"github.com/finmesa/auction-engine/internal/commitment"
	"github.com/finmesa/auction-engine/internal/ledger"
	"github.com/finmesa/auction-engine/internal/metrics"
	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/store"
	"github.com/finmesa/auction-engine/internal/tracing"
)

const (
	strategyTransaction = "transaction"
	strategySaga        = "saga"
)

// Options tune adjudication policy.
type Options struct {
	// RequireAdminApproval refuses to award desk offers the bank admin has
	// not co-signed.
	RequireAdminApproval bool

	// UseTransactions runs the award in one store transaction when the
	// store supports it.
	UseTransactions bool
}

// Coordinator performs adjudications.
type Coordinator struct {
	store    store.Store
	ledger   *ledger.Ledger
	registry *commitment.Registry
	auctions *auction.Manager
	audit    audit.Recorder
	opts     Options
}

// NewCoordinator wires a coordinator. The ledger and registry are rebound to
// the transaction store when the transactional strategy is used.
func NewCoordinator(st store.Store, l *ledger.Ledger, reg *commitment.Registry, mgr *auction.Manager, rec audit.Recorder, opts Options) *Coordinator {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Coordinator{
		store:    st,
		ledger:   l,
		registry: reg,
		auctions: mgr,
		audit:    rec,
		opts:     opts,
	}
}

// Strategy reports which execution strategy Adjudicate uses.
func (c *Coordinator) Strategy() string {
	if _, ok := c.store.(store.Transactor); ok && c.opts.UseTransactions {
		return strategyTransaction
	}
	return strategySaga
}

// Adjudicate awards auctionID to offerID on behalf of clientID.
func (c *Coordinator) Adjudicate(ctx context.Context, auctionID, offerID, clientID string) (summary *model.CommitmentSummary, err error) {
	strategy := c.Strategy()
	ctx, span := tracing.Start(ctx, "adjudication.Adjudicate",
		attribute.String("auction.id", auctionID),
		attribute.String("offer.id", offerID),
		attribute.String("strategy", strategy),
	)
	start := time.Now()
	defer func() {
		metrics.AdjudicationLatency.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
		metrics.Adjudications.WithLabelValues(outcome(err)).Inc()
		tracing.End(span, err)
	}()

	a, o, err := c.preconditions(ctx, auctionID, offerID, clientID)
	if err != nil {
		slog.Warn("adjudication refused",
			"auction_id", auctionID,
			"offer_id", offerID,
			"client", clientID,
			"err", err,
		)
		return nil, err
	}

	var cm *model.Commitment
	if strategy == strategyTransaction {
		cm, err = c.runTx(ctx, a, o)
	} else {
		cm, err = c.runSaga(ctx, a, o)
	}
	if err != nil {
		c.recordFailure(ctx, a, o, err)
		return nil, err
	}

	metrics.CommittedVolume.WithLabelValues(cm.Currency).Add(cm.Amount.InexactFloat64())
	metrics.AuctionTransitions.WithLabelValues(string(model.AuctionClosed)).Inc()
	slog.Info("auction adjudicated",
		"auction_id", a.ID,
		"offer_id", o.ID,
		"bank", o.BankID,
		"op_id", cm.OpID,
		"amount", cm.Amount.String(),
		"rate", cm.Rate.String(),
		"strategy", strategy,
	)
	c.audit.Record(ctx, audit.Event{
		Action: audit.ActionAuctionAdjudicated,
		Actor:  clientID,
		Detail: fmt.Sprintf("%s %s at %s%% to %s", cm.Amount, cm.Currency, cm.Rate, cm.BankID),
		Metadata: map[string]string{
			"auction_id":    a.ID,
			"offer_id":      o.ID,
			"commitment_id": cm.ID,
			"op_id":         cm.OpID,
		},
	})

	s := cm.Summary()
	return &s, nil
}

// preconditions validates everything that can be checked without mutating.
func (c *Coordinator) preconditions(ctx context.Context, auctionID, offerID, clientID string) (*model.Auction, *model.Offer, error) {
	a, err := c.auctions.Get(ctx, auctionID)
	if err != nil {
		return nil, nil, err
	}
	if a.ClientID != clientID {
		return nil, nil, model.ErrNotOwner
	}
	switch a.State {
	case model.AuctionOpen:
	case model.AuctionExpired:
		return nil, nil, fmt.Errorf("adjudicate auction %s: %w", auctionID, model.ErrAuctionExpired)
	case model.AuctionDraft:
		return nil, nil, fmt.Errorf("adjudicate auction %s in draft: %w", auctionID, model.ErrAuctionNotAcceptingOffers)
	default:
		return nil, nil, fmt.Errorf("adjudicate auction %s in state %s: %w", auctionID, a.State, model.ErrAuctionAlreadyClosed)
	}

	o, err := c.store.GetOffer(ctx, offerID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && o.AuctionID != auctionID) {
		return nil, nil, fmt.Errorf("offer %s on auction %s: %w", offerID, auctionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	if !o.State.Pending() {
		return nil, nil, fmt.Errorf("offer %s is %s: %w", offerID, o.State, model.ErrOfferAlreadyResolved)
	}
	if c.opts.RequireAdminApproval && !o.AdminApproved {
		return nil, nil, fmt.Errorf("offer %s: %w", offerID, model.ErrOfferNotApproved)
	}

	// Advisory only; Spend is authoritative.
	headroom, err := c.ledger.Headroom(ctx, a.ClientID, o.BankID)
	if err != nil {
		return nil, nil, err
	}
	if headroom.LessThan(a.Amount) {
		metrics.LimitRejections.Inc()
		return nil, nil, fmt.Errorf("headroom %s below %s for %s/%s: %w",
			headroom, a.Amount, a.ClientID, o.BankID, model.ErrLimitExceeded)
	}
	return a, o, nil
}

func (c *Coordinator) runTx(ctx context.Context, a *model.Auction, o *model.Offer) (*model.Commitment, error) {
	var cm *model.Commitment
	err := c.store.(store.Transactor).WithinTx(ctx, func(tx store.Store) error {
		now := c.auctions.Now()
		if err := markWon(ctx, tx, a, o, now); err != nil {
			return err
		}
		if _, err := tx.RejectSiblingOffers(ctx, a.ID, o.ID, now); err != nil {
			return err
		}
		if err := spend(ctx, c.ledger.WithStore(tx), a, o); err != nil {
			return err
		}
		var err error
		cm, err = c.registry.WithStore(tx).Create(ctx, params(a, o))
		if err != nil {
			return err
		}
		return closeAuction(ctx, tx, a.ID, c.auctions.Now())
	})
	if err != nil {
		return nil, abortUnlessTyped(err)
	}
	return cm, nil
}

// saga tracks what has been applied so far so it can be undone.
type saga struct {
	c       *Coordinator
	auction *model.Auction
	offer   *model.Offer
	reverts []model.OfferRevert
	spent   bool
	created *model.Commitment
}

func (c *Coordinator) runSaga(ctx context.Context, a *model.Auction, o *model.Offer) (*model.Commitment, error) {
	s := &saga{c: c, auction: a, offer: o}
	now := c.auctions.Now()

	if err := markWon(ctx, c.store, a, o, now); err != nil {
		return nil, abortUnlessTyped(err)
	}
	s.reverts = []model.OfferRevert{{OfferID: o.ID, State: o.State}}

	siblings, err := c.store.RejectSiblingOffers(ctx, a.ID, o.ID, now)
	if err != nil {
		return nil, s.fail(ctx, "reject siblings", err)
	}
	s.reverts = append(s.reverts, siblings...)

	if err := spend(ctx, c.ledger, a, o); err != nil {
		return nil, s.fail(ctx, "spend", err)
	}
	s.spent = true

	cm, err := c.registry.Create(ctx, params(a, o))
	if err != nil {
		return nil, s.fail(ctx, "create commitment", err)
	}
	s.created = cm

	if err := closeAuction(ctx, c.store, a.ID, c.auctions.Now()); err != nil {
		return nil, s.fail(ctx, "close auction", err)
	}
	return cm, nil
}

// fail compensates every applied step in reverse order. Typed business
// errors survive a clean compensation; anything else, or a compensation that
// itself fails, is reported as an aborted adjudication.
func (s *saga) fail(ctx context.Context, step string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error

	if s.created != nil {
		if err := s.c.registry.Cancel(ctx, s.created.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if s.spent {
		if err := s.c.ledger.Release(ctx, s.auction.ClientID, s.offer.BankID, s.auction.Amount); err != nil {
			errs = append(errs, err)
		}
	}
	if len(s.reverts) > 0 {
		if err := s.c.store.RestoreOffers(ctx, s.reverts, s.c.auctions.Now()); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		metrics.Compensations.WithLabelValues("failed").Inc()
		slog.Error("adjudication compensation failed, state is inconsistent and needs manual reconciliation",
			"auction_id", s.auction.ID,
			"offer_id", s.offer.ID,
			"step", step,
			"cause", cause,
			"compensation_err", errors.Join(errs...),
		)
		return fmt.Errorf("%w: %s failed (%v) and compensation failed (%v)",
			model.ErrAdjudicationAborted, step, cause, errors.Join(errs...))
	}

	metrics.Compensations.WithLabelValues("ok").Inc()
	slog.Warn("adjudication compensated",
		"auction_id", s.auction.ID,
		"offer_id", s.offer.ID,
		"step", step,
		"cause", cause,
	)
	return abortUnlessTyped(fmt.Errorf("%s: %w", step, cause))
}

func (c *Coordinator) recordFailure(ctx context.Context, a *model.Auction, o *model.Offer, err error) {
	if !errors.Is(err, model.ErrAdjudicationAborted) && !errors.Is(err, model.ErrLimitExceeded) {
		return
	}
	c.audit.Record(ctx, audit.Event{
		Action: audit.ActionAdjudicationAborted,
		Actor:  a.ClientID,
		Detail: err.Error(),
		Metadata: map[string]string{
			"auction_id": a.ID,
			"offer_id":   o.ID,
			"bank_id":    o.BankID,
		},
	})
}

// markWon is step one. A failed guard is reported as the offer or the
// auction having moved on, whichever the store now shows. The store also
// refuses once the bidding window has ended.
func markWon(ctx context.Context, st store.Store, a *model.Auction, o *model.Offer, now time.Time) error {
	err := st.MarkOfferWon(ctx, a.ID, o.ID, now)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	if fresh, gerr := st.GetOffer(ctx, o.ID); gerr == nil && !fresh.State.Pending() {
		return fmt.Errorf("offer %s is %s: %w", o.ID, fresh.State, model.ErrOfferAlreadyResolved)
	}
	return auctionMovedOn(ctx, st, a.ID, now, err)
}

func spend(ctx context.Context, l *ledger.Ledger, a *model.Auction, o *model.Offer) error {
	err := l.Spend(ctx, a.ClientID, o.BankID, a.Amount)
	if errors.Is(err, ledger.ErrInsufficientHeadroom) {
		metrics.LimitRejections.Inc()
		return fmt.Errorf("%w: %v", model.ErrLimitExceeded, err)
	}
	return err
}

// closeAuction is the last step. It is checked against the clock at the time
// of closing, so a window that ends mid-adjudication fails it.
func closeAuction(ctx context.Context, st store.Store, auctionID string, now time.Time) error {
	err := st.CloseAuction(ctx, auctionID, now)
	if errors.Is(err, store.ErrConflict) {
		return auctionMovedOn(ctx, st, auctionID, now, err)
	}
	return err
}

// auctionMovedOn explains a refused auction guard: expired if the window has
// ended at now, otherwise already closed.
func auctionMovedOn(ctx context.Context, st store.Store, auctionID string, now time.Time, cause error) error {
	if a, err := st.GetAuction(ctx, auctionID); err == nil && a.EffectiveState(now) == model.AuctionExpired {
		return fmt.Errorf("%w: %v", model.ErrAuctionExpired, cause)
	}
	return fmt.Errorf("%w: %v", model.ErrAuctionAlreadyClosed, cause)
}

func params(a *model.Auction, o *model.Offer) commitment.Params {
	return commitment.Params{
		ClientID:  a.ClientID,
		BankID:    o.BankID,
		AuctionID: a.ID,
		OfferID:   o.ID,
		Amount:    a.Amount,
		Currency:  a.Currency,
		Rate:      o.Rate,
		TermDays:  a.TermDays,
	}
}

// abortUnlessTyped keeps engine errors callers can act on and folds
// everything else into ErrAdjudicationAborted.
func abortUnlessTyped(err error) error {
	if model.KindOf(err) != model.KindInfrastructure {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrAdjudicationAborted, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "won"
	case errors.Is(err, model.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, model.ErrAdjudicationAborted):
		return "aborted"
	}
	return string(model.KindOf(err))
}
