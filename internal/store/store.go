// Package store defines the persistence interface for the auction engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for commitments), and in-memory (for testing and development).
//
// Every state change the engine depends on for correctness is a conditional
// write: the implementation checks the expected current state and applies
// the change in one step, returning ErrConflict when the guard fails.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write finds the record in a
	// state other than the expected one.
	ErrConflict = errors.New("store: conditional write conflict")

	// ErrInsufficientHeadroom is returned by SpendLimit when the increment
	// would push consumed past the ceiling, or the limit is inactive.
	ErrInsufficientHeadroom = errors.New("store: insufficient headroom")

	// ErrDuplicate is returned when a unique key (id, op id) already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for commitments.
type Store interface {
	// --- Limit ledger ---

	// UpsertLimit creates a client-bank limit or sets an existing limit's
	// ceiling and active flag, preserving consumed. The update applies only
	// if consumed <= the new ceiling, otherwise ErrConflict and nothing
	// changes. On success limit carries the stored consumed and created_at.
	UpsertLimit(ctx context.Context, limit *model.ClientBankLimit) error

	// DeactivateLimit switches a limit off in one conditional update.
	DeactivateLimit(ctx context.Context, clientID, bankID string, at time.Time) error

	// GetLimit retrieves the limit for a client-bank pair.
	GetLimit(ctx context.Context, clientID, bankID string) (*model.ClientBankLimit, error)

	// ListLimitsByClient returns all limits held by a client.
	ListLimitsByClient(ctx context.Context, clientID string) ([]model.ClientBankLimit, error)

	// SpendLimit increments consumed by amount iff the result stays within
	// the ceiling of an active limit. Single conditional update.
	SpendLimit(ctx context.Context, clientID, bankID string, amount decimal.Decimal) error

	// ReleaseLimit decrements consumed by amount iff consumed >= amount.
	ReleaseLimit(ctx context.Context, clientID, bankID string, amount decimal.Decimal) error

	// --- Bank user directory ---

	// UpsertBankUser creates or replaces a bank user.
	UpsertBankUser(ctx context.Context, user *model.BankUser) error

	// GetBankUser retrieves a bank user by ID.
	GetBankUser(ctx context.Context, id string) (*model.BankUser, error)

	// ListBankUsers returns the active users of a bank.
	ListBankUsers(ctx context.Context, bankID string) ([]model.BankUser, error)

	// --- Auctions ---

	// CreateAuction persists a new auction (normally in draft).
	CreateAuction(ctx context.Context, auction *model.Auction) error

	// GetAuction retrieves an auction by ID.
	GetAuction(ctx context.Context, id string) (*model.Auction, error)

	// ListAuctionsByClient returns a client's auctions, newest first.
	ListAuctionsByClient(ctx context.Context, clientID string) ([]model.Auction, error)

	// ListOverdueAuctions returns open auctions whose window ended at or before t.
	ListOverdueAuctions(ctx context.Context, t time.Time) ([]model.Auction, error)

	// OpenAuction moves a draft auction to open, stamping openedAt/expiresAt
	// and inserting its invitation snapshot in the same step.
	OpenAuction(ctx context.Context, id string, invitations []model.AuctionInvitation, openedAt, expiresAt time.Time) error

	// TransitionAuction moves an auction to `to` iff its current state is one
	// of `from`.
	TransitionAuction(ctx context.Context, id string, from []model.AuctionState, to model.AuctionState, at time.Time) error

	// CancelAuction moves a draft or open auction to cancelled iff none of
	// its offers has won and an open auction's window has not ended at `at`.
	CancelAuction(ctx context.Context, id string, at time.Time) error

	// CloseAuction moves an open auction to closed iff its window has not
	// ended at `at`.
	CloseAuction(ctx context.Context, id string, at time.Time) error

	// ListInvitations returns the invitation snapshot of an auction.
	ListInvitations(ctx context.Context, auctionID string) ([]model.AuctionInvitation, error)

	// IsInvited reports whether a bank user belongs to an auction's invitations.
	IsInvited(ctx context.Context, auctionID, bankUserID string) (bool, error)

	// --- Offers ---

	// CreateOffer persists a new offer.
	CreateOffer(ctx context.Context, offer *model.Offer) error

	// GetOffer retrieves an offer by ID.
	GetOffer(ctx context.Context, id string) (*model.Offer, error)

	// ListOffers returns all offers on an auction in submission order.
	ListOffers(ctx context.Context, auctionID string) ([]model.Offer, error)

	// ApproveOffer moves a submitted offer to approved.
	ApproveOffer(ctx context.Context, id, approverID string, at time.Time) error

	// RejectOffer moves a submitted offer to rejected with the given reason.
	RejectOffer(ctx context.Context, id, approverID string, reason model.RejectionReason, at time.Time) error

	// MarkOfferWon moves a pending offer to won iff its auction is still
	// open, its window has not ended at `at`, and no other offer of the
	// auction has won.
	MarkOfferWon(ctx context.Context, auctionID, offerID string, at time.Time) error

	// RejectSiblingOffers rejects every pending offer of the auction except
	// winnerID and returns their prior states.
	RejectSiblingOffers(ctx context.Context, auctionID, winnerID string, at time.Time) ([]model.OfferRevert, error)

	// RestoreOffers puts offers changed by an adjudication back to their
	// prior states. Only won or lost-rejected offers are touched.
	RestoreOffers(ctx context.Context, reverts []model.OfferRevert, at time.Time) error

	// --- Commitments ---

	// CreateCommitment persists a new commitment. ErrDuplicate on op id clash.
	CreateCommitment(ctx context.Context, c *model.Commitment) error

	// GetCommitment retrieves a commitment by ID.
	GetCommitment(ctx context.Context, id string) (*model.Commitment, error)

	// GetCommitmentByOpID retrieves a commitment by its human-readable op id.
	GetCommitmentByOpID(ctx context.Context, opID string) (*model.Commitment, error)

	// ListCommitmentsByClient returns a client's commitments.
	ListCommitmentsByClient(ctx context.Context, clientID string) ([]model.Commitment, error)

	// ListCommitmentsByBank returns a bank's commitments.
	ListCommitmentsByBank(ctx context.Context, bankID string) ([]model.Commitment, error)

	// TransitionCommitment moves a commitment to `to` iff it is in `from`.
	TransitionCommitment(ctx context.Context, id string, from, to model.CommitmentState) error
}

// Transactor is implemented by stores that can run several operations as
// one ACID transaction. fn receives a Store bound to the transaction; a
// returned error rolls everything back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
