package model

import "errors"

// Validation errors: caller input problems, nothing mutated.
var (
	ErrInvalidParameters = errors.New("engine: invalid parameters")
	ErrInvalidRate       = errors.New("engine: rate must be greater than 0 and at most 100")
)

// Authorization errors.
var (
	ErrNotOwner      = errors.New("engine: actor does not own the auction")
	ErrNotInvited    = errors.New("engine: bank user is not invited to the auction")
	ErrNotAuthorized = errors.New("engine: actor is not authorized for this offer")
)

// State-conflict errors. Expected under concurrency and never retried by the
// engine itself.
var (
	ErrAuctionAlreadyClosed      = errors.New("engine: auction is already closed")
	ErrAuctionNotAcceptingOffers = errors.New("engine: auction is not accepting offers")
	ErrAuctionExpired            = errors.New("engine: auction bidding window has expired")
	ErrOfferAlreadyResolved      = errors.New("engine: offer is already resolved")
	ErrOfferNotPending           = errors.New("engine: offer is not pending approval")
	ErrOfferNotApproved          = errors.New("engine: offer has not been approved by its bank")
	ErrNoEligibleCounterparties  = errors.New("engine: no eligible counterparties")
)

// Resource and infrastructure errors.
var (
	ErrLimitExceeded       = errors.New("engine: client-bank limit exceeded")
	ErrAdjudicationAborted = errors.New("engine: adjudication aborted")
	ErrNotFound            = errors.New("engine: not found")
)

// Kind groups engine errors for transport mapping and metrics labels.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthorization  Kind = "authorization"
	KindConflict       Kind = "conflict"
	KindResource       Kind = "resource"
	KindNotFound       Kind = "not_found"
	KindInfrastructure Kind = "infrastructure"
)

// KindOf classifies err. Unknown errors are infrastructure failures.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidParameters), errors.Is(err, ErrInvalidRate):
		return KindValidation
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotInvited), errors.Is(err, ErrNotAuthorized):
		return KindAuthorization
	case errors.Is(err, ErrAuctionAlreadyClosed),
		errors.Is(err, ErrAuctionNotAcceptingOffers),
		errors.Is(err, ErrAuctionExpired),
		errors.Is(err, ErrOfferAlreadyResolved),
		errors.Is(err, ErrOfferNotPending),
		errors.Is(err, ErrOfferNotApproved),
		errors.Is(err, ErrNoEligibleCounterparties):
		return KindConflict
	case errors.Is(err, ErrLimitExceeded):
		return KindResource
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindInfrastructure
}
