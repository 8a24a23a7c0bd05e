// Package model defines the core domain types shared across the auction engine.
// All monetary values and rates use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClientBankLimit is the credit ceiling a client holds with one bank and the
// amount currently consumed by active commitments.
// Invariant: 0 <= Consumed <= Ceiling while Active.
type ClientBankLimit struct {
	ClientID  string          `json:"client_id" db:"client_id"`
	BankID    string          `json:"bank_id" db:"bank_id"`
	Ceiling   decimal.Decimal `json:"ceiling" db:"ceiling"`
	Consumed  decimal.Decimal `json:"consumed" db:"consumed"`
	Active    bool            `json:"active" db:"active"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Headroom returns ceiling - consumed, or zero for an inactive limit.
func (l ClientBankLimit) Headroom() decimal.Decimal {
	if !l.Active {
		return decimal.Zero
	}
	h := l.Ceiling.Sub(l.Consumed)
	if h.IsNegative() {
		return decimal.Zero
	}
	return h
}

// CanSpend reports whether amount fits in the remaining headroom.
func (l ClientBankLimit) CanSpend(amount decimal.Decimal) bool {
	return l.Active && l.Consumed.Add(amount).LessThanOrEqual(l.Ceiling)
}

// BankRole distinguishes dealer-desk users from bank administrators.
type BankRole string

const (
	RoleDesk  BankRole = "desk"
	RoleAdmin BankRole = "admin"
)

// BankUser is an operational user of a bank. The directory is owned by the
// user-management service; the engine only reads it.
type BankUser struct {
	ID     string   `json:"id" db:"id"`
	BankID string   `json:"bank_id" db:"bank_id"`
	Role   BankRole `json:"role" db:"role"`
	Active bool     `json:"active" db:"active"`
}

// AuctionKind is the bidding format requested by the client.
type AuctionKind string

const (
	KindOpenMarket   AuctionKind = "open-market"
	KindSealed       AuctionKind = "sealed"
	KindDutch        AuctionKind = "dutch"
	KindMultiTranche AuctionKind = "multi-tranche"
)

// Valid reports whether k is a supported auction kind.
func (k AuctionKind) Valid() bool {
	switch k {
	case KindOpenMarket, KindSealed, KindDutch, KindMultiTranche:
		return true
	}
	return false
}

// AuctionState is the lifecycle state of an auction.
type AuctionState string

const (
	AuctionDraft     AuctionState = "draft"
	AuctionOpen      AuctionState = "open"
	AuctionClosed    AuctionState = "closed"
	AuctionCancelled AuctionState = "cancelled"
	AuctionExpired   AuctionState = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s AuctionState) Terminal() bool {
	return s == AuctionClosed || s == AuctionCancelled || s == AuctionExpired
}

// Auction is a client's funding request ("subasta").
type Auction struct {
	ID                   string           `json:"id" db:"id"`
	ClientID             string           `json:"client_id" db:"client_id"`
	Kind                 AuctionKind      `json:"kind" db:"kind"`
	Currency             string           `json:"currency" db:"currency"`
	Amount               decimal.Decimal  `json:"amount" db:"amount"`
	TermDays             int              `json:"term_days" db:"term_days"`
	BiddingWindowMinutes int              `json:"bidding_window_minutes" db:"bidding_window_minutes"`
	TargetRate           *decimal.Decimal `json:"target_rate,omitempty" db:"target_rate"`
	State                AuctionState     `json:"state" db:"state"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	OpenedAt             *time.Time       `json:"opened_at,omitempty" db:"opened_at"`
	ExpiresAt            *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	ClosedAt             *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
}

// WindowElapsed reports whether an auction's bidding window has passed at now.
func (a Auction) WindowElapsed(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// EffectiveState applies lazy expiry: an open auction past its window is
// treated as expired even if the persisted state still says open.
func (a Auction) EffectiveState(now time.Time) AuctionState {
	if a.State == AuctionOpen && a.WindowElapsed(now) {
		return AuctionExpired
	}
	return a.State
}

// AcceptingOffers reports whether offers may be submitted at now.
func (a Auction) AcceptingOffers(now time.Time) bool {
	return a.EffectiveState(now) == AuctionOpen
}

// AuctionInvitation grants one bank user the right to bid on an auction.
type AuctionInvitation struct {
	AuctionID  string    `json:"auction_id" db:"auction_id"`
	BankUserID string    `json:"bank_user_id" db:"bank_user_id"`
	BankID     string    `json:"bank_id" db:"bank_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// OfferState is the lifecycle state of a bank's rate offer.
type OfferState string

const (
	OfferSubmitted OfferState = "submitted"
	OfferApproved  OfferState = "approved"
	OfferRejected  OfferState = "rejected"
	OfferWon       OfferState = "won"
)

// Pending reports whether the offer can still win or lose.
func (s OfferState) Pending() bool {
	return s == OfferSubmitted || s == OfferApproved
}

// RejectionReason separates a bank admin's rejection from losing the auction.
type RejectionReason string

const (
	RejectedByBankAdmin RejectionReason = "bank_admin"
	RejectedLost        RejectionReason = "lost"
)

// Offer is a bank's rate submission ("oferta") on an auction.
type Offer struct {
	ID               string          `json:"id" db:"id"`
	AuctionID        string          `json:"auction_id" db:"auction_id"`
	BankID           string          `json:"bank_id" db:"bank_id"`
	SubmittingUserID string          `json:"submitting_user_id" db:"submitting_user_id"`
	Rate             decimal.Decimal `json:"rate" db:"rate"`
	State            OfferState      `json:"state" db:"state"`
	AdminApproved    bool            `json:"admin_approved" db:"admin_approved"`
	ApproverID       string          `json:"approver_id,omitempty" db:"approver_id"`
	RejectionReason  RejectionReason `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// OfferRevert records an offer's state before the coordinator changed it,
// so a failed adjudication can restore it.
type OfferRevert struct {
	OfferID string     `json:"offer_id"`
	State   OfferState `json:"state"`
}

// CommitmentState is the lifecycle state of a commitment.
type CommitmentState string

const (
	CommitmentActive    CommitmentState = "active"
	CommitmentMatured   CommitmentState = "matured"
	CommitmentRenewed   CommitmentState = "renewed"
	CommitmentCancelled CommitmentState = "cancelled"
)

// Commitment is the binding financing agreement ("compromiso") materialised
// from a won offer. Invariant: MaturityDate = StartDate + TermDays.
type Commitment struct {
	ID           string          `json:"id" db:"id"`
	OpID         string          `json:"op_id" db:"op_id"`
	ClientID     string          `json:"client_id" db:"client_id"`
	BankID       string          `json:"bank_id" db:"bank_id"`
	AuctionID    string          `json:"auction_id,omitempty" db:"auction_id"`
	OfferID      string          `json:"offer_id,omitempty" db:"offer_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Currency     string          `json:"currency" db:"currency"`
	Rate         decimal.Decimal `json:"rate" db:"rate"`
	TermDays     int             `json:"term_days" db:"term_days"`
	StartDate    time.Time       `json:"start_date" db:"start_date"`
	MaturityDate time.Time       `json:"maturity_date" db:"maturity_date"`
	State        CommitmentState `json:"state" db:"state"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// CommitmentSummary is what a successful adjudication returns to the client.
type CommitmentSummary struct {
	CommitmentID string          `json:"commitment_id"`
	OpID         string          `json:"op_id"`
	AuctionID    string          `json:"auction_id"`
	OfferID      string          `json:"offer_id"`
	BankID       string          `json:"bank_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Rate         decimal.Decimal `json:"rate"`
	TermDays     int             `json:"term_days"`
	StartDate    time.Time       `json:"start_date"`
	MaturityDate time.Time       `json:"maturity_date"`
}

// Summary projects a commitment into the adjudication response shape.
func (c Commitment) Summary() CommitmentSummary {
	return CommitmentSummary{
		CommitmentID: c.ID,
		OpID:         c.OpID,
		AuctionID:    c.AuctionID,
		OfferID:      c.OfferID,
		BankID:       c.BankID,
		Amount:       c.Amount,
		Currency:     c.Currency,
		Rate:         c.Rate,
		TermDays:     c.TermDays,
		StartDate:    c.StartDate,
		MaturityDate: c.MaturityDate,
	}
}
