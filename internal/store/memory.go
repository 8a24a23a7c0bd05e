package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex guards all maps, so every conditional write below is a
// compare-and-set with respect to every other operation.
type MemoryStore struct {
	mu          sync.RWMutex
	limits      map[string]*model.ClientBankLimit // clientID|bankID
	users       map[string]*model.BankUser
	auctions    map[string]*model.Auction
	invitations map[string][]model.AuctionInvitation // auctionID
	offers      map[string]*model.Offer
	offerOrder  map[string][]string // auctionID -> offer ids
	commitments map[string]*model.Commitment
	opIDs       map[string]string // opID -> commitment id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits:      make(map[string]*model.ClientBankLimit),
		users:       make(map[string]*model.BankUser),
		auctions:    make(map[string]*model.Auction),
		invitations: make(map[string][]model.AuctionInvitation),
		offers:      make(map[string]*model.Offer),
		offerOrder:  make(map[string][]string),
		commitments: make(map[string]*model.Commitment),
		opIDs:       make(map[string]string),
	}
}

func limitKey(clientID, bankID string) string { return clientID + "|" + bankID }

// --- Limit ledger ---

func (s *MemoryStore) UpsertLimit(_ context.Context, l *model.ClientBankLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := limitKey(l.ClientID, l.BankID)
	if existing, ok := s.limits[key]; ok {
		if existing.Consumed.GreaterThan(l.Ceiling) {
			return fmt.Errorf("limit %s/%s consumed %s above ceiling %s: %w",
				l.ClientID, l.BankID, existing.Consumed, l.Ceiling, ErrConflict)
		}
		existing.Ceiling = l.Ceiling
		existing.Active = l.Active
		existing.UpdatedAt = l.UpdatedAt
		l.Consumed = existing.Consumed
		l.CreatedAt = existing.CreatedAt
		return nil
	}
	if l.Consumed.GreaterThan(l.Ceiling) {
		return fmt.Errorf("limit %s/%s consumed %s above ceiling %s: %w",
			l.ClientID, l.BankID, l.Consumed, l.Ceiling, ErrConflict)
	}
	copy := *l
	s.limits[key] = &copy
	return nil
}

func (s *MemoryStore) DeactivateLimit(_ context.Context, clientID, bankID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[limitKey(clientID, bankID)]
	if !ok {
		return fmt.Errorf("limit %s/%s: %w", clientID, bankID, ErrNotFound)
	}
	l.Active = false
	l.UpdatedAt = at
	return nil
}

func (s *MemoryStore) GetLimit(_ context.Context, clientID, bankID string) (*model.ClientBankLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.limits[limitKey(clientID, bankID)]
	if !ok {
		return nil, fmt.Errorf("limit %s/%s: %w", clientID, bankID, ErrNotFound)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListLimitsByClient(_ context.Context, clientID string) ([]model.ClientBankLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ClientBankLimit
	for _, l := range s.limits {
		if l.ClientID == clientID {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BankID < result[j].BankID })
	return result, nil
}

func (s *MemoryStore) SpendLimit(_ context.Context, clientID, bankID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[limitKey(clientID, bankID)]
	if !ok || !l.CanSpend(amount) {
		return ErrInsufficientHeadroom
	}
	l.Consumed = l.Consumed.Add(amount)
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReleaseLimit(_ context.Context, clientID, bankID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[limitKey(clientID, bankID)]
	if !ok {
		return fmt.Errorf("limit %s/%s: %w", clientID, bankID, ErrNotFound)
	}
	if l.Consumed.LessThan(amount) {
		return fmt.Errorf("release %s from %s/%s: %w", amount, clientID, bankID, ErrConflict)
	}
	l.Consumed = l.Consumed.Sub(amount)
	l.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Bank user directory ---

func (s *MemoryStore) UpsertBankUser(_ context.Context, u *model.BankUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetBankUser(_ context.Context, id string) (*model.BankUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("bank user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) ListBankUsers(_ context.Context, bankID string) ([]model.BankUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BankUser
	for _, u := range s.users {
		if u.BankID == bankID && u.Active {
			result = append(result, *u)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// --- Auctions ---

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s: %w", a.ID, ErrDuplicate)
	}
	copy := *a
	s.auctions[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAuctionsByClient(_ context.Context, clientID string) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Auction
	for _, a := range s.auctions {
		if a.ClientID == clientID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListOverdueAuctions(_ context.Context, t time.Time) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Auction
	for _, a := range s.auctions {
		if a.State == model.AuctionOpen && a.WindowElapsed(t) {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (s *MemoryStore) OpenAuction(_ context.Context, id string, invitations []model.AuctionInvitation, openedAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if a.State != model.AuctionDraft {
		return fmt.Errorf("open auction %s in state %s: %w", id, a.State, ErrConflict)
	}
	a.State = model.AuctionOpen
	a.OpenedAt = &openedAt
	a.ExpiresAt = &expiresAt
	a.UpdatedAt = openedAt
	s.invitations[id] = append([]model.AuctionInvitation(nil), invitations...)
	return nil
}

func (s *MemoryStore) TransitionAuction(_ context.Context, id string, from []model.AuctionState, to model.AuctionState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if !containsAuctionState(from, a.State) {
		return fmt.Errorf("auction %s is %s, not %v: %w", id, a.State, from, ErrConflict)
	}
	a.State = to
	a.UpdatedAt = at
	if to.Terminal() {
		a.ClosedAt = &at
	}
	return nil
}

func (s *MemoryStore) CancelAuction(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if a.State != model.AuctionDraft && a.State != model.AuctionOpen {
		return fmt.Errorf("cancel auction %s in state %s: %w", id, a.State, ErrConflict)
	}
	if a.State == model.AuctionOpen && a.WindowElapsed(at) {
		return fmt.Errorf("cancel auction %s after its window: %w", id, ErrConflict)
	}
	if s.hasWinner(id) {
		return fmt.Errorf("cancel auction %s with a won offer: %w", id, ErrConflict)
	}
	a.State = model.AuctionCancelled
	a.UpdatedAt = at
	a.ClosedAt = &at
	return nil
}

func (s *MemoryStore) CloseAuction(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if a.State != model.AuctionOpen || a.WindowElapsed(at) {
		return fmt.Errorf("close auction %s in state %s: %w", id, a.EffectiveState(at), ErrConflict)
	}
	a.State = model.AuctionClosed
	a.UpdatedAt = at
	a.ClosedAt = &at
	return nil
}

func (s *MemoryStore) ListInvitations(_ context.Context, auctionID string) ([]model.AuctionInvitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.AuctionInvitation(nil), s.invitations[auctionID]...), nil
}

func (s *MemoryStore) IsInvited(_ context.Context, auctionID, bankUserID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invitations[auctionID] {
		if inv.BankUserID == bankUserID {
			return true, nil
		}
	}
	return false, nil
}

// --- Offers ---

func (s *MemoryStore) CreateOffer(_ context.Context, o *model.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.offers[o.ID]; ok {
		return fmt.Errorf("offer %s: %w", o.ID, ErrDuplicate)
	}
	copy := *o
	s.offers[o.ID] = &copy
	s.offerOrder[o.AuctionID] = append(s.offerOrder[o.AuctionID], o.ID)
	return nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id string) (*model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOffers(_ context.Context, auctionID string) ([]model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.offerOrder[auctionID]
	result := make([]model.Offer, 0, len(ids))
	for _, id := range ids {
		result = append(result, *s.offers[id])
	}
	return result, nil
}

func (s *MemoryStore) ApproveOffer(_ context.Context, id, approverID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if o.State != model.OfferSubmitted {
		return fmt.Errorf("approve offer %s in state %s: %w", id, o.State, ErrConflict)
	}
	o.State = model.OfferApproved
	o.AdminApproved = true
	o.ApproverID = approverID
	o.UpdatedAt = at
	return nil
}

func (s *MemoryStore) RejectOffer(_ context.Context, id, approverID string, reason model.RejectionReason, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if o.State != model.OfferSubmitted {
		return fmt.Errorf("reject offer %s in state %s: %w", id, o.State, ErrConflict)
	}
	o.State = model.OfferRejected
	o.ApproverID = approverID
	o.RejectionReason = reason
	o.UpdatedAt = at
	return nil
}

func (s *MemoryStore) MarkOfferWon(_ context.Context, auctionID, offerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %s: %w", auctionID, ErrNotFound)
	}
	o, ok := s.offers[offerID]
	if !ok || o.AuctionID != auctionID {
		return fmt.Errorf("offer %s on auction %s: %w", offerID, auctionID, ErrNotFound)
	}
	if a.State != model.AuctionOpen || a.WindowElapsed(at) || !o.State.Pending() {
		return fmt.Errorf("mark offer %s won: %w", offerID, ErrConflict)
	}
	if s.hasWinner(auctionID) {
		return fmt.Errorf("auction %s already has a winner: %w", auctionID, ErrConflict)
	}
	o.State = model.OfferWon
	o.UpdatedAt = at
	return nil
}

func (s *MemoryStore) RejectSiblingOffers(_ context.Context, auctionID, winnerID string, at time.Time) ([]model.OfferRevert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reverts []model.OfferRevert
	for _, id := range s.offerOrder[auctionID] {
		o := s.offers[id]
		if id == winnerID || !o.State.Pending() {
			continue
		}
		reverts = append(reverts, model.OfferRevert{OfferID: id, State: o.State})
		o.State = model.OfferRejected
		o.RejectionReason = model.RejectedLost
		o.UpdatedAt = at
	}
	return reverts, nil
}

func (s *MemoryStore) RestoreOffers(_ context.Context, reverts []model.OfferRevert, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range reverts {
		o, ok := s.offers[r.OfferID]
		if !ok {
			return fmt.Errorf("offer %s: %w", r.OfferID, ErrNotFound)
		}
		lost := o.State == model.OfferRejected && o.RejectionReason == model.RejectedLost
		if o.State != model.OfferWon && !lost {
			return fmt.Errorf("restore offer %s in state %s: %w", r.OfferID, o.State, ErrConflict)
		}
		o.State = r.State
		o.RejectionReason = ""
		o.UpdatedAt = at
	}
	return nil
}

// --- Commitments ---

func (s *MemoryStore) CreateCommitment(_ context.Context, c *model.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commitments[c.ID]; ok {
		return fmt.Errorf("commitment %s: %w", c.ID, ErrDuplicate)
	}
	if _, ok := s.opIDs[c.OpID]; ok {
		return fmt.Errorf("op id %s: %w", c.OpID, ErrDuplicate)
	}
	copy := *c
	s.commitments[c.ID] = &copy
	s.opIDs[c.OpID] = c.ID
	return nil
}

func (s *MemoryStore) GetCommitment(_ context.Context, id string) (*model.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commitments[id]
	if !ok {
		return nil, fmt.Errorf("commitment %s: %w", id, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) GetCommitmentByOpID(_ context.Context, opID string) (*model.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.opIDs[opID]
	if !ok {
		return nil, fmt.Errorf("op id %s: %w", opID, ErrNotFound)
	}
	copy := *s.commitments[id]
	return &copy, nil
}

func (s *MemoryStore) ListCommitmentsByClient(_ context.Context, clientID string) ([]model.Commitment, error) {
	return s.listCommitments(func(c *model.Commitment) bool { return c.ClientID == clientID }), nil
}

func (s *MemoryStore) ListCommitmentsByBank(_ context.Context, bankID string) ([]model.Commitment, error) {
	return s.listCommitments(func(c *model.Commitment) bool { return c.BankID == bankID }), nil
}

func (s *MemoryStore) listCommitments(match func(*model.Commitment) bool) []model.Commitment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Commitment
	for _, c := range s.commitments {
		if match(c) {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (s *MemoryStore) TransitionCommitment(_ context.Context, id string, from, to model.CommitmentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commitments[id]
	if !ok {
		return fmt.Errorf("commitment %s: %w", id, ErrNotFound)
	}
	if c.State != from {
		return fmt.Errorf("commitment %s is %s, not %s: %w", id, c.State, from, ErrConflict)
	}
	c.State = to
	return nil
}

// hasWinner reports whether any offer of the auction has won. Callers hold mu.
func (s *MemoryStore) hasWinner(auctionID string) bool {
	for _, id := range s.offerOrder[auctionID] {
		if s.offers[id].State == model.OfferWon {
			return true
		}
	}
	return false
}

func containsAuctionState(states []model.AuctionState, s model.AuctionState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
