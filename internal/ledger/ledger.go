// Package ledger implements the client-bank limit ledger: how much credit a
// client holds with each bank, how much of it active commitments consume,
// and the single conditional increment that spends it.
//
// Eligibility answers are advisory. Capacity is reserved only by Spend, at
// adjudication time, so headroom can change between invitation and award.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/store"
)

var (
	// ErrInsufficientHeadroom is returned when an amount does not fit in the
	// pair's remaining headroom, or the limit is inactive or missing.
	ErrInsufficientHeadroom = errors.New("ledger: insufficient headroom")

	// ErrCeilingBelowConsumed is returned when a new ceiling would leave the
	// limit already oversold.
	ErrCeilingBelowConsumed = errors.New("ledger: ceiling below consumed amount")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Ledger reads and spends client-bank limits. It holds no state of its own;
// every operation goes to the store.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// New creates a ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// WithStore returns a ledger bound to another store (e.g. a transaction).
func (l *Ledger) WithStore(st store.Store) *Ledger {
	return &Ledger{store: st, now: l.now}
}

// CheckHeadroom validates whether amount fits in limit without mutating it.
// A nil limit behaves like an inactive one.
func CheckHeadroom(limit *model.ClientBankLimit, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if limit == nil || !limit.Active {
		return ErrInsufficientHeadroom
	}
	if limit.Consumed.Add(amount).GreaterThan(limit.Ceiling) {
		return ErrInsufficientHeadroom
	}
	return nil
}

// Headroom returns ceiling - consumed for an active limit and zero when the
// limit is inactive or does not exist.
func (l *Ledger) Headroom(ctx context.Context, clientID, bankID string) (decimal.Decimal, error) {
	limit, err := l.store.GetLimit(ctx, clientID, bankID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("headroom %s/%s: %w", clientID, bankID, err)
	}
	return limit.Headroom(), nil
}

// EligibleBanks returns every bank whose active limit with the client has at
// least amount of headroom. It does not reserve anything.
func (l *Ledger) EligibleBanks(ctx context.Context, clientID string, amount decimal.Decimal) ([]string, error) {
	limits, err := l.store.ListLimitsByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("eligible banks for %s: %w", clientID, err)
	}

	banks := []string{}
	for i := range limits {
		if CheckHeadroom(&limits[i], amount) == nil {
			banks = append(banks, limits[i].BankID)
		}
	}
	return banks, nil
}

// Spend consumes amount of the pair's headroom in one conditional update.
// On ErrInsufficientHeadroom nothing was changed.
func (l *Ledger) Spend(ctx context.Context, clientID, bankID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	err := l.store.SpendLimit(ctx, clientID, bankID, amount)
	if errors.Is(err, store.ErrInsufficientHeadroom) {
		return fmt.Errorf("spend %s on %s/%s: %w", amount, clientID, bankID, ErrInsufficientHeadroom)
	}
	if err != nil {
		return fmt.Errorf("spend %s on %s/%s: %w", amount, clientID, bankID, err)
	}
	return nil
}

// Release gives amount back to the pair. Used when an adjudication that
// already spent has to be compensated.
func (l *Ledger) Release(ctx context.Context, clientID, bankID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := l.store.ReleaseLimit(ctx, clientID, bankID, amount); err != nil {
		return fmt.Errorf("release %s on %s/%s: %w", amount, clientID, bankID, err)
	}
	return nil
}

// SetLimit creates a limit or changes an existing limit's ceiling and
// reactivates it. A ceiling below the amount already consumed is rejected.
func (l *Ledger) SetLimit(ctx context.Context, clientID, bankID string, ceiling decimal.Decimal) (*model.ClientBankLimit, error) {
	if clientID == "" || bankID == "" || ceiling.IsNegative() {
		return nil, model.ErrInvalidParameters
	}

	now := l.now()
	limit := &model.ClientBankLimit{
		ClientID:  clientID,
		BankID:    bankID,
		Ceiling:   ceiling,
		Consumed:  decimal.Zero,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The store refuses the update when consumed exceeds the new ceiling, in
	// the same write, and fills in the stored consumed and created_at.
	if err := l.store.UpsertLimit(ctx, limit); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("set limit %s/%s to %s: %w", clientID, bankID, ceiling, ErrCeilingBelowConsumed)
		}
		return nil, fmt.Errorf("set limit %s/%s: %w", clientID, bankID, err)
	}

	slog.Info("limit set",
		"client", clientID,
		"bank", bankID,
		"ceiling", ceiling.String(),
		"consumed", limit.Consumed.String(),
	)
	return limit, nil
}

// Deactivate switches a limit off. Limits are never deleted.
func (l *Ledger) Deactivate(ctx context.Context, clientID, bankID string) error {
	if err := l.store.DeactivateLimit(ctx, clientID, bankID, l.now()); err != nil {
		return fmt.Errorf("deactivate %s/%s: %w", clientID, bankID, err)
	}
	slog.Info("limit deactivated", "client", clientID, "bank", bankID)
	return nil
}

// Limits returns all limits held by a client.
func (l *Ledger) Limits(ctx context.Context, clientID string) ([]model.ClientBankLimit, error) {
	limits, err := l.store.ListLimitsByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if limits == nil {
		limits = []model.ClientBankLimit{}
	}
	return limits, nil
}
