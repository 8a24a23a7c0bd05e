package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/model"
)

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Conditional writes are UPDATE ... WHERE <guard> with a rows-affected check.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// WithinTx runs fn inside a single transaction. Nested calls reuse the
// outer transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{db: tx})
	})
}

// Migrate creates the engine's tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Limit ledger ---

// UpsertLimit guards the ceiling against consumed inside the upsert itself,
// so a concurrent SpendLimit cannot slip between a check and the write.
func (s *PostgresStore) UpsertLimit(ctx context.Context, l *model.ClientBankLimit) error {
	var consumed string
	err := s.db.QueryRow(ctx,
		`INSERT INTO client_bank_limits (client_id, bank_id, ceiling, consumed, active, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)
		 ON CONFLICT (client_id, bank_id) DO UPDATE SET
		     ceiling = excluded.ceiling,
		     active = excluded.active,
		     updated_at = excluded.updated_at
		 WHERE client_bank_limits.consumed <= excluded.ceiling
		 RETURNING consumed::TEXT, created_at`,
		l.ClientID, l.BankID, l.Ceiling.String(), l.Consumed.String(), l.Active, l.CreatedAt, l.UpdatedAt,
	).Scan(&consumed, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("limit %s/%s ceiling %s below consumed: %w", l.ClientID, l.BankID, l.Ceiling, ErrConflict)
	}
	if err != nil {
		return checkViolation(err, "limit %s/%s", l.ClientID, l.BankID)
	}
	l.Consumed, _ = decimal.NewFromString(consumed)
	return nil
}

func (s *PostgresStore) DeactivateLimit(ctx context.Context, clientID, bankID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE client_bank_limits SET active = FALSE, updated_at = $3
		 WHERE client_id = $1 AND bank_id = $2`, clientID, bankID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("limit %s/%s: %w", clientID, bankID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetLimit(ctx context.Context, clientID, bankID string) (*model.ClientBankLimit, error) {
	var l model.ClientBankLimit
	var ceiling, consumed string

	err := s.db.QueryRow(ctx,
		`SELECT client_id, bank_id, ceiling::TEXT, consumed::TEXT, active, created_at, updated_at
		 FROM client_bank_limits WHERE client_id = $1 AND bank_id = $2`, clientID, bankID).
		Scan(&l.ClientID, &l.BankID, &ceiling, &consumed, &l.Active, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "limit %s/%s", clientID, bankID)
	}
	l.Ceiling, _ = decimal.NewFromString(ceiling)
	l.Consumed, _ = decimal.NewFromString(consumed)
	return &l, nil
}

func (s *PostgresStore) ListLimitsByClient(ctx context.Context, clientID string) ([]model.ClientBankLimit, error) {
	rows, err := s.db.Query(ctx,
		`SELECT client_id, bank_id, ceiling::TEXT, consumed::TEXT, active, created_at, updated_at
		 FROM client_bank_limits WHERE client_id = $1 ORDER BY bank_id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var limits []model.ClientBankLimit
	for rows.Next() {
		var l model.ClientBankLimit
		var ceiling, consumed string
		if err := rows.Scan(&l.ClientID, &l.BankID, &ceiling, &consumed, &l.Active, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Ceiling, _ = decimal.NewFromString(ceiling)
		l.Consumed, _ = decimal.NewFromString(consumed)
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

func (s *PostgresStore) SpendLimit(ctx context.Context, clientID, bankID string, amount decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE client_bank_limits
		 SET consumed = consumed + $3::NUMERIC, updated_at = now()
		 WHERE client_id = $1 AND bank_id = $2 AND active
		   AND consumed + $3::NUMERIC <= ceiling`,
		clientID, bankID, amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientHeadroom
	}
	return nil
}

func (s *PostgresStore) ReleaseLimit(ctx context.Context, clientID, bankID string, amount decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE client_bank_limits
		 SET consumed = consumed - $3::NUMERIC, updated_at = now()
		 WHERE client_id = $1 AND bank_id = $2 AND consumed >= $3::NUMERIC`,
		clientID, bankID, amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %s from %s/%s: %w", amount, clientID, bankID, ErrConflict)
	}
	return nil
}

// --- Bank user directory ---

func (s *PostgresStore) UpsertBankUser(ctx context.Context, u *model.BankUser) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO bank_users (id, bank_id, role, active) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET bank_id = excluded.bank_id, role = excluded.role, active = excluded.active`,
		u.ID, u.BankID, string(u.Role), u.Active,
	)
	return err
}

func (s *PostgresStore) GetBankUser(ctx context.Context, id string) (*model.BankUser, error) {
	var u model.BankUser
	var role string
	err := s.db.QueryRow(ctx,
		`SELECT id, bank_id, role, active FROM bank_users WHERE id = $1`, id).
		Scan(&u.ID, &u.BankID, &role, &u.Active)
	if err != nil {
		return nil, notFound(err, "bank user %s", id)
	}
	u.Role = model.BankRole(role)
	return &u, nil
}

func (s *PostgresStore) ListBankUsers(ctx context.Context, bankID string) ([]model.BankUser, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, bank_id, role, active FROM bank_users WHERE bank_id = $1 AND active ORDER BY id`, bankID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.BankUser
	for rows.Next() {
		var u model.BankUser
		var role string
		if err := rows.Scan(&u.ID, &u.BankID, &role, &u.Active); err != nil {
			return nil, err
		}
		u.Role = model.BankRole(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Auctions ---

const auctionColumns = `id, client_id, kind, currency, amount::TEXT, term_days, bidding_window_minutes,
	target_rate::TEXT, state, created_at, opened_at, expires_at, closed_at, updated_at`

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	var target *string
	if a.TargetRate != nil {
		t := a.TargetRate.String()
		target = &t
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO auctions (id, client_id, kind, currency, amount, term_days, bidding_window_minutes,
		                       target_rate, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9, $10, $11)`,
		a.ID, a.ClientID, string(a.Kind), a.Currency, a.Amount.String(), a.TermDays, a.BiddingWindowMinutes,
		target, string(a.State), a.CreatedAt, a.UpdatedAt,
	)
	return duplicate(err, "auction %s", a.ID)
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	a, err := scanAuction(s.db.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "auction %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAuctionsByClient(ctx context.Context, clientID string) ([]model.Auction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE client_id = $1 ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuctions(rows)
}

func (s *PostgresStore) ListOverdueAuctions(ctx context.Context, t time.Time) ([]model.Auction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE state = 'open' AND expires_at <= $1`, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuctions(rows)
}

func (s *PostgresStore) OpenAuction(ctx context.Context, id string, invitations []model.AuctionInvitation, openedAt, expiresAt time.Time) error {
	return s.WithinTx(ctx, func(txs Store) error {
		tx := txs.(*PostgresStore)
		tag, err := tx.db.Exec(ctx,
			`UPDATE auctions SET state = 'open', opened_at = $2, expires_at = $3, updated_at = $2
			 WHERE id = $1 AND state = 'draft'`, id, openedAt, expiresAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("open auction %s: %w", id, ErrConflict)
		}
		for _, inv := range invitations {
			if _, err := tx.db.Exec(ctx,
				`INSERT INTO auction_invitations (auction_id, bank_user_id, bank_id, created_at)
				 VALUES ($1, $2, $3, $4)`,
				inv.AuctionID, inv.BankUserID, inv.BankID, inv.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) TransitionAuction(ctx context.Context, id string, from []model.AuctionState, to model.AuctionState, at time.Time) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	var closedAt *time.Time
	if to.Terminal() {
		closedAt = &at
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE auctions SET state = $3, updated_at = $4, closed_at = COALESCE($5::TIMESTAMPTZ, closed_at)
		 WHERE id = $1 AND state = ANY($2)`,
		id, states, string(to), at, closedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auction %s not in %v: %w", id, from, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) CancelAuction(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE auctions SET state = 'cancelled', updated_at = $2, closed_at = $2
		 WHERE id = $1
		   AND (state = 'draft' OR (state = 'open' AND expires_at > $2))
		   AND NOT EXISTS (SELECT 1 FROM offers WHERE auction_id = $1 AND state = 'won')`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.guardFailed(ctx, id, "cancel")
	}
	return nil
}

func (s *PostgresStore) CloseAuction(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE auctions SET state = 'closed', updated_at = $2, closed_at = $2
		 WHERE id = $1 AND state = 'open' AND expires_at > $2`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.guardFailed(ctx, id, "close")
	}
	return nil
}

// guardFailed tells a missing auction apart from one whose guard did not hold.
func (s *PostgresStore) guardFailed(ctx context.Context, id, op string) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("%s auction %s: %w", op, id, ErrConflict)
}

func (s *PostgresStore) ListInvitations(ctx context.Context, auctionID string) ([]model.AuctionInvitation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT auction_id, bank_user_id, bank_id, created_at FROM auction_invitations
		 WHERE auction_id = $1 ORDER BY bank_id, bank_user_id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invitations []model.AuctionInvitation
	for rows.Next() {
		var inv model.AuctionInvitation
		if err := rows.Scan(&inv.AuctionID, &inv.BankUserID, &inv.BankID, &inv.CreatedAt); err != nil {
			return nil, err
		}
		invitations = append(invitations, inv)
	}
	return invitations, rows.Err()
}

func (s *PostgresStore) IsInvited(ctx context.Context, auctionID, bankUserID string) (bool, error) {
	var invited bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM auction_invitations WHERE auction_id = $1 AND bank_user_id = $2)`,
		auctionID, bankUserID).Scan(&invited)
	return invited, err
}

// --- Offers ---

const offerColumns = `id, auction_id, bank_id, submitting_user_id, rate::TEXT, state, admin_approved,
	COALESCE(approver_id, ''), COALESCE(rejection_reason, ''), created_at, updated_at`

func (s *PostgresStore) CreateOffer(ctx context.Context, o *model.Offer) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO offers (id, auction_id, bank_id, submitting_user_id, rate, state, admin_approved,
		                     approver_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, NULLIF($8, ''), $9, $10)`,
		o.ID, o.AuctionID, o.BankID, o.SubmittingUserID, o.Rate.String(), string(o.State), o.AdminApproved,
		o.ApproverID, o.CreatedAt, o.UpdatedAt,
	)
	return duplicate(err, "offer %s", o.ID)
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	o, err := scanOffer(s.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "offer %s", id)
	}
	return o, nil
}

func (s *PostgresStore) ListOffers(ctx context.Context, auctionID string) ([]model.Offer, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE auction_id = $1 ORDER BY created_at, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func (s *PostgresStore) ApproveOffer(ctx context.Context, id, approverID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE offers SET state = 'approved', admin_approved = TRUE, approver_id = $2, updated_at = $3
		 WHERE id = $1 AND state = 'submitted'`, id, approverID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approve offer %s: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) RejectOffer(ctx context.Context, id, approverID string, reason model.RejectionReason, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE offers SET state = 'rejected', approver_id = $2, rejection_reason = $3, updated_at = $4
		 WHERE id = $1 AND state = 'submitted'`, id, approverID, string(reason), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reject offer %s: %w", id, ErrConflict)
	}
	return nil
}

// MarkOfferWon locks the auction row first so that concurrent adjudications
// of the same auction serialize inside their transactions. Without a
// transaction the lock is released at once and idx_offers_one_winner is the
// last guard; its violation is reported as a conflict.
func (s *PostgresStore) MarkOfferWon(ctx context.Context, auctionID, offerID string, at time.Time) error {
	var state string
	var expiresAt *time.Time
	err := s.db.QueryRow(ctx, `SELECT state, expires_at FROM auctions WHERE id = $1 FOR UPDATE`, auctionID).
		Scan(&state, &expiresAt)
	if err != nil {
		return notFound(err, "auction %s", auctionID)
	}
	if model.AuctionState(state) != model.AuctionOpen {
		return fmt.Errorf("auction %s is %s: %w", auctionID, state, ErrConflict)
	}
	if expiresAt != nil && !at.Before(*expiresAt) {
		return fmt.Errorf("auction %s window ended at %s: %w", auctionID, expiresAt.Format(time.RFC3339), ErrConflict)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE offers SET state = 'won', updated_at = $3
		 WHERE id = $2 AND auction_id = $1 AND state IN ('submitted', 'approved')
		   AND NOT EXISTS (SELECT 1 FROM offers WHERE auction_id = $1 AND state = 'won')`,
		auctionID, offerID, at)
	if err != nil {
		return checkViolation(err, "mark offer %s won", offerID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark offer %s won: %w", offerID, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) RejectSiblingOffers(ctx context.Context, auctionID, winnerID string, at time.Time) ([]model.OfferRevert, error) {
	rows, err := s.db.Query(ctx,
		`WITH prior AS (
		     SELECT id, state FROM offers
		     WHERE auction_id = $1 AND id <> $2 AND state IN ('submitted', 'approved')
		     FOR UPDATE
		 )
		 UPDATE offers o SET state = 'rejected', rejection_reason = 'lost', updated_at = $3
		 FROM prior WHERE o.id = prior.id
		 RETURNING o.id, prior.state`, auctionID, winnerID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reverts []model.OfferRevert
	for rows.Next() {
		var r model.OfferRevert
		var state string
		if err := rows.Scan(&r.OfferID, &state); err != nil {
			return nil, err
		}
		r.State = model.OfferState(state)
		reverts = append(reverts, r)
	}
	return reverts, rows.Err()
}

func (s *PostgresStore) RestoreOffers(ctx context.Context, reverts []model.OfferRevert, at time.Time) error {
	for _, r := range reverts {
		tag, err := s.db.Exec(ctx,
			`UPDATE offers SET state = $2, rejection_reason = NULL, updated_at = $3
			 WHERE id = $1 AND (state = 'won' OR (state = 'rejected' AND rejection_reason = 'lost'))`,
			r.OfferID, string(r.State), at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("restore offer %s: %w", r.OfferID, ErrConflict)
		}
	}
	return nil
}

// --- Commitments ---

const commitmentColumns = `id, op_id, client_id, bank_id, COALESCE(auction_id, ''), COALESCE(offer_id, ''),
	amount::TEXT, currency, rate::TEXT, term_days, start_date, maturity_date, state, created_at`

// CreateCommitment skips the row on a key clash instead of raising, so an op
// id collision inside a transaction leaves the transaction usable for the
// retry.
func (s *PostgresStore) CreateCommitment(ctx context.Context, c *model.Commitment) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO commitments (id, op_id, client_id, bank_id, auction_id, offer_id, amount, currency,
		                          rate, term_days, start_date, maturity_date, state, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7::NUMERIC, $8, $9::NUMERIC, $10, $11, $12, $13, $14)
		 ON CONFLICT DO NOTHING`,
		c.ID, c.OpID, c.ClientID, c.BankID, c.AuctionID, c.OfferID, c.Amount.String(), c.Currency,
		c.Rate.String(), c.TermDays, c.StartDate, c.MaturityDate, string(c.State), c.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commitment %s (%s): %w", c.ID, c.OpID, ErrDuplicate)
	}
	return nil
}

func (s *PostgresStore) GetCommitment(ctx context.Context, id string) (*model.Commitment, error) {
	c, err := scanCommitment(s.db.QueryRow(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "commitment %s", id)
	}
	return c, nil
}

func (s *PostgresStore) GetCommitmentByOpID(ctx context.Context, opID string) (*model.Commitment, error) {
	c, err := scanCommitment(s.db.QueryRow(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE op_id = $1`, opID))
	if err != nil {
		return nil, notFound(err, "op id %s", opID)
	}
	return c, nil
}

func (s *PostgresStore) ListCommitmentsByClient(ctx context.Context, clientID string) ([]model.Commitment, error) {
	return s.listCommitments(ctx, `client_id = $1`, clientID)
}

func (s *PostgresStore) ListCommitmentsByBank(ctx context.Context, bankID string) ([]model.Commitment, error) {
	return s.listCommitments(ctx, `bank_id = $1`, bankID)
}

func (s *PostgresStore) listCommitments(ctx context.Context, where string, arg string) ([]model.Commitment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commitments []model.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		commitments = append(commitments, *c)
	}
	return commitments, rows.Err()
}

func (s *PostgresStore) TransitionCommitment(ctx context.Context, id string, from, to model.CommitmentState) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE commitments SET state = $3 WHERE id = $1 AND state = $2`, id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commitment %s not %s: %w", id, from, ErrConflict)
	}
	return nil
}

// --- Scanning helpers ---

func scanAuction(row pgx.Row) (*model.Auction, error) {
	var a model.Auction
	var kind, amount, state string
	var target *string
	if err := row.Scan(&a.ID, &a.ClientID, &kind, &a.Currency, &amount, &a.TermDays, &a.BiddingWindowMinutes,
		&target, &state, &a.CreatedAt, &a.OpenedAt, &a.ExpiresAt, &a.ClosedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Kind = model.AuctionKind(kind)
	a.State = model.AuctionState(state)
	a.Amount, _ = decimal.NewFromString(amount)
	if target != nil {
		t, _ := decimal.NewFromString(*target)
		a.TargetRate = &t
	}
	return &a, nil
}

func scanAuctions(rows pgx.Rows) ([]model.Auction, error) {
	var auctions []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func scanOffer(row pgx.Row) (*model.Offer, error) {
	var o model.Offer
	var rate, state, reason string
	if err := row.Scan(&o.ID, &o.AuctionID, &o.BankID, &o.SubmittingUserID, &rate, &state, &o.AdminApproved,
		&o.ApproverID, &reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Rate, _ = decimal.NewFromString(rate)
	o.State = model.OfferState(state)
	o.RejectionReason = model.RejectionReason(reason)
	return &o, nil
}

func scanCommitment(row pgx.Row) (*model.Commitment, error) {
	var c model.Commitment
	var amount, rate, state string
	if err := row.Scan(&c.ID, &c.OpID, &c.ClientID, &c.BankID, &c.AuctionID, &c.OfferID, &amount, &c.Currency,
		&rate, &c.TermDays, &c.StartDate, &c.MaturityDate, &state, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Amount, _ = decimal.NewFromString(amount)
	c.Rate, _ = decimal.NewFromString(rate)
	c.State = model.CommitmentState(state)
	return &c, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// duplicate maps unique_violation (SQLSTATE 23505) to ErrDuplicate.
func duplicate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf(format+": %w", append(args, ErrDuplicate)...)
	}
	return err
}

// checkViolation maps unique (23505) and check (23514) violations to
// ErrConflict: a constraint refused a write that a guard should have.
func checkViolation(err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23514") {
		return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

const schema = `
CREATE TABLE IF NOT EXISTS client_bank_limits (
    client_id  TEXT NOT NULL,
    bank_id    TEXT NOT NULL,
    ceiling    NUMERIC NOT NULL CHECK (ceiling >= 0),
    consumed   NUMERIC NOT NULL DEFAULT 0 CHECK (consumed >= 0),
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (client_id, bank_id),
    CHECK (consumed <= ceiling)
);

CREATE TABLE IF NOT EXISTS bank_users (
    id      TEXT PRIMARY KEY,
    bank_id TEXT NOT NULL,
    role    TEXT NOT NULL CHECK (role IN ('desk', 'admin')),
    active  BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_bank_users_bank ON bank_users (bank_id);

CREATE TABLE IF NOT EXISTS auctions (
    id                     TEXT PRIMARY KEY,
    client_id              TEXT NOT NULL,
    kind                   TEXT NOT NULL,
    currency               TEXT NOT NULL,
    amount                 NUMERIC NOT NULL CHECK (amount > 0),
    term_days              INTEGER NOT NULL CHECK (term_days >= 1),
    bidding_window_minutes INTEGER NOT NULL,
    target_rate            NUMERIC,
    state                  TEXT NOT NULL,
    created_at             TIMESTAMPTZ NOT NULL,
    opened_at              TIMESTAMPTZ,
    expires_at             TIMESTAMPTZ,
    closed_at              TIMESTAMPTZ,
    updated_at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auctions_client ON auctions (client_id);
CREATE INDEX IF NOT EXISTS idx_auctions_open_expiry ON auctions (expires_at) WHERE state = 'open';

CREATE TABLE IF NOT EXISTS auction_invitations (
    auction_id   TEXT NOT NULL REFERENCES auctions (id),
    bank_user_id TEXT NOT NULL,
    bank_id      TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (auction_id, bank_user_id)
);

CREATE TABLE IF NOT EXISTS offers (
    id                 TEXT PRIMARY KEY,
    auction_id         TEXT NOT NULL REFERENCES auctions (id),
    bank_id            TEXT NOT NULL,
    submitting_user_id TEXT NOT NULL,
    rate               NUMERIC NOT NULL,
    state              TEXT NOT NULL,
    admin_approved     BOOLEAN NOT NULL DEFAULT FALSE,
    approver_id        TEXT,
    rejection_reason   TEXT,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offers_auction ON offers (auction_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_one_winner ON offers (auction_id) WHERE state = 'won';

CREATE TABLE IF NOT EXISTS commitments (
    id            TEXT PRIMARY KEY,
    op_id         TEXT NOT NULL UNIQUE,
    client_id     TEXT NOT NULL,
    bank_id       TEXT NOT NULL,
    auction_id    TEXT REFERENCES auctions (id),
    offer_id      TEXT REFERENCES offers (id),
    amount        NUMERIC NOT NULL,
    currency      TEXT NOT NULL,
    rate          NUMERIC NOT NULL,
    term_days     INTEGER NOT NULL,
    start_date    DATE NOT NULL,
    maturity_date DATE NOT NULL,
    state         TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commitments_client ON commitments (client_id);
CREATE INDEX IF NOT EXISTS idx_commitments_bank ON commitments (bank_id);
`
