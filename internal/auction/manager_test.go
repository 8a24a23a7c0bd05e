package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/ledger"
	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixture struct {
	mgr   *Manager
	store *store.MemoryStore
	clock time.Time
}

func (f *fixture) advance(dur time.Duration) { f.clock = f.clock.Add(dur) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	f := &fixture{store: ms, clock: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	f.mgr = NewManager(ms, l, nil, 0)
	f.mgr.SetClock(func() time.Time { return f.clock })

	ctx := context.Background()
	if _, err := l.SetLimit(ctx, "client", "bank-a", d(50_000_000)); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	l.SetLimit(ctx, "client", "bank-b", d(1_000_000))
	for _, u := range []model.BankUser{
		{ID: "a-desk", BankID: "bank-a", Role: model.RoleDesk, Active: true},
		{ID: "a-admin", BankID: "bank-a", Role: model.RoleAdmin, Active: true},
		{ID: "a-gone", BankID: "bank-a", Role: model.RoleDesk, Active: false},
		{ID: "b-desk", BankID: "bank-b", Role: model.RoleDesk, Active: true},
	} {
		ms.UpsertBankUser(ctx, &u)
	}
	return f
}

func openReq(amount float64, banks ...string) OpenRequest {
	return OpenRequest{
		CreateRequest: CreateRequest{
			ClientID:             "client",
			Kind:                 model.KindSealed,
			Currency:             "USD",
			Amount:               d(amount),
			TermDays:             30,
			BiddingWindowMinutes: 60,
		},
		BankIDs: banks,
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	bad := decimal.NewFromInt(101)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"zero amount", func(r *CreateRequest) { r.Amount = decimal.Zero }},
		{"zero term", func(r *CreateRequest) { r.TermDays = 0 }},
		{"short window", func(r *CreateRequest) { r.BiddingWindowMinutes = 4 }},
		{"unknown kind", func(r *CreateRequest) { r.Kind = "english" }},
		{"no currency", func(r *CreateRequest) { r.Currency = "" }},
		{"target rate above 100", func(r *CreateRequest) { r.TargetRate = &bad }},
	}
	for _, tt := range tests {
		req := openReq(1000).CreateRequest
		tt.mutate(&req)
		if _, err := f.mgr.Create(context.Background(), req); !errors.Is(err, model.ErrInvalidParameters) {
			t.Errorf("%s: expected ErrInvalidParameters, got %v", tt.name, err)
		}
	}
}

func TestCreate_ConfiguredMinimumWindow(t *testing.T) {
	ms := store.NewMemoryStore()
	mgr := NewManager(ms, ledger.New(ms), nil, 15)

	req := openReq(1000).CreateRequest
	req.BiddingWindowMinutes = 10
	if _, err := mgr.Create(context.Background(), req); !errors.Is(err, model.ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters below configured minimum, got %v", err)
	}
}

func TestOpenAuction_InvitesAllActiveUsersOfEligibleBanks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// bank-b lacks headroom for 10M, bank-z has no limit at all.
	a, err := f.mgr.OpenAuction(ctx, openReq(10_000_000, "bank-a", "bank-b", "bank-z"))
	if err != nil {
		t.Fatalf("open auction: %v", err)
	}
	if a.State != model.AuctionOpen {
		t.Errorf("expected open, got %s", a.State)
	}
	wantExpiry := f.clock.Add(60 * time.Minute)
	if a.ExpiresAt == nil || !a.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected expiry %s, got %v", wantExpiry, a.ExpiresAt)
	}

	invs, _ := f.mgr.Invitations(ctx, a.ID)
	got := map[string]bool{}
	for _, inv := range invs {
		got[inv.BankUserID] = true
	}
	if len(invs) != 2 || !got["a-desk"] || !got["a-admin"] {
		t.Errorf("expected a-desk and a-admin invited, got %v", invs)
	}
}

func TestOpenAuction_NoEligibleCounterpartiesStaysDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.mgr.OpenAuction(ctx, openReq(10_000_000, "bank-b"))
	if !errors.Is(err, model.ErrNoEligibleCounterparties) {
		t.Fatalf("expected ErrNoEligibleCounterparties, got %v", err)
	}
	stored, _ := f.mgr.Get(ctx, a.ID)
	if stored.State != model.AuctionDraft {
		t.Errorf("auction should stay draft, got %s", stored.State)
	}
}

func TestOpen_OnlyOwnerAndOnlyFromDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.mgr.Create(ctx, openReq(1000).CreateRequest)

	if _, err := f.mgr.Open(ctx, a.ID, "intruder", []string{"bank-a"}); !errors.Is(err, model.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if _, err := f.mgr.Open(ctx, a.ID, "client", []string{"bank-a"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.mgr.Open(ctx, a.ID, "client", []string{"bank-a"}); !errors.Is(err, model.ErrAuctionNotAcceptingOffers) {
		t.Errorf("re-opening should fail, got %v", err)
	}
}

func TestGet_LazyExpiryReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.mgr.OpenAuction(ctx, openReq(1000, "bank-a"))

	f.advance(59 * time.Minute)
	got, _ := f.mgr.Get(ctx, a.ID)
	if got.State != model.AuctionOpen {
		t.Fatalf("expected open inside window, got %s", got.State)
	}

	f.advance(time.Minute)
	got, err := f.mgr.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.AuctionExpired {
		t.Errorf("expected expired at window end, got %s", got.State)
	}
	stored, _ := f.store.GetAuction(ctx, a.ID)
	if stored.State != model.AuctionExpired {
		t.Errorf("stored state should be reconciled, got %s", stored.State)
	}
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.Get(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.mgr.OpenAuction(ctx, openReq(1000, "bank-a"))

	if _, err := f.mgr.Cancel(ctx, a.ID, "intruder"); !errors.Is(err, model.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	got, err := f.mgr.Cancel(ctx, a.ID, "client")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != model.AuctionCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.mgr.Cancel(ctx, a.ID, "client"); !errors.Is(err, model.ErrAuctionAlreadyClosed) {
			t.Errorf("attempt %d: expected ErrAuctionAlreadyClosed, got %v", i, err)
		}
	}
}

func TestCancel_DraftAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.mgr.Create(ctx, openReq(1000).CreateRequest)

	got, err := f.mgr.Cancel(ctx, a.ID, "client")
	if err != nil {
		t.Fatalf("cancel draft: %v", err)
	}
	if got.State != model.AuctionCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}
}

func TestCancel_ExpiredIsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.mgr.OpenAuction(ctx, openReq(1000, "bank-a"))
	f.advance(2 * time.Hour)

	if _, err := f.mgr.Cancel(ctx, a.ID, "client"); !errors.Is(err, model.ErrAuctionAlreadyClosed) {
		t.Errorf("expected ErrAuctionAlreadyClosed, got %v", err)
	}
	stored, _ := f.store.GetAuction(ctx, a.ID)
	if stored.State != model.AuctionExpired {
		t.Errorf("expected expired, got %s", stored.State)
	}
}

func TestCancel_RefusedOnceAnOfferWon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.mgr.OpenAuction(ctx, openReq(1000, "bank-a"))

	o := &model.Offer{ID: "offer-1", AuctionID: a.ID, BankID: "bank-a", Rate: d(5),
		State: model.OfferSubmitted, CreatedAt: f.clock}
	if err := f.store.CreateOffer(ctx, o); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	// The winner is recorded but the auction has not been closed yet, as
	// inside an adjudication between its award and close steps.
	if err := f.store.MarkOfferWon(ctx, a.ID, o.ID, f.clock); err != nil {
		t.Fatalf("mark won: %v", err)
	}

	if _, err := f.mgr.Cancel(ctx, a.ID, "client"); !errors.Is(err, model.ErrAuctionAlreadyClosed) {
		t.Fatalf("expected ErrAuctionAlreadyClosed, got %v", err)
	}
	stored, _ := f.store.GetAuction(ctx, a.ID)
	if stored.State != model.AuctionOpen {
		t.Errorf("auction must stay open for the adjudication to close it, got %s", stored.State)
	}
}

func TestSweep_ExpiresOnlyOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	short, _ := f.mgr.OpenAuction(ctx, openReq(1000, "bank-a"))
	longReq := openReq(1000, "bank-a")
	longReq.BiddingWindowMinutes = 240
	long, _ := f.mgr.OpenAuction(ctx, longReq)

	f.advance(2 * time.Hour)
	n, err := f.mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}

	s, _ := f.store.GetAuction(ctx, short.ID)
	l, _ := f.store.GetAuction(ctx, long.ID)
	if s.State != model.AuctionExpired || l.State != model.AuctionOpen {
		t.Errorf("expected short=expired long=open, got %s/%s", s.State, l.State)
	}

	if n, _ := f.mgr.Sweep(ctx); n != 0 {
		t.Errorf("second sweep should be a no-op, got %d", n)
	}
}
