package commitment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fixedRegistry(st store.Store, at time.Time) *Registry {
	r := NewRegistry(st)
	r.now = func() time.Time { return at }
	return r
}

func TestMaturity(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		days int
		want time.Time
	}{
		{30, time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)},
		{45, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{120, time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)},
		{365, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := Maturity(start, tt.days); !got.Equal(tt.want) {
			t.Errorf("term %d: expected %s, got %s", tt.days, tt.want.Format("2006-01-02"), got.Format("2006-01-02"))
		}
	}
}

func TestMaturity_LeapYear(t *testing.T) {
	start := time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2028, 12, 31, 0, 0, 0, 0, time.UTC)
	if got := Maturity(start, 365); !got.Equal(want) {
		t.Errorf("expected %s, got %s", want.Format("2006-01-02"), got.Format("2006-01-02"))
	}
}

func TestStartDate_TruncatesToUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	got := StartDate(time.Date(2026, 10, 16, 22, 30, 0, 0, loc))
	want := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestParseOpID_Valid(t *testing.T) {
	op, err := ParseOpID("OP-20261016-3FA9C01B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op.Suffix != "3FA9C01B" {
		t.Errorf("expected suffix=3FA9C01B, got %s", op.Suffix)
	}
	expected := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	if !op.Date.Equal(expected) {
		t.Errorf("expected date=%v, got %v", expected, op.Date)
	}
}

func TestParseOpID_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"OP-20261016",
		"OP-20261016-3fa9c01b", // lower-case suffix
		"OP-20261016-3FA9C01",  // short suffix
		"OP-2026101-3FA9C01B",  // short date
		"OP-20261341-3FA9C01B", // bad month
		"XX-20261016-3FA9C01B", // wrong prefix
	}
	for _, s := range tests {
		if _, err := ParseOpID(s); !errors.Is(err, ErrInvalidOpID) {
			t.Errorf("expected ErrInvalidOpID for %q, got %v", s, err)
		}
	}
}

func TestNewOpID_RoundTrips(t *testing.T) {
	date := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	id := NewOpID(date)
	if !strings.HasPrefix(id, "OP-20261016-") {
		t.Fatalf("unexpected op id %s", id)
	}
	if _, err := ParseOpID(id); err != nil {
		t.Errorf("generated op id should parse: %v", err)
	}
}

func TestCreate_Scenario(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Date(2026, 10, 16, 14, 5, 0, 0, time.UTC)
	r := fixedRegistry(ms, now)

	c, err := r.Create(context.Background(), Params{
		ClientID:  "client",
		BankID:    "bank",
		AuctionID: "auction",
		OfferID:   "offer",
		Amount:    d(10_000_000),
		Currency:  "USD",
		Rate:      d(5.5),
		TermDays:  30,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.State != model.CommitmentActive {
		t.Errorf("expected active, got %s", c.State)
	}
	wantMaturity := time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC)
	if !c.MaturityDate.Equal(wantMaturity) {
		t.Errorf("expected maturity %s, got %s", wantMaturity, c.MaturityDate)
	}
	if !strings.HasPrefix(c.OpID, "OP-20261016-") {
		t.Errorf("unexpected op id %s", c.OpID)
	}

	got, err := r.GetByOpID(context.Background(), c.OpID)
	if err != nil {
		t.Fatalf("get by op id: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("expected %s, got %s", c.ID, got.ID)
	}
}

func TestListByClientAndBank(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	first := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	for i, p := range []Params{
		{ClientID: "client", BankID: "bank-a", Amount: d(100), Currency: "USD", Rate: d(5), TermDays: 30},
		{ClientID: "client", BankID: "bank-b", Amount: d(200), Currency: "USD", Rate: d(6), TermDays: 60},
		{ClientID: "other", BankID: "bank-a", Amount: d(300), Currency: "USD", Rate: d(7), TermDays: 90},
	} {
		if _, err := fixedRegistry(ms, first.Add(time.Duration(i)*time.Minute)).Create(ctx, p); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	r := NewRegistry(ms)

	byClient, err := r.ListByClient(ctx, "client")
	if err != nil {
		t.Fatalf("list by client: %v", err)
	}
	if len(byClient) != 2 || byClient[0].BankID != "bank-a" || byClient[1].BankID != "bank-b" {
		t.Errorf("expected bank-a then bank-b, got %+v", byClient)
	}

	byBank, _ := r.ListByBank(ctx, "bank-a")
	if len(byBank) != 2 || byBank[0].ClientID != "client" || byBank[1].ClientID != "other" {
		t.Errorf("expected client then other, got %+v", byBank)
	}

	none, err := r.ListByBank(ctx, "bank-z")
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil list, got %v, %v", none, err)
	}
}

func TestCreate_InvalidParams(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore())
	_, err := r.Create(context.Background(), Params{ClientID: "c", BankID: "b", Amount: d(1), TermDays: 0})
	if !errors.Is(err, model.ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
}

// collidingStore reports a duplicate op id for the first n creates.
type collidingStore struct {
	*store.MemoryStore
	n int
}

func (s *collidingStore) CreateCommitment(ctx context.Context, c *model.Commitment) error {
	if s.n > 0 {
		s.n--
		return fmt.Errorf("op id %s: %w", c.OpID, store.ErrDuplicate)
	}
	return s.MemoryStore.CreateCommitment(ctx, c)
}

func TestCreate_RetriesOpIDCollision(t *testing.T) {
	cs := &collidingStore{MemoryStore: store.NewMemoryStore(), n: 2}
	r := NewRegistry(cs)

	c, err := r.Create(context.Background(), Params{ClientID: "c", BankID: "b", Amount: d(1), Rate: d(1), TermDays: 1})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if _, err := cs.GetCommitment(context.Background(), c.ID); err != nil {
		t.Errorf("commitment should be persisted: %v", err)
	}
}

func TestCreate_RetriesOpIDCollisionOnTxStore(t *testing.T) {
	base := store.NewMemoryStore()
	tx := &collidingStore{MemoryStore: base, n: 1}
	r := NewRegistry(base).WithStore(tx)

	c, err := r.Create(context.Background(), Params{ClientID: "c", BankID: "b", Amount: d(1), Rate: d(1), TermDays: 1})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if tx.n != 0 {
		t.Errorf("expected the collision to be consumed, %d left", tx.n)
	}
	if _, err := base.GetCommitmentByOpID(context.Background(), c.OpID); err != nil {
		t.Errorf("retried commitment should be persisted: %v", err)
	}
}

func TestCreate_GivesUpAfterRepeatedCollisions(t *testing.T) {
	cs := &collidingStore{MemoryStore: store.NewMemoryStore(), n: maxOpIDAttempts}
	r := NewRegistry(cs)

	_, err := r.Create(context.Background(), Params{ClientID: "c", BankID: "b", Amount: d(1), Rate: d(1), TermDays: 1})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetByOpID_Errors(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	if _, err := r.GetByOpID(ctx, "nope"); !errors.Is(err, model.ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
	if _, err := r.GetByOpID(ctx, "OP-20261016-00000000"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel_OnlyFromActive(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore())
	ctx := context.Background()
	c, _ := r.Create(ctx, Params{ClientID: "c", BankID: "b", Amount: d(1), Rate: d(1), TermDays: 1})

	if err := r.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := r.Cancel(ctx, c.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second cancel should conflict, got %v", err)
	}
}
