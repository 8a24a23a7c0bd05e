package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finmesa/auction-engine/internal/adjudication"
	"github.com/finmesa/auction-engine/internal/api"
	"github.com/finmesa/auction-engine/internal/audit"
	"github.com/finmesa/auction-engine/internal/auction"
	"github.com/finmesa/auction-engine/internal/commitment"
	"github.com/finmesa/auction-engine/internal/ledger"
	"github.com/finmesa/auction-engine/internal/model"
	"github.com/finmesa/auction-engine/internal/offer"
	"github.com/finmesa/auction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	router chi.Router
	bus    *audit.Bus
	bolt   *audit.BoltSink
}

// newTestEnv wires the engine over an in-memory store behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()

	bolt, err := audit.OpenBoltSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open bolt sink: %v", err)
	}
	bus := audit.NewBus(bolt)
	t.Cleanup(func() {
		bus.Flush()
		bolt.Close()
	})

	l := ledger.New(ms)
	mgr := auction.NewManager(ms, l, bus, 0)
	intake := offer.NewIntake(ms, mgr, bus)
	reg := commitment.NewRegistry(ms)
	coord := adjudication.NewCoordinator(ms, l, reg, mgr, bus, adjudication.Options{})

	svc := api.NewService(api.Deps{
		Store:       ms,
		Ledger:      l,
		Auctions:    mgr,
		Offers:      intake,
		Coordinator: coord,
		Commitments: reg,
		AuditLog:    bolt,
		Audit:       bus,
	})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{store: ms, router: r, bus: bus, bolt: bolt}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

// seed installs limits and bank users through the API.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	for _, bank := range []string{"bank-a", "bank-b"} {
		w := e.do(t, "PUT", "/api/v1/limits", api.SetLimitRequest{ClientID: "client", BankID: bank, Ceiling: d(50_000_000)})
		expectStatus(t, w, http.StatusOK)
	}
	for _, u := range []model.BankUser{
		{ID: "a-desk", BankID: "bank-a", Role: model.RoleDesk, Active: true},
		{ID: "a-admin", BankID: "bank-a", Role: model.RoleAdmin, Active: true},
		{ID: "b-admin", BankID: "bank-b", Role: model.RoleAdmin, Active: true},
		{ID: "c-desk", BankID: "bank-c", Role: model.RoleDesk, Active: true},
	} {
		w := e.do(t, "PUT", "/api/v1/bank-users", u)
		expectStatus(t, w, http.StatusOK)
	}
}

func (e *testEnv) openAuction(t *testing.T, amount float64) api.AuctionResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/auctions", auction.OpenRequest{
		CreateRequest: auction.CreateRequest{
			ClientID:             "client",
			Kind:                 model.KindOpenMarket,
			Currency:             "USD",
			Amount:               d(amount),
			TermDays:             30,
			BiddingWindowMinutes: 30,
		},
		BankIDs: []string{"bank-a", "bank-b", "bank-c"},
	})
	expectStatus(t, w, http.StatusCreated)
	return decode[api.AuctionResponse](t, w)
}

// --- Flow ---

func TestFullFlow(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	a := e.openAuction(t, 10_000_000)
	if a.State != model.AuctionOpen {
		t.Fatalf("expected open auction, got %s", a.State)
	}
	// bank-c has no limit: only bank-a and bank-b users are invited.
	if len(a.Invitations) != 3 {
		t.Fatalf("expected 3 invitations, got %d", len(a.Invitations))
	}

	w := e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/offers", api.SubmitOfferRequest{BankUserID: "a-desk", Rate: d(5.5)})
	expectStatus(t, w, http.StatusCreated)
	deskOffer := decode[model.Offer](t, w)

	w = e.do(t, "POST", "/api/v1/offers/"+deskOffer.ID+"/approve", api.ApprovalRequest{ApproverID: "a-admin"})
	expectStatus(t, w, http.StatusOK)
	if got := decode[model.Offer](t, w); got.State != model.OfferApproved {
		t.Fatalf("expected approved offer, got %s", got.State)
	}

	w = e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/offers", api.SubmitOfferRequest{BankUserID: "b-admin", Rate: d(5.6)})
	expectStatus(t, w, http.StatusCreated)

	w = e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/adjudicate", api.AdjudicateRequest{OfferID: deskOffer.ID, ClientID: "client"})
	expectStatus(t, w, http.StatusOK)
	summary := decode[model.CommitmentSummary](t, w)
	if summary.BankID != "bank-a" || !summary.Amount.Equal(d(10_000_000)) {
		t.Errorf("unexpected summary %+v", summary)
	}
	if _, err := commitment.ParseOpID(summary.OpID); err != nil {
		t.Errorf("summary op id %q: %v", summary.OpID, err)
	}

	w = e.do(t, "GET", "/api/v1/auctions/"+a.ID, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[api.AuctionResponse](t, w); got.State != model.AuctionClosed {
		t.Errorf("expected closed auction, got %s", got.State)
	}

	w = e.do(t, "GET", "/api/v1/auctions/"+a.ID+"/offers", nil)
	expectStatus(t, w, http.StatusOK)
	for _, o := range decode[[]model.Offer](t, w) {
		switch o.ID {
		case deskOffer.ID:
			if o.State != model.OfferWon {
				t.Errorf("winner state: %s", o.State)
			}
		default:
			if o.State != model.OfferRejected || o.RejectionReason != model.RejectedLost {
				t.Errorf("sibling state: %s/%s", o.State, o.RejectionReason)
			}
		}
	}

	w = e.do(t, "GET", "/api/v1/commitments/"+summary.OpID, nil)
	expectStatus(t, w, http.StatusOK)
	if c := decode[model.Commitment](t, w); c.State != model.CommitmentActive || c.ClientID != "client" {
		t.Errorf("unexpected commitment %+v", c)
	}

	w = e.do(t, "GET", "/api/v1/commitments?client_id=client", nil)
	expectStatus(t, w, http.StatusOK)
	if cs := decode[[]model.Commitment](t, w); len(cs) != 1 {
		t.Errorf("expected 1 client commitment, got %d", len(cs))
	}

	w = e.do(t, "GET", "/api/v1/clients/client/limits", nil)
	expectStatus(t, w, http.StatusOK)
	for _, l := range decode[[]model.ClientBankLimit](t, w) {
		want := decimal.Zero
		if l.BankID == "bank-a" {
			want = d(10_000_000)
		}
		if !l.Consumed.Equal(want) {
			t.Errorf("%s consumed %s, want %s", l.BankID, l.Consumed, want)
		}
	}

	// Second adjudication of the same auction is a conflict.
	w = e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/adjudicate", api.AdjudicateRequest{OfferID: deskOffer.ID, ClientID: "client"})
	expectStatus(t, w, http.StatusConflict)

	e.bus.Flush()
	w = e.do(t, "GET", "/api/v1/audit?limit=50", nil)
	expectStatus(t, w, http.StatusOK)
	events := decode[[]audit.Event](t, w)
	var adjudicated bool
	for _, ev := range events {
		if ev.Action == audit.ActionAuctionAdjudicated && ev.Metadata["op_id"] == summary.OpID {
			adjudicated = true
		}
	}
	if !adjudicated {
		t.Errorf("expected adjudication audit event, got %+v", events)
	}
}

func TestEligibleBanks(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	e.do(t, "PUT", "/api/v1/limits", api.SetLimitRequest{ClientID: "client", BankID: "bank-b", Ceiling: d(5_000_000)})

	w := e.do(t, "GET", "/api/v1/clients/client/eligible-banks?amount=10000000", nil)
	expectStatus(t, w, http.StatusOK)
	resp := decode[api.EligibleBanksResponse](t, w)
	if len(resp.Banks) != 1 || resp.Banks[0] != "bank-a" {
		t.Errorf("expected [bank-a], got %v", resp.Banks)
	}

	w = e.do(t, "GET", "/api/v1/clients/client/eligible-banks?amount=abc", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestSetLimit_Deactivate(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	inactive := false
	w := e.do(t, "PUT", "/api/v1/limits", api.SetLimitRequest{ClientID: "client", BankID: "bank-a", Active: &inactive})
	expectStatus(t, w, http.StatusOK)
	if l := decode[model.ClientBankLimit](t, w); l.Active {
		t.Error("expected inactive limit")
	}

	w = e.do(t, "PUT", "/api/v1/limits", api.SetLimitRequest{ClientID: "client", BankID: "bank-z", Active: &inactive})
	expectStatus(t, w, http.StatusNotFound)

	e.bus.Flush()
	w = e.do(t, "GET", "/api/v1/audit?limit=50", nil)
	expectStatus(t, w, http.StatusOK)
	var deactivated []audit.Event
	for _, ev := range decode[[]audit.Event](t, w) {
		if ev.Action == audit.ActionLimitDeactivated {
			deactivated = append(deactivated, ev)
		}
	}
	if len(deactivated) != 1 || deactivated[0].Metadata["bank_id"] != "bank-a" {
		t.Errorf("expected one deactivation event for bank-a, got %+v", deactivated)
	}
}

func TestOpenAuction_NoEligibleCounterparties(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	w := e.do(t, "POST", "/api/v1/auctions", auction.OpenRequest{
		CreateRequest: auction.CreateRequest{
			ClientID:             "client",
			Kind:                 model.KindSealed,
			Currency:             "USD",
			Amount:               d(80_000_000),
			TermDays:             90,
			BiddingWindowMinutes: 30,
		},
		BankIDs: []string{"bank-a", "bank-b"},
	})
	expectStatus(t, w, http.StatusConflict)
	body := decode[map[string]string](t, w)
	if body["kind"] != string(model.KindConflict) || body["auction_id"] == "" {
		t.Fatalf("unexpected body %v", body)
	}

	w = e.do(t, "GET", "/api/v1/auctions/"+body["auction_id"], nil)
	expectStatus(t, w, http.StatusOK)
	if a := decode[api.AuctionResponse](t, w); a.State != model.AuctionDraft {
		t.Errorf("expected draft auction, got %s", a.State)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	a := e.openAuction(t, 10_000_000)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   model.Kind
	}{
		{"invalid rate", "POST", "/api/v1/auctions/" + a.ID + "/offers",
			api.SubmitOfferRequest{BankUserID: "a-desk", Rate: d(0)}, http.StatusBadRequest, model.KindValidation},
		{"not invited", "POST", "/api/v1/auctions/" + a.ID + "/offers",
			api.SubmitOfferRequest{BankUserID: "c-desk", Rate: d(5)}, http.StatusForbidden, model.KindAuthorization},
		{"unknown auction", "GET", "/api/v1/auctions/missing", nil, http.StatusNotFound, model.KindNotFound},
		{"not owner", "POST", "/api/v1/auctions/" + a.ID + "/cancel",
			api.CancelRequest{ClientID: "intruder"}, http.StatusForbidden, model.KindAuthorization},
		{"missing body field", "POST", "/api/v1/auctions/" + a.ID + "/adjudicate",
			api.AdjudicateRequest{ClientID: "client"}, http.StatusBadRequest, model.KindValidation},
		{"unknown offer", "POST", "/api/v1/auctions/" + a.ID + "/adjudicate",
			api.AdjudicateRequest{OfferID: "missing", ClientID: "client"}, http.StatusNotFound, model.KindNotFound},
		{"malformed op id", "GET", "/api/v1/commitments/OP-bad", nil, http.StatusBadRequest, model.KindValidation},
		{"commitments without filter", "GET", "/api/v1/commitments", nil, http.StatusBadRequest, model.KindValidation},
		{"invalid bank user", "PUT", "/api/v1/bank-users",
			model.BankUser{ID: "x", BankID: "bank-a", Role: "trader"}, http.StatusBadRequest, model.KindValidation},
		{"negative ceiling", "PUT", "/api/v1/limits",
			api.SetLimitRequest{ClientID: "client", BankID: "bank-a", Ceiling: d(-1)}, http.StatusBadRequest, model.KindValidation},
		{"invalid audit limit", "GET", "/api/v1/audit?limit=x", nil, http.StatusBadRequest, model.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, tt.body)
			expectStatus(t, w, tt.status)
			body := decode[map[string]string](t, w)
			if body["kind"] != string(tt.kind) {
				t.Errorf("expected kind %s, got %v", tt.kind, body)
			}
		})
	}
}

func TestAdjudicate_LimitExceededIsUnprocessable(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	a := e.openAuction(t, 10_000_000)

	w := e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/offers", api.SubmitOfferRequest{BankUserID: "a-admin", Rate: d(5)})
	expectStatus(t, w, http.StatusCreated)
	o := decode[model.Offer](t, w)

	// Another commitment consumes bank-a's headroom while the auction is open.
	if err := e.store.SpendLimit(context.Background(), "client", "bank-a", d(45_000_000)); err != nil {
		t.Fatalf("spend: %v", err)
	}

	w = e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/adjudicate", api.AdjudicateRequest{OfferID: o.ID, ClientID: "client"})
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if body := decode[map[string]string](t, w); body["kind"] != string(model.KindResource) {
		t.Errorf("expected resource kind, got %v", body)
	}
}

func TestCancelAuction(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	a := e.openAuction(t, 10_000_000)

	w := e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/cancel", api.CancelRequest{ClientID: "client"})
	expectStatus(t, w, http.StatusOK)
	if got := decode[model.Auction](t, w); got.State != model.AuctionCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}

	w = e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/cancel", api.CancelRequest{ClientID: "client"})
	expectStatus(t, w, http.StatusConflict)

	w = e.do(t, "POST", "/api/v1/auctions/"+a.ID+"/offers", api.SubmitOfferRequest{BankUserID: "a-desk", Rate: d(5)})
	expectStatus(t, w, http.StatusConflict)

	w = e.do(t, "GET", "/api/v1/clients/client/auctions", nil)
	expectStatus(t, w, http.StatusOK)
	if list := decode[[]model.Auction](t, w); len(list) != 1 || list[0].State != model.AuctionCancelled {
		t.Errorf("unexpected client auctions %+v", list)
	}
}

func TestListAuditEvents_WithoutLog(t *testing.T) {
	svc := api.NewService(api.Deps{Store: store.NewMemoryStore()})
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit", nil))
	expectStatus(t, w, http.StatusNotFound)
}
