package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmeshcher/streamshop/internal/catalog"
	"github.com/mmeshcher/streamshop/internal/events"
	"github.com/mmeshcher/streamshop/internal/gate"
	"github.com/mmeshcher/streamshop/internal/metrics"
	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/mmeshcher/streamshop/internal/offer"
	"github.com/mmeshcher/streamshop/internal/order"
	"github.com/mmeshcher/streamshop/internal/repository"
	"github.com/mmeshcher/streamshop/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *stubPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type blockedGate struct{}

func (blockedGate) IsBlocked(context.Context, string) (model.BlockStatus, error) {
	return model.BlockStatus{Blocked: true, Reason: "remote", Type: model.BlockTypePermanent}, nil
}

var testNow = time.Date(2026, time.May, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, pub events.Publisher) (*Service, *prometheus.Registry) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	now := func() time.Time { return testNow }
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	svc := NewService(Deps{
		Store:   repo,
		Catalog: catalog.New(repo, nil, time.Minute, now, nil),
		Events:  pub,
		Metrics: rec,
		Now:     now,
	})
	return svc, reg
}

// counterValue возвращает значение счётчика name с меткой result (пустая строка для счётчика без меток).
func counterValue(t *testing.T, reg *prometheus.Registry, name, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if result == "" {
				return m.GetCounter().GetValue()
			}
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func offerInput(userID, productID string) offer.OfferInput {
	return offer.OfferInput{UserID: userID, ProductID: productID, DiscountPercent: decimal.NewFromInt(10)}
}

func createProduct(t *testing.T, svc *Service, in catalog.ProductInput) model.Product {
	t.Helper()
	p, err := svc.CreateProduct(context.Background(), in)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}

func TestRechargePublishesEvent(t *testing.T) {
	pub := &stubPublisher{}
	svc, reg := newTestService(t, pub)

	balance, err := svc.Recharge(context.Background(), "u1", 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 5000 {
		t.Fatalf("balance = %d, want 5000", balance)
	}
	if len(pub.events) != 1 || pub.events[0].Key != events.KeyCreditRecharged || pub.events[0].Balance != 5000 {
		t.Fatalf("unexpected events: %+v", pub.events)
	}
	if got := counterValue(t, reg, "streamshop_credit_recharged_total", ""); got != 5000 {
		t.Fatalf("recharged counter = %v, want 5000", got)
	}

	if _, err := svc.Recharge(context.Background(), "u1", 0); !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRechargeIgnoresPublishFailure(t *testing.T) {
	svc, _ := newTestService(t, &stubPublisher{err: errors.New("broker down")})

	if _, err := svc.Recharge(context.Background(), "u1", 100); err != nil {
		t.Fatalf("publish failure must not fail recharge: %v", err)
	}
	b, err := svc.Balance(context.Background(), "u1")
	if err != nil || b.Balance != 100 {
		t.Fatalf("balance = %+v, %v", b, err)
	}
}

func TestProductsHidesIneligibleExclusive(t *testing.T) {
	svc, _ := newTestService(t, nil)
	fixed := int64(100)
	inactive := false
	past := testNow.Add(-time.Hour)

	createProduct(t, svc, catalog.ProductInput{Name: "Netflix", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 500})
	createProduct(t, svc, catalog.ProductInput{
		Name: "VIP", Kind: model.ProductKindExclusive, SaleType: model.SaleTypeFull, BasePrice: 900,
		AllowList: []model.ExclusiveAllowance{{UserID: "vip", FixedPrice: &fixed}, {UserID: "other"}},
	})
	createProduct(t, svc, catalog.ProductInput{Name: "Old", Kind: model.ProductKindExclusive, SaleType: model.SaleTypeFull, ExpiresAt: &past})
	createProduct(t, svc, catalog.ProductInput{Name: "Off", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, Active: &inactive})

	tests := []struct {
		user  string
		names []string
	}{
		{user: "guest", names: []string{"Netflix"}},
		{user: "vip", names: []string{"Netflix", "VIP"}},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			got, err := svc.Products(context.Background(), tt.user)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			names := make(map[string]model.Product, len(got))
			for _, p := range got {
				names[p.Name] = p
			}
			if len(names) != len(tt.names) {
				t.Fatalf("got %d products, want %v", len(got), tt.names)
			}
			for _, n := range tt.names {
				if _, ok := names[n]; !ok {
					t.Fatalf("product %q missing", n)
				}
			}
			if vip, ok := names["VIP"]; ok && len(vip.AllowList) != 1 {
				t.Fatalf("allow-list of other users must be hidden: %+v", vip.AllowList)
			}
		})
	}
}

func TestAddStockLinesAllOrNothing(t *testing.T) {
	svc, _ := newTestService(t, nil)
	p := createProduct(t, svc, catalog.ProductInput{Name: "Netflix", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 500})

	_, err := svc.AddStockLines(context.Background(), p.ID, model.UnitKindAccount, "a@mail.test:1\nbroken\n")
	var lineErr *validation.LineError
	if !errors.As(err, &lineErr) || lineErr.Line != 2 {
		t.Fatalf("expected LineError on line 2, got %v", err)
	}

	units, err := svc.AddStockLines(context.Background(), p.ID, model.UnitKindAccount, "a@mail.test:1\n# skip\nb@mail.test:2\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("added %d units, want 2", len(units))
	}

	counts, err := svc.StockCounts(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.AvailableAccount != 2 {
		t.Fatalf("available = %d, want 2", counts.AvailableAccount)
	}

	if _, err := svc.AddStockLines(context.Background(), "missing", model.UnitKindAccount, "a@mail.test:1"); !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestAddStockRollsBackOnInvalidUnit(t *testing.T) {
	svc, _ := newTestService(t, nil)
	p := createProduct(t, svc, catalog.ProductInput{Name: "Netflix", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 500})

	_, err := svc.AddStock(context.Background(), p.ID, []StockInput{
		{Kind: model.UnitKindAccount, Credential: model.Credential{Email: "a@mail.test", Password: "x"}},
		{Kind: model.UnitKindProfile, Credential: model.Credential{Email: "b@mail.test", Password: "y"}},
	})
	if !errors.Is(err, model.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}

	counts, err := svc.StockCounts(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.AvailableAccount != 0 {
		t.Fatalf("partial batch must not be stored, available = %d", counts.AvailableAccount)
	}
}

func TestPurchaseFlowThroughService(t *testing.T) {
	pub := &stubPublisher{}
	svc, reg := newTestService(t, pub)
	p := createProduct(t, svc, catalog.ProductInput{Name: "Netflix", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 500, DurationDays: 2})

	if _, err := svc.AddStockLines(context.Background(), p.ID, model.UnitKindAccount, "a@mail.test:1"); err != nil {
		t.Fatalf("load stock: %v", err)
	}
	if _, err := svc.Recharge(context.Background(), "u1", 500); err != nil {
		t.Fatalf("recharge: %v", err)
	}

	o, err := svc.Purchase(context.Background(), order.PurchaseRequest{UserID: "u1", ProductID: p.ID, Quantity: 1})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	views, err := svc.Orders(context.Background(), model.OrderFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(views) != 1 || views[0].ID != o.ID || views[0].Expiration != model.ExpirationExpiring {
		t.Fatalf("unexpected views: %+v", views)
	}
	if got := counterValue(t, reg, "streamshop_purchases_total", metrics.ResultSuccess); got != 1 {
		t.Fatalf("purchase counter = %v, want 1", got)
	}

	_, err = svc.Purchase(context.Background(), order.PurchaseRequest{UserID: "u1", ProductID: p.ID, Quantity: 1})
	if !errors.Is(err, model.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if got := counterValue(t, reg, "streamshop_purchases_total", metrics.ResultOutOfStock); got != 1 {
		t.Fatalf("out of stock counter = %v, want 1", got)
	}

	view, err := svc.Rehabilitate(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("rehabilitate: %v", err)
	}
	if view.Status != model.OrderStatusCancelled {
		t.Fatalf("status = %s", view.Status)
	}
}

func TestPurchaseUsesConfiguredGate(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(Deps{
		Store:   repo,
		Catalog: catalog.New(repo, nil, time.Minute, nil, nil),
		Gate:    blockedGate{},
	})
	p := createProduct(t, svc, catalog.ProductInput{Name: "Netflix", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 500})

	_, err := svc.Purchase(context.Background(), order.PurchaseRequest{UserID: "u1", ProductID: p.ID, Quantity: 1})
	var blocked *model.BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != "remote" {
		t.Fatalf("expected BlockedError from the configured gate, got %v", err)
	}
}

type openGate struct{}

func (openGate) IsBlocked(context.Context, string) (model.BlockStatus, error) {
	return model.BlockStatus{}, nil
}

func TestAdminBlockAppliesWithExternalGate(t *testing.T) {
	repo := repository.NewMemoryRepository()
	now := func() time.Time { return testNow }
	svc := NewService(Deps{
		Store:   repo,
		Catalog: catalog.New(repo, nil, time.Minute, now, nil),
		Gate:    openGate{},
		Now:     now,
	})
	p := createProduct(t, svc, catalog.ProductInput{Name: "Netflix", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 500})
	if _, err := svc.AddStockLines(context.Background(), p.ID, model.UnitKindAccount, "a@mail.test:1"); err != nil {
		t.Fatalf("load stock: %v", err)
	}
	if _, err := svc.Recharge(context.Background(), "u1", 500); err != nil {
		t.Fatalf("recharge: %v", err)
	}

	until := testNow.Add(time.Hour)
	if _, err := svc.Block(context.Background(), gate.BlockInput{UserID: "u1", Reason: "chargeback", Type: model.BlockTypeTemporary, ExpiresAt: &until}); err != nil {
		t.Fatalf("block: %v", err)
	}

	_, err := svc.Purchase(context.Background(), order.PurchaseRequest{UserID: "u1", ProductID: p.ID, Quantity: 1})
	var blocked *model.BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != "chargeback" {
		t.Fatalf("expected BlockedError from the local block, got %v", err)
	}

	if err := svc.Unblock(context.Background(), "u1"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := svc.Purchase(context.Background(), order.PurchaseRequest{UserID: "u1", ProductID: p.ID, Quantity: 1}); err != nil {
		t.Fatalf("purchase after unblock: %v", err)
	}
}

func TestCreateOfferRequiresProduct(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.CreateOffer(context.Background(), offerInput("u1", "missing"))
	if !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}
