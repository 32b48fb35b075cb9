package offer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/mmeshcher/streamshop/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateOffer(ctx context.Context, o model.SpecialOffer) error {
	return m.Called(ctx, o).Error(0)
}

func (m *mockStore) DeactivateOffer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) ListOffers(ctx context.Context, userID, productID string) ([]model.SpecialOffer, error) {
	args := m.Called(ctx, userID, productID)
	offers, _ := args.Get(0).([]model.SpecialOffer)
	return offers, args.Error(1)
}

var testNow = time.Date(2026, time.May, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func ptr[T any](v T) *T { return &v }

func TestResolvePrice(t *testing.T) {
	profilePrice := int64(12000)
	streaming := model.Product{
		ID: "p1", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 50000,
	}
	profiles := model.Product{
		ID: "p2", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeProfiles,
		BasePrice: 50000, ProfilePrice: &profilePrice,
	}
	exclusive := model.Product{
		ID: "p3", Kind: model.ProductKindExclusive, SaleType: model.SaleTypeFull, BasePrice: 80000,
		AllowList: []model.ExclusiveAllowance{{UserID: "u", FixedPrice: ptr(int64(30000))}},
	}

	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	tests := []struct {
		name     string
		product  model.Product
		saleType model.SaleType
		quantity int
		offers   []model.SpecialOffer
		want     Quote
	}{
		{
			name:     "list price",
			product:  streaming,
			saleType: model.SaleTypeFull,
			quantity: 1,
			want:     Quote{UnitPrice: 50000, TotalPrice: 50000, Source: SourceList},
		},
		{
			name:     "profile price times quantity",
			product:  profiles,
			saleType: model.SaleTypeProfiles,
			quantity: 3,
			want:     Quote{UnitPrice: 12000, TotalPrice: 36000, Source: SourceList},
		},
		{
			name:     "percentage offer",
			product:  streaming,
			saleType: model.SaleTypeFull,
			quantity: 1,
			offers: []model.SpecialOffer{
				{ID: "o1", Active: true, DiscountPercent: decimal.NewFromInt(15)},
			},
			want: Quote{UnitPrice: 42500, TotalPrice: 42500, AppliedOfferID: ptr("o1"), Source: SourceOfferPercent},
		},
		{
			name:     "fixed offer beats percentage on the same offer",
			product:  streaming,
			saleType: model.SaleTypeFull,
			quantity: 2,
			offers: []model.SpecialOffer{
				{ID: "o1", Active: true, DiscountPercent: decimal.NewFromInt(50), FixedPrice: ptr(int64(40000))},
			},
			want: Quote{UnitPrice: 40000, TotalPrice: 80000, AppliedOfferID: ptr("o1"), Source: SourceOfferFixed},
		},
		{
			name:     "expired offer ignored even when active",
			product:  streaming,
			saleType: model.SaleTypeFull,
			quantity: 1,
			offers: []model.SpecialOffer{
				{ID: "o1", Active: true, DiscountPercent: decimal.NewFromInt(50), ExpiresAt: &past},
			},
			want: Quote{UnitPrice: 50000, TotalPrice: 50000, Source: SourceList},
		},
		{
			name:     "newest applicable offer wins",
			product:  streaming,
			saleType: model.SaleTypeFull,
			quantity: 1,
			offers: []model.SpecialOffer{
				{ID: "inactive", Active: false, DiscountPercent: decimal.NewFromInt(90)},
				{ID: "newer", Active: true, DiscountPercent: decimal.NewFromInt(10), ExpiresAt: &future},
				{ID: "older", Active: true, DiscountPercent: decimal.NewFromInt(20)},
			},
			want: Quote{UnitPrice: 45000, TotalPrice: 45000, AppliedOfferID: ptr("newer"), Source: SourceOfferPercent},
		},
		{
			name:     "exclusive fixed price beats offers",
			product:  exclusive,
			saleType: model.SaleTypeFull,
			quantity: 1,
			want:     Quote{UnitPrice: 30000, TotalPrice: 30000, Source: SourceExclusiveFixed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			store.On("ListOffers", mock.Anything, "u", tt.product.ID).Return(tt.offers, nil).Maybe()

			r := NewResolver(store, clock)
			got, err := r.ResolvePrice(context.Background(), "u", tt.product, tt.saleType, tt.quantity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			store.AssertExpectations(t)
		})
	}
}

func TestExclusiveFixedPriceBeatsPercentageOffer(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	product := model.Product{
		ID: "vip", Kind: model.ProductKindExclusive, SaleType: model.SaleTypeFull, BasePrice: 80000, Active: true,
		AllowList: []model.ExclusiveAllowance{{UserID: "u", FixedPrice: ptr(int64(25000))}},
	}
	require.NoError(t, repo.CreateProduct(ctx, product))

	r := NewResolver(repo, clock)
	_, err := r.CreateOffer(ctx, OfferInput{UserID: "u", ProductID: "vip", DiscountPercent: decimal.NewFromInt(90)})
	require.NoError(t, err)

	q, err := r.ResolvePrice(ctx, "u", product, model.SaleTypeFull, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), q.UnitPrice)
	assert.Nil(t, q.AppliedOfferID)
}

func TestMostRecentOfferWins(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	product := model.Product{ID: "p", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 10000, Active: true}
	require.NoError(t, repo.CreateProduct(ctx, product))

	now := testNow
	r := NewResolver(repo, func() time.Time { return now })

	_, err := r.CreateOffer(ctx, OfferInput{UserID: "u", ProductID: "p", DiscountPercent: decimal.NewFromInt(50)})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	latest, err := r.CreateOffer(ctx, OfferInput{UserID: "u", ProductID: "p", DiscountPercent: decimal.NewFromInt(10)})
	require.NoError(t, err)

	q, err := r.ResolvePrice(ctx, "u", product, model.SaleTypeFull, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), q.UnitPrice)
	require.NotNil(t, q.AppliedOfferID)
	assert.Equal(t, latest.ID, *q.AppliedOfferID)

	require.NoError(t, r.DeactivateOffer(ctx, latest.ID))
	q, err = r.ResolvePrice(ctx, "u", product, model.SaleTypeFull, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), q.UnitPrice)
}

func TestCreateOfferValidation(t *testing.T) {
	r := NewResolver(&mockStore{}, clock)

	tests := []struct {
		name string
		in   OfferInput
	}{
		{name: "no user", in: OfferInput{ProductID: "p", DiscountPercent: decimal.NewFromInt(10)}},
		{name: "negative discount", in: OfferInput{UserID: "u", ProductID: "p", DiscountPercent: decimal.NewFromInt(-1)}},
		{name: "discount above 100", in: OfferInput{UserID: "u", ProductID: "p", DiscountPercent: decimal.NewFromInt(101)}},
		{name: "negative fixed", in: OfferInput{UserID: "u", ProductID: "p", FixedPrice: ptr(int64(-5))}},
		{name: "empty offer", in: OfferInput{UserID: "u", ProductID: "p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CreateOffer(context.Background(), tt.in)
			assert.True(t, errors.Is(err, ErrInvalidOffer), "got %v", err)
		})
	}
}

func TestDiscountRounding(t *testing.T) {
	assert.Equal(t, int64(33), Discount(100, decimal.RequireFromString("66.6")))
	assert.Equal(t, int64(0), Discount(100, decimal.NewFromInt(100)))
	assert.Equal(t, int64(8), Discount(15, decimal.NewFromInt(50)))
}

func TestResolvePriceInvalidQuantity(t *testing.T) {
	r := NewResolver(&mockStore{}, clock)
	_, err := r.ResolvePrice(context.Background(), "u", model.Product{}, model.SaleTypeFull, 0)
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)
}

func TestResolvePriceRejectsHugeQuantity(t *testing.T) {
	store := &mockStore{}
	store.On("ListOffers", mock.Anything, "u", "p1").Return(nil, nil).Maybe()
	r := NewResolver(store, clock)

	cheap := model.Product{ID: "p1", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: 500}
	huge := model.Product{ID: "p1", Kind: model.ProductKindStreaming, SaleType: model.SaleTypeFull, BasePrice: math.MaxInt64 / 2}

	tests := []struct {
		name     string
		product  model.Product
		quantity int
	}{
		{name: "above the order limit", product: cheap, quantity: model.MaxOrderQuantity + 1},
		{name: "near int overflow", product: cheap, quantity: 1 << 62},
		{name: "total overflows", product: huge, quantity: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := r.ResolvePrice(context.Background(), "u", tt.product, model.SaleTypeFull, tt.quantity)
			require.ErrorIs(t, err, model.ErrInvalidQuantity)
			assert.Zero(t, q.TotalPrice)
		})
	}

	q, err := r.ResolvePrice(context.Background(), "u", cheap, model.SaleTypeFull, model.MaxOrderQuantity)
	require.NoError(t, err)
	assert.Equal(t, int64(500*model.MaxOrderQuantity), q.TotalPrice)
}
