// Package offer вычисляет цену покупки с учётом эксклюзивных цен и специальных предложений.
package offer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/shopspring/decimal"
)

// ErrInvalidOffer возвращается для предложения с некорректной скидкой или ценой.
var ErrInvalidOffer = errors.New("invalid special offer")

var hundred = decimal.NewFromInt(100)

// Store описывает операции хранилища, которыми пользуется резолвер.
type Store interface {
	CreateOffer(ctx context.Context, o model.SpecialOffer) error
	DeactivateOffer(ctx context.Context, id string) error
	ListOffers(ctx context.Context, userID, productID string) ([]model.SpecialOffer, error)
}

// PriceSource показывает, откуда взята цена.
type PriceSource string

const (
	SourceExclusiveFixed PriceSource = "EXCLUSIVE_FIXED"
	SourceOfferFixed     PriceSource = "OFFER_FIXED"
	SourceOfferPercent   PriceSource = "OFFER_PERCENT"
	SourceList           PriceSource = "LIST"
)

// Quote содержит рассчитанную цену покупки.
type Quote struct {
	UnitPrice      int64       `json:"unit_price"`
	TotalPrice     int64       `json:"total_price"`
	AppliedOfferID *string     `json:"applied_offer_id,omitempty"`
	Source         PriceSource `json:"source"`
}

// Resolver рассчитывает цены и управляет специальными предложениями.
type Resolver struct {
	store Store
	now   func() time.Time
}

// NewResolver создаёт резолвер поверх хранилища.
func NewResolver(store Store, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, now: now}
}

// ResolvePrice возвращает цену для пользователя. Порядок: фиксированная цена из списка
// допуска эксклюзивного продукта, затем самое новое действующее предложение
// (фиксированная цена важнее процента), затем прайсовая цена.
func (r *Resolver) ResolvePrice(ctx context.Context, userID string, product model.Product, saleType model.SaleType, quantity int) (Quote, error) {
	if quantity < 1 || quantity > model.MaxOrderQuantity {
		return Quote{}, model.ErrInvalidQuantity
	}

	q, err := r.unitQuote(ctx, userID, product, saleType)
	if err != nil {
		return Quote{}, err
	}
	if q.UnitPrice > 0 && int64(quantity) > math.MaxInt64/q.UnitPrice {
		return Quote{}, fmt.Errorf("%w: total price overflows", model.ErrInvalidQuantity)
	}
	q.TotalPrice = q.UnitPrice * int64(quantity)
	return q, nil
}

func (r *Resolver) unitQuote(ctx context.Context, userID string, product model.Product, saleType model.SaleType) (Quote, error) {
	if product.Kind == model.ProductKindExclusive {
		if a, ok := product.Allowance(userID); ok && a.FixedPrice != nil {
			return Quote{UnitPrice: *a.FixedPrice, Source: SourceExclusiveFixed}, nil
		}
	}

	list := product.ListPrice(saleType)

	offers, err := r.store.ListOffers(ctx, userID, product.ID)
	if err != nil {
		return Quote{}, fmt.Errorf("list offers: %w", err)
	}

	now := r.now()
	for _, o := range offers {
		if !o.Applicable(now) {
			continue
		}
		id := o.ID
		if o.FixedPrice != nil {
			return Quote{UnitPrice: *o.FixedPrice, AppliedOfferID: &id, Source: SourceOfferFixed}, nil
		}
		return Quote{UnitPrice: Discount(list, o.DiscountPercent), AppliedOfferID: &id, Source: SourceOfferPercent}, nil
	}

	return Quote{UnitPrice: list, Source: SourceList}, nil
}

// Discount применяет процентную скидку к цене, округляя до целых минимальных единиц.
// Результат не бывает отрицательным.
func Discount(price int64, percent decimal.Decimal) int64 {
	factor := hundred.Sub(percent).Div(hundred)
	v := decimal.NewFromInt(price).Mul(factor).Round(0).IntPart()
	if v < 0 {
		return 0
	}
	return v
}

// OfferInput содержит параметры нового специального предложения.
type OfferInput struct {
	UserID          string          `json:"user_id"`
	ProductID       string          `json:"product_id"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	FixedPrice      *int64          `json:"fixed_price,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
}

// CreateOffer создаёт активное предложение.
func (r *Resolver) CreateOffer(ctx context.Context, in OfferInput) (model.SpecialOffer, error) {
	if in.UserID == "" || in.ProductID == "" {
		return model.SpecialOffer{}, fmt.Errorf("%w: user and product are required", ErrInvalidOffer)
	}
	if in.DiscountPercent.IsNegative() || in.DiscountPercent.GreaterThan(hundred) {
		return model.SpecialOffer{}, fmt.Errorf("%w: discount must be between 0 and 100", ErrInvalidOffer)
	}
	if in.FixedPrice != nil && *in.FixedPrice < 0 {
		return model.SpecialOffer{}, fmt.Errorf("%w: fixed price must not be negative", ErrInvalidOffer)
	}
	if in.FixedPrice == nil && in.DiscountPercent.IsZero() {
		return model.SpecialOffer{}, fmt.Errorf("%w: discount or fixed price is required", ErrInvalidOffer)
	}

	o := model.SpecialOffer{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		ProductID:       in.ProductID,
		DiscountPercent: in.DiscountPercent,
		FixedPrice:      in.FixedPrice,
		ExpiresAt:       in.ExpiresAt,
		Active:          true,
		CreatedAt:       r.now(),
	}
	if err := r.store.CreateOffer(ctx, o); err != nil {
		return model.SpecialOffer{}, err
	}
	return o, nil
}

// DeactivateOffer выключает предложение.
func (r *Resolver) DeactivateOffer(ctx context.Context, id string) error {
	return r.store.DeactivateOffer(ctx, id)
}

// ListOffers возвращает все предложения пользователя, новые первыми.
func (r *Resolver) ListOffers(ctx context.Context, userID string) ([]model.SpecialOffer, error) {
	return r.store.ListOffers(ctx, userID, "")
}
