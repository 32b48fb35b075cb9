// Package catalog управляет продуктами магазина. Чтение продукта кэшируется.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/streamshop/internal/cache"
	"github.com/mmeshcher/streamshop/internal/model"
	"go.uber.org/zap"
)

// ErrInvalidProduct возвращается для продукта с некорректными полями.
var ErrInvalidProduct = errors.New("invalid product")

// Store описывает операции хранилища, которыми пользуется каталог.
type Store interface {
	CreateProduct(ctx context.Context, p model.Product) error
	UpdateProduct(ctx context.Context, p model.Product) error
	GetProduct(ctx context.Context, id string) (model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	SetAllowList(ctx context.Context, productID string, list []model.ExclusiveAllowance) error
}

// Catalog представляет каталог продуктов с кэшем чтения.
type Catalog struct {
	store  Store
	cache  cache.Cache
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// New создаёт каталог. Ошибки кэша не прерывают операции, а только логируются.
func New(store Store, c cache.Cache, ttl time.Duration, now func() time.Time, logger *zap.Logger) *Catalog {
	if c == nil {
		c = cache.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{store: store, cache: c, ttl: ttl, now: now, logger: logger}
}

func cacheKey(id string) string {
	return "product:" + id
}

// ProductInput содержит поля продукта, задаваемые администратором.
type ProductInput struct {
	Name         string                     `json:"name" validate:"required"`
	Kind         model.ProductKind          `json:"kind" validate:"required,oneof=STREAMING EXCLUSIVE"`
	SaleType     model.SaleType             `json:"sale_type" validate:"required,oneof=FULL PROFILES"`
	BasePrice    int64                      `json:"base_price" validate:"gte=0"`
	ProfilePrice *int64                     `json:"profile_price,omitempty" validate:"omitempty,gte=0"`
	MaxProfiles  *int                       `json:"max_profiles,omitempty" validate:"omitempty,gt=0"`
	DurationDays int                        `json:"duration_days" validate:"gte=0"`
	Active       *bool                      `json:"active,omitempty"`
	ExpiresAt    *time.Time                 `json:"expires_at,omitempty"`
	AllowList    []model.ExclusiveAllowance `json:"allow_list,omitempty"`
}

func (in ProductInput) check() error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	}
	if in.Kind != model.ProductKindStreaming && in.Kind != model.ProductKindExclusive {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProduct, in.Kind)
	}
	if !in.SaleType.Valid() {
		return fmt.Errorf("%w: unknown sale type %q", ErrInvalidProduct, in.SaleType)
	}
	if in.BasePrice < 0 || (in.ProfilePrice != nil && *in.ProfilePrice < 0) {
		return fmt.Errorf("%w: prices must not be negative", ErrInvalidProduct)
	}
	if in.MaxProfiles != nil && *in.MaxProfiles <= 0 {
		return fmt.Errorf("%w: max profiles must be positive", ErrInvalidProduct)
	}
	if in.DurationDays < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidProduct)
	}
	if in.Kind != model.ProductKindExclusive && (in.ExpiresAt != nil || len(in.AllowList) > 0) {
		return fmt.Errorf("%w: expiry and allow-list are only for exclusive products", ErrInvalidProduct)
	}
	return checkAllowList(in.AllowList)
}

func checkAllowList(list []model.ExclusiveAllowance) error {
	seen := make(map[string]bool, len(list))
	for _, a := range list {
		if a.UserID == "" {
			return fmt.Errorf("%w: allow-list entry without user", ErrInvalidProduct)
		}
		if seen[a.UserID] {
			return fmt.Errorf("%w: user %s listed twice", ErrInvalidProduct, a.UserID)
		}
		seen[a.UserID] = true
		if a.FixedPrice != nil && *a.FixedPrice < 0 {
			return fmt.Errorf("%w: fixed price must not be negative", ErrInvalidProduct)
		}
	}
	return nil
}

func (in ProductInput) apply(p *model.Product) {
	p.Name = in.Name
	p.Kind = in.Kind
	p.SaleType = in.SaleType
	p.BasePrice = in.BasePrice
	p.ProfilePrice = in.ProfilePrice
	p.MaxProfiles = in.MaxProfiles
	p.DurationDays = in.DurationDays
	if p.DurationDays == 0 {
		p.DurationDays = model.DefaultDurationDays
	}
	p.ExpiresAt = in.ExpiresAt
	if in.Active != nil {
		p.Active = *in.Active
	}
}

// Create добавляет продукт. По умолчанию продукт активен.
func (c *Catalog) Create(ctx context.Context, in ProductInput) (model.Product, error) {
	if err := in.check(); err != nil {
		return model.Product{}, err
	}

	now := c.now()
	p := model.Product{
		ID:        uuid.NewString(),
		Active:    true,
		AllowList: in.AllowList,
		CreatedAt: now,
		UpdatedAt: now,
	}
	in.apply(&p)

	if err := c.store.CreateProduct(ctx, p); err != nil {
		return model.Product{}, fmt.Errorf("create product: %w", err)
	}
	return p, nil
}

// Update заменяет поля продукта. Список допуска не меняется, если в запросе он пуст.
func (c *Catalog) Update(ctx context.Context, id string, in ProductInput) (model.Product, error) {
	if err := in.check(); err != nil {
		return model.Product{}, err
	}

	p, err := c.store.GetProduct(ctx, id)
	if err != nil {
		return model.Product{}, err
	}
	in.apply(&p)
	p.UpdatedAt = c.now()

	if err := c.store.UpdateProduct(ctx, p); err != nil {
		return model.Product{}, err
	}
	if len(in.AllowList) > 0 {
		if err := c.store.SetAllowList(ctx, id, in.AllowList); err != nil {
			return model.Product{}, err
		}
		p.AllowList = in.AllowList
	}
	c.invalidate(ctx, id)
	return p, nil
}

// SetAllowList заменяет список допуска эксклюзивного продукта.
func (c *Catalog) SetAllowList(ctx context.Context, id string, list []model.ExclusiveAllowance) (model.Product, error) {
	if err := checkAllowList(list); err != nil {
		return model.Product{}, err
	}

	p, err := c.store.GetProduct(ctx, id)
	if err != nil {
		return model.Product{}, err
	}
	if p.Kind != model.ProductKindExclusive {
		return model.Product{}, fmt.Errorf("%w: allow-list is only for exclusive products", ErrInvalidProduct)
	}

	if err := c.store.SetAllowList(ctx, id, list); err != nil {
		return model.Product{}, err
	}
	c.invalidate(ctx, id)
	p.AllowList = list
	return p, nil
}

// Get возвращает продукт, при возможности из кэша.
func (c *Catalog) Get(ctx context.Context, id string) (model.Product, error) {
	var p model.Product
	found, err := c.cache.Get(ctx, cacheKey(id), &p)
	if err != nil {
		c.logger.Warn("product cache read failed", zap.String("product_id", id), zap.Error(err))
	}
	if found {
		return p, nil
	}

	p, err = c.store.GetProduct(ctx, id)
	if err != nil {
		return model.Product{}, err
	}

	if err := c.cache.Set(ctx, cacheKey(id), p, c.ttl); err != nil {
		c.logger.Warn("product cache write failed", zap.String("product_id", id), zap.Error(err))
	}
	return p, nil
}

// List возвращает все продукты.
func (c *Catalog) List(ctx context.Context) ([]model.Product, error) {
	return c.store.ListProducts(ctx)
}

func (c *Catalog) invalidate(ctx context.Context, id string) {
	if err := c.cache.Invalidate(ctx, cacheKey(id)); err != nil {
		c.logger.Warn("product cache invalidate failed", zap.String("product_id", id), zap.Error(err))
	}
}
