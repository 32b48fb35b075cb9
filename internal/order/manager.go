// Package order реализует жизненный цикл заказа: покупку, продление, реабилитацию
// и классификацию срока действия.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/streamshop/internal/events"
	"github.com/mmeshcher/streamshop/internal/gate"
	"github.com/mmeshcher/streamshop/internal/ledger"
	"github.com/mmeshcher/streamshop/internal/metrics"
	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/mmeshcher/streamshop/internal/offer"
	"github.com/mmeshcher/streamshop/internal/repository"
	"github.com/mmeshcher/streamshop/internal/stock"
	"go.uber.org/zap"
)

// ErrItemNotFound возвращается при обращении к несуществующей позиции заказа.
var ErrItemNotFound = errors.New("order item not found")

// ExpiringWindow задаёт остаток срока, при котором заказ считается истекающим.
const ExpiringWindow = 3 * 24 * time.Hour

// Products отдаёт продукты каталога.
type Products interface {
	Get(ctx context.Context, id string) (model.Product, error)
}

// Deps содержит зависимости менеджера. Events, Metrics, Logger и Now необязательны.
type Deps struct {
	Store    repository.Store
	Products Products
	Gate     gate.Gate
	Resolver *offer.Resolver
	Events   events.Publisher
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	Now      func() time.Time
}

// Manager оркестрирует покупку и последующие операции над заказом.
// Выдача со склада, списание и запись заказа выполняются в одной транзакции хранилища.
type Manager struct {
	store    repository.Store
	products Products
	gate     gate.Gate
	resolver *offer.Resolver
	events   events.Publisher
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager создаёт менеджер заказов.
func NewManager(d Deps) *Manager {
	m := &Manager{
		store:    d.Store,
		products: d.Products,
		gate:     d.Gate,
		resolver: d.Resolver,
		events:   d.Events,
		metrics:  d.Metrics,
		logger:   d.Logger,
		now:      d.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.products == nil {
		m.products = storeProducts{d.Store}
	}
	if m.gate == nil {
		m.gate = gate.NewRepositoryGate(d.Store, m.now)
	}
	if m.resolver == nil {
		m.resolver = offer.NewResolver(d.Store, m.now)
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

type storeProducts struct {
	store repository.Store
}

func (s storeProducts) Get(ctx context.Context, id string) (model.Product, error) {
	return s.store.GetProduct(ctx, id)
}

// PurchaseRequest описывает запрос на покупку. RequestID задаёт необязательный ключ идемпотентности.
type PurchaseRequest struct {
	UserID    string         `json:"user_id"`
	ProductID string         `json:"product_id"`
	SaleType  model.SaleType `json:"sale_type"`
	Quantity  int            `json:"quantity"`
	RequestID string         `json:"request_id,omitempty"`
}

// Purchase выдаёт пользователю quantity единиц продукта и списывает их стоимость.
// Либо выполняются все шаги, либо не сохраняется ничего.
// Повтор запроса с тем же RequestID возвращает ранее созданный заказ.
func (m *Manager) Purchase(ctx context.Context, req PurchaseRequest) (model.Order, error) {
	o, replay, err := m.purchase(ctx, req)
	if replay {
		m.logger.Info("purchase replayed",
			zap.String("user_id", req.UserID),
			zap.String("request_id", req.RequestID),
			zap.String("order_id", o.ID),
		)
		return o, nil
	}

	m.metrics.Purchase(err)
	if err != nil {
		m.logFailure("purchase failed", err,
			zap.String("user_id", req.UserID),
			zap.String("product_id", req.ProductID),
			zap.String("sale_type", string(req.SaleType)),
			zap.Int("quantity", req.Quantity),
		)
		return model.Order{}, err
	}

	m.logger.Info("purchase completed",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("product_id", o.ProductID),
		zap.Int64("total_price", o.TotalPrice),
	)
	m.publish(ctx, events.Event{
		Key:        events.KeyOrderPurchased,
		UserID:     o.UserID,
		OrderID:    o.ID,
		ProductID:  o.ProductID,
		Amount:     o.TotalPrice,
		ExpiresAt:  o.ExpiresAt,
		OccurredAt: o.CreatedAt,
	})
	return o, nil
}

func (m *Manager) purchase(ctx context.Context, req PurchaseRequest) (model.Order, bool, error) {
	if req.RequestID != "" {
		existing, err := m.store.GetOrderByRequestID(ctx, req.UserID, req.RequestID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, model.ErrOrderNotFound) {
			return model.Order{}, false, fmt.Errorf("lookup request id: %w", err)
		}
	}

	status, err := m.gate.IsBlocked(ctx, req.UserID)
	if err != nil {
		return model.Order{}, false, fmt.Errorf("check access gate: %w", err)
	}
	if err := gate.BlockedError(req.UserID, status); err != nil {
		return model.Order{}, false, err
	}

	product, err := m.products.Get(ctx, req.ProductID)
	if err != nil {
		return model.Order{}, false, err
	}
	if req.SaleType == "" {
		req.SaleType = product.SaleType
	}
	if err := m.checkEligible(product, req); err != nil {
		return model.Order{}, false, err
	}

	quote, err := m.resolver.ResolvePrice(ctx, req.UserID, product, req.SaleType, req.Quantity)
	if err != nil {
		return model.Order{}, false, err
	}

	now := m.now()
	o := model.Order{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		ProductID:      product.ID,
		SaleType:       req.SaleType,
		Quantity:       req.Quantity,
		UnitPrice:      quote.UnitPrice,
		TotalPrice:     quote.TotalPrice,
		AppliedOfferID: quote.AppliedOfferID,
		Status:         model.OrderStatusCompleted,
		CreatedAt:      now,
		ExpiresAt:      now.Add(product.Duration()),
	}
	if req.RequestID != "" {
		requestID := req.RequestID
		o.RequestID = &requestID
	}

	err = m.store.InTx(ctx, func(tx repository.Tx) error {
		pool := stock.NewPool(tx, m.now)
		items := make([]model.OrderItem, 0, req.Quantity)
		for i := 0; i < req.Quantity; i++ {
			u, err := pool.Claim(ctx, product.ID, req.SaleType)
			if err != nil {
				return err
			}
			unitID := u.ID
			items = append(items, model.OrderItem{StockUnitID: &unitID, Credential: u.Credential})
		}

		if _, err := ledger.New(tx, m.now).Debit(ctx, req.UserID, quote.TotalPrice, model.LedgerReasonPurchase, &o.ID); err != nil {
			return err
		}

		o.Items = items
		return tx.CreateOrder(ctx, o)
	})
	if errors.Is(err, model.ErrDuplicateRequest) {
		existing, lookupErr := m.store.GetOrderByRequestID(ctx, req.UserID, req.RequestID)
		if lookupErr != nil {
			return model.Order{}, false, fmt.Errorf("lookup request id after conflict: %w", lookupErr)
		}
		return existing, true, nil
	}
	if err != nil {
		return model.Order{}, false, err
	}
	return o, false, nil
}

func (m *Manager) checkEligible(p model.Product, req PurchaseRequest) error {
	if !p.Available(m.now()) {
		return model.ErrProductUnavailable
	}
	if p.Kind == model.ProductKindExclusive && len(p.AllowList) > 0 {
		if _, ok := p.Allowance(req.UserID); !ok {
			return model.ErrNotEligible
		}
	}
	if req.SaleType != p.SaleType {
		return model.ErrSaleTypeMismatch
	}
	if req.Quantity < 1 || req.Quantity > model.MaxOrderQuantity {
		return fmt.Errorf("%w: quantity must be between 1 and %d", model.ErrInvalidQuantity, model.MaxOrderQuantity)
	}
	if req.SaleType == model.SaleTypeProfiles && p.MaxProfiles != nil && req.Quantity > *p.MaxProfiles {
		return fmt.Errorf("%w: at most %d profiles per order", model.ErrInvalidQuantity, *p.MaxProfiles)
	}
	return nil
}

// Renew списывает текущую прайсовую цену продукта и выдаёт полный срок действия от текущего момента.
// Склад не затрагивается.
func (m *Manager) Renew(ctx context.Context, orderID string) (model.Order, error) {
	now := m.now()
	var (
		renewed model.Order
		charged int64
	)
	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Rehabilitated() {
			return model.ErrAlreadyRehabilitated
		}

		product, err := tx.GetProduct(ctx, o.ProductID)
		if err != nil {
			return fmt.Errorf("load product: %w", err)
		}

		charged = product.ListPrice(o.SaleType) * int64(o.Quantity)
		if _, err := ledger.New(tx, m.now).Debit(ctx, o.UserID, charged, model.LedgerReasonRenewal, &o.ID); err != nil {
			return err
		}

		o.ExpiresAt = now.Add(product.Duration())
		o.RenewalCount++
		o.LastRenewedAt = &now
		o.Status = model.OrderStatusCompleted
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		renewed = o
		return nil
	})

	m.metrics.Renewal(err)
	if err != nil {
		m.logFailure("renewal failed", err, zap.String("order_id", orderID))
		return model.Order{}, err
	}

	m.logger.Info("order renewed",
		zap.String("order_id", renewed.ID),
		zap.Int("renewal_count", renewed.RenewalCount),
		zap.Int64("charged", charged),
	)
	m.publish(ctx, events.Event{
		Key:        events.KeyOrderRenewed,
		UserID:     renewed.UserID,
		OrderID:    renewed.ID,
		ProductID:  renewed.ProductID,
		Amount:     charged,
		ExpiresAt:  renewed.ExpiresAt,
		OccurredAt: now,
	})
	return renewed, nil
}

// Rehabilitate возвращает единицы заказа на склад с данными для входа из снимка заказа
// и закрывает заказ для продлений. Допускается и для неистёкших заказов.
func (m *Manager) Rehabilitate(ctx context.Context, orderID string) (model.Order, error) {
	now := m.now()
	var (
		closed   model.Order
		released int
	)
	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Rehabilitated() {
			return model.ErrAlreadyRehabilitated
		}

		pool := stock.NewPool(tx, m.now)
		for i, item := range o.Items {
			if item.StockUnitID == nil {
				continue
			}
			credential := item.Credential
			if err := pool.Release(ctx, *item.StockUnitID, &credential); err != nil {
				return fmt.Errorf("release unit %s: %w", *item.StockUnitID, err)
			}
			o.Items[i].StockUnitID = nil
			released++
		}

		o.Status = model.OrderStatusCancelled
		o.RehabilitatedAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		closed = o
		return nil
	})
	if err != nil {
		m.logFailure("rehabilitation failed", err, zap.String("order_id", orderID))
		return model.Order{}, err
	}

	m.metrics.Rehabilitation()
	m.logger.Info("order rehabilitated", zap.String("order_id", closed.ID), zap.Int("released", released))
	m.publish(ctx, events.Event{
		Key:        events.KeyOrderRehabilitated,
		UserID:     closed.UserID,
		OrderID:    closed.ID,
		ProductID:  closed.ProductID,
		OccurredAt: now,
	})
	return closed, nil
}

// CorrectCredential исправляет снимок данных для входа в позиции заказа.
// При реабилитации на склад вернётся исправленный снимок.
func (m *Manager) CorrectCredential(ctx context.Context, orderID string, itemIndex int, credential model.Credential) (model.Order, error) {
	if credential.Email == "" || credential.Password == "" {
		return model.Order{}, fmt.Errorf("%w: email and password are required", model.ErrInvalidCredential)
	}

	var updated model.Order
	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Rehabilitated() {
			return model.ErrAlreadyRehabilitated
		}
		if itemIndex < 0 || itemIndex >= len(o.Items) {
			return ErrItemNotFound
		}

		o.Items[itemIndex].Credential = credential
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}

	m.logger.Info("order credential corrected", zap.String("order_id", orderID), zap.Int("item", itemIndex))
	return updated, nil
}

// Get возвращает заказ.
func (m *Manager) Get(ctx context.Context, orderID string) (model.Order, error) {
	return m.store.GetOrder(ctx, orderID)
}

// List возвращает заказы по фильтру. Фильтр по сроку действия вычисляется на текущий момент.
func (m *Manager) List(ctx context.Context, filter model.OrderFilter) ([]model.Order, error) {
	orders, err := m.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter.Expiration == "" {
		return orders, nil
	}

	now := m.now()
	res := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if ClassifyExpiration(o, now) == filter.Expiration {
			res = append(res, o)
		}
	}
	return res, nil
}

// Classify возвращает класс срока действия заказа на текущий момент.
func (m *Manager) Classify(o model.Order) model.ExpirationClass {
	return ClassifyExpiration(o, m.now())
}

// ClassifyExpiration относит заказ к классу срока действия. Результат зависит только от now и срока заказа.
func ClassifyExpiration(o model.Order, now time.Time) model.ExpirationClass {
	if now.After(o.ExpiresAt) {
		return model.ExpirationExpired
	}
	if o.ExpiresAt.Sub(now) <= ExpiringWindow {
		return model.ExpirationExpiring
	}
	return model.ExpirationCurrent
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if err := m.events.Publish(ctx, e); err != nil {
		m.logger.Warn("publish event failed", zap.String("event", e.Key), zap.String("order_id", e.OrderID), zap.Error(err))
	}
}

func (m *Manager) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if metrics.Result(err) == metrics.ResultError {
		m.logger.Error(msg, fields...)
		return
	}
	m.logger.Info(msg, fields...)
}
