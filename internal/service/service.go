// Package service реализует прикладной слой магазина поверх каталога, склада, баланса и заказов.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/streamshop/internal/catalog"
	"github.com/mmeshcher/streamshop/internal/events"
	"github.com/mmeshcher/streamshop/internal/gate"
	"github.com/mmeshcher/streamshop/internal/ledger"
	"github.com/mmeshcher/streamshop/internal/metrics"
	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/mmeshcher/streamshop/internal/offer"
	"github.com/mmeshcher/streamshop/internal/order"
	"github.com/mmeshcher/streamshop/internal/repository"
	"github.com/mmeshcher/streamshop/internal/stock"
	"github.com/mmeshcher/streamshop/internal/validation"
	"go.uber.org/zap"
)

// Deps содержит зависимости сервиса. Всё, кроме Store и Catalog, необязательно.
type Deps struct {
	Store   repository.Store
	Catalog *catalog.Catalog
	// Gate задаёт внешний сервис блокировок. Таблица блокировок хранилища проверяется всегда.
	Gate    gate.Gate
	Events  events.Publisher
	Metrics *metrics.Recorder
	Logger  *zap.Logger
	Now     func() time.Time
}

// Service содержит бизнес-логику магазина.
type Service struct {
	store    repository.Store
	catalog  *catalog.Catalog
	orders   *order.Manager
	resolver *offer.Resolver
	blocks   *gate.RepositoryGate
	events   events.Publisher
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewService создаёт сервис.
func NewService(d Deps) *Service {
	s := &Service{
		store:   d.Store,
		catalog: d.Catalog,
		events:  d.Events,
		metrics: d.Metrics,
		logger:  d.Logger,
		now:     d.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	s.resolver = offer.NewResolver(d.Store, s.now)
	s.blocks = gate.NewRepositoryGate(d.Store, s.now)

	var g gate.Gate = s.blocks
	if d.Gate != nil {
		g = gate.Any{s.blocks, d.Gate}
	}
	s.orders = order.NewManager(order.Deps{
		Store:    d.Store,
		Products: d.Catalog,
		Gate:     g,
		Resolver: s.resolver,
		Events:   s.events,
		Metrics:  s.metrics,
		Logger:   s.logger,
		Now:      s.now,
	})
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Products возвращает продукты, доступные пользователю для покупки.
// Эксклюзивные продукты с непустым списком допуска видны только допущенным пользователям.
func (s *Service) Products(ctx context.Context, userID string) ([]model.Product, error) {
	all, err := s.catalog.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := make([]model.Product, 0, len(all))
	for _, p := range all {
		if !p.Available(now) {
			continue
		}
		if p.Kind == model.ProductKindExclusive && len(p.AllowList) > 0 {
			a, ok := p.Allowance(userID)
			if !ok {
				continue
			}
			p.AllowList = []model.ExclusiveAllowance{a}
		}
		res = append(res, p)
	}
	return res, nil
}

// AllProducts возвращает весь каталог для администратора.
func (s *Service) AllProducts(ctx context.Context) ([]model.Product, error) {
	return s.catalog.List(ctx)
}

// CreateProduct добавляет продукт.
func (s *Service) CreateProduct(ctx context.Context, in catalog.ProductInput) (model.Product, error) {
	return s.catalog.Create(ctx, in)
}

// UpdateProduct изменяет продукт.
func (s *Service) UpdateProduct(ctx context.Context, id string, in catalog.ProductInput) (model.Product, error) {
	return s.catalog.Update(ctx, id, in)
}

// SetAllowList заменяет список допуска эксклюзивного продукта.
func (s *Service) SetAllowList(ctx context.Context, id string, list []model.ExclusiveAllowance) (model.Product, error) {
	return s.catalog.SetAllowList(ctx, id, list)
}

// StockInput описывает единицу склада, загружаемую администратором.
type StockInput struct {
	Kind       model.UnitKind   `json:"kind" validate:"required,oneof=ACCOUNT PROFILE"`
	Credential model.Credential `json:"credential"`
	Notes      string           `json:"notes,omitempty"`
}

// AddStock добавляет единицы на склад продукта. Либо добавляются все единицы, либо ни одна.
func (s *Service) AddStock(ctx context.Context, productID string, units []StockInput) ([]model.StockUnit, error) {
	if _, err := s.catalog.Get(ctx, productID); err != nil {
		return nil, err
	}

	var added []model.StockUnit
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		pool := stock.NewPool(tx, s.now)
		added = make([]model.StockUnit, 0, len(units))
		for i, in := range units {
			u, err := pool.Add(ctx, productID, in.Kind, in.Credential, in.Notes)
			if err != nil {
				return fmt.Errorf("unit %d: %w", i+1, err)
			}
			added = append(added, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("stock added", zap.String("product_id", productID), zap.Int("units", len(added)))
	return added, nil
}

// AddStockLines разбирает текстовую загрузку склада и добавляет единицы одного вида.
func (s *Service) AddStockLines(ctx context.Context, productID string, kind model.UnitKind, text string) ([]model.StockUnit, error) {
	credentials, err := validation.ParseCredentialLines(text, kind)
	if err != nil {
		return nil, err
	}
	if _, err := s.catalog.Get(ctx, productID); err != nil {
		return nil, err
	}

	var added []model.StockUnit
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		var txErr error
		added, txErr = stock.NewPool(tx, s.now).AddBatch(ctx, productID, kind, credentials, "")
		return txErr
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("stock loaded", zap.String("product_id", productID), zap.Int("units", len(added)))
	return added, nil
}

// StockCounts возвращает сводку по складу продукта.
func (s *Service) StockCounts(ctx context.Context, productID string) (model.StockCounts, error) {
	if _, err := s.catalog.Get(ctx, productID); err != nil {
		return model.StockCounts{}, err
	}
	return stock.NewPool(s.store, s.now).Counts(ctx, productID)
}

// Recharge пополняет баланс пользователя и возвращает новый баланс.
func (s *Service) Recharge(ctx context.Context, userID string, amount int64) (int64, error) {
	balance, err := ledger.New(s.store, s.now).Credit(ctx, userID, amount, model.LedgerReasonRecharge)
	if err != nil {
		return 0, err
	}

	s.metrics.Recharge(amount)
	s.logger.Info("credit recharged", zap.String("user_id", userID), zap.Int64("amount", amount), zap.Int64("balance", balance))
	if err := s.events.Publish(ctx, events.Event{
		Key:        events.KeyCreditRecharged,
		UserID:     userID,
		Amount:     amount,
		Balance:    balance,
		OccurredAt: s.now(),
	}); err != nil {
		s.logger.Warn("publish event failed", zap.String("event", events.KeyCreditRecharged), zap.Error(err))
	}
	return balance, nil
}

// Balance возвращает баланс пользователя.
func (s *Service) Balance(ctx context.Context, userID string) (model.CreditBalance, error) {
	return ledger.New(s.store, s.now).Balance(ctx, userID)
}

// LedgerHistory возвращает последние движения по балансу пользователя.
func (s *Service) LedgerHistory(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return ledger.New(s.store, s.now).History(ctx, userID, limit)
}

// Purchase оформляет покупку.
func (s *Service) Purchase(ctx context.Context, req order.PurchaseRequest) (OrderView, error) {
	o, err := s.orders.Purchase(ctx, req)
	if err != nil {
		return OrderView{}, err
	}
	return s.view(o), nil
}

// OrderView дополняет заказ вычисленным классом срока действия.
type OrderView struct {
	model.Order
	Expiration model.ExpirationClass `json:"expiration"`
}

// Orders возвращает заказы по фильтру вместе с их классом срока действия.
func (s *Service) Orders(ctx context.Context, filter model.OrderFilter) ([]OrderView, error) {
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	res := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		res = append(res, s.view(o))
	}
	return res, nil
}

// Order возвращает заказ с классом срока действия.
func (s *Service) Order(ctx context.Context, id string) (OrderView, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	return s.view(o), nil
}

func (s *Service) view(o model.Order) OrderView {
	return OrderView{Order: o, Expiration: s.orders.Classify(o)}
}

// Renew продлевает заказ.
func (s *Service) Renew(ctx context.Context, orderID string) (OrderView, error) {
	o, err := s.orders.Renew(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return s.view(o), nil
}

// Rehabilitate возвращает единицы заказа на склад.
func (s *Service) Rehabilitate(ctx context.Context, orderID string) (OrderView, error) {
	o, err := s.orders.Rehabilitate(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return s.view(o), nil
}

// CorrectCredential исправляет данные для входа в позиции заказа.
func (s *Service) CorrectCredential(ctx context.Context, orderID string, item int, c model.Credential) (OrderView, error) {
	o, err := s.orders.CorrectCredential(ctx, orderID, item, c)
	if err != nil {
		return OrderView{}, err
	}
	return s.view(o), nil
}

// Block блокирует покупки пользователя.
func (s *Service) Block(ctx context.Context, in gate.BlockInput) (model.UserBlock, error) {
	b, err := s.blocks.Block(ctx, in)
	if err != nil {
		return model.UserBlock{}, err
	}
	s.logger.Info("user blocked", zap.String("user_id", b.UserID), zap.String("type", string(b.Type)))
	return b, nil
}

// Unblock снимает блокировки пользователя.
func (s *Service) Unblock(ctx context.Context, userID string) error {
	if err := s.blocks.Unblock(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("user unblocked", zap.String("user_id", userID))
	return nil
}

// BlockStatus возвращает состояние блокировки по таблице блокировок магазина.
func (s *Service) BlockStatus(ctx context.Context, userID string) (model.BlockStatus, error) {
	return s.blocks.IsBlocked(ctx, userID)
}

// CreateOffer создаёт специальное предложение.
func (s *Service) CreateOffer(ctx context.Context, in offer.OfferInput) (model.SpecialOffer, error) {
	if _, err := s.catalog.Get(ctx, in.ProductID); err != nil {
		return model.SpecialOffer{}, err
	}
	return s.resolver.CreateOffer(ctx, in)
}

// DeactivateOffer выключает специальное предложение.
func (s *Service) DeactivateOffer(ctx context.Context, id string) error {
	return s.resolver.DeactivateOffer(ctx, id)
}

// Offers возвращает предложения пользователя.
func (s *Service) Offers(ctx context.Context, userID string) ([]model.SpecialOffer, error) {
	return s.resolver.ListOffers(ctx, userID)
}

// Quote рассчитывает цену покупки без её оформления.
func (s *Service) Quote(ctx context.Context, userID, productID string, saleType model.SaleType, quantity int) (offer.Quote, error) {
	p, err := s.catalog.Get(ctx, productID)
	if err != nil {
		return offer.Quote{}, err
	}
	if saleType == "" {
		saleType = p.SaleType
	}
	return s.resolver.ResolvePrice(ctx, userID, p, saleType, quantity)
}
