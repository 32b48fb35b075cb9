// Package stock реализует склад продаваемых учётных записей и слотов профилей.
package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/streamshop/internal/model"
)

// Store описывает операции хранилища, которыми пользуется склад.
// Реализуется repository.Store и транзакцией repository.Tx.
type Store interface {
	InsertStockUnit(ctx context.Context, u model.StockUnit) error
	ClaimStockUnit(ctx context.Context, productID string, kind model.UnitKind) (model.StockUnit, error)
	ReleaseStockUnit(ctx context.Context, id string, credential *model.Credential) error
	CountStock(ctx context.Context, productID string) (model.StockCounts, error)
}

// Pool выдаёт и возвращает единицы склада. Атомарность выдачи обеспечивает хранилище:
// выбор и пометка единицы выполняются одной условной операцией.
// Единицы выдаются в порядке добавления, самые старые первыми.
type Pool struct {
	store Store
	now   func() time.Time
}

// NewPool создаёт склад поверх хранилища. now задаёт часы для отметок времени.
func NewPool(store Store, now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	return &Pool{store: store, now: now}
}

// Claim резервирует одну свободную единицу нужного типа продажи.
func (p *Pool) Claim(ctx context.Context, productID string, saleType model.SaleType) (model.StockUnit, error) {
	u, err := p.store.ClaimStockUnit(ctx, productID, model.UnitKindFor(saleType))
	if err != nil {
		if errors.Is(err, model.ErrOutOfStock) {
			return model.StockUnit{}, &model.OutOfStockError{ProductID: productID, SaleType: saleType}
		}
		return model.StockUnit{}, fmt.Errorf("claim stock unit: %w", err)
	}
	return u, nil
}

// Release возвращает выданную единицу на склад. Если credential задан,
// данные для входа единицы заменяются на него.
func (p *Pool) Release(ctx context.Context, unitID string, credential *model.Credential) error {
	if err := p.store.ReleaseStockUnit(ctx, unitID, credential); err != nil {
		if errors.Is(err, model.ErrAlreadyAvailable) || errors.Is(err, model.ErrStockUnitNotFound) {
			return err
		}
		return fmt.Errorf("release stock unit %s: %w", unitID, err)
	}
	return nil
}

// Add добавляет на склад новую свободную единицу.
func (p *Pool) Add(ctx context.Context, productID string, kind model.UnitKind, credential model.Credential, notes string) (model.StockUnit, error) {
	if err := checkUnit(kind, credential); err != nil {
		return model.StockUnit{}, err
	}

	u := model.StockUnit{
		ID:         uuid.NewString(),
		ProductID:  productID,
		Kind:       kind,
		Credential: credential,
		Available:  true,
		Notes:      notes,
		CreatedAt:  p.now(),
	}
	if err := p.store.InsertStockUnit(ctx, u); err != nil {
		if errors.Is(err, model.ErrProductNotFound) {
			return model.StockUnit{}, err
		}
		return model.StockUnit{}, fmt.Errorf("add stock unit: %w", err)
	}
	return u, nil
}

// AddBatch добавляет несколько единиц одного вида. Для атомарности пакета
// вызывающий код выполняет его внутри транзакции хранилища.
func (p *Pool) AddBatch(ctx context.Context, productID string, kind model.UnitKind, credentials []model.Credential, notes string) ([]model.StockUnit, error) {
	for i, c := range credentials {
		if err := checkUnit(kind, c); err != nil {
			return nil, fmt.Errorf("unit %d: %w", i+1, err)
		}
	}

	units := make([]model.StockUnit, 0, len(credentials))
	for _, c := range credentials {
		u, err := p.Add(ctx, productID, kind, c, notes)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// Counts возвращает сводку по складу продукта.
func (p *Pool) Counts(ctx context.Context, productID string) (model.StockCounts, error) {
	counts, err := p.store.CountStock(ctx, productID)
	if err != nil {
		return model.StockCounts{}, fmt.Errorf("count stock: %w", err)
	}
	return counts, nil
}

func checkUnit(kind model.UnitKind, c model.Credential) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown unit kind %q", model.ErrInvalidCredential, kind)
	}
	if c.Email == "" || c.Password == "" {
		return fmt.Errorf("%w: email and password are required", model.ErrInvalidCredential)
	}
	if kind == model.UnitKindProfile && c.ProfileName == "" {
		return fmt.Errorf("%w: profile name is required", model.ErrInvalidCredential)
	}
	return nil
}
