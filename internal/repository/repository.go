// Package repository содержит хранилища данных магазина: PostgreSQL и in-memory.
package repository

import (
	"context"

	"github.com/mmeshcher/streamshop/internal/model"
)

// Tx описывает операции хранилища. Каждая операция атомарна сама по себе,
// а внутри Store.InTx несколько операций выполняются в одной транзакции.
type Tx interface {
	CreateProduct(ctx context.Context, p model.Product) error
	UpdateProduct(ctx context.Context, p model.Product) error
	GetProduct(ctx context.Context, id string) (model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	SetAllowList(ctx context.Context, productID string, list []model.ExclusiveAllowance) error

	InsertStockUnit(ctx context.Context, u model.StockUnit) error
	// ClaimStockUnit помечает самую старую свободную единицу как выданную и возвращает её.
	// Если свободных единиц нет, возвращает model.ErrOutOfStock.
	ClaimStockUnit(ctx context.Context, productID string, kind model.UnitKind) (model.StockUnit, error)
	// ReleaseStockUnit возвращает выданную единицу на склад, при необходимости заменяя данные для входа.
	ReleaseStockUnit(ctx context.Context, id string, credential *model.Credential) error
	CountStock(ctx context.Context, productID string) (model.StockCounts, error)

	// ApplyLedgerEntry изменяет баланс на entry.Amount и пишет запись журнала.
	// Отрицательная сумма списывается только при достаточном балансе,
	// иначе возвращается *model.InsufficientCreditError без изменений.
	ApplyLedgerEntry(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error)
	GetBalance(ctx context.Context, userID string) (model.CreditBalance, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	CreateOffer(ctx context.Context, o model.SpecialOffer) error
	DeactivateOffer(ctx context.Context, id string) error
	// ListOffers возвращает предложения пользователя, новые первыми. Пустой productID означает все продукты.
	ListOffers(ctx context.Context, userID, productID string) ([]model.SpecialOffer, error)

	// CreateOrder сохраняет заказ. Повтор ключа идемпотентности даёт model.ErrDuplicateRequest.
	CreateOrder(ctx context.Context, o model.Order) error
	UpdateOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	GetOrderByRequestID(ctx context.Context, userID, requestID string) (model.Order, error)
	// ListOrders возвращает заказы пользователя/продукта, новые первыми.
	ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error)

	CreateBlock(ctx context.Context, b model.UserBlock) error
	// DeactivateBlocks снимает все активные блокировки пользователя и возвращает их число.
	DeactivateBlocks(ctx context.Context, userID string) (int, error)
	ListActiveBlocks(ctx context.Context, userID string) ([]model.UserBlock, error)
}

// Store описывает хранилище с поддержкой транзакций.
type Store interface {
	Tx
	// InTx выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
