package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUserBlocked возвращается, если пользователю запрещены покупки.
	ErrUserBlocked = errors.New("user is blocked")
	// ErrInsufficientCredit возвращается, если баланса не хватает для списания.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrOutOfStock возвращается, если на складе нет свободных единиц.
	ErrOutOfStock = errors.New("out of stock")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrAlreadyRehabilitated возвращается при повторной реабилитации заказа.
	ErrAlreadyRehabilitated = errors.New("order already rehabilitated")
	// ErrAlreadyAvailable возвращается при возврате на склад единицы, которая не была выдана.
	ErrAlreadyAvailable = errors.New("stock unit already available")
	// ErrStockUnitNotFound возвращается, если единица склада не найдена.
	ErrStockUnitNotFound = errors.New("stock unit not found")
	ErrProductNotFound   = errors.New("product not found")
	// ErrProductUnavailable возвращается для неактивного или истёкшего продукта.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrNotEligible возвращается, если пользователь не входит в список допуска эксклюзивного продукта.
	ErrNotEligible      = errors.New("user not eligible for product")
	ErrSaleTypeMismatch = errors.New("sale type not offered by product")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrOfferNotFound    = errors.New("special offer not found")
	ErrBlockNotFound    = errors.New("active block not found")
	// ErrInvalidCredential возвращается для единицы склада без обязательных данных для входа.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrDuplicateRequest возвращается хранилищем, если заказ с таким ключом идемпотентности уже создан.
	ErrDuplicateRequest = errors.New("duplicate purchase request")
)

// BlockedError описывает действующую блокировку пользователя.
type BlockedError struct {
	UserID    string
	Reason    string
	Type      BlockType
	ExpiresAt *time.Time
}

func (e *BlockedError) Error() string {
	if e.ExpiresAt != nil {
		return fmt.Sprintf("user %s is blocked until %s: %s", e.UserID, e.ExpiresAt.Format(time.RFC3339), e.Reason)
	}
	return fmt.Sprintf("user %s is blocked (%s): %s", e.UserID, e.Type, e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrUserBlocked }

// InsufficientCreditError описывает нехватку баланса.
type InsufficientCreditError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for user %s: required %d, available %d", e.UserID, e.Required, e.Available)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// OutOfStockError описывает отсутствие свободных единиц продукта.
type OutOfStockError struct {
	ProductID string
	SaleType  SaleType
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("product %s is out of stock for sale type %s", e.ProductID, e.SaleType)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }
