// Package model содержит доменные сущности магазина учётных записей стриминговых сервисов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductKind различает обычные аккаунты и эксклюзивные аккаунты с ограниченным доступом.
type ProductKind string

const (
	ProductKindStreaming ProductKind = "STREAMING"
	ProductKindExclusive ProductKind = "EXCLUSIVE"
)

// SaleType описывает, что продаётся: аккаунт целиком или отдельные профили.
type SaleType string

const (
	SaleTypeFull     SaleType = "FULL"
	SaleTypeProfiles SaleType = "PROFILES"
)

// UnitKind описывает вид единицы на складе.
type UnitKind string

const (
	UnitKindAccount UnitKind = "ACCOUNT"
	UnitKindProfile UnitKind = "PROFILE"
)

// UnitKindFor возвращает вид единицы склада, соответствующий типу продажи.
func UnitKindFor(t SaleType) UnitKind {
	if t == SaleTypeProfiles {
		return UnitKindProfile
	}
	return UnitKindAccount
}

// Valid сообщает, является ли значение известным видом единицы.
func (k UnitKind) Valid() bool {
	return k == UnitKindAccount || k == UnitKindProfile
}

// Valid сообщает, является ли значение известным типом продажи.
func (t SaleType) Valid() bool {
	return t == SaleTypeFull || t == SaleTypeProfiles
}

// ExclusiveAllowance описывает запись списка допуска к эксклюзивному продукту.
type ExclusiveAllowance struct {
	UserID     string `json:"user_id"`
	FixedPrice *int64 `json:"fixed_price,omitempty"`
}

// Product описывает продукт каталога. Суммы хранятся в минимальных денежных единицах.
type Product struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Kind         ProductKind          `json:"kind"`
	SaleType     SaleType             `json:"sale_type"`
	BasePrice    int64                `json:"base_price"`
	ProfilePrice *int64               `json:"profile_price,omitempty"`
	MaxProfiles  *int                 `json:"max_profiles,omitempty"`
	DurationDays int                  `json:"duration_days"`
	Active       bool                 `json:"active"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`
	AllowList    []ExclusiveAllowance `json:"allow_list,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// MaxOrderQuantity ограничивает число единиц в одном заказе.
const MaxOrderQuantity = 100

// DefaultDurationDays задаёт срок действия заказа, если у продукта он не задан.
const DefaultDurationDays = 30

// Duration возвращает срок, на который выдаётся доступ при покупке или продлении.
func (p Product) Duration() time.Duration {
	days := p.DurationDays
	if days <= 0 {
		days = DefaultDurationDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ListPrice возвращает цену единицы без учёта предложений.
func (p Product) ListPrice(t SaleType) int64 {
	if t == SaleTypeProfiles && p.ProfilePrice != nil {
		return *p.ProfilePrice
	}
	return p.BasePrice
}

// Allowance возвращает запись списка допуска для пользователя.
func (p Product) Allowance(userID string) (ExclusiveAllowance, bool) {
	for _, a := range p.AllowList {
		if a.UserID == userID {
			return a, true
		}
	}
	return ExclusiveAllowance{}, false
}

// Available сообщает, можно ли продавать продукт в момент now.
func (p Product) Available(now time.Time) bool {
	if !p.Active {
		return false
	}
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		return false
	}
	return true
}

// Credential содержит данные для входа, выдаваемые покупателю.
type Credential struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	ProfileName string `json:"profile_name,omitempty"`
	PIN         string `json:"pin,omitempty"`
}

// StockUnit описывает одну продаваемую учётную запись или слот профиля.
type StockUnit struct {
	ID         string     `json:"id"`
	ProductID  string     `json:"product_id"`
	Kind       UnitKind   `json:"kind"`
	Credential Credential `json:"credential"`
	Available  bool       `json:"available"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// StockCounts содержит сводку по складу продукта.
type StockCounts struct {
	ProductID        string `json:"product_id"`
	AvailableAccount int    `json:"available_accounts"`
	AvailableProfile int    `json:"available_profiles"`
	Sold             int    `json:"sold"`
}

// Available возвращает количество свободных единиц нужного вида.
func (c StockCounts) Available(kind UnitKind) int {
	if kind == UnitKindProfile {
		return c.AvailableProfile
	}
	return c.AvailableAccount
}

// LedgerReason описывает причину движения по балансу.
type LedgerReason string

const (
	LedgerReasonRecharge LedgerReason = "RECHARGE"
	LedgerReasonPurchase LedgerReason = "PURCHASE"
	LedgerReasonRenewal  LedgerReason = "RENEWAL"
)

// CreditBalance содержит баланс кредитов пользователя.
type CreditBalance struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry описывает запись журнала движений по балансу.
type LedgerEntry struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Amount       int64        `json:"amount"`
	Reason       LedgerReason `json:"reason"`
	OrderID      *string      `json:"order_id,omitempty"`
	BalanceAfter int64        `json:"balance_after"`
	CreatedAt    time.Time    `json:"created_at"`
}

// SpecialOffer описывает персональную скидку или фиксированную цену на продукт.
type SpecialOffer struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	ProductID       string          `json:"product_id"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	FixedPrice      *int64          `json:"fixed_price,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Applicable сообщает, действует ли предложение в момент now.
func (o SpecialOffer) Applicable(now time.Time) bool {
	if !o.Active {
		return false
	}
	if o.ExpiresAt != nil && now.After(*o.ExpiresAt) {
		return false
	}
	return true
}

// OrderStatus описывает сохраняемый статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// OrderItem хранит выданную по заказу единицу склада и снимок её данных для входа.
type OrderItem struct {
	StockUnitID *string    `json:"stock_unit_id,omitempty"`
	Credential  Credential `json:"credential"`
}

// Order описывает заказ пользователя.
type Order struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	ProductID       string      `json:"product_id"`
	SaleType        SaleType    `json:"sale_type"`
	Items           []OrderItem `json:"items"`
	Quantity        int         `json:"quantity"`
	UnitPrice       int64       `json:"unit_price"`
	TotalPrice      int64       `json:"total_price"`
	AppliedOfferID  *string     `json:"applied_offer_id,omitempty"`
	Status          OrderStatus `json:"status"`
	RequestID       *string     `json:"request_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	RenewalCount    int         `json:"renewal_count"`
	LastRenewedAt   *time.Time  `json:"last_renewed_at,omitempty"`
	RehabilitatedAt *time.Time  `json:"rehabilitated_at,omitempty"`
}

// Rehabilitated сообщает, были ли единицы заказа возвращены на склад.
func (o Order) Rehabilitated() bool {
	return o.RehabilitatedAt != nil
}

// ExpirationClass описывает вычисляемое состояние срока действия заказа.
type ExpirationClass string

const (
	ExpirationCurrent  ExpirationClass = "VIGENTE"
	ExpirationExpiring ExpirationClass = "POR_EXPIRAR"
	ExpirationExpired  ExpirationClass = "EXPIRADO"
)

// OrderFilter задаёт выборку заказов для отчётов.
type OrderFilter struct {
	UserID     string
	ProductID  string
	Expiration ExpirationClass
}

// BlockType описывает вид блокировки пользователя.
type BlockType string

const (
	BlockTypeTemporary BlockType = "temporary"
	BlockTypePermanent BlockType = "permanent"
)

// UserBlock описывает блокировку покупок пользователя.
type UserBlock struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Reason    string     `json:"reason"`
	Type      BlockType  `json:"type"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
}

// InForce сообщает, действует ли блокировка в момент now.
func (b UserBlock) InForce(now time.Time) bool {
	if !b.Active {
		return false
	}
	if b.Type == BlockTypePermanent || b.ExpiresAt == nil {
		return true
	}
	return now.Before(*b.ExpiresAt)
}

// BlockStatus содержит ответ шлюза доступа.
type BlockStatus struct {
	Blocked   bool       `json:"blocked"`
	Reason    string     `json:"reason,omitempty"`
	Type      BlockType  `json:"type,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
