// Package ledger реализует баланс кредитов пользователей.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/streamshop/internal/model"
)

// Store описывает операции хранилища, которыми пользуется журнал.
type Store interface {
	ApplyLedgerEntry(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error)
	GetBalance(ctx context.Context, userID string) (model.CreditBalance, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
}

// Ledger списывает и начисляет кредиты. Каждое изменение баланса сопровождается
// записью журнала в той же операции хранилища.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New создаёт журнал поверх хранилища.
func New(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// Debit списывает amount, только если баланс не меньше суммы, и возвращает новый баланс.
// При нехватке возвращается *model.InsufficientCreditError, баланс не меняется.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reason model.LedgerReason, orderID *string) (int64, error) {
	if amount < 0 {
		return 0, model.ErrInvalidAmount
	}
	entry, err := l.store.ApplyLedgerEntry(ctx, model.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    -amount,
		Reason:    reason,
		OrderID:   orderID,
		CreatedAt: l.now(),
	})
	if err != nil {
		if errors.Is(err, model.ErrInsufficientCredit) {
			return 0, err
		}
		return 0, fmt.Errorf("debit %d from %s: %w", amount, userID, err)
	}
	return entry.BalanceAfter, nil
}

// Credit начисляет amount и возвращает новый баланс.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason model.LedgerReason) (int64, error) {
	if amount <= 0 {
		return 0, model.ErrInvalidAmount
	}
	entry, err := l.store.ApplyLedgerEntry(ctx, model.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: l.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("credit %d to %s: %w", amount, userID, err)
	}
	return entry.BalanceAfter, nil
}

// Balance возвращает текущий баланс пользователя.
func (l *Ledger) Balance(ctx context.Context, userID string) (model.CreditBalance, error) {
	return l.store.GetBalance(ctx, userID)
}

// History возвращает последние limit записей журнала пользователя.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return l.store.ListLedgerEntries(ctx, userID, limit)
}
