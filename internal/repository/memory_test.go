package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProduct(t *testing.T, r *MemoryRepository, id string) {
	t.Helper()
	err := r.CreateProduct(context.Background(), model.Product{
		ID:        id,
		Name:      "Netflix",
		Kind:      model.ProductKindStreaming,
		SaleType:  model.SaleTypeFull,
		BasePrice: 50000,
		Active:    true,
	})
	require.NoError(t, err)
}

func TestMemoryClaimOldestFirst(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedProduct(t, r, "p1")

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, r.InsertStockUnit(ctx, model.StockUnit{
			ID: id, ProductID: "p1", Kind: model.UnitKindAccount, Available: true,
			Credential: model.Credential{Email: id + "@mail.test", Password: "x"},
		}))
	}

	got, err := r.ClaimStockUnit(ctx, "p1", model.UnitKindAccount)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.False(t, got.Available)

	got, err = r.ClaimStockUnit(ctx, "p1", model.UnitKindAccount)
	require.NoError(t, err)
	assert.Equal(t, "u2", got.ID)

	_, err = r.ClaimStockUnit(ctx, "p1", model.UnitKindProfile)
	assert.ErrorIs(t, err, model.ErrOutOfStock)

	counts, err := r.CountStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.AvailableAccount)
	assert.Equal(t, 2, counts.Sold)
}

func TestMemoryReleaseStockUnit(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedProduct(t, r, "p1")
	require.NoError(t, r.InsertStockUnit(ctx, model.StockUnit{
		ID: "u1", ProductID: "p1", Kind: model.UnitKindAccount, Available: true,
		Credential: model.Credential{Email: "old@mail.test", Password: "old"},
	}))

	err := r.ReleaseStockUnit(ctx, "u1", nil)
	assert.ErrorIs(t, err, model.ErrAlreadyAvailable)

	err = r.ReleaseStockUnit(ctx, "missing", nil)
	assert.ErrorIs(t, err, model.ErrStockUnitNotFound)

	_, err = r.ClaimStockUnit(ctx, "p1", model.UnitKindAccount)
	require.NoError(t, err)

	fixed := model.Credential{Email: "new@mail.test", Password: "new"}
	require.NoError(t, r.ReleaseStockUnit(ctx, "u1", &fixed))

	got, err := r.ClaimStockUnit(ctx, "p1", model.UnitKindAccount)
	require.NoError(t, err)
	assert.Equal(t, fixed, got.Credential)
}

func TestMemoryLedgerNeverNegative(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	_, err := r.ApplyLedgerEntry(ctx, model.LedgerEntry{ID: "e1", UserID: "u", Amount: 100, Reason: model.LedgerReasonRecharge})
	require.NoError(t, err)

	_, err = r.ApplyLedgerEntry(ctx, model.LedgerEntry{ID: "e2", UserID: "u", Amount: -150, Reason: model.LedgerReasonPurchase})
	var credit *model.InsufficientCreditError
	require.True(t, errors.As(err, &credit), "expected InsufficientCreditError, got %v", err)
	assert.Equal(t, int64(150), credit.Required)
	assert.Equal(t, int64(100), credit.Available)

	entry, err := r.ApplyLedgerEntry(ctx, model.LedgerEntry{ID: "e3", UserID: "u", Amount: -100, Reason: model.LedgerReasonPurchase})
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.BalanceAfter)

	history, err := r.ListLedgerEntries(ctx, "u", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "e3", history[0].ID)
}

func TestMemoryInTxRollback(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedProduct(t, r, "p1")
	require.NoError(t, r.InsertStockUnit(ctx, model.StockUnit{
		ID: "u1", ProductID: "p1", Kind: model.UnitKindAccount, Available: true,
	}))

	boom := errors.New("boom")
	err := r.InTx(ctx, func(tx Tx) error {
		if _, err := tx.ClaimStockUnit(ctx, "p1", model.UnitKindAccount); err != nil {
			return err
		}
		if _, err := tx.ApplyLedgerEntry(ctx, model.LedgerEntry{ID: "e1", UserID: "u", Amount: 10}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	counts, err := r.CountStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.AvailableAccount)

	bal, err := r.GetBalance(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Balance)
}

func TestMemoryOrderRequestIDUnique(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	req := "req-1"
	now := time.Now()

	order := model.Order{
		ID: "o1", UserID: "u", ProductID: "p", Quantity: 1, RequestID: &req, CreatedAt: now,
		Items: []model.OrderItem{{Credential: model.Credential{Email: "a@b.c"}}},
	}
	require.NoError(t, r.CreateOrder(ctx, order))

	order.ID = "o2"
	assert.ErrorIs(t, r.CreateOrder(ctx, order), model.ErrDuplicateRequest)

	got, err := r.GetOrderByRequestID(ctx, "u", req)
	require.NoError(t, err)
	assert.Equal(t, "o1", got.ID)

	got.Items[0].Credential.Email = "changed@b.c"
	again, err := r.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", again.Items[0].Credential.Email, "stored order must not alias returned items")
}

func TestMemoryBlocks(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	require.NoError(t, r.CreateBlock(ctx, model.UserBlock{ID: "b1", UserID: "u", Type: model.BlockTypePermanent, Active: true}))
	require.NoError(t, r.CreateBlock(ctx, model.UserBlock{ID: "b2", UserID: "u", Type: model.BlockTypeTemporary, Active: true}))

	blocks, err := r.ListActiveBlocks(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	n, err := r.DeactivateBlocks(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	blocks, err = r.ListActiveBlocks(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, blocks)
}
