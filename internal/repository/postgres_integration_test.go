//go:build integration

package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("streamshop"),
		postgres.WithUsername("streamshop"),
		postgres.WithPassword("streamshop"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestPostgresRepository(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	fixed := int64(9000)
	product := model.Product{
		ID: "p1", Name: "Disney", Kind: model.ProductKindExclusive, SaleType: model.SaleTypeFull,
		BasePrice: 20000, DurationDays: 30, Active: true, CreatedAt: now, UpdatedAt: now,
		AllowList: []model.ExclusiveAllowance{{UserID: "vip", FixedPrice: &fixed}},
	}
	require.NoError(t, repo.CreateProduct(ctx, product))

	t.Run("product round trip", func(t *testing.T) {
		got, err := repo.GetProduct(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got.AllowList, 1)
		assert.Equal(t, fixed, *got.AllowList[0].FixedPrice)

		_, err = repo.GetProduct(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrProductNotFound)
	})

	t.Run("concurrent claims are distinct", func(t *testing.T) {
		const units = 5
		for i := 0; i < units; i++ {
			require.NoError(t, repo.InsertStockUnit(ctx, model.StockUnit{
				ID: fmt.Sprintf("s%d", i), ProductID: "p1", Kind: model.UnitKindAccount, Available: true,
				Credential: model.Credential{Email: fmt.Sprintf("s%d@mail.test", i), Password: "pw"},
				CreatedAt:  now,
			}))
		}

		var (
			mu      sync.Mutex
			claimed = make(map[string]bool)
			misses  int
			wg      sync.WaitGroup
		)
		for i := 0; i < units+3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.InTx(ctx, func(tx Tx) error {
					u, err := tx.ClaimStockUnit(ctx, "p1", model.UnitKindAccount)
					if err != nil {
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					if claimed[u.ID] {
						return fmt.Errorf("unit %s claimed twice", u.ID)
					}
					claimed[u.ID] = true
					return nil
				})
				if errors.Is(err, model.ErrOutOfStock) {
					mu.Lock()
					misses++
					mu.Unlock()
					return
				}
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, units)
		assert.Equal(t, 3, misses)
	})

	t.Run("conditional debit", func(t *testing.T) {
		_, err := repo.ApplyLedgerEntry(ctx, model.LedgerEntry{ID: "l1", UserID: "u", Amount: 100, Reason: model.LedgerReasonRecharge, CreatedAt: now})
		require.NoError(t, err)

		_, err = repo.ApplyLedgerEntry(ctx, model.LedgerEntry{ID: "l2", UserID: "u", Amount: -101, Reason: model.LedgerReasonPurchase, CreatedAt: now})
		var credit *model.InsufficientCreditError
		require.True(t, errors.As(err, &credit))
		assert.Equal(t, int64(100), credit.Available)

		bal, err := repo.GetBalance(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, int64(100), bal.Balance)
	})

	t.Run("offers keep decimal discount", func(t *testing.T) {
		require.NoError(t, repo.CreateOffer(ctx, model.SpecialOffer{
			ID: "o1", UserID: "u", ProductID: "p1", DiscountPercent: decimal.RequireFromString("12.5"),
			Active: true, CreatedAt: now,
		}))
		offers, err := repo.ListOffers(ctx, "u", "p1")
		require.NoError(t, err)
		require.Len(t, offers, 1)
		assert.True(t, offers[0].DiscountPercent.Equal(decimal.RequireFromString("12.5")))
	})

	t.Run("duplicate request id", func(t *testing.T) {
		req := "r1"
		order := model.Order{
			ID: "ord1", UserID: "u", ProductID: "p1", SaleType: model.SaleTypeFull, Quantity: 1,
			UnitPrice: 1, TotalPrice: 1, Status: model.OrderStatusCompleted, RequestID: &req,
			CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			Items: []model.OrderItem{{Credential: model.Credential{Email: "a@b.c", Password: "p"}}},
		}
		require.NoError(t, repo.CreateOrder(ctx, order))

		order.ID = "ord2"
		assert.ErrorIs(t, repo.CreateOrder(ctx, order), model.ErrDuplicateRequest)

		got, err := repo.GetOrderByRequestID(ctx, "u", req)
		require.NoError(t, err)
		assert.Equal(t, "ord1", got.ID)
		require.Len(t, got.Items, 1)
	})
}
