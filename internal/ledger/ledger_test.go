package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/mmeshcher/streamshop/internal/repository"
)

func TestDebitCredit(t *testing.T) {
	ctx := context.Background()
	l := New(repository.NewMemoryRepository(), nil)

	if _, err := l.Credit(ctx, "u", 0, model.LedgerReasonRecharge); !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("credit 0: got %v, want ErrInvalidAmount", err)
	}
	if _, err := l.Debit(ctx, "u", -1, model.LedgerReasonPurchase, nil); !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("debit -1: got %v, want ErrInvalidAmount", err)
	}

	bal, err := l.Credit(ctx, "u", 50000, model.LedgerReasonRecharge)
	if err != nil || bal != 50000 {
		t.Fatalf("credit: balance %d, err %v", bal, err)
	}

	_, err = l.Debit(ctx, "u", 50001, model.LedgerReasonPurchase, nil)
	var credit *model.InsufficientCreditError
	if !errors.As(err, &credit) {
		t.Fatalf("expected InsufficientCreditError, got %v", err)
	}
	if credit.Required != 50001 || credit.Available != 50000 {
		t.Fatalf("unexpected payload: %+v", credit)
	}

	bal, err = l.Debit(ctx, "u", 50000, model.LedgerReasonPurchase, nil)
	if err != nil || bal != 0 {
		t.Fatalf("debit: balance %d, err %v", bal, err)
	}

	history, err := l.History(ctx, "u", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Reason != model.LedgerReasonPurchase || history[0].Amount != -50000 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestBalanceNeverNegative(t *testing.T) {
	ctx := context.Background()
	l := New(repository.NewMemoryRepository(), nil)
	rnd := rand.New(rand.NewSource(42))

	var expected int64
	for i := 0; i < 500; i++ {
		amount := rnd.Int63n(1000) + 1
		if rnd.Intn(2) == 0 {
			if _, err := l.Credit(ctx, "u", amount, model.LedgerReasonRecharge); err != nil {
				t.Fatalf("credit: %v", err)
			}
			expected += amount
			continue
		}

		bal, err := l.Debit(ctx, "u", amount, model.LedgerReasonPurchase, nil)
		switch {
		case err == nil:
			expected -= amount
			if bal != expected {
				t.Fatalf("balance %d, want %d", bal, expected)
			}
		case errors.Is(err, model.ErrInsufficientCredit):
			if amount <= expected {
				t.Fatalf("debit %d rejected with balance %d", amount, expected)
			}
		default:
			t.Fatalf("debit: %v", err)
		}

		current, _ := l.Balance(ctx, "u")
		if current.Balance < 0 || current.Balance != expected {
			t.Fatalf("balance %d, want %d", current.Balance, expected)
		}
	}
}

func TestConcurrentDebitsSerialized(t *testing.T) {
	ctx := context.Background()
	l := New(repository.NewMemoryRepository(), nil)
	if _, err := l.Credit(ctx, "u", 1000, model.LedgerReasonRecharge); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "u", 100, model.LedgerReasonPurchase, nil); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 10 {
		t.Fatalf("successful debits = %d, want 10", successes)
	}
	bal, _ := l.Balance(ctx, "u")
	if bal.Balance != 0 {
		t.Fatalf("balance = %d, want 0", bal.Balance)
	}
}
