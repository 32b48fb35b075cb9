package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/streamshop/internal/model"
)

func TestClientIsBlocked_OK(t *testing.T) {
	until := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/blocks/42" {
			t.Errorf("path = %s, want /api/blocks/42", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.BlockStatus{
			Blocked: true, Reason: "fraud", Type: model.BlockTypeTemporary, ExpiresAt: &until,
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := client.IsBlocked(ctx, "42")
	if err != nil {
		t.Fatalf("IsBlocked error: %v", err)
	}
	if !status.Blocked || status.Reason != "fraud" || status.ExpiresAt == nil || !status.ExpiresAt.Equal(until) {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestClientIsBlocked_NotBlocked(t *testing.T) {
	for _, code := range []int{http.StatusNoContent, http.StatusNotFound} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		status, err := NewClient(ts.URL).IsBlocked(context.Background(), "42")
		ts.Close()
		if err != nil {
			t.Fatalf("status %d: unexpected error %v", code, err)
		}
		if status.Blocked {
			t.Fatalf("status %d: expected not blocked", code)
		}
	}
}

func TestClientIsBlocked_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).IsBlocked(context.Background(), "42")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfter < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", limited.RetryAfter)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error must unwrap to ErrRateLimited")
	}
}

func TestClientIsBlocked_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	if _, err := NewClient(ts.URL).IsBlocked(context.Background(), "42"); err == nil {
		t.Fatalf("expected error for 500")
	}
}

func TestClientNotConfigured(t *testing.T) {
	if _, err := NewClient("").IsBlocked(context.Background(), "42"); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
}
