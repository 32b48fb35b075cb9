package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterPerUser(t *testing.T) {
	l := NewRateLimiter(0.001, 2, nil)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(userID string) int {
		r := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
		r = r.WithContext(WithUser(r.Context(), userID, ""))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("alice"); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, code)
		}
	}
	if code := call("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", code)
	}
	if code := call("bob"); code != http.StatusOK {
		t.Fatalf("other user must have own budget, status = %d", code)
	}
}

func TestRateLimiterEvictsIdleUsers(t *testing.T) {
	now := time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name      string
		perSecond float64
		wantKept  bool
	}{
		{name: "refilled limiter is dropped", perSecond: 1, wantKept: false},
		{name: "exhausted slow limiter is kept", perSecond: 0.0001, wantKept: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewRateLimiter(tt.perSecond, 1, nil)
			l.now = clock
			start := now

			if !l.limiter("alice").Allow() {
				t.Fatal("first request must pass")
			}
			now = start.Add(limiterIdleTTL + time.Minute)
			l.limiter("bob")

			_, kept := l.visitors["alice"]
			if kept != tt.wantKept {
				t.Fatalf("alice kept = %v, want %v", kept, tt.wantKept)
			}
			if _, ok := l.visitors["bob"]; !ok || len(l.visitors) > 2 {
				t.Fatalf("unexpected visitors: %d", len(l.visitors))
			}
			if tt.wantKept && l.limiter("alice").Allow() {
				t.Fatal("eviction must not reset an exhausted budget")
			}
			now = start
		})
	}
}
