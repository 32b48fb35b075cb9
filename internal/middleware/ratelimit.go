package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// limiterIdleTTL задаёт, сколько хранится ограничитель пользователя без запросов.
const limiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter ограничивает частоту запросов каждого пользователя отдельно.
// Ограничители простаивающих пользователей удаляются, поэтому размер таблицы
// ограничен числом ключей, активных за последние limiterIdleTTL.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	logger    *zap.Logger
	now       func() time.Time
	lastSweep time.Time
}

// NewRateLimiter создаёт ограничитель на perSecond запросов в секунду с запасом burst.
func NewRateLimiter(perSecond float64, burst int, logger *zap.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		l.sweep(now)
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// sweep удаляет ограничители, которые простаивают дольше limiterIdleTTL и уже
// восстановили полный запас, так что удаление не сбрасывает лимит. Вызывается под l.mu.
func (l *RateLimiter) sweep(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) >= limiterIdleTTL && v.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.visitors, key)
		}
	}
	l.lastSweep = now
}

// Middleware отвечает 429, если пользователь превысил лимит.
// Ключом служит пользователь из контекста, для анонимных запросов адрес клиента.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := GetUserIDFromContext(r.Context())
		if !ok {
			key = r.RemoteAddr
		}
		if !l.limiter(key).Allow() {
			l.logger.Info("too many requests", zap.String("key", key), zap.String("path", r.URL.Path))
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, map[string]string{"error": "too_many_requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
