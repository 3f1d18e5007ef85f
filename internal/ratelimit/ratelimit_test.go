package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/topupledger/internal/auth"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, perMinute, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst})
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("caller:user-1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("caller:user-1"))

	clock.advance(time.Second) // 60/min = one token per second
	assert.True(t, l.Allow("caller:user-1"))
	assert.False(t, l.Allow("caller:user-1"))
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 3)
	for i := 0; i < 3; i++ {
		l.Allow("k")
	}
	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("k") {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 2)
	l.Allow("a")
	l.Allow("a")
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_SweepDropsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 2)
	l.Allow("idle")
	clock.advance(10 * time.Minute)
	l.Allow("busy")

	l.sweep(clock.now().Add(-time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "idle")
	assert.Contains(t, l.clients, "busy")
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	assert.NotPanics(t, func() {
		l.Stop()
		l.Stop()
	})
}

func TestMiddleware_LimitsPerCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 1, 1)

	const token = "ratelimit-test-token"
	r := gin.New()
	r.Use(auth.Middleware(token), l.Middleware())
	r.GET("/v1/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(caller string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/ping", nil)
		req.Header.Set(auth.HeaderInternalToken, token)
		req.Header.Set(auth.HeaderCallerID, caller)
		req.Header.Set(auth.HeaderCallerRole, "user")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, do("user-1").Code)
	w := do("user-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusNoContent, do("user-2").Code)
}
