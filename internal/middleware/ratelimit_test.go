package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
)

func newLimitedHandler(rl *RateLimiter, calls *int) http.Handler {
	return rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			*calls++
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func requestFrom(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/partitions", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 2, Burst: 5, CleanupInterval: time.Minute})
	defer rl.Stop()

	calls := 0
	handler := newLimitedHandler(rl, &calls)

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:1234"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.5, Burst: 2, CleanupInterval: time.Minute})
	defer rl.Stop()

	handler := newLimitedHandler(rl, nil)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.2:1234"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:1234"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter != 2 {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %s", body["code"], model.ErrCodeRateLimited)
	}
}

func TestRateLimitMiddleware_IndependentPerClientIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.1, Burst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()

	handler := newLimitedHandler(rl, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.3:1111"))
	if w.Code != http.StatusOK {
		t.Fatalf("1件目 status = %d", w.Code)
	}

	// 同じIPはポートが違っても同じリミッターを共有する
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.3:2222"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("同一IPの2件目 status = %d, want 429", w.Code)
	}

	// 別IPは影響を受けない
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.4:1111"))
	if w.Code != http.StatusOK {
		t.Errorf("別IP status = %d, want 200", w.Code)
	}

	if n := rl.LimiterCount(); n != 2 {
		t.Errorf("LimiterCount = %d, want 2", n)
	}
}

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	rl.getOrCreateLimiter("10.0.0.5")
	rl.getOrCreateLimiter("10.0.0.6")

	// TTL内なら残る
	rl.limiters.Sweep(time.Now())
	if n := rl.LimiterCount(); n != 2 {
		t.Fatalf("LimiterCount = %d, want 2", n)
	}

	rl.limiters.Sweep(time.Now().Add(3 * time.Hour))
	if n := rl.LimiterCount(); n != 0 {
		t.Errorf("期限切れ後のLimiterCount = %d, want 0", n)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1})
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig(120)
	if cfg.Rate != 2 {
		t.Errorf("Rate = %v, want 2", cfg.Rate)
	}
	if cfg.Burst != 120 {
		t.Errorf("Burst = %d, want 120", cfg.Burst)
	}

	fallback := DefaultRateLimiterConfig(0)
	if fallback.Burst != 120 {
		t.Errorf("0指定時のBurst = %d, want 120", fallback.Burst)
	}
}

func TestRateLimitMiddleware_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 10, CleanupInterval: time.Minute})
	defer rl.Stop()

	handler := newLimitedHandler(rl, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, requestFrom("10.0.0.7:1234"))
			if w.Code == http.StatusOK {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 補充分を考慮して上限はバースト+1程度
	if allowed < 10 || allowed > 11 {
		t.Errorf("allowed = %d, want 10-11", allowed)
	}
}
