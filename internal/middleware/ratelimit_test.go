package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimiterConfig(generalBurst, registerBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(0.001), // テスト中の補充をほぼ無効化
		GeneralBurst:    generalBurst,
		RegisterRate:    rate.Limit(0.001),
		RegisterBurst:   registerBurst,
		CleanupInterval: time.Hour,
	}
}

func doRequest(handler http.Handler, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/api/changes", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiter_GeneralLimitsPerClient(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(2, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		if code := doRequest(handler, "203.0.113.7:1000"); code != http.StatusOK {
			t.Fatalf("request %d: code = %d", i, code)
		}
	}

	if code := doRequest(handler, "203.0.113.7:1000"); code != http.StatusTooManyRequests {
		t.Errorf("バースト超過後のcode = %d, want 429", code)
	}

	// 別の接続元は独立したバジェットを持つ
	if code := doRequest(handler, "198.51.100.9:2000"); code != http.StatusOK {
		t.Errorf("別IPのcode = %d, want 200", code)
	}
}

func TestRateLimiter_SamePortRangeSharesBudget(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if code := doRequest(handler, "203.0.113.7:1000"); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	// ポート番号が違っても同一IPとして扱う
	if code := doRequest(handler, "203.0.113.7:2000"); code != http.StatusTooManyRequests {
		t.Errorf("code = %d, want 429", code)
	}
}

func TestRateLimiter_RegisterHasSeparateBudget(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 1))
	defer rl.Stop()

	general := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	register := rl.RegisterMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	if code := doRequest(register, "203.0.113.7:1000"); code != http.StatusCreated {
		t.Fatalf("code = %d", code)
	}
	if code := doRequest(register, "203.0.113.7:1000"); code != http.StatusTooManyRequests {
		t.Errorf("登録2回目のcode = %d, want 429", code)
	}

	// 登録バジェットの枯渇は一般バジェットに影響しない
	if code := doRequest(general, "203.0.113.7:1000"); code != http.StatusOK {
		t.Errorf("一般APIのcode = %d, want 200", code)
	}
}

func TestRateLimiter_ExceededResponseIsJSON(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(0, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/changes", nil)
	req.RemoteAddr = "203.0.113.7:1000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
