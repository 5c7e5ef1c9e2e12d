package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/fedimirror/internal/middleware"
	"github.com/hitoshi/fedimirror/internal/model"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     rate.Limit(1000),
		GeneralBurst:    1000,
		RegisterRate:    rate.Limit(1000),
		RegisterBurst:   1000,
		CleanupInterval: time.Hour,
	})
	t.Cleanup(rl.Stop)

	var buf bytes.Buffer
	return NewRouter(&RouterDeps{
		Feed:        &mockChangeFeedLister{},
		Registrar:   &mockPeerRegistrar{},
		Config:      testHandlerConfig(),
		RateLimiter: rl,
		Gatherer:    prometheus.NewRegistry(),
		Logger:      newTestLogger(&buf),
	})
}

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
	}{
		{"ヘルスチェック", http.MethodGet, "/health", "", http.StatusOK},
		{"メトリクス", http.MethodGet, "/metrics", "", http.StatusOK},
		{"nodeinfo", http.MethodGet, "/api/nodeinfo", "", http.StatusOK},
		{"チェンジフィード", http.MethodGet, "/api/changes", "", http.StatusOK},
		{"ピア登録", http.MethodPost, "/api/fediverser-instances", `{"portal_url":"https://peer.example.org"}`, http.StatusCreated},
		{"未知のパス", http.MethodGet, "/api/unknown", "", http.StatusNotFound},
		{"nodeinfoへのPOSTは405", http.MethodPost, "/api/nodeinfo", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *strings.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			} else {
				body = strings.NewReader("")
			}

			req := httptest.NewRequest(tt.method, tt.path, body)
			req.RemoteAddr = "203.0.113.7:1000"
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestRouter_RegisterRateLimited(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     rate.Limit(1000),
		GeneralBurst:    1000,
		RegisterRate:    rate.Limit(0.001),
		RegisterBurst:   1,
		CleanupInterval: time.Hour,
	})
	defer rl.Stop()

	var buf bytes.Buffer
	router := NewRouter(&RouterDeps{
		Feed:        &mockChangeFeedLister{},
		Registrar:   &mockPeerRegistrar{},
		Config:      testHandlerConfig(),
		RateLimiter: rl,
		Gatherer:    prometheus.NewRegistry(),
		Logger:      newTestLogger(&buf),
	})

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/fediverser-instances",
			strings.NewReader(`{"portal_url":"https://peer.example.org"}`))
		req.RemoteAddr = "203.0.113.7:1000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(); code != http.StatusCreated {
		t.Fatalf("1回目のcode = %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Errorf("2回目のcode = %d, want 429", code)
	}
}

func TestRouter_PanicReturns500(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rl.Stop()

	feed := &mockChangeFeedLister{
		listLocalSinceFunc: func(ctx context.Context, since time.Time, page, pageSize int) ([]*model.ChangeFeedEntry, error) {
			panic("想定外のエラー")
		},
	}

	var buf bytes.Buffer
	router := NewRouter(&RouterDeps{
		Feed:        feed,
		Registrar:   &mockPeerRegistrar{},
		Config:      testHandlerConfig(),
		RateLimiter: rl,
		Gatherer:    prometheus.NewRegistry(),
		Logger:      newTestLogger(&buf),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/changes", nil)
	req.RemoteAddr = "203.0.113.7:1000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", rec.Code)
	}
}
