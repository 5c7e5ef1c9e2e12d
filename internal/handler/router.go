package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fedimirror/internal/metrics"
	"github.com/hitoshi/fedimirror/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Feed      ChangeFeedLister
	Registrar PeerRegistrar
	Config    PeerHandlerConfig

	RateLimiter *middleware.RateLimiter
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// NewRouter はピアAPIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → RateLimitMiddleware(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	peerHandler := NewPeerHandler(deps.Feed, deps.Registrar, deps.Config, deps.Logger)

	// --- 運用ルート ---

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// --- ピア間連携ルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/nodeinfo", peerHandler.NodeInfo)
		r.Get("/api/changes", peerHandler.ListChanges)

		// ピア登録は登録専用レート制限を追加
		r.With(deps.RateLimiter.RegisterMiddleware()).
			Post("/api/fediverser-instances", peerHandler.RegisterInstance)
	})

	return r
}
