package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/authsvc/internal/metrics"
	"github.com/hitoshi/authsvc/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TrustedProxies    *middleware.TrustedProxies
	HTTPRecorder      middleware.HTTPRecorder
	AccessVerifier    middleware.AccessVerifier
	UserFinder        middleware.UserFinder

	// 認証
	AuthService  AuthServiceInterface
	Registration RegistrationService
	OAuth        OAuthBridge
	Recorder     RegistrationRecorder
	AuthConfig   AuthHandlerConfig

	// 運用
	Health   HealthChecker
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → ClientIP → SecurityHeaders → Logging → Metrics → CORS
//
// ログイン・登録・リフレッシュにはクライアントIP単位のレート制限を追加する。
// X-Forwarded-Forは接続元がTrustedProxiesに含まれる場合だけ参照する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	// Secure Cookieを使う本番環境ではHSTSも付与する
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.HTTPRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.HTTPRecorder))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Registration, deps.OAuth, deps.Recorder, deps.AuthConfig)

	limited := func(h http.HandlerFunc) http.Handler {
		if deps.RateLimiter == nil {
			return h
		}
		return deps.RateLimiter.Middleware()(h)
	}

	r.Get("/health", HealthHandler(deps.Health))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Method(http.MethodPost, "/register", limited(authHandler.Register))
		r.Method(http.MethodPost, "/login", limited(authHandler.Login))
		r.Method(http.MethodPost, "/refresh", limited(authHandler.Refresh))
		r.Post("/logout", authHandler.Logout)

		// OAuthフロー
		r.Get("/google", authHandler.GoogleLogin)
		r.Get("/google/callback", authHandler.GoogleCallback)

		// 認証が必要なルート
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.AccessVerifier, deps.UserFinder))
			r.Get("/me", authHandler.Me)
		})
	})

	return r
}
