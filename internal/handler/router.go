package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	// TrustProxyHeaders が有効な場合、X-Forwarded-For等からクライアントIPを取得する。
	TrustProxyHeaders bool

	// 認証
	Authenticator middleware.Authenticator
	Gateway       AuthGateway
	Providers     []auth.OAuthProvider
	AuthConfig    AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	Version        string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → (RealIP) → Logging → Metrics → SecurityHeaders → CORS
//
// 未認証で呼ばれる登録・ログイン・リフレッシュにはクライアントIPごとのレート制限をかける。
// ログアウトとプロフィールはセッションが失効していないことも確認する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Gateway, deps.Providers, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)
	healthHandler := NewHealthHandler(deps.HealthChecker, deps.Version)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		// --- 認証不要のルート ---
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
		})

		// プロバイダーログイン
		r.Get("/{provider}/login", authHandler.ProviderLogin)
		r.Get("/{provider}/callback", authHandler.ProviderCallback)

		r.Get("/verify", authHandler.VerifyEmail)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.Authenticator, true))

			r.Post("/logout", authHandler.Logout)
			r.Post("/logout/all", authHandler.LogoutAll)
			r.Get("/profile", userHandler.Profile)
		})
	})

	return r
}
