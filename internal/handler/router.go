package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/keystone/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Dispatcher  Dispatcher
	AuthService AuthService
	AuthConfig  AuthHandlerConfig

	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder

	Health  Pinger
	Version string
	Metrics http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestInfo → Logging → Recovery → SecurityHeaders → CORS
//
// /rpc にはAPI全般のレート制限、/auth のログイン・更新系にはログイン用のレート制限を適用する。
// Cookieで認証する /auth/refresh と /auth/logout はCSRF検証を通す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRequestInfoMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.Health, deps.Version))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	rpcHandler := NewRPCHandler(deps.Dispatcher)
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Post("/rpc", rpcHandler.InvokeEnvelope)
		r.Post("/rpc/{op}", rpcHandler.Invoke)
	})

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	csrfConfig := deps.AuthConfig.csrf()
	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.LoginMiddleware())

		r.Get("/{provider}/login", authHandler.Login)
		r.Get("/{provider}/callback", authHandler.Callback)
		r.Get("/csrf", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(csrfConfig))
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
		})
	})

	return r
}
