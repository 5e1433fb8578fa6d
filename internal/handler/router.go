package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authrelay/internal/middleware"
)

// AuthRouterDeps はNewAuthRouterに必要な依存関係をまとめた構造体。
type AuthRouterDeps struct {
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// CORSAllowedOrigin はフロントエンドのオリジン。
	CORSAllowedOrigin string
	// TrustedOrigins は状態変更リクエストを受け付けるオリジン。
	TrustedOrigins []string
	// RateLimiter はサインイン/サインアップに適用するIP単位のレート制限。nilの場合は適用しない。
	RateLimiter *middleware.RateLimiter

	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// ProductRouterDeps はNewProductRouterに必要な依存関係をまとめた構造体。
type ProductRouterDeps struct {
	// Gate は /api/* に適用するアクセスゲート。
	Gate           func(next http.Handler) http.Handler
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// FrontendRouterDeps はNewFrontendRouterに必要な依存関係をまとめた構造体。
type FrontendRouterDeps struct {
	Actions ServerActions
	// TrustedOrigins はサーバーアクションを受け付けるオリジン。
	TrustedOrigins []string
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// useCommon は全サーバー共通のミドルウェアを適用する。
//
// ミドルウェアスタックの実行順序:
//
//	LoggingMiddleware → RecoveryMiddleware → SecurityHeadersMiddleware
func useCommon(r chi.Router, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
}

func mountMetrics(r chi.Router, h http.Handler) {
	if h != nil {
		r.Method(http.MethodGet, "/metrics", h)
	}
}

// NewAuthRouter は認証サービスのルーティングを構成したchi.Routerを返す。
// サインイン/サインアップにはレート制限と信頼済みオリジン検証を適用する。
func NewAuthRouter(deps *AuthRouterDeps) http.Handler {
	r := chi.NewRouter()
	useCommon(r, deps.Logger)
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	h := NewAuthHandler(deps.AuthService, deps.AuthConfig)

	r.Get("/health", healthHandler("auth", deps.HealthChecker))
	mountMetrics(r, deps.MetricsHandler)

	r.Get("/api/session", h.GetSession)

	r.Route("/api/auth", func(r chi.Router) {
		// フロントエンドサーバーが中継するため、X-Forwarded-Forのブラウザアドレスをレート制限のキーにする
		r.Use(chimw.RealIP)
		r.Use(middleware.NewTrustedOriginMiddleware(deps.TrustedOrigins))

		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Post("/sign-in/email", h.SignIn)
			r.Post("/sign-up/email", h.SignUp)
		})

		r.Post("/sign-out", h.SignOut)
	})

	return r
}

// NewProductRouter はリソースサービスのルーティングを構成したchi.Routerを返す。
// /health は認証不要、/api/* はすべてアクセスゲートの内側に置く。
func NewProductRouter(deps *ProductRouterDeps) http.Handler {
	r := chi.NewRouter()
	useCommon(r, deps.Logger)

	h := NewProductHandler()

	r.Get("/health", healthHandler("product-api", nil))
	mountMetrics(r, deps.MetricsHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.Gate)
		r.Get("/helloworld", h.HelloWorld)
		r.Post("/process", h.Process)
	})

	return r
}

// NewFrontendRouter はフロントエンドサーバーのルーティングを構成したchi.Routerを返す。
func NewFrontendRouter(deps *FrontendRouterDeps) http.Handler {
	r := chi.NewRouter()
	useCommon(r, deps.Logger)

	h := NewFrontendHandler(deps.Actions)

	r.Get("/health", healthHandler("frontend", nil))
	mountMetrics(r, deps.MetricsHandler)

	r.Get("/api/session", h.Session)
	r.Get("/dashboard", h.Dashboard)

	r.Route("/actions", func(r chi.Router) {
		r.Use(middleware.NewTrustedOriginMiddleware(deps.TrustedOrigins))
		r.Post("/signin", h.SignIn)
		r.Post("/signup", h.SignUp)
		r.Post("/signout", h.SignOut)
		r.Post("/product-api", h.CallProductAPI)
	})

	return r
}
