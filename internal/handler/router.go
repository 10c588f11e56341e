package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/glassware/internal/middleware"
)

// mountAuthRoutes はOAuthフローとセッション管理のルートを/auth配下に登録する。
func mountAuthRoutes(r chi.Router, h *AuthHandler) {
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", h.Login)
		r.Get("/google/callback", h.Callback)
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
	})
}

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	NotifyRatePerMin  int

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 通知
	Dispatcher     NotificationDispatcher
	Rejections     RejectionRecorder
	NotifyMaxLines int

	// コマンド
	CommandExecutor CommandExecutor

	// 位置情報
	TagLister TagLister

	// ユーザー
	UserService UserServiceInterface

	// メトリクス（nilの場合は/metricsを公開しない）
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS
//	  /notify:     IPRateLimit
//	  保護ルート:  Session → CSRF → RateLimit(General)
//
// 認証ルート（/auth/*）と/notifyはセッションを要求しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	notifyHandler := NewNotifyHandler(deps.Dispatcher, deps.Rejections, deps.NotifyMaxLines, logger)
	commandHandler := NewCommandHandler(deps.CommandExecutor, deps.CSRFConfig.CookieSecure)
	locationHandler := NewLocationHandler(deps.TagLister)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Mirrorからの通知
	r.With(middleware.NewIPRateLimitMiddleware(deps.NotifyRatePerMin)).Post("/notify", notifyHandler.Notify)

	mountAuthRoutes(r, authHandler)

	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 操作コマンド（コマンド専用レート制限を追加）
		r.With(deps.RateLimiter.CommandMiddleware()).Post("/command", commandHandler.Command)
		r.Get("/flash", commandHandler.Flash)

		r.Get("/api/locations/tags", locationHandler.ListTags)

		r.Route("/api/users", func(r chi.Router) {
			r.Delete("/me", userHandler.Revoke)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
