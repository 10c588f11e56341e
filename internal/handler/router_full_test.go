package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/glassware/internal/auth"
	"github.com/hitoshi/glassware/internal/command"
	"github.com/hitoshi/glassware/internal/middleware"
	"github.com/hitoshi/glassware/internal/model"
)

// mockSessionFinderForRouter はRouter統合テスト用のSessionFinderモック。
type mockSessionFinderForRouter struct {
	sessions map[string]*model.Session
}

func (m *mockSessionFinderForRouter) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, nil
}

// mockHealthChecker はHealthCheckerのモック。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// testRouterFixture はテスト用ルーターとモックをまとめたもの。
type testRouterFixture struct {
	router     http.Handler
	dispatcher *mockDispatcher
	executor   *mockCommandExecutor
	health     *mockHealthChecker
}

// createTestRouter はテスト用の完全なルーターを構築するヘルパー。
func createTestRouter() *testRouterFixture {
	f := &testRouterFixture{
		dispatcher: &mockDispatcher{},
		executor: &mockCommandExecutor{
			executeFn: func(ctx context.Context, req command.Request) (string, error) {
				return "Application is now subscribed to updates.", nil
			},
		},
		health: &mockHealthChecker{},
	}

	sessionFinder := &mockSessionFinderForRouter{
		sessions: map[string]*model.Session{
			"valid-session": {
				ID:        "valid-session",
				UserID:    "user-test-1",
				ExpiresAt: time.Now().Add(1 * time.Hour),
			},
		},
	}

	deps := &RouterDeps{
		HealthChecker: f.health,
		SessionFinder: sessionFinder,
		CSRFConfig:    middleware.CSRFConfig{CookieSecure: false},
		RateLimiter:   middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
		AuthService: &mockAuthService{
			getLoginURLFn: func(state string) string {
				return "https://accounts.google.com?state=" + state
			},
			getCurrentUserFn: func(ctx context.Context, sessionID string) (*auth.CurrentUser, error) {
				return &auth.CurrentUser{ID: "user-test-1", Profile: &model.Profile{Email: "test@example.com"}}, nil
			},
		},
		AuthConfig:      AuthHandlerConfig{BaseURL: "http://localhost:3000", SessionMaxAge: 86400},
		Dispatcher:      f.dispatcher,
		Rejections:      &mockRejections{},
		CommandExecutor: f.executor,
		TagLister:       &mockTagLister{},
		UserService:     &mockUserService{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	}

	f.router = NewRouter(deps)
	return f
}

func commandForm(csrf string) *strings.Reader {
	form := url.Values{"operation": {"insertSubscription"}, "collection": {"timeline"}}
	if csrf != "" {
		form.Set("csrf_token", csrf)
	}
	return strings.NewReader(form.Encode())
}

// TestNewRouter_CSRFTokenEndpoint_NoAuthRequired は
// CSRFトークン取得エンドポイントが認証不要であることを検証する。
func TestNewRouter_CSRFTokenEndpoint_NoAuthRequired(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("GET /api/csrf-token status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var body map[string]string
	json.NewDecoder(w.Result().Body).Decode(&body)
	if body["token"] == "" {
		t.Error("expected non-empty CSRF token")
	}
}

// TestNewRouter_AuthRoutes_LoginEndpoint は認証ルートが正しく設定されていることを検証する。
func TestNewRouter_AuthRoutes_LoginEndpoint(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/auth/google/login", nil)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("GET /auth/google/login status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
}

// TestNewRouter_SecurityHeaders は全ルートにセキュリティヘッダーが付与されることを検証する。
func TestNewRouter_SecurityHeaders(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
}

// TestNewRouter_Health はDB疎通の結果に応じてステータスが変わることを検証する。
func TestNewRouter_Health(t *testing.T) {
	f := createTestRouter()

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", w.Code, http.StatusOK)
	}

	f.health.err = errors.New("connection refused")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health (db down) status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// TestNewRouter_Metrics は/metricsが認証なしで公開されることを検証する。
func TestNewRouter_Metrics(t *testing.T) {
	f := createTestRouter()

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK || w.Body.String() != "# metrics" {
		t.Errorf("GET /metrics = %d %q", w.Code, w.Body.String())
	}
}

// TestNewRouter_Notify_NoSessionOrCSRF は通知エンドポイントがセッションもCSRFも要求しないことを検証する。
func TestNewRouter_Notify_NoSessionOrCSRF(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/notify",
		strings.NewReader(`{"collection":"locations","itemId":"latest","userToken":"user-test-1"}`))
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("POST /notify = %d %q, want 200 OK", w.Code, w.Body.String())
	}
	if len(f.dispatcher.calls) != 1 {
		t.Errorf("dispatch calls = %d, want 1", len(f.dispatcher.calls))
	}
}

// TestNewRouter_ProtectedRoute_NoSession_Returns401 は
// 認証保護ルートにセッションなしでアクセスすると401が返ることを検証する。
func TestNewRouter_ProtectedRoute_NoSession_Returns401(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/locations/tags", nil)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /api/locations/tags (no session) status = %d, want %d",
			w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestNewRouter_ProtectedRoute_WithSession_GET_Succeeds は
// 認証保護ルートにセッション付きGETリクエストが成功することを検証する。
func TestNewRouter_ProtectedRoute_WithSession_GET_Succeeds(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/locations/tags", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("GET /api/locations/tags status = %d, want %d",
			w.Result().StatusCode, http.StatusOK)
	}
}

// TestNewRouter_Command_RequiresCSRF は
// POST /commandにCSRFトークンが必須であることを検証する。
func TestNewRouter_Command_RequiresCSRF(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/command", commandForm(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("POST /command (no CSRF) status = %d, want %d",
			w.Result().StatusCode, http.StatusForbidden)
	}
	if f.executor.got != nil {
		t.Error("Execute must not be called without CSRF token")
	}
}

// TestNewRouter_Command_WithFormCSRF_Redirects は
// フォームのcsrf_tokenでCSRF検証を通過し、コマンドが実行されることを検証する。
func TestNewRouter_Command_WithFormCSRF_Redirects(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/command", commandForm("test-token"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "test-token"})
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusSeeOther {
		t.Fatalf("POST /command status = %d, want %d", w.Result().StatusCode, http.StatusSeeOther)
	}
	if f.executor.got == nil || f.executor.got.UserID != "user-test-1" || f.executor.got.Params.Collection != "timeline" {
		t.Errorf("executed request = %+v", f.executor.got)
	}
}

// TestNewRouter_MiddlewareOrder_SessionBeforeCSRF は
// セッション検証がCSRF検証より先に実行されることを検証する。
func TestNewRouter_MiddlewareOrder_SessionBeforeCSRF(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/command", commandForm(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("POST (no session, no CSRF) status = %d, want %d (session check before CSRF)",
			w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestNewRouter_UserRoutes_RevokeEndpoint はDELETE /api/users/meが登録されていることを検証する。
func TestNewRouter_UserRoutes_RevokeEndpoint(t *testing.T) {
	f := createTestRouter()

	req := httptest.NewRequest(http.MethodDelete, "/api/users/me", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "test-token"})
	req.Header.Set("X-CSRF-Token", "test-token")
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNoContent {
		t.Errorf("DELETE /api/users/me status = %d, want %d", w.Result().StatusCode, http.StatusNoContent)
	}
}
