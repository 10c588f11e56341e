package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/glassware/internal/middleware"
	"github.com/hitoshi/glassware/internal/model"
)

// --- モック定義 ---

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	revokeFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Revoke(ctx context.Context, userID string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, userID)
	}
	return nil
}

func TestUserHandler_Revoke_ClearsSessionCookie(t *testing.T) {
	var revoked string
	svc := &mockUserService{
		revokeFn: func(ctx context.Context, userID string) error {
			revoked = userID
			return nil
		},
	}
	h := NewUserHandler(svc, AuthHandlerConfig{CookieDomain: "glass.example.com", CookieSecure: true})

	w := httptest.NewRecorder()
	h.Revoke(w, withUserID(httptest.NewRequest(http.MethodDelete, "/api/users/me", nil), "user-123"))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if revoked != "user-123" {
		t.Errorf("revoked = %q, want %q", revoked, "user-123")
	}

	var cleared *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			cleared = c
		}
	}
	if cleared == nil || cleared.MaxAge != -1 || cleared.Domain != "glass.example.com" || !cleared.Secure {
		t.Errorf("session cookie = %+v, want cleared for configured domain", cleared)
	}
}

func TestUserHandler_Revoke_Errors(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no user in context", "", nil, http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"credential not found", "user-123", model.NewCredentialNotFoundError("user-123"), http.StatusUnauthorized, model.ErrCodeCredentialNotFound},
		{"storage failure", "user-123", errors.New("transaction failed"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockUserService{
				revokeFn: func(ctx context.Context, userID string) error { return tt.err },
			}
			req := httptest.NewRequest(http.MethodDelete, "/api/users/me", nil)
			if tt.userID != "" {
				req = withUserID(req, tt.userID)
			}
			w := httptest.NewRecorder()
			NewUserHandler(svc, AuthHandlerConfig{}).Revoke(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := parseAPIErrorResponse(t, w)["code"]; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
			for _, c := range w.Result().Cookies() {
				if c.Name == middleware.SessionCookieName {
					t.Error("session cookie must not be touched on failure")
				}
			}
		})
	}
}
