package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/glassware/internal/model"
)

const testCSRFToken = "0123456789abcdef0123456789abcdef"

// csrfRequest はCSRF検証に関わる要素を組み立てる。空文字列の要素は付与しない。
type csrfRequest struct {
	method    string
	cookie    string
	header    string
	formToken string
}

func (c csrfRequest) build() *http.Request {
	var req *http.Request
	if c.formToken != "" {
		form := url.Values{"csrf_token": {c.formToken}, "operation": {"insert_hello"}}
		req = httptest.NewRequest(c.method, "/command", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(c.method, "/command", nil)
	}
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: c.cookie})
	}
	if c.header != "" {
		req.Header.Set(csrfHeaderName, c.header)
	}
	return req
}

func serveCSRF(t *testing.T, cfg CSRFConfig, req *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	handler := NewCSRFMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, called
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethodsPassWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			w, called := serveCSRF(t, CSRFConfig{}, csrfRequest{method: method}.build())
			if !called {
				t.Fatal("handler should be called")
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
		})
	}
}

func TestCSRFMiddleware_SafeMethodIssuesCookieOnce(t *testing.T) {
	w, _ := serveCSRF(t, CSRFConfig{CookieSecure: true, CookieDomain: "glass.example.com"}, csrfRequest{method: http.MethodGet}.build())

	c := findCookie(w.Result(), csrfCookieName)
	if c == nil {
		t.Fatal("expected csrf_token cookie to be issued")
	}
	if len(c.Value) != 64 {
		t.Errorf("token length = %d, want 64", len(c.Value))
	}
	if c.HttpOnly {
		t.Error("csrf cookie must be readable from scripts")
	}
	if !c.Secure {
		t.Error("csrf cookie should be Secure when configured")
	}
	if c.Domain != "glass.example.com" {
		t.Errorf("Domain = %q, want %q", c.Domain, "glass.example.com")
	}
	if c.MaxAge != csrfCookieMaxAge {
		t.Errorf("MaxAge = %d, want %d", c.MaxAge, csrfCookieMaxAge)
	}

	// 既にCookieがあれば再発行しない
	w2, _ := serveCSRF(t, CSRFConfig{}, csrfRequest{method: http.MethodGet, cookie: c.Value}.build())
	if findCookie(w2.Result(), csrfCookieName) != nil {
		t.Error("existing csrf cookie should not be reissued")
	}
}

func TestCSRFMiddleware_StateChangingRequests(t *testing.T) {
	tests := []struct {
		name       string
		req        csrfRequest
		wantCalled bool
	}{
		{
			name:       "header matches cookie",
			req:        csrfRequest{method: http.MethodPost, cookie: testCSRFToken, header: testCSRFToken},
			wantCalled: true,
		},
		{
			name:       "form field matches cookie",
			req:        csrfRequest{method: http.MethodPost, cookie: testCSRFToken, formToken: testCSRFToken},
			wantCalled: true,
		},
		{
			name:       "DELETE with header",
			req:        csrfRequest{method: http.MethodDelete, cookie: testCSRFToken, header: testCSRFToken},
			wantCalled: true,
		},
		{
			name: "header takes precedence over form",
			req:  csrfRequest{method: http.MethodPost, cookie: testCSRFToken, header: "wrong", formToken: testCSRFToken},
		},
		{
			name: "missing cookie",
			req:  csrfRequest{method: http.MethodPost, header: testCSRFToken},
		},
		{
			name: "missing token",
			req:  csrfRequest{method: http.MethodPost, cookie: testCSRFToken},
		},
		{
			name: "mismatch",
			req:  csrfRequest{method: http.MethodPut, cookie: testCSRFToken, header: "fedcba9876543210"},
		},
		{
			name: "PATCH without anything",
			req:  csrfRequest{method: http.MethodPatch},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, called := serveCSRF(t, CSRFConfig{}, tt.req.build())
			if called != tt.wantCalled {
				t.Fatalf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if tt.wantCalled {
				return
			}

			if w.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Code != model.ErrCodeCSRFInvalid {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
			}
		})
	}
}

func TestVerifyCSRF_Reasons(t *testing.T) {
	tests := []struct {
		name string
		req  csrfRequest
		want string
	}{
		{"ok", csrfRequest{method: http.MethodPost, cookie: testCSRFToken, header: testCSRFToken}, ""},
		{"no cookie", csrfRequest{method: http.MethodPost, header: testCSRFToken}, "missing_cookie"},
		{"no token", csrfRequest{method: http.MethodPost, cookie: testCSRFToken}, "missing_token"},
		{"different", csrfRequest{method: http.MethodPost, cookie: testCSRFToken, header: testCSRFToken + "0"}, "mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verifyCSRF(tt.req.build()); got != tt.want {
				t.Errorf("verifyCSRF() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	decodeToken := func(t *testing.T, w *httptest.ResponseRecorder) string {
		t.Helper()
		if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
			t.Errorf("Cache-Control = %q, want %q", cc, "no-store")
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		return body["token"]
	}

	t.Run("issues new token", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		token := decodeToken(t, w)
		c := findCookie(w.Result(), csrfCookieName)
		if c == nil {
			t.Fatal("expected csrf cookie")
		}
		if token == "" || token != c.Value {
			t.Errorf("token = %q, cookie = %q, want equal non-empty", token, c.Value)
		}
	})

	t.Run("returns existing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testCSRFToken})
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

		if got := decodeToken(t, w); got != testCSRFToken {
			t.Errorf("token = %q, want %q", got, testCSRFToken)
		}
		if findCookie(w.Result(), csrfCookieName) != nil {
			t.Error("existing cookie should not be reissued")
		}
	})
}

func TestGenerateCSRFToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := generateCSRFToken()
		if err != nil {
			t.Fatalf("generateCSRFToken() error = %v", err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}
