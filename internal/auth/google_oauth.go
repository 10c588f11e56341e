package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/glassware/internal/credential"
	"github.com/hitoshi/glassware/internal/model"
)

const (
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	// タイムラインとの読み書き、位置情報の取得に必要なスコープ。
	ScopeGlassTimeline   = "https://www.googleapis.com/auth/glass.timeline"
	ScopeGlassLocation   = "https://www.googleapis.com/auth/glass.location"
	ScopeUserinfoProfile = "https://www.googleapis.com/auth/userinfo.profile"
	ScopeUserinfoEmail   = "https://www.googleapis.com/auth/userinfo.email"
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// NewOAuth2Config はGoogle用のoauth2.Configを生成する。
// Mirrorクライアントのトークン更新にも同じ設定を使う。
func NewOAuth2Config(cfg GoogleOAuthConfig) *oauth2.Config {
	endpoint := endpoints.Google
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{ScopeGlassTimeline, ScopeGlassLocation, ScopeUserinfoProfile, ScopeUserinfoEmail},
		Endpoint:     endpoint,
	}
}

// GoogleOAuthProvider はGoogle OAuth 2.0による認証とプロフィール取得を提供する。
type GoogleOAuthProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(oauthCfg *oauth2.Config, userInfoURL string, httpClient *http.Client) *GoogleOAuthProvider {
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GoogleOAuthProvider{
		oauth:       oauthCfg,
		userInfoURL: userInfoURL,
		httpClient:  httpClient,
	}
}

// GetLoginURL はGoogle OAuthの認証URLを生成する。
// オフラインアクセスを要求し、毎回同意画面を表示してリフレッシュトークンを受け取る。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// googleUserInfo はGoogleのユーザー情報エンドポイント（v2）のレスポンス。
type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail *bool  `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Timezone      string `json:"timezone"`
}

// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	// 1. 認可コードをアクセストークンに交換
	tok, err := p.oauth.Exchange(p.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	// 2. アクセストークンでユーザー情報を取得
	userInfo, err := p.fetchUserInfo(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if userInfo.ID == "" {
		return nil, fmt.Errorf("empty id in user info response")
	}

	return &OAuthUserInfo{
		ProviderUserID: userInfo.ID,
		Email:          userInfo.Email,
		Name:           userInfo.Name,
		Provider:       "google",
		Token:          tok,
	}, nil
}

// FetchProfile は保存済みの認可情報でプロフィールを取得する。
// credential.ProfileFetcherを実装する。
func (p *GoogleOAuthProvider) FetchProfile(ctx context.Context, cred *model.Credential) (*model.Profile, error) {
	userInfo, err := p.fetchUserInfo(ctx, credential.Token(cred))
	if err != nil {
		return nil, err
	}
	if userInfo.ID == "" {
		return nil, fmt.Errorf("empty id in user info response")
	}
	return &model.Profile{
		Email:         userInfo.Email,
		GivenName:     userInfo.GivenName,
		FamilyName:    userInfo.FamilyName,
		Name:          userInfo.Name,
		Picture:       userInfo.Picture,
		Timezone:      userInfo.Timezone,
		VerifiedEmail: userInfo.VerifiedEmail,
	}, nil
}

// fetchUserInfo はトークンでGoogleのユーザー情報を取得する。
func (p *GoogleOAuthProvider) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}

	client := oauth2.NewClient(p.oauthContext(ctx), oauth2.StaticTokenSource(tok))
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var userInfo googleUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	return &userInfo, nil
}

func (p *GoogleOAuthProvider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// compile-time interface check
var (
	_ OAuthProvider             = (*GoogleOAuthProvider)(nil)
	_ credential.ProfileFetcher = (*GoogleOAuthProvider)(nil)
)
