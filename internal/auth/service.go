// Package auth はGoogleログインと管理画面セッションを扱う。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/glassware/internal/credential"
	"github.com/hitoshi/glassware/internal/model"
)

var (
	// ErrSessionNotFound はセッションが存在しないか期限切れであることを表す。
	ErrSessionNotFound = errors.New("session not found or expired")
	// ErrCredentialRevoked はセッションは有効だが認可情報が取り消されていることを表す。
	ErrCredentialRevoked = errors.New("credential revoked")
)

// OAuthUserInfo は認可コード交換の結果。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string
	Token          *oauth2.Token
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	GetLoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// CredentialStore は認可情報の保存とプロフィール参照のインターフェース。
type CredentialStore interface {
	Store(ctx context.Context, userID string, cred *model.Credential) error
	Load(ctx context.Context, userID string) (*model.Credential, error)
	GetStoredProfile(ctx context.Context, userID string) (*model.Profile, error)
}

// SessionStore は管理画面セッションの永続化。
type SessionStore interface {
	Create(ctx context.Context, session *model.Session) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	DeleteByID(ctx context.Context, id string) error
}

// CurrentUser はセッションに紐づくユーザー。
type CurrentUser struct {
	ID      string
	Profile *model.Profile
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // 秒
}

// Service はログイン、ログアウト、セッション解決を行う。
type Service struct {
	oauth       OAuthProvider
	credentials CredentialStore
	sessions    SessionStore
	ttl         time.Duration
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(oauth OAuthProvider, credentials CredentialStore, sessions SessionStore, config ServiceConfig) *Service {
	return &Service{
		oauth:       oauth,
		credentials: credentials,
		sessions:    sessions,
		ttl:         time.Duration(config.SessionMaxAge) * time.Second,
		now:         time.Now,
	}
}

// GetLoginURL は同意画面のURLを返す。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback は認可コードを交換し、認可情報を保存してからセッションを発行する。
// 認可情報の保存に失敗した場合はセッションを作らない。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	if info.ProviderUserID == "" || info.Token == nil {
		return nil, fmt.Errorf("incomplete oauth result for provider %q", info.Provider)
	}
	userID := info.ProviderUserID

	cred := credential.FromToken(userID, info.Token)
	if cred.RefreshToken == "" {
		s.keepRefreshToken(ctx, cred)
	}
	if err := s.credentials.Store(ctx, userID, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	session, err := s.newSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in",
		slog.String("user_id", userID),
		slog.String("provider", info.Provider),
		slog.Bool("has_refresh_token", cred.RefreshToken != ""),
	)
	return session, nil
}

// keepRefreshToken は再同意でリフレッシュトークンが返らなかった場合に既存の値を引き継ぐ。
func (s *Service) keepRefreshToken(ctx context.Context, cred *model.Credential) {
	prev, err := s.credentials.Load(ctx, cred.UserID)
	if err != nil {
		slog.Warn("failed to load previous credential",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)
		return
	}
	if prev != nil {
		cred.RefreshToken = prev.RefreshToken
	}
}

// Logout はセッションを削除する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionNotFound
	}
	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションIDからユーザーを解決する。
// セッションが無ければErrSessionNotFound、認可情報が無ければErrCredentialRevokedを返す。
// プロフィールが保存されていなければ空のプロフィールを返す。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*CurrentUser, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	cred, err := s.credentials.Load(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrCredentialRevoked
	}

	profile, err := s.credentials.GetStoredProfile(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	if profile == nil {
		profile = &model.Profile{}
	}
	return &CurrentUser{ID: session.UserID, Profile: profile}, nil
}

func (s *Service) newSession(ctx context.Context, userID string) (*model.Session, error) {
	id, err := randomSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	now := s.now()
	session := &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// randomSessionID は32バイトの乱数を16進文字列にする。
func randomSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
