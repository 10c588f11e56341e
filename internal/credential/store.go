// Package credential はユーザーごとのOAuth2認可情報を管理する。
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/glassware/internal/model"
	"github.com/hitoshi/glassware/internal/repository"
)

// ProfileFetcher は認可情報を使ってユーザープロフィールを取得するインターフェース。
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, cred *model.Credential) (*model.Profile, error)
}

// Store は認可情報のサービス層。
type Store struct {
	repo    repository.CredentialRepository
	fetcher ProfileFetcher
}

// NewStore はStoreを生成する。fetcherがnilの場合、プロフィールは保存されない。
func NewStore(repo repository.CredentialRepository, fetcher ProfileFetcher) *Store {
	return &Store{repo: repo, fetcher: fetcher}
}

// Store は認可情報を保存する。
// プロフィール取得は補助的な処理であり、失敗しても認可情報は保存される。
func (s *Store) Store(ctx context.Context, userID string, cred *model.Credential) error {
	cred.UserID = userID
	profile := s.enrich(ctx, cred)

	if err := s.repo.Upsert(ctx, cred, profile); err != nil {
		return fmt.Errorf("認可情報の保存に失敗しました: %w", err)
	}
	return nil
}

// enrich はプロフィールを取得する。取得できない場合はnilを返す。
func (s *Store) enrich(ctx context.Context, cred *model.Credential) *model.Profile {
	if s.fetcher == nil {
		return nil
	}
	profile, err := s.fetcher.FetchProfile(ctx, cred)
	if err != nil {
		slog.Warn("プロフィールの取得に失敗しました",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return profile
}

// Load は認可情報を取得する。存在しない場合はnilを返す。
func (s *Store) Load(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("認可情報の取得に失敗しました: %w", err)
	}
	return cred, nil
}

// Delete は認可情報を削除する。存在しない場合も成功する。
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.repo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("認可情報の削除に失敗しました: %w", err)
	}
	return nil
}

// ListUsers は認可情報を持つ全ユーザーIDを返す。
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	return ids, nil
}

// GetStoredProfile は保存済みプロフィールを返す。認可情報がない場合はnilを返す。
func (s *Store) GetStoredProfile(ctx context.Context, userID string) (*model.Profile, error) {
	profile, err := s.repo.FindProfileByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return profile, nil
}

// Token は認可情報をoauth2.Tokenに変換する。
func Token(cred *model.Credential) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
	}
	if cred.ExpirationTimeMillis > 0 {
		tok.Expiry = time.UnixMilli(cred.ExpirationTimeMillis)
	}
	return tok
}

// FromToken はoauth2.Tokenから認可情報を生成する。
func FromToken(userID string, tok *oauth2.Token) *model.Credential {
	cred := &model.Credential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		cred.ExpirationTimeMillis = tok.Expiry.UnixMilli()
	}
	return cred
}
