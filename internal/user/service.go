// Package user はユーザー単位の認可取り消しを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/glassware/internal/model"
)

// CredentialStore は認可情報の読み込みと削除のインターフェース。
type CredentialStore interface {
	Load(ctx context.Context, userID string) (*model.Credential, error)
	Delete(ctx context.Context, userID string) error
}

// SessionRevoker はユーザーの全セッションを破棄する。
type SessionRevoker interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// Service はアプリへの認可を取り消す。
type Service struct {
	credentials CredentialStore
	sessions    SessionRevoker
}

// NewService はServiceを生成する。sessionsはnilでもよい。
func NewService(credentials CredentialStore, sessions SessionRevoker) *Service {
	return &Service{
		credentials: credentials,
		sessions:    sessions,
	}
}

// Revoke はセッション、認可情報の順に削除する。
// 位置情報と位置タグは残るため、再認可すれば以前のタグがそのまま使える。
// 認可情報が無いユーザーにはCREDENTIAL_NOT_FOUNDを返す。
func (s *Service) Revoke(ctx context.Context, userID string) error {
	cred, err := s.credentials.Load(ctx, userID)
	if err != nil {
		return fmt.Errorf("認可情報の取得に失敗しました: %w", err)
	}
	if cred == nil {
		return model.NewCredentialNotFoundError(userID)
	}

	log := slog.With(slog.String("user_id", userID))

	if s.sessions != nil {
		if err := s.sessions.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}
	if err := s.credentials.Delete(ctx, userID); err != nil {
		return fmt.Errorf("認可情報の削除に失敗しました: %w", err)
	}

	log.Info("authorization revoked", slog.Bool("had_refresh_token", cred.RefreshToken != ""))
	return nil
}
