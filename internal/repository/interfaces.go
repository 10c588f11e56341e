// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/glassware/internal/model"
)

// CredentialRepository はOAuth2認可情報の永続化インターフェース。
// ユーザーIDを主キーとし、1ユーザー1レコードを保証する。
type CredentialRepository interface {
	// Upsert は認可情報を保存する。既存レコードは上書きされる。
	// profileがnilの場合、プロフィール列はNULLで保存される。
	Upsert(ctx context.Context, cred *model.Credential, profile *model.Profile) error

	// FindByUserID は指定ユーザーの認可情報を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)

	// FindProfileByUserID は保存済みプロフィールを取得する。
	// レコードが存在しない場合はnilを返す。プロフィール列がNULLの場合は空のProfileを返す。
	FindProfileByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// DeleteByUserID は指定ユーザーの認可情報を削除する。存在しない場合も成功する。
	DeleteByUserID(ctx context.Context, userID string) error

	// ListUserIDs は認可情報が保存されている全ユーザーIDを返す。順序は不定。
	ListUserIDs(ctx context.Context) ([]string, error)
}

// LocationRepository は現在位置と位置タグの永続化インターフェース。
type LocationRepository interface {
	// UpsertCurrent はユーザーの現在位置を無条件に上書き保存する。
	UpsertCurrent(ctx context.Context, userID string, loc model.Location) error

	// FindCurrent はユーザーの現在位置を取得する。見つからない場合はnilを返す。
	// 鮮度の判定は呼び出し側で行う。
	FindCurrent(ctx context.Context, userID string) (*model.Location, error)

	// UpsertTag は(user_id, tag_name)単位で位置タグを上書き保存する。
	UpsertTag(ctx context.Context, tag *model.LocationTag) error

	// FindTag は位置タグを取得する。見つからない場合はnilを返す。
	FindTag(ctx context.Context, userID, name string) (*model.LocationTag, error)

	// ListTagsByUserID は指定ユーザーの位置タグのみを返す。
	ListTagsByUserID(ctx context.Context, userID string) ([]*model.LocationTag, error)
}

// AuditRepository は監査レコードの永続化インターフェース。書き込み専用。
type AuditRepository interface {
	// CreateNewsPost は配信カードの監査レコードを作成する。
	CreateNewsPost(ctx context.Context, post *model.NewsPost) error

	// CreateDrillRecord はdrillジェスチャーの監査レコードを作成する。
	CreateDrillRecord(ctx context.Context, record *model.DrillRecord) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
