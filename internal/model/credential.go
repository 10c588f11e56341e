// Package model はドメインモデルを定義する。
package model

// Credential はユーザーのOAuth2トークンを表す。
// ユーザーIDごとに1件のみ存在し、保存時は上書きされる。
type Credential struct {
	UserID               string
	AccessToken          string
	RefreshToken         string
	ExpirationTimeMillis int64 // エポックミリ秒。0は期限不明
}

// Profile はIdPから取得したユーザープロフィールの非正規化スナップショット。
// 取得に失敗した場合は保存されない（各カラムはNULL）。
type Profile struct {
	Email         string
	GivenName     string
	FamilyName    string
	Name          string
	Picture       string
	Timezone      string
	VerifiedEmail *bool
}
