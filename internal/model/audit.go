package model

import "time"

// NewsPostTextLimit はNewsPostに保存する本文の最大文字数。
const NewsPostTextLimit = 500

// NewsPost は配信したタイムラインカードの監査レコード。
// 書き込み専用で、アプリケーションからの読み取り経路は持たない。
type NewsPost struct {
	ID           string
	TimelineID   string // ブロードキャスト時は空
	Text         string
	HTML         string
	CanonicalURL string
	CreatedAt    time.Time
}

// DrillRecord は"drill"ジェスチャーの監査レコード。
type DrillRecord struct {
	ID         string
	UserID     string
	TimelineID string
	CreatedAt  time.Time
}
