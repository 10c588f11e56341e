package mirror

import "time"

// メニュー操作の種類。
const (
	ActionReply        = "REPLY"
	ActionReadAloud    = "READ_ALOUD"
	ActionCustom       = "CUSTOM"
	ActionShare        = "SHARE"
	ActionTogglePinned = "TOGGLE_PINNED"
	ActionDelete       = "DELETE"
)

// NotificationLevelDefault はカード挿入時に通知音を鳴らす通知レベル。
const NotificationLevelDefault = "DEFAULT"

// TimelineItem はタイムラインカード。
type TimelineItem struct {
	ID            string              `json:"id,omitempty"`
	Title         string              `json:"title,omitempty"`
	Text          string              `json:"text,omitempty"`
	HTML          string              `json:"html,omitempty"`
	SpeakableText string              `json:"speakableText,omitempty"`
	CanonicalURL  string              `json:"canonicalUrl,omitempty"`
	Notification  *NotificationConfig `json:"notification,omitempty"`
	MenuItems     []MenuItem          `json:"menuItems,omitempty"`
	Attachments   []Attachment        `json:"attachments,omitempty"`
	Location      *Location           `json:"location,omitempty"`
	Created       *time.Time          `json:"created,omitempty"`
}

// NotificationConfig はカード到着時の通知設定。
type NotificationConfig struct {
	Level string `json:"level,omitempty"`
}

// MenuItem はカードに付与するメニュー項目。
type MenuItem struct {
	ID      string      `json:"id,omitempty"`
	Action  string      `json:"action"`
	Payload string      `json:"payload,omitempty"`
	Values  []MenuValue `json:"values,omitempty"`
}

// MenuValue はメニュー項目の表示名とアイコン。
type MenuValue struct {
	DisplayName string `json:"displayName,omitempty"`
	IconURL     string `json:"iconUrl,omitempty"`
	State       string `json:"state,omitempty"`
}

// Attachment はカードの添付ファイル。
type Attachment struct {
	ID          string `json:"id,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	ContentURL  string `json:"contentUrl,omitempty"`
}

// Contact は共有先として登録する連絡先。
type Contact struct {
	ID          string   `json:"id,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	ImageURLs   []string `json:"imageUrls,omitempty"`
}

// Subscription は通知購読。
type Subscription struct {
	ID          string   `json:"id,omitempty"`
	Collection  string   `json:"collection,omitempty"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
	VerifyToken string   `json:"verifyToken,omitempty"`
	UserToken   string   `json:"userToken,omitempty"`
	Operation   []string `json:"operation,omitempty"`
}

// Location はデバイスから報告された位置。
type Location struct {
	ID          string     `json:"id,omitempty"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	Accuracy    float64    `json:"accuracy,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

type subscriptionsListResponse struct {
	Items []Subscription `json:"items"`
}
