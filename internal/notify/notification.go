// Package notify はタイムラインサービスから届くWebhook通知を分類し、
// 対応するリアクション（位置の保存・タグ付け・地図カード送信・写真のエコー等）を実行する。
package notify

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/goccy/go-json"

	"github.com/hitoshi/glassware/internal/mirror"
)

// DefaultMaxLines はWebhookボディとして受け付ける最大行数。
const DefaultMaxLines = 1000

var (
	// ErrCredentialNotFound は通知対象ユーザーの認可情報が存在しないことを示す。
	ErrCredentialNotFound = errors.New("notify: credential not found for user")
	// ErrPayloadTooLong は通知ボディが行数上限を超えたことを示す。
	ErrPayloadTooLong = errors.New("notify: notification payload was unexpectedly long")
)

// Notification はWebhookで受信する通知。
type Notification struct {
	Collection  string       `json:"collection"`
	ItemID      string       `json:"itemId"`
	Operation   string       `json:"operation,omitempty"`
	UserToken   string       `json:"userToken"`
	VerifyToken string       `json:"verifyToken,omitempty"`
	UserActions []UserAction `json:"userActions,omitempty"`
}

// UserAction は通知に含まれるユーザー操作。
type UserAction struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

// CollectionKind は通知のコレクション種別。
type CollectionKind int

const (
	CollectionUnknown CollectionKind = iota
	CollectionLocations
	CollectionTimeline
)

// ParseCollection はコレクション名を種別に変換する。
func ParseCollection(name string) CollectionKind {
	switch name {
	case "locations":
		return CollectionLocations
	case "timeline":
		return CollectionTimeline
	default:
		return CollectionUnknown
	}
}

func (k CollectionKind) String() string {
	switch k {
	case CollectionLocations:
		return "locations"
	case CollectionTimeline:
		return "timeline"
	default:
		return "unknown"
	}
}

// Reaction はtimeline通知に対して実行するリアクション。
// 1通知につき最大1つのみ実行される。
type Reaction int

const (
	ReactionNone Reaction = iota
	ReactionEchoPhoto
	ReactionTagHome
	ReactionTagWork
	ReactionShowHome
	ReactionShowWork
	ReactionReply
	ReactionDrill
)

func (r Reaction) String() string {
	switch r {
	case ReactionEchoPhoto:
		return "echo_photo"
	case ReactionTagHome:
		return "tag_home"
	case ReactionTagWork:
		return "tag_work"
	case ReactionShowHome:
		return "show_home"
	case ReactionShowWork:
		return "show_work"
	case ReactionReply:
		return "reply"
	case ReactionDrill:
		return "drill"
	default:
		return "none"
	}
}

// カスタムメニューのペイロード。
const (
	PayloadAtHome   = "athome"
	PayloadAtWork   = "atwork"
	PayloadShowHome = "showhome"
	PayloadShowWork = "showwork"
	PayloadDrill    = "drill"
)

// Classify はユーザー操作とカードからリアクションを決定する。
// 上から順に評価し、最初に一致したものだけを返す。
func Classify(actions []UserAction, item *mirror.TimelineItem) Reaction {
	switch {
	case hasType(actions, mirror.ActionShare) && item != nil && len(item.Attachments) > 0:
		return ReactionEchoPhoto
	case hasCustom(actions, PayloadAtHome):
		return ReactionTagHome
	case hasCustom(actions, PayloadAtWork):
		return ReactionTagWork
	case hasCustom(actions, PayloadShowHome):
		return ReactionShowHome
	case hasCustom(actions, PayloadShowWork):
		return ReactionShowWork
	case hasType(actions, mirror.ActionReply):
		return ReactionReply
	case hasCustom(actions, PayloadDrill):
		return ReactionDrill
	default:
		return ReactionNone
	}
}

func hasType(actions []UserAction, actionType string) bool {
	for _, a := range actions {
		if a.Type == actionType {
			return true
		}
	}
	return false
}

func hasCustom(actions []UserAction, payload string) bool {
	for _, a := range actions {
		if a.Type == mirror.ActionCustom && a.Payload == payload {
			return true
		}
	}
	return false
}

// ReadPayload は通知ボディを1行ずつ読み込み、改行を除いて連結する。
// maxLinesを超える行を読んだ時点でErrPayloadTooLongを返す。
func ReadPayload(r io.Reader, maxLines int) ([]byte, error) {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}

	br := bufio.NewReader(r)
	var buf bytes.Buffer
	lines := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			lines++
			if lines > maxLines {
				return nil, ErrPayloadTooLong
			}
			buf.Write(bytes.TrimRight(line, "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("通知ボディの読み込みに失敗: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeNotification は通知ボディをデコードする。
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("通知のデコードに失敗: %w", err)
	}
	return &n, nil
}

var reminderPattern = regexp.MustCompile(`^remind me to (.+) at ([a-z]+)$`)

// Reminder はREPLYテキストから抽出したリマインダー。
type Reminder struct {
	Action string
	Tag    string
}

// ParseReminder は"remind me to <action> at <tag>"形式のテキストを解析する。
func ParseReminder(text string) (Reminder, bool) {
	m := reminderPattern.FindStringSubmatch(text)
	if m == nil {
		return Reminder{}, false
	}
	return Reminder{Action: m[1], Tag: m[2]}, true
}
