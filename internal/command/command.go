// Package command は管理画面から送信される操作コマンドを実行する。
// 各操作は1つ以上のMirror API呼び出しに変換され、結果はフラッシュメッセージとして返される。
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/glassware/internal/metrics"
	"github.com/hitoshi/glassware/internal/mirror"
	"github.com/hitoshi/glassware/internal/model"
	"github.com/hitoshi/glassware/internal/security"
)

// 操作名（フォームのoperationフィールド）。
const (
	OpInsertSubscription   = "insertSubscription"
	OpDeleteSubscription   = "deleteSubscription"
	OpInsertItem           = "insertItem"
	OpInsertRemindMe       = "insertRemindMe"
	OpInsertItemWithAction = "insertItemWithAction"
	OpInsertContact        = "insertContact"
	OpDeleteContact        = "deleteContact"
	OpInsertItemAllUsers   = "insertItemAllUsers"
)

// opUnknown は未知の操作をメトリクスに記録するときのラベル。
// フォームの値をそのままラベルにしない。
const opUnknown = "unknown"

var knownOperations = map[string]bool{
	OpInsertSubscription:   true,
	OpDeleteSubscription:   true,
	OpInsertItem:           true,
	OpInsertRemindMe:       true,
	OpInsertItemWithAction: true,
	OpInsertContact:        true,
	OpDeleteContact:        true,
	OpInsertItemAllUsers:   true,
}

// operationLabel は操作名を上限のあるメトリクスラベルに変換する。
func operationLabel(op string) string {
	if knownOperations[op] {
		return op
	}
	return opUnknown
}

// フラッシュメッセージ。
const (
	MsgSubscribed         = "Application is now subscribed to updates."
	MsgSubscribeFailed    = "Failed to subscribe. Check your log for details"
	MsgUnsubscribed       = "Application has been unsubscribed."
	MsgUnsubscribeFailed  = "Failed to unsubscribe. Check your log for details"
	MsgItemInserted       = "A timeline item has been inserted."
	MsgRemindMeInserted   = "Insert a Set Location card."
	MsgActionItemInserted = "A timeline item with actions has been inserted."
	MsgContactInvalid     = "Must specify iconUrl and name to insert contact"
	MsgContactDeleted     = "Contact has been deleted."
	MsgDemoDisabled       = "This function is disabled on the demo instance."
	MsgUnknownOperation   = "I don't know how to do that"
	MsgInsertFailed       = "Failed to insert the timeline item. Check your log for details"
	MsgContactFailed      = "Failed to update contacts. Check your log for details"
)

// DefaultBroadcastMaxUsers は全ユーザー配信を許可する最大ユーザー数。
const DefaultBroadcastMaxUsers = 10

// ErrCredentialNotFound は操作者の認可情報が存在しないことを示す。
var ErrCredentialNotFound = errors.New("command: credential not found for operator")

// Params は操作ごとのフォームパラメータ。
type Params struct {
	Collection     string
	SubscriptionID string
	Message        string
	FullMessage    string
	ImageURL       string
	CanonicalURL   string
	Publication    string
	Name           string
	IconURL        string
	ID             string
}

// Request は1件の操作コマンド。
type Request struct {
	UserID    string
	Operation string
	// Host はリクエスト先のホスト名。デモインスタンスの判定に使う。
	Host   string
	Params Params
}

// contactInput は連絡先挿入の入力。
type contactInput struct {
	Name    string `validate:"required"`
	IconURL string `validate:"required"`
}

// MirrorAPI は操作コマンドが利用するMirror API操作。
type MirrorAPI interface {
	InsertTimelineItem(ctx context.Context, item *mirror.TimelineItem) (*mirror.TimelineItem, error)
	InsertContact(ctx context.Context, contact *mirror.Contact) (*mirror.Contact, error)
	DeleteContact(ctx context.Context, id string) error
	InsertSubscription(ctx context.Context, sub *mirror.Subscription) (*mirror.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// ClientFactory は認可情報からMirrorAPIを生成する。
type ClientFactory func(ctx context.Context, cred *model.Credential) MirrorAPI

// Broadcaster は複数ユーザーへのカード一括挿入を行う。
type Broadcaster interface {
	BroadcastInsert(ctx context.Context, recipients []*model.Credential, item *mirror.TimelineItem) (success, failure int, err error)
}

// CredentialStore は認可情報の読み込みと列挙のインターフェース。
type CredentialStore interface {
	Load(ctx context.Context, userID string) (*model.Credential, error)
	ListUsers(ctx context.Context) ([]string, error)
}

// NewsRecorder は配信カードの監査記録インターフェース。
type NewsRecorder interface {
	RecordNewsPost(ctx context.Context, timelineID, text, html, canonicalURL string) error
}

// Config はExecutorの設定。
type Config struct {
	// BaseURL はメニューアイコンの絶対URLを組み立てるためのベースURL。
	BaseURL string
	// CallbackURL は購読の通知先（<BASE_URL>/notify）。
	CallbackURL string
	// ContactName はカードのタイトルに使う名前。
	ContactName string
	// DemoHostname はこのホスト名を含むリクエストで全ユーザー配信を拒否する。
	DemoHostname string
	// BroadcastMaxUsers は全ユーザー配信を許可する最大ユーザー数。
	BroadcastMaxUsers int
}

// Executor は操作コマンドを実行する。
type Executor struct {
	credentials CredentialStore
	clients     ClientFactory
	broadcaster Broadcaster
	news        NewsRecorder
	sanitizer   security.CardSanitizerService
	validate    *validator.Validate
	metrics     metrics.MetricsCollector
	cfg         Config
	logger      *slog.Logger
}

// NewExecutor はExecutorを生成する。
func NewExecutor(
	credentials CredentialStore,
	clients ClientFactory,
	broadcaster Broadcaster,
	news NewsRecorder,
	sanitizer security.CardSanitizerService,
	validate *validator.Validate,
	collector metrics.MetricsCollector,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.BroadcastMaxUsers <= 0 {
		cfg.BroadcastMaxUsers = DefaultBroadcastMaxUsers
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Executor{
		credentials: credentials,
		clients:     clients,
		broadcaster: broadcaster,
		news:        news,
		sanitizer:   sanitizer,
		validate:    validate,
		metrics:     collector,
		cfg:         cfg,
		logger:      logger,
	}
}

// Execute は操作を実行し、フラッシュメッセージを返す。
// 外部APIの失敗や入力不備はメッセージに変換され、エラーとしては返らない。
// 操作者の認可情報が無い場合のみErrCredentialNotFoundを返す。
func (e *Executor) Execute(ctx context.Context, req Request) (string, error) {
	cred, err := e.credentials.Load(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("認可情報の取得に失敗: %w", err)
	}
	if cred == nil {
		return "", ErrCredentialNotFound
	}

	msg, outcome := e.run(ctx, cred, req)
	e.metrics.RecordCommand(operationLabel(req.Operation), outcome)
	return msg, nil
}

// 操作結果のラベル。
const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

func (e *Executor) run(ctx context.Context, cred *model.Credential, req Request) (string, string) {
	p := req.Params
	switch req.Operation {
	case OpInsertSubscription:
		return e.insertSubscription(ctx, cred, p.Collection)
	case OpDeleteSubscription:
		return e.deleteSubscription(ctx, cred, p.SubscriptionID)
	case OpInsertItem:
		return e.insertItem(ctx, cred, p)
	case OpInsertRemindMe:
		return e.insertCard(ctx, cred, e.remindMeCard(), MsgRemindMeInserted)
	case OpInsertItemWithAction:
		return e.insertCard(ctx, cred, e.actionCard(), MsgActionItemInserted)
	case OpInsertContact:
		return e.insertContact(ctx, cred, p)
	case OpDeleteContact:
		return e.deleteContact(ctx, cred, p.ID)
	case OpInsertItemAllUsers:
		return e.insertItemAllUsers(ctx, req.Host)
	default:
		e.logger.Warn("不明な操作が指定されました", slog.String("operation", strconv.Quote(req.Operation)))
		return MsgUnknownOperation, outcomeRejected
	}
}

func (e *Executor) insertSubscription(ctx context.Context, cred *model.Credential, collection string) (string, string) {
	_, err := e.clients(ctx, cred).InsertSubscription(ctx, &mirror.Subscription{
		Collection:  collection,
		CallbackURL: e.cfg.CallbackURL,
		VerifyToken: cred.UserID,
		UserToken:   cred.UserID,
	})
	if err != nil {
		e.logger.Warn("購読に失敗しました",
			slog.String("user_id", cred.UserID),
			slog.String("collection", collection),
			slog.String("callback_url", e.cfg.CallbackURL),
			slog.String("error", err.Error()),
		)
		return MsgSubscribeFailed, outcomeFailure
	}
	return MsgSubscribed, outcomeSuccess
}

func (e *Executor) deleteSubscription(ctx context.Context, cred *model.Credential, id string) (string, string) {
	if err := e.clients(ctx, cred).DeleteSubscription(ctx, id); err != nil {
		e.logger.Warn("購読解除に失敗しました",
			slog.String("user_id", cred.UserID),
			slog.String("subscription_id", id),
			slog.String("error", err.Error()),
		)
		return MsgUnsubscribeFailed, outcomeFailure
	}
	return MsgUnsubscribed, outcomeSuccess
}

// insertItem はテキスト/HTMLカードを挿入し、配信記録を残す。
func (e *Executor) insertItem(ctx context.Context, cred *model.Credential, p Params) (string, string) {
	item := e.newsCard(p)
	inserted, err := e.clients(ctx, cred).InsertTimelineItem(ctx, item)
	if err != nil {
		e.logger.Error("カードの挿入に失敗しました",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)
		return MsgInsertFailed, outcomeFailure
	}

	if err := e.news.RecordNewsPost(ctx, inserted.ID, item.Text, item.HTML, item.CanonicalURL); err != nil {
		e.logger.Error("配信記録の保存に失敗しました",
			slog.String("timeline_id", inserted.ID),
			slog.String("error", err.Error()),
		)
	}
	return MsgItemInserted, outcomeSuccess
}

func (e *Executor) insertCard(ctx context.Context, cred *model.Credential, item *mirror.TimelineItem, okMsg string) (string, string) {
	if _, err := e.clients(ctx, cred).InsertTimelineItem(ctx, item); err != nil {
		e.logger.Error("カードの挿入に失敗しました",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)
		return MsgInsertFailed, outcomeFailure
	}
	return okMsg, outcomeSuccess
}

// insertContact は連絡先を挿入する。名前とアイコンURLの両方が必要。
func (e *Executor) insertContact(ctx context.Context, cred *model.Credential, p Params) (string, string) {
	in := contactInput{Name: p.Name, IconURL: p.IconURL}
	if err := e.validate.Struct(in); err != nil {
		e.logger.Info("連絡先の入力が不正です", slog.String("error", err.Error()))
		return MsgContactInvalid, outcomeRejected
	}

	_, err := e.clients(ctx, cred).InsertContact(ctx, &mirror.Contact{
		ID:          in.Name,
		DisplayName: in.Name,
		ImageURLs:   []string{in.IconURL},
	})
	if err != nil {
		e.logger.Error("連絡先の挿入に失敗しました",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)
		return MsgContactFailed, outcomeFailure
	}
	return "Inserted contact: " + in.Name, outcomeSuccess
}

func (e *Executor) deleteContact(ctx context.Context, cred *model.Credential, id string) (string, string) {
	if err := e.clients(ctx, cred).DeleteContact(ctx, id); err != nil {
		e.logger.Error("連絡先の削除に失敗しました",
			slog.String("user_id", cred.UserID),
			slog.String("contact_id", id),
			slog.String("error", err.Error()),
		)
		return MsgContactFailed, outcomeFailure
	}
	return MsgContactDeleted, outcomeSuccess
}

// insertItemAllUsers は全ユーザーへ同じカードを一括挿入する。
// デモインスタンスとユーザー数が上限を超える場合はAPIを呼ばずに中止する。
func (e *Executor) insertItemAllUsers(ctx context.Context, host string) (string, string) {
	if e.cfg.DemoHostname != "" && strings.Contains(host, e.cfg.DemoHostname) {
		return MsgDemoDisabled, outcomeRejected
	}

	users, err := e.credentials.ListUsers(ctx)
	if err != nil {
		e.logger.Error("ユーザー一覧の取得に失敗しました", slog.String("error", err.Error()))
		return MsgInsertFailed, outcomeFailure
	}
	e.logger.Info("全ユーザー配信の対象を取得しました", slog.Int("user_count", len(users)))
	if len(users) > e.cfg.BroadcastMaxUsers {
		return fmt.Sprintf("Total user count is %d. Aborting broadcast to save your quota.", len(users)), outcomeRejected
	}

	recipients := make([]*model.Credential, 0, len(users))
	for _, id := range users {
		cred, err := e.credentials.Load(ctx, id)
		if err != nil || cred == nil {
			e.logger.Warn("配信先の認可情報を読み込めませんでした", slog.String("user_id", id))
			continue
		}
		recipients = append(recipients, cred)
	}

	item := broadcastCard()
	success, failure, err := e.broadcaster.BroadcastInsert(ctx, recipients, item)
	failure += len(users) - len(recipients)
	e.metrics.RecordBroadcast(success, failure)
	if err != nil {
		e.logger.Error("全ユーザー配信に失敗しました", slog.String("error", err.Error()))
		return fmt.Sprintf("Successfully sent cards to %d users (%d failed).", success, failure), outcomeFailure
	}

	if err := e.news.RecordNewsPost(ctx, "", item.Text, item.HTML, item.CanonicalURL); err != nil {
		e.logger.Error("配信記録の保存に失敗しました", slog.String("error", err.Error()))
	}
	return fmt.Sprintf("Successfully sent cards to %d users (%d failed).", success, failure), outcomeSuccess
}
