package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hitoshi/glassware/internal/location"
	"github.com/hitoshi/glassware/internal/metrics"
	"github.com/hitoshi/glassware/internal/mirror"
	"github.com/hitoshi/glassware/internal/model"
)

const (
	// LocationsSubscriptionID は位置情報コレクションの購読ID。
	LocationsSubscriptionID = "locations"

	drillText     = "Drill, baby drill!"
	echoPhotoText = "Echoing your shared photo"
	defaultMedia  = "image/jpeg"
)

// MirrorAPI はディスパッチャが利用するMirror API操作。
type MirrorAPI interface {
	GetTimelineItem(ctx context.Context, id string) (*mirror.TimelineItem, error)
	InsertTimelineItem(ctx context.Context, item *mirror.TimelineItem) (*mirror.TimelineItem, error)
	InsertTimelineItemWithMedia(ctx context.Context, item *mirror.TimelineItem, contentType string, media []byte) (*mirror.TimelineItem, error)
	GetAttachment(ctx context.Context, itemID, attachmentID string) ([]byte, string, error)
	GetLocation(ctx context.Context, id string) (*mirror.Location, error)
	ListSubscriptions(ctx context.Context) ([]mirror.Subscription, error)
	InsertSubscription(ctx context.Context, sub *mirror.Subscription) (*mirror.Subscription, error)
}

// ClientFactory は認可情報からMirrorAPIを生成する。
type ClientFactory func(ctx context.Context, cred *model.Credential) MirrorAPI

// CredentialLoader は認可情報の読み込みインターフェース。
type CredentialLoader interface {
	Load(ctx context.Context, userID string) (*model.Credential, error)
}

// LocationStore は位置情報ストアのインターフェース。
type LocationStore interface {
	SaveCurrent(ctx context.Context, userID string, loc model.Location) error
	GetCurrent(ctx context.Context, userID string) (*model.Location, error)
	SaveTag(ctx context.Context, userID string, loc model.Location, name string) error
	GetTag(ctx context.Context, userID, name string) (*model.Location, error)
	MatchArrivalTag(ctx context.Context, userID string, previous *model.Location, current model.Location) (string, bool, error)
}

// DrillRecorder はdrillジェスチャーの監査記録インターフェース。
type DrillRecorder interface {
	RecordDrill(ctx context.Context, userID, timelineID string) error
}

// ImageFetcher は外部画像の取得インターフェース。
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Config はDispatcherの設定。
type Config struct {
	// CallbackURL は位置情報購読の通知先（<BASE_URL>/notify）。
	CallbackURL string
	// ContactName は地図カードのフッターに表示する名前。
	ContactName string
	// DrillImageURL はdrillカードに添付する画像のURL。
	DrillImageURL string
}

// Dispatcher は通知を分類してリアクションを実行する。
// リクエスト間で状態を持たず、すべての状態はストアに置く。
type Dispatcher struct {
	credentials CredentialLoader
	clients     ClientFactory
	locations   LocationStore
	drills      DrillRecorder
	images      ImageFetcher
	metrics     metrics.MetricsCollector
	cfg         Config
	logger      *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(
	credentials CredentialLoader,
	clients ClientFactory,
	locations LocationStore,
	drills DrillRecorder,
	images ImageFetcher,
	collector metrics.MetricsCollector,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		credentials: credentials,
		clients:     clients,
		locations:   locations,
		drills:      drills,
		images:      images,
		metrics:     collector,
		cfg:         cfg,
		logger:      logger,
	}
}

// Dispatch は1件の通知を処理する。
// 認可情報が無い場合はErrCredentialNotFoundを返す。
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) error {
	userID := n.UserToken
	cred, err := d.credentials.Load(ctx, userID)
	if err != nil {
		return fmt.Errorf("認可情報の取得に失敗: %w", err)
	}
	if cred == nil {
		d.metrics.RecordNotificationRejected("credential_not_found")
		return ErrCredentialNotFound
	}
	client := d.clients(ctx, cred)

	kind := ParseCollection(n.Collection)
	switch kind {
	case CollectionLocations:
		return d.handleLocation(ctx, client, userID, n.ItemID)
	case CollectionTimeline:
		return d.handleTimeline(ctx, client, userID, n)
	case CollectionUnknown:
		d.logger.Warn("未対応のコレクションの通知を無視します",
			slog.String("user_id", userID),
			slog.String("collection", n.Collection),
		)
		d.metrics.RecordNotification(kind.String(), ReactionNone.String())
		return nil
	}
	return nil
}

// handleLocation は位置更新通知を処理する。
// 直前の位置を上書き前に読み込み、到着したタグがあれば地図カードを送る。
func (d *Dispatcher) handleLocation(ctx context.Context, client MirrorAPI, userID, itemID string) error {
	// itemIDは通常"latest"
	loc, err := client.GetLocation(ctx, itemID)
	if err != nil {
		return fmt.Errorf("位置情報の取得に失敗: %w", err)
	}
	d.logger.Info("位置情報の更新を受信しました",
		slog.String("user_id", userID),
		slog.Float64("latitude", loc.Latitude),
		slog.Float64("longitude", loc.Longitude),
	)

	previous, err := d.locations.GetCurrent(ctx, userID)
	if err != nil {
		return fmt.Errorf("直前の位置の取得に失敗: %w", err)
	}

	current := model.Location{Latitude: loc.Latitude, Longitude: loc.Longitude}
	if err := d.locations.SaveCurrent(ctx, userID, current); err != nil {
		return fmt.Errorf("現在位置の保存に失敗: %w", err)
	}

	tag, ok, err := d.locations.MatchArrivalTag(ctx, userID, previous, current)
	if err != nil {
		return fmt.Errorf("到着タグの判定に失敗: %w", err)
	}
	if !ok {
		d.metrics.RecordNotification(CollectionLocations.String(), "location_update")
		return nil
	}

	d.metrics.RecordNotification(CollectionLocations.String(), "arrival")
	return d.sendMap(ctx, client, current, "You arrived at "+tag)
}

// handleTimeline はtimeline通知を処理する。
func (d *Dispatcher) handleTimeline(ctx context.Context, client MirrorAPI, userID string, n *Notification) error {
	item, err := client.GetTimelineItem(ctx, n.ItemID)
	if err != nil {
		return fmt.Errorf("カードの取得に失敗: %w", err)
	}

	reaction := Classify(n.UserActions, item)
	d.metrics.RecordNotification(CollectionTimeline.String(), reaction.String())

	switch reaction {
	case ReactionEchoPhoto:
		return d.echoPhoto(ctx, client, userID, item)
	case ReactionTagHome:
		return d.tagCurrent(ctx, client, userID, location.TagHome, true)
	case ReactionTagWork:
		return d.tagCurrent(ctx, client, userID, location.TagWork, false)
	case ReactionShowHome:
		return d.showTag(ctx, client, userID, location.TagHome, "Home")
	case ReactionShowWork:
		return d.showTag(ctx, client, userID, location.TagWork, "Work")
	case ReactionReply:
		d.reply(userID, item)
		return nil
	case ReactionDrill:
		return d.drill(ctx, client, userID, item)
	case ReactionNone:
		d.logger.Warn("処理方法が不明な通知のため無視します",
			slog.String("user_id", userID),
			slog.String("item_id", n.ItemID),
			slog.Any("user_actions", n.UserActions),
		)
		return nil
	}
	return nil
}

// echoPhoto は共有された写真の最初の添付ファイルをユーザーに送り返す。
// 添付ファイルの取得に失敗した場合はログに記録してスキップする。
func (d *Dispatcher) echoPhoto(ctx context.Context, client MirrorAPI, userID string, item *mirror.TimelineItem) error {
	att := item.Attachments[0]
	data, contentType, err := client.GetAttachment(ctx, item.ID, att.ID)
	if err != nil {
		d.logger.Error("添付ファイルの取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("item_id", item.ID),
			slog.String("attachment_id", att.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if contentType == "" {
		contentType = att.ContentType
	}
	if contentType == "" {
		contentType = defaultMedia
	}

	card := &mirror.TimelineItem{
		Text:         echoPhotoText,
		Notification: &mirror.NotificationConfig{Level: mirror.NotificationLevelDefault},
	}
	if _, err := client.InsertTimelineItemWithMedia(ctx, card, contentType, data); err != nil {
		return fmt.Errorf("写真カードの挿入に失敗: %w", err)
	}
	return nil
}

// tagCurrent は現在位置に名前を付けて保存する。
// 現在位置が無い場合、subscribeOnMissingなら位置情報の購読を確認する。
func (d *Dispatcher) tagCurrent(ctx context.Context, client MirrorAPI, userID, tag string, subscribeOnMissing bool) error {
	loc, err := d.locations.GetCurrent(ctx, userID)
	if err != nil {
		return fmt.Errorf("現在位置の取得に失敗: %w", err)
	}
	if loc == nil {
		d.logger.Info("現在位置がありません",
			slog.String("user_id", userID),
			slog.String("tag", tag),
		)
		if subscribeOnMissing {
			if err := d.EnsureLocationSubscription(ctx, client, userID); err != nil {
				d.logger.Error("位置情報の購読に失敗しました",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	}
	if err := d.locations.SaveTag(ctx, userID, *loc, tag); err != nil {
		return fmt.Errorf("位置タグの保存に失敗: %w", err)
	}
	return nil
}

// showTag は保存済みタグの地図カードを送る。タグが無い場合は何もしない。
func (d *Dispatcher) showTag(ctx context.Context, client MirrorAPI, userID, tag, title string) error {
	loc, err := d.locations.GetTag(ctx, userID, tag)
	if err != nil {
		return fmt.Errorf("位置タグの取得に失敗: %w", err)
	}
	if loc == nil {
		d.logger.Info("位置タグが未登録です",
			slog.String("user_id", userID),
			slog.String("tag", tag),
		)
		return nil
	}
	return d.sendMap(ctx, client, *loc, title)
}

// reply はREPLYテキストを解析してログに記録する。
func (d *Dispatcher) reply(userID string, item *mirror.TimelineItem) {
	reminder, ok := ParseReminder(item.Text)
	if !ok {
		d.logger.Info("REPLYを受信しました",
			slog.String("user_id", userID),
			slog.String("text", item.Text),
		)
		return
	}
	// TODO: 抽出したタグへの到着時にリマインダーカードを送る
	d.logger.Info("リマインダーを受信しました",
		slog.String("user_id", userID),
		slog.String("action", reminder.Action),
		slog.String("tag", reminder.Tag),
	)
}

// drill は固定テキストのカードを送り、監査レコードを書き込む。
// 画像の取得や画像付き挿入に失敗した場合はテキストのみのカードを送る。
func (d *Dispatcher) drill(ctx context.Context, client MirrorAPI, userID string, item *mirror.TimelineItem) error {
	card := &mirror.TimelineItem{
		Text:         drillText,
		Notification: &mirror.NotificationConfig{Level: mirror.NotificationLevelDefault},
	}

	inserted := false
	if data, contentType, ok := d.fetchImage(ctx, userID); ok {
		if _, err := client.InsertTimelineItemWithMedia(ctx, card, contentType, data); err != nil {
			d.logger.Warn("画像付きカードの挿入に失敗しました。テキストのみで送信します",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else {
			inserted = true
		}
	}
	if !inserted {
		if _, err := client.InsertTimelineItem(ctx, card); err != nil {
			return fmt.Errorf("drillカードの挿入に失敗: %w", err)
		}
	}

	if err := d.drills.RecordDrill(ctx, userID, item.ID); err != nil {
		return fmt.Errorf("drill監査レコードの書き込みに失敗: %w", err)
	}
	return nil
}

// fetchImage はdrill画像を取得する。失敗時はokがfalseになる。
func (d *Dispatcher) fetchImage(ctx context.Context, userID string) ([]byte, string, bool) {
	if d.cfg.DrillImageURL == "" || d.images == nil {
		return nil, "", false
	}
	data, contentType, err := d.images.Fetch(ctx, d.cfg.DrillImageURL)
	if err != nil {
		d.logger.Info("drill画像を取得できませんでした",
			slog.String("user_id", userID),
			slog.String("url", d.cfg.DrillImageURL),
			slog.String("error", err.Error()),
		)
		return nil, "", false
	}
	return data, contentType, true
}

// sendMap は指定位置の地図カードを送る。
func (d *Dispatcher) sendMap(ctx context.Context, client MirrorAPI, loc model.Location, title string) error {
	card := &mirror.TimelineItem{
		Title:        title,
		HTML:         MapCardHTML(loc, title, d.cfg.ContactName),
		Notification: &mirror.NotificationConfig{Level: mirror.NotificationLevelDefault},
	}
	d.logger.Debug("地図カードを送信します", slog.String("html", card.HTML))
	if _, err := client.InsertTimelineItem(ctx, card); err != nil {
		return fmt.Errorf("地図カードの挿入に失敗: %w", err)
	}
	return nil
}

// EnsureLocationSubscription は位置情報の購読が無ければ作成する。
// 何度呼び出しても購読は1件のまま。
func (d *Dispatcher) EnsureLocationSubscription(ctx context.Context, client MirrorAPI, userID string) error {
	subs, err := client.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("購読一覧の取得に失敗: %w", err)
	}
	for _, s := range subs {
		if s.ID == LocationsSubscriptionID {
			return nil
		}
	}

	d.logger.Info("位置情報の購読を追加します", slog.String("user_id", userID))
	_, err = client.InsertSubscription(ctx, &mirror.Subscription{
		Collection:  LocationsSubscriptionID,
		CallbackURL: d.cfg.CallbackURL,
		VerifyToken: userID,
		UserToken:   userID,
	})
	if err != nil {
		return fmt.Errorf("位置情報の購読に失敗: %w", err)
	}
	return nil
}

// MapCardHTML は位置にマーカーを置いた地図カードのHTMLを生成する。
func MapCardHTML(loc model.Location, title, contactName string) string {
	var b strings.Builder
	b.WriteString("<article>\n")
	b.WriteString("<figure>\n")
	b.WriteString(`<img src="glass://map?w=240&h=360&marker=0;`)
	b.WriteString(formatCoord(loc.Latitude))
	b.WriteString(",")
	b.WriteString(formatCoord(loc.Longitude))
	b.WriteString(`" height="360" width="240">`)
	b.WriteString("</figure>\n")
	b.WriteString("<section>\n")
	b.WriteString(`<div class="text-auto-size">`)
	b.WriteString(html.EscapeString(title))
	b.WriteString("</div>\n")
	b.WriteString("</section>\n")
	b.WriteString("<footer><div>")
	b.WriteString(html.EscapeString(contactName))
	b.WriteString("</div></footer>\n")
	b.WriteString("</article>")
	return b.String()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// IsAuthorizationFailure は認可情報が無いことによる失敗かを判定する。
func IsAuthorizationFailure(err error) bool {
	return errors.Is(err, ErrCredentialNotFound)
}
