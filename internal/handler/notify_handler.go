package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/glassware/internal/notify"
)

// maxNotifyBodyBytes は通知ボディのバイト上限。行数制限とは別に適用する。
const maxNotifyBodyBytes = 1 << 20

// NotificationDispatcher は通知ハンドラーが必要とするディスパッチャーのインターフェース。
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, n *notify.Notification) error
}

// RejectionRecorder は拒否された通知を記録するインターフェース。
type RejectionRecorder interface {
	RecordNotificationRejected(reason string)
}

// NotifyHandler はMirrorからのプッシュ通知を受け付けるHTTPハンドラー。
type NotifyHandler struct {
	dispatcher NotificationDispatcher
	rejections RejectionRecorder
	maxLines   int
	logger     *slog.Logger
}

// NewNotifyHandler はNotifyHandlerを生成する。
// maxLinesが0以下の場合はnotify.DefaultMaxLinesを使う。
func NewNotifyHandler(dispatcher NotificationDispatcher, rejections RejectionRecorder, maxLines int, logger *slog.Logger) *NotifyHandler {
	if maxLines <= 0 {
		maxLines = notify.DefaultMaxLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyHandler{
		dispatcher: dispatcher,
		rejections: rejections,
		maxLines:   maxLines,
		logger:     logger,
	}
}

// Notify は通知を受信し、即座に"OK"で応答してから処理する。
// POST /notify
//
// 処理の失敗はすべてログに残し、送信元には伝えない。
func (h *NotifyHandler) Notify(w http.ResponseWriter, r *http.Request) {
	body, readErr := notify.ReadPayload(http.MaxBytesReader(w, r.Body, maxNotifyBodyBytes), h.maxLines)

	// 再送を防ぐため、解析前に応答を返す
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", "2")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
	if err := http.NewResponseController(w).Flush(); err != nil {
		h.logger.Debug("通知応答のフラッシュに失敗しました", slog.String("error", err.Error()))
	}

	if readErr != nil {
		reason := "read_failed"
		if errors.Is(readErr, notify.ErrPayloadTooLong) {
			reason = "payload_too_long"
		}
		h.rejections.RecordNotificationRejected(reason)
		h.logger.Error("通知ボディの読み込みを中断しました",
			slog.String("reason", reason),
			slog.String("error", readErr.Error()),
		)
		return
	}

	n, err := notify.DecodeNotification(body)
	if err != nil {
		h.rejections.RecordNotificationRejected("malformed")
		h.logger.Error("通知の解析に失敗しました", slog.String("error", err.Error()))
		return
	}

	h.logger.Info("通知を受信しました",
		slog.String("collection", n.Collection),
		slog.String("item_id", n.ItemID),
		slog.String("user_id", n.UserToken),
	)

	// 応答送信後も送信元の切断に影響されずに処理を続ける
	ctx := context.WithoutCancel(r.Context())
	if err := h.dispatcher.Dispatch(ctx, n); err != nil {
		h.logger.Error("通知の処理に失敗しました",
			slog.String("collection", n.Collection),
			slog.String("user_id", n.UserToken),
			slog.String("error", err.Error()),
		)
	}
}
