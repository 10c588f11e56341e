package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/glassware/internal/command"
	"github.com/hitoshi/glassware/internal/middleware"
	"github.com/hitoshi/glassware/internal/model"
)

const flashCookieName = "flash"

// CommandExecutor はコマンドハンドラーが必要とする実行器のインターフェース。
type CommandExecutor interface {
	Execute(ctx context.Context, req command.Request) (string, error)
}

// CommandHandler は操作者フォームからのコマンドを処理するHTTPハンドラー。
type CommandHandler struct {
	executor     CommandExecutor
	cookieSecure bool
}

// NewCommandHandler はCommandHandlerを生成する。
func NewCommandHandler(executor CommandExecutor, cookieSecure bool) *CommandHandler {
	return &CommandHandler{
		executor:     executor,
		cookieSecure: cookieSecure,
	}
}

// Command はフォームの operation に応じたコマンドを実行し、
// 結果をフラッシュメッセージに設定してリダイレクトする。
// POST /command
func (h *CommandHandler) Command(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := r.ParseForm(); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("フォームを解析できません"))
		return
	}

	req := command.Request{
		UserID:    userID,
		Operation: r.PostFormValue("operation"),
		Host:      r.Host,
		Params: command.Params{
			Collection:     r.PostFormValue("collection"),
			SubscriptionID: r.PostFormValue("subscriptionId"),
			Message:        r.PostFormValue("message"),
			FullMessage:    r.PostFormValue("fullmessage"),
			ImageURL:       r.PostFormValue("imageUrl"),
			CanonicalURL:   r.PostFormValue("canonicalUrl"),
			Publication:    r.PostFormValue("publication"),
			Name:           r.PostFormValue("name"),
			IconURL:        r.PostFormValue("iconUrl"),
			ID:             r.PostFormValue("id"),
		},
	}

	message, err := h.executor.Execute(r.Context(), req)
	if err != nil {
		if errors.Is(err, command.ErrCredentialNotFound) {
			writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewCredentialNotFoundError(userID))
			return
		}
		slog.Error("command failed",
			slog.String("operation", req.Operation),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	h.setFlash(w, message)

	redirectTo := r.Referer()
	if redirectTo == "" {
		redirectTo = "/"
	}
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}

// Flash は保存されたフラッシュメッセージを返して消去する。
// GET /flash
func (h *CommandHandler) Flash(w http.ResponseWriter, r *http.Request) {
	var message string
	if cookie, err := r.Cookie(flashCookieName); err == nil && cookie.Value != "" {
		if decoded, err := base64.RawURLEncoding.DecodeString(cookie.Value); err == nil {
			message = string(decoded)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     flashCookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

// setFlash はメッセージをCookieに保存する。
// Cookie値に使えない文字を含むためbase64でエンコードする。
func (h *CommandHandler) setFlash(w http.ResponseWriter, message string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    base64.RawURLEncoding.EncodeToString([]byte(message)),
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
