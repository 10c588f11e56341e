package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/glassware/internal/middleware"
	"github.com/hitoshi/glassware/internal/model"
)

// TagLister は位置タグ一覧ハンドラーが必要とするインターフェース。
type TagLister interface {
	ListTags(ctx context.Context, userID string) ([]*model.LocationTag, error)
}

// LocationHandler は位置情報の参照用HTTPハンドラー。
type LocationHandler struct {
	tags TagLister
}

// NewLocationHandler はLocationHandlerを生成する。
func NewLocationHandler(tags TagLister) *LocationHandler {
	return &LocationHandler{tags: tags}
}

// locationTagResponse は位置タグのAPIレスポンス。
type locationTagResponse struct {
	Name       string    `json:"name"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// ListTags はログインユーザーの位置タグ一覧を返す。
// GET /api/locations/tags
func (h *LocationHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	tags, err := h.tags.ListTags(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]locationTagResponse, 0, len(tags))
	for _, tag := range tags {
		resp = append(resp, locationTagResponse{
			Name:       tag.Name,
			Latitude:   tag.Latitude,
			Longitude:  tag.Longitude,
			CapturedAt: tag.CapturedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
