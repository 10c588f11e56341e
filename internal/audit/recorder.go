// Package audit は配信カードとdrill操作の監査レコードを記録する。
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/glassware/internal/model"
	"github.com/hitoshi/glassware/internal/repository"
)

// Recorder は監査レコードを書き込む。
type Recorder struct {
	repo repository.AuditRepository
	now  func() time.Time
}

// NewRecorder はRecorderを生成する。
func NewRecorder(repo repository.AuditRepository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

// RecordNewsPost は配信したカードを記録する。テキストは500文字で切り詰める。
// 全ユーザー宛て配信ではtimelineIDは空でよい。
func (r *Recorder) RecordNewsPost(ctx context.Context, timelineID, text, html, canonicalURL string) error {
	post := &model.NewsPost{
		ID:           uuid.NewString(),
		TimelineID:   timelineID,
		Text:         Truncate(text, model.NewsPostTextLimit),
		HTML:         html,
		CanonicalURL: canonicalURL,
		CreatedAt:    r.now(),
	}
	if err := r.repo.CreateNewsPost(ctx, post); err != nil {
		return fmt.Errorf("配信記録の保存に失敗しました: %w", err)
	}
	return nil
}

// RecordDrill はdrill操作を記録する。
func (r *Recorder) RecordDrill(ctx context.Context, userID, timelineID string) error {
	record := &model.DrillRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		TimelineID: timelineID,
		CreatedAt:  r.now(),
	}
	if err := r.repo.CreateDrillRecord(ctx, record); err != nil {
		return fmt.Errorf("drill記録の保存に失敗しました: %w", err)
	}
	return nil
}

// Truncate は文字列を先頭からlimit文字（rune単位）に切り詰める。
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
