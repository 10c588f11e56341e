// Package location はユーザーの現在位置と位置タグを管理する。
package location

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hitoshi/glassware/internal/model"
	"github.com/hitoshi/glassware/internal/repository"
)

const (
	// DefaultTTL は現在位置を有効とみなす期間。
	DefaultTTL = 15 * time.Minute

	// DefaultArrivalRadiusMiles は到着判定に使う半径（マイル）。
	DefaultArrivalRadiusMiles = 0.1

	// TagHome / TagWork はメニュー操作で保存される位置タグ名。
	TagHome = "home"
	TagWork = "work"

	earthRadiusMiles = 3958.8
)

// Service は位置情報のサービス層。
type Service struct {
	repo         repository.LocationRepository
	ttl          time.Duration
	arrivalRange float64
	now          func() time.Time
}

// NewService はServiceを生成する。
// ttlとarrivalRadiusMilesに0以下を渡した場合はデフォルト値を使う。
func NewService(repo repository.LocationRepository, ttl time.Duration, arrivalRadiusMiles float64) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if arrivalRadiusMiles <= 0 {
		arrivalRadiusMiles = DefaultArrivalRadiusMiles
	}
	return &Service{
		repo:         repo,
		ttl:          ttl,
		arrivalRange: arrivalRadiusMiles,
		now:          time.Now,
	}
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SaveCurrent はユーザーの現在位置を保存する。取得時刻は保存時の現在時刻で上書きする。
func (s *Service) SaveCurrent(ctx context.Context, userID string, loc model.Location) error {
	loc.CapturedAt = s.now()
	if err := s.repo.UpsertCurrent(ctx, userID, loc); err != nil {
		return fmt.Errorf("現在位置の保存に失敗しました: %w", err)
	}
	return nil
}

// GetCurrent はユーザーの現在位置を返す。
// 未保存、または取得から秒単位でTTLを超えて経過している場合はnilを返す。
// 経過秒数がTTLとちょうど等しい場合はまだ有効。
func (s *Service) GetCurrent(ctx context.Context, userID string) (*model.Location, error) {
	loc, err := s.repo.FindCurrent(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("現在位置の取得に失敗しました: %w", err)
	}
	if loc == nil {
		return nil, nil
	}

	ageSeconds := int64(s.now().Sub(loc.CapturedAt) / time.Second)
	if ageSeconds > int64(s.ttl/time.Second) {
		return nil, nil
	}
	return loc, nil
}

// SaveTag は位置を名前付きタグとして保存する。同名タグは上書きされる。
func (s *Service) SaveTag(ctx context.Context, userID string, loc model.Location, name string) error {
	tag := &model.LocationTag{
		UserID:   userID,
		Name:     name,
		Location: loc,
	}
	if err := s.repo.UpsertTag(ctx, tag); err != nil {
		return fmt.Errorf("位置タグの保存に失敗しました: %w", err)
	}
	return nil
}

// GetTag は位置タグの位置を返す。未登録の場合はnilを返す。
func (s *Service) GetTag(ctx context.Context, userID, name string) (*model.Location, error) {
	tag, err := s.repo.FindTag(ctx, userID, name)
	if err != nil {
		return nil, fmt.Errorf("位置タグの取得に失敗しました: %w", err)
	}
	if tag == nil {
		return nil, nil
	}
	loc := tag.Location
	return &loc, nil
}

// ListTags はユーザーの位置タグをタグ名の昇順で返す。
func (s *Service) ListTags(ctx context.Context, userID string) ([]*model.LocationTag, error) {
	tags, err := s.repo.ListTagsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("位置タグ一覧の取得に失敗しました: %w", err)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

// MatchArrivalTag は現在位置から到着判定半径内にある位置タグを返す。
// タグはタグ名の昇順に評価し、最初に半径内に入ったものを採用する。
// 直前位置からの移動距離はログに出すのみで判定には使わない。
func (s *Service) MatchArrivalTag(ctx context.Context, userID string, previous *model.Location, current model.Location) (string, bool, error) {
	tags, err := s.ListTags(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if len(tags) == 0 {
		return "", false, nil
	}

	if previous != nil {
		slog.Debug("直前位置からの移動距離",
			slog.String("user_id", userID),
			slog.Float64("miles", DistanceMiles(*previous, current)),
		)
	}

	for _, tag := range tags {
		if DistanceMiles(tag.Location, current) <= s.arrivalRange {
			return tag.Name, true, nil
		}
	}
	return "", false, nil
}

// DistanceMiles は2点間の大圏距離をマイルで返す（haversine）。
func DistanceMiles(a, b model.Location) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
