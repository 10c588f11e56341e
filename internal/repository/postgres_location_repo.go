package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/glassware/internal/model"
)

// PostgresLocationRepo はPostgreSQLを使用した位置情報リポジトリ。
// current_locations（ユーザーごとに1件）とlocation_tags（ユーザー×タグ名で1件）を扱う。
type PostgresLocationRepo struct {
	db *sql.DB
}

// NewPostgresLocationRepo はPostgresLocationRepoを生成する。
func NewPostgresLocationRepo(db *sql.DB) *PostgresLocationRepo {
	return &PostgresLocationRepo{db: db}
}

// UpsertCurrent はユーザーの現在位置を上書き保存する。
func (r *PostgresLocationRepo) UpsertCurrent(ctx context.Context, userID string, loc model.Location) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO current_locations (user_id, latitude, longitude, captured_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			captured_at = EXCLUDED.captured_at`,
		userID, loc.Latitude, loc.Longitude, loc.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert current location: %w", err)
	}
	return nil
}

// FindCurrent はユーザーの現在位置を取得する。見つからない場合はnilを返す。
func (r *PostgresLocationRepo) FindCurrent(ctx context.Context, userID string) (*model.Location, error) {
	loc := &model.Location{}
	err := r.db.QueryRowContext(ctx,
		`SELECT latitude, longitude, captured_at FROM current_locations WHERE user_id = $1`,
		userID,
	).Scan(&loc.Latitude, &loc.Longitude, &loc.CapturedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find current location: %w", err)
	}
	return loc, nil
}

// UpsertTag は位置タグを上書き保存する。
func (r *PostgresLocationRepo) UpsertTag(ctx context.Context, tag *model.LocationTag) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO location_tags (user_id, tag_name, latitude, longitude, captured_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, tag_name) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			captured_at = EXCLUDED.captured_at`,
		tag.UserID, tag.Name, tag.Latitude, tag.Longitude, tag.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert location tag: %w", err)
	}
	return nil
}

// FindTag は位置タグを取得する。見つからない場合はnilを返す。
func (r *PostgresLocationRepo) FindTag(ctx context.Context, userID, name string) (*model.LocationTag, error) {
	tag := &model.LocationTag{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, tag_name, latitude, longitude, captured_at
		 FROM location_tags
		 WHERE user_id = $1 AND tag_name = $2`,
		userID, name,
	).Scan(&tag.UserID, &tag.Name, &tag.Latitude, &tag.Longitude, &tag.CapturedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find location tag: %w", err)
	}
	return tag, nil
}

// ListTagsByUserID は指定ユーザーの位置タグを返す。
// user_idインデックスで絞り込み、テーブル全体の走査は行わない。
func (r *PostgresLocationRepo) ListTagsByUserID(ctx context.Context, userID string) ([]*model.LocationTag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, tag_name, latitude, longitude, captured_at
		 FROM location_tags
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list location tags: %w", err)
	}
	defer rows.Close()

	var tags []*model.LocationTag
	for rows.Next() {
		tag := &model.LocationTag{}
		if err := rows.Scan(&tag.UserID, &tag.Name, &tag.Latitude, &tag.Longitude, &tag.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan location tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate location tags: %w", err)
	}
	return tags, nil
}

// compile-time interface check
var _ LocationRepository = (*PostgresLocationRepo)(nil)
