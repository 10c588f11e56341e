package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/glassware/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査レコードのリポジトリ。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// CreateNewsPost は配信カードの監査レコードを作成する。
func (r *PostgresAuditRepo) CreateNewsPost(ctx context.Context, post *model.NewsPost) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO news_posts (id, timeline_id, timeline_text, timeline_html, timeline_canonical_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		post.ID, nullString(post.TimelineID), post.Text, nullString(post.HTML), nullString(post.CanonicalURL), post.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert news post: %w", err)
	}
	return nil
}

// CreateDrillRecord はdrillジェスチャーの監査レコードを作成する。
func (r *PostgresAuditRepo) CreateDrillRecord(ctx context.Context, record *model.DrillRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO drill_records (id, user_id, timeline_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		record.ID, record.UserID, nullString(record.TimelineID), record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert drill record: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
