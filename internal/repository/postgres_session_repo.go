package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/glassware/internal/model"
)

// PostgresSessionRepo は管理画面セッションをsessionsテーブルに保存する。
type PostgresSessionRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db, now: time.Now}
}

func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.ExpiresAt, createdAt,
	); err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

// FindByID は有効期限内のセッションを返す。存在しないか期限切れならnil。
// 判定時刻はDBではなくアプリ側の時計を使う。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = $1 AND expires_at > $2`,
		id, r.now(),
	).Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return &s, nil
}

func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	return r.delete(ctx, `DELETE FROM sessions WHERE id = $1`, id)
}

// DeleteByUserID はユーザーの全セッションを削除する。認可の取り消しで使う。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	return r.delete(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
}

func (r *PostgresSessionRepo) delete(ctx context.Context, query, key string) error {
	if _, err := r.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete sessions for %s: %w", key, err)
	}
	return nil
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)
