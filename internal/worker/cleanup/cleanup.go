// Package cleanup は古い監査レコードと期限切れセッションを削除するバッチを提供する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は監査レコードの既定の保持日数。
const DefaultRetentionDays = 180

// Executor はSQLのExecContextを抽象化するインターフェース。*sql.DBが満たす。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// target は1回のDELETEで掃除する対象。
type target struct {
	name  string
	query string
	// cutoff はnowと保持日数からDELETEの境界時刻を求める。
	cutoff func(now time.Time, retention time.Duration) time.Time
}

func retentionCutoff(now time.Time, retention time.Duration) time.Time { return now.Add(-retention) }
func expiryCutoff(now time.Time, _ time.Duration) time.Time             { return now }

var targets = []target{
	{name: "news_posts", query: `DELETE FROM news_posts WHERE created_at < $1`, cutoff: retentionCutoff},
	{name: "drill_records", query: `DELETE FROM drill_records WHERE created_at < $1`, cutoff: retentionCutoff},
	{name: "sessions", query: `DELETE FROM sessions WHERE expires_at < $1`, cutoff: expiryCutoff},
}

// CleanupJob は保持期間を超えた監査レコードと期限切れセッションを削除する。
// 削除対象が無くても成功する。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int
}

// NewCleanupJob はCleanupJobを生成する。保持日数はDefaultRetentionDays。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run は全対象を1回ずつ掃除し、対象ごとの削除件数を返す。
// ある対象で失敗しても残りは続行し、失敗はまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) (map[string]int64, error) {
	start := j.now()
	retention := time.Duration(j.RetentionDays) * 24 * time.Hour

	deleted := make(map[string]int64, len(targets))
	var errs []error
	for _, t := range targets {
		n, err := j.exec(ctx, t.query, t.cutoff(start, retention))
		if err != nil {
			j.logger.Error("cleanup failed",
				slog.String("table", t.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("cleanup %s: %w", t.name, err))
			continue
		}
		deleted[t.name] = n
	}

	j.logger.Info("cleanup finished",
		slog.Int64("deleted_audit_records", deleted["news_posts"]+deleted["drill_records"]),
		slog.Int64("expired_sessions", deleted["sessions"]),
		slog.Int("retention_days", j.RetentionDays),
		slog.Int("failed_targets", len(errs)),
		slog.Int64("duration_ms", j.now().Sub(start).Milliseconds()),
	)
	return deleted, errors.Join(errs...)
}

// RunEvery は直ちに1回実行し、その後intervalごとにctxが終わるまで実行する。
// 各回の失敗はログに残して次回に持ち越す。
func (j *CleanupJob) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// 失敗はRun内でログ済み
		_, _ = j.Run(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *CleanupJob) exec(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
