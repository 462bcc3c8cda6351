// Package cleanup は不要になった記録の定期削除ジョブを提供する。
// 送信量のスライディングウィンドウと、移行済みの旧キュー行を保持期間経過後に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/apdelivery/internal/repository"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を過ぎた記録の削除ジョブ。冪等。
type CleanupJob struct {
	windows repository.RateWindowRepository
	db      Executor // nilの場合は旧キューの削除を行わない（メモリバックエンド）
	logger  *slog.Logger
	now     func() time.Time

	WindowRetention     time.Duration // 送信量ウィンドウの保持期間（デフォルト: 24時間）
	LegacyRetentionDays int           // 移行済み旧キュー行の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(windows repository.RateWindowRepository, db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		windows:             windows,
		db:                  db,
		logger:              logger,
		now:                 time.Now,
		WindowRetention:     24 * time.Hour,
		LegacyRetentionDays: 30,
	}
}

// Run は保持期間を過ぎた記録を削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	pruned, err := j.windows.Prune(ctx, j.now().Add(-j.WindowRetention))
	if err != nil {
		j.logger.Error("送信量ウィンドウの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("送信量ウィンドウの削除に失敗: %w", err)
	}

	var legacyDeleted int64
	if j.db != nil {
		legacyDeleted, err = j.pruneLegacy(ctx)
		if err != nil {
			return err
		}
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("pruned_windows", pruned),
		slog.Int64("deleted_legacy_rows", legacyDeleted),
		slog.Duration("window_retention", j.WindowRetention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// pruneLegacy は移行済みで保持日数を過ぎた旧キュー行を削除する。
// 未移行の行は削除しない。
func (j *CleanupJob) pruneLegacy(ctx context.Context) (int64, error) {
	interval := fmt.Sprintf("%d days", j.LegacyRetentionDays)

	query := `DELETE FROM delivery_queue
	          WHERE migrated_at IS NOT NULL AND migrated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("旧キューのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.LegacyRetentionDays),
		)
		return 0, fmt.Errorf("旧キューのクリーンアップに失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}
