package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/apdelivery/internal/model"
)

// PostgresLegacyQueueRepo はシャーディング導入前のdelivery_queueテーブルを読み出す。
type PostgresLegacyQueueRepo struct {
	db *sql.DB
}

// NewPostgresLegacyQueueRepo はPostgresLegacyQueueRepoを生成する。
func NewPostgresLegacyQueueRepo(db *sql.DB) *PostgresLegacyQueueRepo {
	return &PostgresLegacyQueueRepo{db: db}
}

// ListUnmigrated は未移行の行を作成順に返す。
func (r *PostgresLegacyQueueRepo) ListUnmigrated(ctx context.Context, limit int) ([]*model.LegacyQueueRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, activity_ref, activity_json, inbox_url, actor_url, attempts, created_at
		 FROM delivery_queue
		 WHERE migrated_at IS NULL
		 ORDER BY created_at, id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("旧キューの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var out []*model.LegacyQueueRow
	for rows.Next() {
		row := &model.LegacyQueueRow{}
		if err := rows.Scan(&row.ID, &row.ActivityRef, &row.Document, &row.InboxURL,
			&row.ActorURL, &row.Attempts, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("旧キューの読み取りに失敗しました: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("旧キューの読み取りに失敗しました: %w", err)
	}
	return out, nil
}

// MarkMigrated は行を移行済みにする。
func (r *PostgresLegacyQueueRepo) MarkMigrated(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE delivery_queue SET migrated_at = $2 WHERE id = ANY($1) AND migrated_at IS NULL`,
		pq.Array(ids), at,
	)
	if err != nil {
		return fmt.Errorf("旧キューの移行済み更新に失敗しました: %w", err)
	}
	return nil
}

var _ LegacyQueueRepository = (*PostgresLegacyQueueRepo)(nil)
