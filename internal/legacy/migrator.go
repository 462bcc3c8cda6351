// Package legacy はシャーディング導入前の単一配送キューを、パーティション分割されたキューへ移行する。
package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/partition"
	"github.com/hitoshi/apdelivery/internal/repository"
)

// DefaultPageSize は1回に読み出す旧キューの行数。
const DefaultPageSize = 500

// Migrator は旧キューの未移行行をページ単位で取り込む。
// 取り込みはlegacy_idで重複を排除するため、何度実行しても結果は同じになる。
type Migrator struct {
	legacy      repository.LegacyQueueRepository
	store       repository.QueueStore
	partitioner *partition.Partitioner
	logger      *slog.Logger
	pageSize    int
	now         func() time.Time
}

// NewMigrator はMigratorを生成する。pageSizeが0以下の場合はDefaultPageSizeを使用する。
func NewMigrator(
	legacy repository.LegacyQueueRepository,
	store repository.QueueStore,
	partitioner *partition.Partitioner,
	logger *slog.Logger,
	pageSize int,
) *Migrator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Migrator{
		legacy:      legacy,
		store:       store,
		partitioner: partitioner,
		logger:      logger,
		pageSize:    pageSize,
		now:         time.Now,
	}
}

// Migrate は未移行の行をすべて取り込み、新規に作成したアイテム数を返す。
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	start := time.Now()
	total, pages := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		rows, err := m.legacy.ListUnmigrated(ctx, m.pageSize)
		if err != nil {
			return total, fmt.Errorf("旧キューの読み出しに失敗しました: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		activities, items, ids := m.convert(rows)
		inserted, err := m.store.ImportLegacy(ctx, activities, items)
		if err != nil {
			return total, fmt.Errorf("旧キューの取り込みに失敗しました: %w", err)
		}
		if err := m.legacy.MarkMigrated(ctx, ids, m.now()); err != nil {
			return total, fmt.Errorf("移行済みの記録に失敗しました: %w", err)
		}

		total += inserted
		pages++
		m.logger.Debug("旧キューのページを移行しました",
			slog.Int("rows", len(rows)),
			slog.Int("inserted", inserted),
		)
	}

	m.logger.Info("旧キューの移行が完了しました",
		slog.Int("migrated_count", total),
		slog.Int("pages", pages),
		slog.Int("partition_count", m.partitioner.Count()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return total, nil
}

// convert は旧キューの行をアクティビティとPendingのアイテムに変換する。
// inboxのホストでパーティションを決めるため、新規のファンアウトと同じパーティションに入る。
func (m *Migrator) convert(rows []*model.LegacyQueueRow) ([]*model.Activity, []*model.QueueItem, []string) {
	var (
		activities []*model.Activity
		seen       = make(map[string]bool)
		items      = make([]*model.QueueItem, 0, len(rows))
		ids        = make([]string, 0, len(rows))
	)

	for _, row := range rows {
		ids = append(ids, row.ID)

		if !seen[row.ActivityRef] {
			seen[row.ActivityRef] = true
			doc := row.Document
			if doc == nil {
				doc = []byte{}
			}
			activities = append(activities, &model.Activity{
				Ref:       row.ActivityRef,
				Document:  doc,
				CreatedAt: row.CreatedAt,
			})
		}

		key, err := m.partitioner.PartitionForURL(row.InboxURL)
		if err != nil {
			// 配送時にFailedになる。パーティションはinboxの文字列から決める
			m.logger.Warn("旧キューの行のinboxが不正です",
				slog.String("legacy_id", row.ID),
				slog.String("inbox", row.InboxURL),
			)
			key = m.partitioner.PartitionFor(row.InboxURL)
		}

		var actors []string
		if row.ActorURL != "" {
			actors = []string{row.ActorURL}
		}
		createdAt := row.CreatedAt
		if createdAt.IsZero() {
			createdAt = m.now()
		}
		items = append(items, &model.QueueItem{
			ID:              model.NewQueueItemID(createdAt),
			PartitionKey:    key,
			ActivityRef:     row.ActivityRef,
			TargetInbox:     row.InboxURL,
			RecipientActors: actors,
			State:           model.ItemStatePending,
			AttemptCount:    row.Attempts,
			NotBefore:       createdAt,
			LegacyID:        row.ID,
			CreatedAt:       createdAt,
		})
	}
	return activities, items, ids
}
