package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/apdelivery/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

const queueItemColumns = `id, batch_id, partition_key, activity_ref, target_inbox, recipient_actors,
	state, attempt_count, last_error, not_before, lease_token, lease_expires_at,
	legacy_id, created_at, updated_at`

// PostgresQueueRepo はPostgreSQLを使用したQueueStoreの実装。
// Claimは FOR UPDATE SKIP LOCKED により複数プロセスからの同時実行でも同じアイテムを返さない。
type PostgresQueueRepo struct {
	db *sql.DB
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db *sql.DB) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

// CreateBatch はアクティビティ、バッチ、アイテムを1トランザクションで作成する。
func (r *PostgresQueueRepo) CreateBatch(ctx context.Context, activity *model.Activity, entries []*model.BatchFanoutEntry, items []*model.QueueItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := insertActivity(ctx, tx, activity); err != nil {
		return err
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM batch_fanout_entries WHERE activity_ref = $1)`,
		activity.Ref,
	).Scan(&exists); err != nil {
		return fmt.Errorf("既存バッチの確認に失敗しました: %w", err)
	}
	if exists {
		return model.ErrBatchExists
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batch_fanout_entries
			   (id, activity_ref, partition_key, total_count, pending_count,
			    processing_count, failed_count, processed_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.ActivityRef, e.PartitionKey, e.TotalCount, e.PendingCount,
			e.ProcessingCount, e.FailedCount, e.ProcessedCount,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return model.ErrBatchExists
			}
			return fmt.Errorf("バッチの作成に失敗しました: %w", err)
		}
	}

	for _, item := range items {
		if err := insertQueueItem(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Claim はPendingアイテムを作成順に取得しProcessingへ遷移させる。
func (r *PostgresQueueRepo) Claim(ctx context.Context, partitionKey, maxItems int, leaseDuration time.Duration) ([]*model.QueueItem, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`WITH picked AS (
		   SELECT id FROM queue_items
		   WHERE partition_key = $1 AND state = 'pending' AND not_before <= now()
		   ORDER BY created_at, id
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE queue_items q
		 SET state = 'processing',
		     lease_token = gen_random_uuid(),
		     lease_expires_at = now() + ($3::double precision * interval '1 millisecond'),
		     updated_at = now()
		 FROM picked
		 WHERE q.id = picked.id
		 RETURNING `+prefixColumns("q.", queueItemColumns),
		partitionKey, maxItems, leaseDuration.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("配送アイテムの取得に失敗しました: %w", err)
	}

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}

	perBatch := make(map[string]int)
	for _, item := range items {
		perBatch[item.BatchID]++
	}
	for batchID, n := range perBatch {
		if _, err := tx.ExecContext(ctx,
			`UPDATE batch_fanout_entries
			 SET pending_count = pending_count - $2,
			     processing_count = processing_count + $2,
			     updated_at = now()
			 WHERE id = $1`,
			batchID, n,
		); err != nil {
			return nil, fmt.Errorf("バッチカウンタの更新に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// Complete はリースを検証してアイテムを遷移させる。
func (r *PostgresQueueRepo) Complete(ctx context.Context, id, leaseToken string, outcome model.CompletionOutcome) error {
	column, err := counterColumn(outcome.State)
	if err != nil || outcome.State == model.ItemStateProcessing {
		return fmt.Errorf("invalid completion state: %s", outcome.State)
	}

	attemptDelta := 0
	if outcome.CountAttempt {
		attemptDelta = 1
	}
	notBefore := sql.NullTime{Time: outcome.NotBefore, Valid: !outcome.NotBefore.IsZero()}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var batchID string
	err = tx.QueryRowContext(ctx,
		`UPDATE queue_items
		 SET state = $3,
		     lease_token = NULL,
		     lease_expires_at = NULL,
		     attempt_count = attempt_count + $4,
		     last_error = COALESCE($5, last_error),
		     not_before = CASE WHEN $3 = 'pending' THEN COALESCE($6, now()) ELSE not_before END,
		     updated_at = now()
		 WHERE id = $1 AND state = 'processing' AND lease_token::text = $2
		 RETURNING batch_id`,
		id, leaseToken, string(outcome.State), attemptDelta, nullString(outcome.LastError), notBefore,
	).Scan(&batchID)
	if err == sql.ErrNoRows {
		return model.ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("配送アイテムの完了処理に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE batch_fanout_entries
		 SET processing_count = processing_count - 1,
		     %[1]s = %[1]s + 1,
		     updated_at = now()
		 WHERE id = $1`, column),
		batchID,
	); err != nil {
		return fmt.Errorf("バッチカウンタの更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ReapExpiredLeases はリース期限切れのアイテムをPendingへ戻す。
func (r *PostgresQueueRepo) ReapExpiredLeases(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`UPDATE queue_items
		 SET state = 'pending',
		     attempt_count = attempt_count + 1,
		     lease_token = NULL,
		     lease_expires_at = NULL,
		     last_error = 'lease expired',
		     not_before = now(),
		     updated_at = now()
		 WHERE id IN (
		   SELECT id FROM queue_items
		   WHERE state = 'processing' AND lease_expires_at < now()
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING batch_id`,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れリースの回収に失敗しました: %w", err)
	}
	perBatch := make(map[string]int)
	total := 0
	for rows.Next() {
		var batchID string
		if err := rows.Scan(&batchID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("回収結果の読み取りに失敗しました: %w", err)
		}
		perBatch[batchID]++
		total++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("回収結果の読み取りに失敗しました: %w", err)
	}
	rows.Close()

	for batchID, n := range perBatch {
		if _, err := tx.ExecContext(ctx,
			`UPDATE batch_fanout_entries
			 SET processing_count = processing_count - $2,
			     pending_count = pending_count + $2,
			     updated_at = now()
			 WHERE id = $1`,
			batchID, n,
		); err != nil {
			return 0, fmt.Errorf("バッチカウンタの更新に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return total, nil
}

// StatsByPartition は全パーティションの集計を返す。
func (r *PostgresQueueRepo) StatsByPartition(ctx context.Context, partitionCount int) ([]model.PartitionStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT partition_key,
		        COALESCE(SUM(total_count), 0), COALESCE(SUM(pending_count), 0),
		        COALESCE(SUM(processing_count), 0), COALESCE(SUM(failed_count), 0),
		        COALESCE(SUM(processed_count), 0)
		 FROM batch_fanout_entries
		 WHERE partition_key < $1
		 GROUP BY partition_key`,
		partitionCount,
	)
	if err != nil {
		return nil, fmt.Errorf("パーティション集計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	stats := make([]model.PartitionStats, partitionCount)
	for i := range stats {
		stats[i].PartitionKey = i
	}
	for rows.Next() {
		var s model.PartitionStats
		if err := rows.Scan(&s.PartitionKey, &s.TotalCount, &s.PendingCount,
			&s.ProcessingCount, &s.FailedCount, &s.ProcessedCount); err != nil {
			return nil, fmt.Errorf("パーティション集計の読み取りに失敗しました: %w", err)
		}
		stats[s.PartitionKey] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("パーティション集計の読み取りに失敗しました: %w", err)
	}
	return stats, nil
}

// BatchesByActivity はアクティビティのパーティション別集計を返す。
func (r *PostgresQueueRepo) BatchesByActivity(ctx context.Context, activityRef string) (*model.BatchSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, activity_ref, partition_key, total_count, pending_count,
		        processing_count, failed_count, processed_count, created_at, updated_at
		 FROM batch_fanout_entries
		 WHERE activity_ref = $1
		 ORDER BY partition_key`,
		activityRef,
	)
	if err != nil {
		return nil, fmt.Errorf("バッチの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	summary := &model.BatchSummary{ActivityRef: activityRef}
	for rows.Next() {
		e := &model.BatchFanoutEntry{}
		if err := rows.Scan(&e.ID, &e.ActivityRef, &e.PartitionKey, &e.TotalCount, &e.PendingCount,
			&e.ProcessingCount, &e.FailedCount, &e.ProcessedCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("バッチの読み取りに失敗しました: %w", err)
		}
		summary.Entries = append(summary.Entries, e)
		summary.Total.Add(e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("バッチの読み取りに失敗しました: %w", err)
	}
	if len(summary.Entries) == 0 {
		return nil, nil
	}
	summary.Total.PartitionKey = -1
	return summary, nil
}

// ListFailed はFailedアイテムを更新日時の新しい順に返す。
func (r *PostgresQueueRepo) ListFailed(ctx context.Context, partitionKey, limit int) ([]*model.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueItemColumns+`
		 FROM queue_items
		 WHERE state = 'failed' AND ($1 < 0 OR partition_key = $1)
		 ORDER BY updated_at DESC, id
		 LIMIT $2`,
		partitionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("失敗アイテムの取得に失敗しました: %w", err)
	}
	return scanQueueItems(rows)
}

// ImportLegacy は旧キューのアイテムを取り込む。
func (r *PostgresQueueRepo) ImportLegacy(ctx context.Context, activities []*model.Activity, items []*model.QueueItem) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, a := range activities {
		if err := insertActivity(ctx, tx, a); err != nil {
			return 0, err
		}
	}

	inserted := 0
	for _, item := range items {
		if item.LegacyID == "" {
			return 0, fmt.Errorf("legacy item %s has no legacy id", item.ID)
		}

		var batchID string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO batch_fanout_entries (id, activity_ref, partition_key)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (activity_ref, partition_key)
			 DO UPDATE SET updated_at = now()
			 RETURNING id`,
			model.NewID(), item.ActivityRef, item.PartitionKey,
		).Scan(&batchID)
		if err != nil {
			return 0, fmt.Errorf("移行用バッチの作成に失敗しました: %w", err)
		}

		var itemID string
		err = tx.QueryRowContext(ctx,
			`INSERT INTO queue_items
			   (id, batch_id, partition_key, activity_ref, target_inbox, recipient_actors,
			    state, attempt_count, last_error, not_before, legacy_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10, $9, $9)
			 ON CONFLICT (legacy_id) DO NOTHING
			 RETURNING id`,
			item.ID, batchID, item.PartitionKey, item.ActivityRef, item.TargetInbox,
			pq.Array(nonNilStrings(item.RecipientActors)), item.AttemptCount,
			nullString(item.LastError), item.CreatedAt, item.LegacyID,
		).Scan(&itemID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("移行アイテムの作成に失敗しました: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE batch_fanout_entries
			 SET total_count = total_count + 1, pending_count = pending_count + 1, updated_at = now()
			 WHERE id = $1`,
			batchID,
		); err != nil {
			return 0, fmt.Errorf("バッチカウンタの更新に失敗しました: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return inserted, nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, a *model.Activity) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO activities (ref, actor_url, document, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (ref) DO NOTHING`,
		a.Ref, a.ActorURL, a.Document, createdAt,
	)
	if err != nil {
		return fmt.Errorf("アクティビティの保存に失敗しました: %w", err)
	}
	return nil
}

func insertQueueItem(ctx context.Context, tx *sql.Tx, item *model.QueueItem) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	notBefore := item.NotBefore
	if notBefore.IsZero() {
		notBefore = createdAt
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO queue_items
		   (id, batch_id, partition_key, activity_ref, target_inbox, recipient_actors,
		    state, attempt_count, last_error, not_before, legacy_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		item.ID, item.BatchID, item.PartitionKey, item.ActivityRef, item.TargetInbox,
		pq.Array(nonNilStrings(item.RecipientActors)), string(item.State), item.AttemptCount,
		nullString(item.LastError), notBefore, nullString(item.LegacyID), createdAt,
	)
	if err != nil {
		return fmt.Errorf("配送アイテムの作成に失敗しました: %w", err)
	}
	return nil
}

func scanQueueItems(rows *sql.Rows) ([]*model.QueueItem, error) {
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配送アイテムの読み取りに失敗しました: %w", err)
	}
	return items, nil
}

func scanQueueItem(s rowScanner) (*model.QueueItem, error) {
	item := &model.QueueItem{}
	var state string
	var lastError, leaseToken, legacyID sql.NullString
	var leaseExpiresAt sql.NullTime
	var actors pq.StringArray

	if err := s.Scan(
		&item.ID, &item.BatchID, &item.PartitionKey, &item.ActivityRef, &item.TargetInbox, &actors,
		&state, &item.AttemptCount, &lastError, &item.NotBefore, &leaseToken, &leaseExpiresAt,
		&legacyID, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("配送アイテムの読み取りに失敗しました: %w", err)
	}

	item.State = model.ItemState(state)
	item.RecipientActors = []string(actors)
	item.LastError = nullStringValue(lastError)
	item.LeaseToken = nullStringValue(leaseToken)
	item.LegacyID = nullStringValue(legacyID)
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		item.LeaseExpiresAt = &t
	}
	return item, nil
}

// counterColumn は状態に対応するbatch_fanout_entriesのカウンタ列名を返す。
func counterColumn(s model.ItemState) (string, error) {
	switch s {
	case model.ItemStatePending:
		return "pending_count", nil
	case model.ItemStateProcessing:
		return "processing_count", nil
	case model.ItemStateFailed:
		return "failed_count", nil
	case model.ItemStateProcessed:
		return "processed_count", nil
	default:
		return "", fmt.Errorf("unknown item state: %q", s)
	}
}

// prefixColumns はカンマ区切りの列リストにテーブル別名を付与する。
func prefixColumns(prefix, columns string) string {
	var out []byte
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\n' && c != '\t' {
			out = append(out, prefix...)
			start = false
		}
		out = append(out, c)
		if c == ',' {
			start = true
		}
	}
	return string(out)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// compile-time interface check
var _ QueueStore = (*PostgresQueueRepo)(nil)
