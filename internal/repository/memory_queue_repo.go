package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
)

// MemoryQueueRepo はプロセス内メモリを使用したQueueStoreとActivityRepositoryの実装。
// 1つのmutexで全操作を直列化するため、Claimの排他性はPostgreSQL実装と同等に保たれる。
// プロセス終了で内容は失われる。
type MemoryQueueRepo struct {
	mu sync.Mutex

	now func() time.Time

	items      map[string]*model.QueueItem
	order      []string // 作成順のアイテムID
	batches    map[string]*model.BatchFanoutEntry
	batchIndex map[batchKey]string
	activities map[string]*model.Activity
	legacyIDs  map[string]string
}

type batchKey struct {
	activityRef  string
	partitionKey int
}

// NewMemoryQueueRepo はMemoryQueueRepoを生成する。
// clockがnilの場合はtime.Nowを使用する。
func NewMemoryQueueRepo(clock func() time.Time) *MemoryQueueRepo {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryQueueRepo{
		now:        clock,
		items:      make(map[string]*model.QueueItem),
		batches:    make(map[string]*model.BatchFanoutEntry),
		batchIndex: make(map[batchKey]string),
		activities: make(map[string]*model.Activity),
		legacyIDs:  make(map[string]string),
	}
}

// CreateBatch はバッチとアイテムを登録する。
func (r *MemoryQueueRepo) CreateBatch(ctx context.Context, activity *model.Activity, entries []*model.BatchFanoutEntry, items []*model.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// パーティションが重ならなくても、同じアクティビティの2回目のファンアウトは拒否する
	for _, b := range r.batches {
		if b.ActivityRef == activity.Ref {
			return model.ErrBatchExists
		}
	}

	now := r.now()
	if _, exists := r.activities[activity.Ref]; !exists {
		a := *activity
		a.Document = slices.Clone(activity.Document)
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		r.activities[a.Ref] = &a
	}

	for _, e := range entries {
		b := *e
		r.batches[b.ID] = &b
		r.batchIndex[batchKey{b.ActivityRef, b.PartitionKey}] = b.ID
	}
	for _, item := range items {
		r.insertLocked(item)
	}
	return nil
}

// Claim はPendingアイテムを作成順にProcessingへ遷移させる。
func (r *MemoryQueueRepo) Claim(ctx context.Context, partitionKey, maxItems int, leaseDuration time.Duration) ([]*model.QueueItem, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	expires := now.Add(leaseDuration)

	var claimed []*model.QueueItem
	for _, id := range r.order {
		if len(claimed) >= maxItems {
			break
		}
		item := r.items[id]
		if item.PartitionKey != partitionKey || item.State != model.ItemStatePending || item.NotBefore.After(now) {
			continue
		}

		r.transitionLocked(item, model.ItemStateProcessing, now)
		item.LeaseToken = model.NewID()
		lease := expires
		item.LeaseExpiresAt = &lease

		claimed = append(claimed, cloneItem(item))
	}
	return claimed, nil
}

// Complete はProcessing中のアイテムを遷移させる。
func (r *MemoryQueueRepo) Complete(ctx context.Context, id, leaseToken string, outcome model.CompletionOutcome) error {
	if outcome.State == model.ItemStateProcessing {
		return fmt.Errorf("invalid completion state: %s", outcome.State)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok || item.State != model.ItemStateProcessing || item.LeaseToken != leaseToken {
		return model.ErrLeaseLost
	}

	now := r.now()
	r.transitionLocked(item, outcome.State, now)
	item.LeaseToken = ""
	item.LeaseExpiresAt = nil
	if outcome.CountAttempt {
		item.AttemptCount++
	}
	if outcome.LastError != "" {
		item.LastError = outcome.LastError
	}
	if outcome.State == model.ItemStatePending {
		item.NotBefore = outcome.NotBefore
	}
	return nil
}

// ReapExpiredLeases はリース期限切れのアイテムをPendingへ戻す。
func (r *MemoryQueueRepo) ReapExpiredLeases(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	reaped := 0
	for _, id := range r.order {
		item := r.items[id]
		if item.State != model.ItemStateProcessing || item.LeaseExpiresAt == nil || !item.LeaseExpiresAt.Before(now) {
			continue
		}
		r.transitionLocked(item, model.ItemStatePending, now)
		item.AttemptCount++
		item.LeaseToken = ""
		item.LeaseExpiresAt = nil
		item.LastError = "lease expired"
		item.NotBefore = now
		reaped++
	}
	return reaped, nil
}

// StatsByPartition は全パーティションの集計を返す。
func (r *MemoryQueueRepo) StatsByPartition(ctx context.Context, partitionCount int) ([]model.PartitionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]model.PartitionStats, partitionCount)
	for i := range stats {
		stats[i].PartitionKey = i
	}
	for _, b := range r.batches {
		if b.PartitionKey < 0 || b.PartitionKey >= partitionCount {
			continue
		}
		stats[b.PartitionKey].Add(b)
	}
	return stats, nil
}

// BatchesByActivity はアクティビティのパーティション別集計を返す。
func (r *MemoryQueueRepo) BatchesByActivity(ctx context.Context, activityRef string) (*model.BatchSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := &model.BatchSummary{ActivityRef: activityRef}
	for _, b := range r.batches {
		if b.ActivityRef != activityRef {
			continue
		}
		entry := *b
		summary.Entries = append(summary.Entries, &entry)
		summary.Total.Add(&entry)
	}
	if len(summary.Entries) == 0 {
		return nil, nil
	}
	sort.Slice(summary.Entries, func(i, j int) bool {
		return summary.Entries[i].PartitionKey < summary.Entries[j].PartitionKey
	})
	summary.Total.PartitionKey = -1
	return summary, nil
}

// ListFailed はFailedアイテムを更新日時の新しい順に返す。
func (r *MemoryQueueRepo) ListFailed(ctx context.Context, partitionKey, limit int) ([]*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []*model.QueueItem
	for _, id := range r.order {
		item := r.items[id]
		if item.State != model.ItemStateFailed {
			continue
		}
		if partitionKey >= 0 && item.PartitionKey != partitionKey {
			continue
		}
		failed = append(failed, cloneItem(item))
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].UpdatedAt.After(failed[j].UpdatedAt)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// ImportLegacy は旧キューのアイテムを取り込む。legacy_idが既存のものはスキップする。
func (r *MemoryQueueRepo) ImportLegacy(ctx context.Context, activities []*model.Activity, items []*model.QueueItem) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, a := range activities {
		if _, exists := r.activities[a.Ref]; exists {
			continue
		}
		copied := *a
		copied.Document = slices.Clone(a.Document)
		if copied.CreatedAt.IsZero() {
			copied.CreatedAt = now
		}
		r.activities[copied.Ref] = &copied
	}

	inserted := 0
	for _, item := range items {
		if item.LegacyID == "" {
			return inserted, fmt.Errorf("legacy item %s has no legacy id", item.ID)
		}
		if _, exists := r.legacyIDs[item.LegacyID]; exists {
			continue
		}
		if _, exists := r.activities[item.ActivityRef]; !exists {
			return inserted, fmt.Errorf("activity %s not found for legacy item %s", item.ActivityRef, item.LegacyID)
		}

		key := batchKey{item.ActivityRef, item.PartitionKey}
		batchID, exists := r.batchIndex[key]
		if !exists {
			batchID = model.NewID()
			r.batches[batchID] = &model.BatchFanoutEntry{
				ID:           batchID,
				ActivityRef:  item.ActivityRef,
				PartitionKey: item.PartitionKey,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			r.batchIndex[key] = batchID
		}
		b := r.batches[batchID]
		b.TotalCount++
		b.PendingCount++
		b.UpdatedAt = now

		copied := *item
		copied.BatchID = batchID
		copied.State = model.ItemStatePending
		r.insertLocked(&copied)
		inserted++
	}
	return inserted, nil
}

// FindDocument はアクティビティ文書を返す。
func (r *MemoryQueueRepo) FindDocument(ctx context.Context, activityRef string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.activities[activityRef]
	if !ok {
		return nil, nil
	}
	return slices.Clone(a.Document), nil
}

// Items は全アイテムの複製を作成順に返す。テストと診断用。
func (r *MemoryQueueRepo) Items() []*model.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.QueueItem, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneItem(r.items[id]))
	}
	return out
}

// VerifyCounters はBatchFanoutEntryのカウンタがアイテムの集計と一致するかを検証する。
func (r *MemoryQueueRepo) VerifyCounters() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	derived := make(map[string]*model.BatchFanoutEntry)
	for _, item := range r.items {
		d, ok := derived[item.BatchID]
		if !ok {
			d = &model.BatchFanoutEntry{}
			derived[item.BatchID] = d
		}
		d.TotalCount++
		d.Move("", item.State)
	}
	for id, b := range r.batches {
		if !b.Consistent() {
			return fmt.Errorf("batch %s: total %d != sum of states (%+v)", id, b.TotalCount, *b)
		}
		d := derived[id]
		if d == nil {
			d = &model.BatchFanoutEntry{}
		}
		if d.TotalCount != b.TotalCount || d.PendingCount != b.PendingCount ||
			d.ProcessingCount != b.ProcessingCount || d.FailedCount != b.FailedCount ||
			d.ProcessedCount != b.ProcessedCount {
			return fmt.Errorf("batch %s: counters %+v disagree with items %+v", id, *b, *d)
		}
	}
	return nil
}

// insertLocked はアイテムを登録する。呼び出し側でmuを保持すること。
func (r *MemoryQueueRepo) insertLocked(item *model.QueueItem) {
	now := r.now()
	copied := cloneItem(item)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = copied.CreatedAt
	if copied.NotBefore.IsZero() {
		copied.NotBefore = copied.CreatedAt
	}
	r.items[copied.ID] = copied
	r.order = append(r.order, copied.ID)
	if copied.LegacyID != "" {
		r.legacyIDs[copied.LegacyID] = copied.ID
	}
}

// transitionLocked はアイテムの状態と親バッチのカウンタを同時に更新する。
func (r *MemoryQueueRepo) transitionLocked(item *model.QueueItem, to model.ItemState, now time.Time) {
	if b, ok := r.batches[item.BatchID]; ok {
		b.Move(item.State, to)
		b.UpdatedAt = now
	}
	item.State = to
	item.UpdatedAt = now
}

func cloneItem(item *model.QueueItem) *model.QueueItem {
	c := *item
	c.RecipientActors = slices.Clone(item.RecipientActors)
	if item.LeaseExpiresAt != nil {
		t := *item.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

// compile-time interface check
var (
	_ QueueStore         = (*MemoryQueueRepo)(nil)
	_ ActivityRepository = (*MemoryQueueRepo)(nil)
)
