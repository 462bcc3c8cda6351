package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
)

// MemoryLegacyQueueRepo はプロセス内メモリ上の旧キュー。
// メモリバックエンドでの移行コマンドの動作確認とテストに使用する。
type MemoryLegacyQueueRepo struct {
	mu       sync.Mutex
	rows     map[string]*model.LegacyQueueRow
	migrated map[string]time.Time
}

// NewMemoryLegacyQueueRepo はrowsを初期内容とするMemoryLegacyQueueRepoを生成する。
func NewMemoryLegacyQueueRepo(rows ...*model.LegacyQueueRow) *MemoryLegacyQueueRepo {
	r := &MemoryLegacyQueueRepo{
		rows:     make(map[string]*model.LegacyQueueRow),
		migrated: make(map[string]time.Time),
	}
	for _, row := range rows {
		c := *row
		r.rows[c.ID] = &c
	}
	return r
}

func (r *MemoryLegacyQueueRepo) ListUnmigrated(ctx context.Context, limit int) ([]*model.LegacyQueueRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.LegacyQueueRow
	for id, row := range r.rows {
		if _, done := r.migrated[id]; done {
			continue
		}
		c := *row
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryLegacyQueueRepo) MarkMigrated(ctx context.Context, ids []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.rows[id]; !ok {
			continue
		}
		if _, done := r.migrated[id]; !done {
			r.migrated[id] = at
		}
	}
	return nil
}

// Reset は全行を未移行に戻す。移行済みフラグが失われた状況の再現に使う。
func (r *MemoryLegacyQueueRepo) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrated = make(map[string]time.Time)
}

var _ LegacyQueueRepository = (*MemoryLegacyQueueRepo)(nil)
