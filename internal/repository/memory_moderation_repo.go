package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
)

// MemoryModerationRepo はプロセス内メモリを使用したModerationRepositoryの実装。
type MemoryModerationRepo struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[moderationKey]*model.ModerationRecord
}

type moderationKey struct {
	kind    model.SubjectKind
	subject string
}

// NewMemoryModerationRepo はMemoryModerationRepoを生成する。
func NewMemoryModerationRepo(clock func() time.Time) *MemoryModerationRepo {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryModerationRepo{
		now:     clock,
		records: make(map[moderationKey]*model.ModerationRecord),
	}
}

func (r *MemoryModerationRepo) Find(ctx context.Context, kind model.SubjectKind, subject string) (*model.ModerationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[moderationKey{kind, subject}]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (r *MemoryModerationRepo) FindMany(ctx context.Context, kind model.SubjectKind, subjects []string) ([]*model.ModerationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.ModerationRecord
	seen := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		if seen[s] {
			continue
		}
		seen[s] = true
		if rec, ok := r.records[moderationKey{kind, s}]; ok {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *MemoryModerationRepo) Upsert(ctx context.Context, record *model.ModerationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upsertLocked(record)
	return nil
}

func (r *MemoryModerationRepo) UpsertIfAbsentOrNormal(ctx context.Context, record *model.ModerationRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.records[moderationKey{record.Kind, record.Subject}]; ok && cur.Status != model.ModerationNormal {
		return false, nil
	}
	r.upsertLocked(record)
	return true, nil
}

func (r *MemoryModerationRepo) upsertLocked(record *model.ModerationRecord) {
	now := r.now()
	key := moderationKey{record.Kind, record.Subject}
	c := *record
	c.UpdatedAt = now
	if cur, ok := r.records[key]; ok {
		c.CreatedAt = cur.CreatedAt
	} else {
		c.CreatedAt = now
	}
	r.records[key] = &c
	record.CreatedAt = c.CreatedAt
	record.UpdatedAt = c.UpdatedAt
}

func (r *MemoryModerationRepo) Delete(ctx context.Context, kind model.SubjectKind, subject string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := moderationKey{kind, subject}
	if _, ok := r.records[key]; !ok {
		return false, nil
	}
	delete(r.records, key)
	return true, nil
}

func (r *MemoryModerationRepo) List(ctx context.Context, kind model.SubjectKind) ([]*model.ModerationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.ModerationRecord
	for k, rec := range r.records {
		if k.kind != kind {
			continue
		}
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Subject < out[j].Subject
	})
	return out, nil
}

var _ ModerationRepository = (*MemoryModerationRepo)(nil)
