package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
)

// hostRequest は1件のリクエスト記録。
type hostRequest struct {
	at        time.Time
	throttled bool
}

// MemoryRateWindowRepo はプロセス内メモリを使用したRateWindowRepositoryの実装。
// ホストごとにリクエスト時刻をそのまま保持し、集計範囲の境界で丸めない。
type MemoryRateWindowRepo struct {
	mu       sync.Mutex
	requests map[string][]hostRequest
}

// NewMemoryRateWindowRepo はMemoryRateWindowRepoを生成する。
func NewMemoryRateWindowRepo() *MemoryRateWindowRepo {
	return &MemoryRateWindowRepo{
		requests: make(map[string][]hostRequest),
	}
}

func (r *MemoryRateWindowRepo) Record(ctx context.Context, host string, at time.Time, throttled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests[host] = append(r.requests[host], hostRequest{at: at.UTC(), throttled: throttled})
	return nil
}

func (r *MemoryRateWindowRepo) Summaries(ctx context.Context, since time.Time) ([]model.HostRateWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.HostRateWindow
	for host := range r.requests {
		if s := r.summaryLocked(host, since); s.RequestCount > 0 {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteHost < out[j].RemoteHost })
	return out, nil
}

func (r *MemoryRateWindowRepo) Summary(ctx context.Context, host string, since time.Time) (model.HostRateWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.summaryLocked(host, since), nil
}

// summaryLocked はsince以降（sinceを含む）のリクエストを合算する。
func (r *MemoryRateWindowRepo) summaryLocked(host string, since time.Time) model.HostRateWindow {
	sum := model.HostRateWindow{RemoteHost: host, WindowStart: since}
	for _, req := range r.requests[host] {
		if req.at.Before(since) {
			continue
		}
		sum.RequestCount++
		if req.throttled {
			sum.ThrottledCount++
		}
		if req.at.After(sum.LatestRequestAt) {
			sum.LatestRequestAt = req.at
		}
	}
	return sum
}

// Prune はbeforeより前のリクエスト記録を削除し、削除件数を返す。
func (r *MemoryRateWindowRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for host, reqs := range r.requests {
		kept := reqs[:0]
		for _, req := range reqs {
			if req.at.Before(before) {
				removed++
				continue
			}
			kept = append(kept, req)
		}
		if len(kept) == 0 {
			delete(r.requests, host)
			continue
		}
		r.requests[host] = kept
	}
	return removed, nil
}

var _ RateWindowRepository = (*MemoryRateWindowRepo)(nil)
